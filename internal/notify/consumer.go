package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/segmentio/kafka-go"
)

// Dispatcher handles one delivered notification (send an email, ping an
// ops channel). Errors are logged, not retried: notifications are
// fire-and-forget and never gate the core's correctness.
type Dispatcher func(ctx context.Context, msg Message) error

// LogDispatcher just records the notification. Stand-in for the real
// email dispatcher, which lives outside this service.
func LogDispatcher(_ context.Context, msg Message) error {
	log.Printf("notify dispatch kind=%s order=%s reservation=%s to=%s",
		msg.Kind, msg.OrderNo, msg.ReservationID, msg.ToStatus)
	return nil
}

// Consumer reads the notification topic and hands each message to the
// dispatcher.
type Consumer struct {
	r        *kafka.Reader
	dispatch Dispatcher
}

func NewConsumer(brokers []string, topic, groupID string, dispatch Dispatcher) *Consumer {
	if dispatch == nil {
		dispatch = LogDispatcher
	}
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		dispatch: dispatch,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return // ctx cancelled or connection lost
		}

		var msg Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			log.Printf("notify consumer unmarshal: %v", err)
			continue
		}
		if err := c.dispatch(ctx, msg); err != nil {
			log.Printf("notify consumer dispatch kind=%s: %v", msg.Kind, err)
		}
	}
}
