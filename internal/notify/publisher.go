package notify

import (
	"context"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// Publisher is the fire-and-forget notification hook the core services
// call after a state change. Implementations must not affect the
// caller's transaction outcome; callers log and continue on error.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// NopPublisher discards notifications. Used in tests and when the
// notification pipeline is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Message) error { return nil }

// StreamPublisher appends notifications to a redis stream acting as an
// outbox; the Relay forwards them to Kafka asynchronously so a slow or
// down broker never blocks a checkout or a sweep.
type StreamPublisher struct {
	rdb    *rd.Client
	stream string
}

func NewStreamPublisher(rdb *rd.Client, stream string) *StreamPublisher {
	return &StreamPublisher{rdb: rdb, stream: stream}
}

func (p *StreamPublisher) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	occurred := msg.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return p.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"kind":           msg.Kind,
			"order_no":       msg.OrderNo,
			"reservation_id": msg.ReservationID,
			"product_id":     strconv.FormatUint(uint64(msg.ProductID), 10),
			"quantity":       strconv.FormatInt(msg.Quantity, 10),
			"from_status":    msg.FromStatus,
			"to_status":      msg.ToStatus,
			"actor":          msg.Actor,
			"occurred_at":    occurred.Format(time.RFC3339Nano),
		},
	}).Err()
}
