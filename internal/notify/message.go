package notify

import (
	"fmt"
	"time"
)

// Notification kinds consumed by the dispatcher (emails, ops alerts).
const (
	KindReservationCommitted = "reservation.committed"
	KindReservationReleased  = "reservation.released"
	KindReservationExpired   = "reservation.expired"
	KindOrderTransition      = "order.transition"
	KindWebhookArchived      = "webhook.archived"
)

// Message is one fire-and-forget notification event. It is written flat
// to the redis outbox stream and forwarded to Kafka as JSON; it carries
// no state the core depends on.
type Message struct {
	Kind          string    `json:"kind"`
	OrderNo       string    `json:"order_no,omitempty"`
	ReservationID string    `json:"reservation_id,omitempty"`
	ProductID     uint      `json:"product_id,omitempty"`
	Quantity      int64     `json:"quantity,omitempty"`
	FromStatus    string    `json:"from_status,omitempty"`
	ToStatus      string    `json:"to_status,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Validate keeps dirty entries out of the pipeline before they reach
// the consumer.
func (m Message) Validate() error {
	switch m.Kind {
	case KindReservationCommitted, KindReservationReleased, KindReservationExpired:
		if m.ReservationID == "" {
			return fmt.Errorf("reservation_id is required for %s", m.Kind)
		}
	case KindOrderTransition:
		if m.OrderNo == "" {
			return fmt.Errorf("order_no is required for %s", m.Kind)
		}
		if m.ToStatus == "" {
			return fmt.Errorf("to_status is required for %s", m.Kind)
		}
	case KindWebhookArchived:
		// order_no may be empty when the event never matched an order
	default:
		return fmt.Errorf("unknown notification kind %q", m.Kind)
	}
	return nil
}

// Key groups messages for the same order (or reservation) onto the same
// Kafka partition so the dispatcher sees them in order.
func (m Message) Key() string {
	if m.OrderNo != "" {
		return m.OrderNo
	}
	return m.ReservationID
}
