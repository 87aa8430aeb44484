package orderstate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"stock_reserve/internal/model"
	"stock_reserve/internal/notify"
	"stock_reserve/internal/reservation"

	"gorm.io/gorm"
)

// Status is the closed order-status enumeration. Transitions only move
// along validNext edges; everything else is rejected.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPaid       Status = "paid"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusFulfilled  Status = "fulfilled"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusPaid: true, StatusCancelled: true},
	StatusPaid:       {StatusConfirmed: true, StatusCancelled: true, StatusRefunded: true},
	StatusConfirmed:  {StatusProcessing: true, StatusCancelled: true},
	StatusProcessing: {StatusFulfilled: true, StatusCancelled: true},
	StatusFulfilled:  {StatusShipped: true, StatusCancelled: true},
	StatusShipped:    {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered:  {StatusRefunded: true},
	StatusCancelled:  {},
	StatusRefunded:   {},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// LegalNext lists the allowed destinations from a status, sorted for
// stable display.
func LegalNext(from Status) []Status {
	out := make([]Status, 0, len(validNext[from]))
	for s := range validNext[from] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Known reports whether s is part of the enumeration.
func Known(s Status) bool {
	_, ok := validNext[s]
	return ok
}

// Statuses enumerates every known status.
func Statuses() []Status {
	out := make([]Status, 0, len(validNext))
	for s := range validNext {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var ErrOrderNotFound = errors.New("order not found")

// InvalidTransitionError rejects an illegal edge and carries the legal
// destinations for the caller's UI.
type InvalidTransitionError struct {
	OrderNo string
	From    Status
	Target  Status
	Legal   []Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: illegal transition %s -> %s (legal: %v)",
		e.OrderNo, e.From, e.Target, e.Legal)
}

// Machine applies order-status transitions with their side effects:
// timestamps, audit events, reservation commit on paid, stock release
// or restoration on cancelled.
type Machine struct {
	db           *gorm.DB
	reservations *reservation.Manager
	pub          notify.Publisher
}

func NewMachine(db *gorm.DB, reservations *reservation.Manager, pub notify.Publisher) *Machine {
	if pub == nil {
		pub = notify.NopPublisher{}
	}
	return &Machine{db: db, reservations: reservations, pub: pub}
}

// Transition moves an order to target if the edge is legal. It runs as
// one transaction with the side effects of the target status, so stock
// and order state can never diverge:
//
//   - paid: every backing reservation is committed in the same tx; if
//     any is no longer committable the whole transition fails and the
//     caller must route the order toward cancellation/refund.
//   - cancelled: still-active reservations are released, and stock
//     already deducted by committed reservations is restored.
//
// Re-applying the current status is an idempotent no-op.
func (m *Machine) Transition(ctx context.Context, orderNo string, target Status, actor, note string) (*model.Order, error) {
	if !Known(target) {
		return nil, fmt.Errorf("unknown order status %q", target)
	}

	var order model.Order
	var from Status
	var noop bool
	var committed, released []model.Reservation
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("order_no = ?", orderNo).First(&order).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return err
		}

		from = Status(order.Status)
		if from == target {
			noop = true
			return nil // already there; no timestamps, no audit row
		}
		if !CanTransition(from, target) {
			return &InvalidTransitionError{
				OrderNo: orderNo,
				From:    from,
				Target:  target,
				Legal:   LegalNext(from),
			}
		}

		switch target {
		case StatusPaid:
			list, err := m.reservations.CommitOrderReservations(tx, orderNo)
			if err != nil {
				return err
			}
			committed = list
		case StatusCancelled:
			list, err := m.reservations.ReleaseOrderReservations(tx, orderNo)
			if err != nil {
				return err
			}
			released = list
			restored, err := m.reservations.RestoreCommittedStock(tx, orderNo)
			if err != nil {
				return err
			}
			if restored > 0 && note == "" {
				note = fmt.Sprintf("restored %d units of committed stock", restored)
			}
		}

		now := time.Now()
		updates := map[string]any{"status": string(target)}
		if col := stamp(&order, target, now); col != "" {
			updates[col] = now
		}
		// Conditional on the observed source status: a racing transition
		// that got in first makes this affect zero rows.
		result := tx.Model(&model.Order{}).
			Where("order_no = ? AND status = ?", orderNo, string(from)).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return &InvalidTransitionError{
				OrderNo: orderNo,
				From:    from,
				Target:  target,
				Legal:   LegalNext(from),
			}
		}
		order.Status = string(target)

		return tx.Create(&model.OrderEvent{
			OrderNo:    orderNo,
			FromStatus: string(from),
			ToStatus:   string(target),
			Actor:      actor,
			Note:       note,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	if !noop {
		m.publishTransition(ctx, &order, from, target, actor)
		m.publishReservations(ctx, notify.KindReservationCommitted, committed)
		m.publishReservations(ctx, notify.KindReservationReleased, released)
	}
	return &order, nil
}

// Get loads an order with its audit trail.
func (m *Machine) Get(ctx context.Context, orderNo string) (*model.Order, []model.OrderEvent, error) {
	var order model.Order
	err := m.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrOrderNotFound
		}
		return nil, nil, err
	}
	var events []model.OrderEvent
	err = m.db.WithContext(ctx).
		Where("order_no = ?", orderNo).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, nil, err
	}
	return &order, events, nil
}

// stamp sets the status-specific timestamp on the struct and returns its
// column name. Stamped once: an already-set field is left alone.
func stamp(order *model.Order, target Status, now time.Time) string {
	set := func(field **time.Time, col string) string {
		if *field != nil {
			return ""
		}
		t := now
		*field = &t
		return col
	}
	switch target {
	case StatusPaid:
		return set(&order.PaidAt, "paid_at")
	case StatusConfirmed:
		return set(&order.ConfirmedAt, "confirmed_at")
	case StatusProcessing:
		return set(&order.ProcessingAt, "processing_at")
	case StatusFulfilled:
		return set(&order.FulfilledAt, "fulfilled_at")
	case StatusShipped:
		return set(&order.ShippedAt, "shipped_at")
	case StatusDelivered:
		return set(&order.DeliveredAt, "delivered_at")
	case StatusCancelled:
		return set(&order.CancelledAt, "cancelled_at")
	case StatusRefunded:
		return set(&order.RefundedAt, "refunded_at")
	}
	return ""
}

func (m *Machine) publishTransition(ctx context.Context, order *model.Order, from, target Status, actor string) {
	// Best effort; a failed notification never fails the transition.
	err := m.pub.Publish(ctx, notify.Message{
		Kind:       notify.KindOrderTransition,
		OrderNo:    order.OrderNo,
		FromStatus: string(from),
		ToStatus:   string(target),
		Actor:      actor,
		OccurredAt: time.Now(),
	})
	if err != nil {
		log.Printf("order %s notify transition -> %s: %v", order.OrderNo, target, err)
	}
}

// publishReservations emits the lifecycle notifications for reservations
// the transition committed or released as a side effect.
func (m *Machine) publishReservations(ctx context.Context, kind string, list []model.Reservation) {
	for _, r := range list {
		err := m.pub.Publish(ctx, notify.Message{
			Kind:          kind,
			OrderNo:       r.OrderNo,
			ReservationID: r.ReservationID,
			ProductID:     r.ProductID,
			Quantity:      r.Quantity,
			OccurredAt:    time.Now(),
		})
		if err != nil {
			log.Printf("order %s notify %s reservation %s: %v", r.OrderNo, kind, r.ReservationID, err)
		}
	}
}
