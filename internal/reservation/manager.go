package reservation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"stock_reserve/internal/model"
	"stock_reserve/internal/notify"
	"stock_reserve/internal/stock"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultTTL bounds how long an unpaid checkout may hold stock.
const DefaultTTL = 15 * time.Minute

var (
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrNotCommittable: an order tried to go paid but a backing
	// reservation already expired or was released.
	ErrNotCommittable = errors.New("reservation no longer committable")
	// ErrOrderMismatch marks a consistency violation: a commit attempt
	// against a reservation linked to a different order. Logged loudly,
	// never silently corrected.
	ErrOrderMismatch = errors.New("reservation linked to a different order")
)

// InsufficientStockError is the normal losing outcome of a reservation
// race. Available is surfaced to the shopper.
type InsufficientStockError struct {
	ProductID uint
	VariantID *uint
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	if e.VariantID != nil {
		return fmt.Sprintf("insufficient stock for product %d variant %d: requested %d, available %d",
			e.ProductID, *e.VariantID, e.Requested, e.Available)
	}
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// Manager owns the reservation lifecycle and the invariant that active
// reservations plus committed deductions never exceed physical stock.
// Creation uses a single conditional insert; every later state change
// is a conditional update on the observed status.
type Manager struct {
	db     *gorm.DB
	ledger *stock.Ledger
	ttl    time.Duration
	pub    notify.Publisher
}

func NewManager(db *gorm.DB, ledger *stock.Ledger, ttl time.Duration, pub notify.Publisher) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if pub == nil {
		pub = notify.NopPublisher{}
	}
	return &Manager{db: db, ledger: ledger, ttl: ttl, pub: pub}
}

// TTL returns the configured reservation time-to-live.
func (m *Manager) TTL() time.Duration { return m.ttl }

// reserveProductSQL inserts the hold only when availability still
// covers it, as ONE statement: physical stock minus the active
// reservation sum is evaluated inside the insert itself, so there is no
// window for a concurrent caller to interleave between check and write.
const reserveProductSQL = `
INSERT INTO reservations
  (created_at, updated_at, reservation_id, product_id, requester_id, quantity, status, expires_at, order_no)
SELECT ?, ?, ?, ?, ?, ?, 'active', ?, ''
WHERE (
    (SELECT stock FROM products WHERE id = ? AND deleted_at IS NULL)
  - (SELECT COALESCE(SUM(quantity), 0) FROM reservations
       WHERE product_id = ? AND variant_id IS NULL AND status = 'active' AND deleted_at IS NULL)
) >= ?
`

const reserveVariantSQL = `
INSERT INTO reservations
  (created_at, updated_at, reservation_id, product_id, variant_id, requester_id, quantity, status, expires_at, order_no)
SELECT ?, ?, ?, ?, ?, ?, ?, 'active', ?, ''
WHERE (
    (SELECT stock FROM variants WHERE id = ? AND product_id = ? AND deleted_at IS NULL)
  - (SELECT COALESCE(SUM(quantity), 0) FROM reservations
       WHERE product_id = ? AND variant_id = ? AND status = 'active' AND deleted_at IS NULL)
) >= ?
`

// CreateReservation atomically checks availability and inserts an
// active hold via a conditional INSERT ... SELECT: the no-oversell
// check and the write are one statement, so two concurrent callers
// fighting over the last units get exactly one winner. Driver lock
// conflicts are retried a bounded number of times with backoff;
// insufficiency is returned immediately, it is not retryable.
func (m *Manager) CreateReservation(ctx context.Context, productID uint, variantID *uint, quantity int64, requesterID string) (*model.Reservation, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be > 0, got %d", quantity)
	}
	if requesterID == "" {
		return nil, fmt.Errorf("requester id is required")
	}

	// Not-found must stay distinct from insufficiency: the former is
	// permanent, the latter is a race outcome.
	if _, err := m.ledger.PhysicalStock(m.db.WithContext(ctx), productID, variantID); err != nil {
		return nil, err
	}

	reservationID := uuid.New().String()
	expiresAt := time.Now().Add(m.ttl)

	var inserted bool
	err := withRetry(ctx, 3, func() error {
		now := time.Now()
		var result *gorm.DB
		if variantID != nil {
			result = m.db.WithContext(ctx).Exec(reserveVariantSQL,
				now, now, reservationID, productID, *variantID, requesterID, quantity, expiresAt,
				*variantID, productID, productID, *variantID, quantity)
		} else {
			result = m.db.WithContext(ctx).Exec(reserveProductSQL,
				now, now, reservationID, productID, requesterID, quantity, expiresAt,
				productID, productID, quantity)
		}
		if result.Error != nil {
			return result.Error
		}
		inserted = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		available, lerr := m.ledger.AvailableStock(m.db.WithContext(ctx), productID, variantID)
		if lerr != nil {
			available = 0
		}
		return nil, &InsufficientStockError{
			ProductID: productID,
			VariantID: variantID,
			Requested: quantity,
			Available: max64(available, 0),
		}
	}
	return m.Get(ctx, reservationID)
}

// LinkOrder attaches a just-created order to a still-active reservation.
func (m *Manager) LinkOrder(ctx context.Context, reservationID, orderNo string) error {
	result := m.db.WithContext(ctx).Model(&model.Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID, model.ReservationActive).
		Update("order_no", orderNo)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotCommittable
	}
	return nil
}

// CommitReservation converts an active hold into a permanent stock
// deduction for the paying order. Idempotent: a reservation already
// committed (or in any other terminal state) yields false and no stock
// change.
func (m *Manager) CommitReservation(ctx context.Context, reservationID, orderNo string) (bool, error) {
	var committed *model.Reservation
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, ok, err := m.commitOne(tx, reservationID, orderNo)
		if err != nil {
			return err
		}
		committed = nil
		if ok {
			committed = res
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if committed == nil {
		return false, nil
	}
	m.publish(ctx, notify.Message{
		Kind:          notify.KindReservationCommitted,
		OrderNo:       orderNo,
		ReservationID: committed.ReservationID,
		ProductID:     committed.ProductID,
		Quantity:      committed.Quantity,
	})
	return true, nil
}

// commitOne runs the commit inside the caller's transaction so the
// order state machine can compose it with the paid transition.
func (m *Manager) commitOne(tx *gorm.DB, reservationID, orderNo string) (*model.Reservation, bool, error) {
	var res model.Reservation
	err := tx.Where("reservation_id = ?", reservationID).First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrReservationNotFound
		}
		return nil, false, err
	}
	if res.OrderNo != "" && res.OrderNo != orderNo {
		log.Printf("reservation %s commit by order %s but linked to %s, integrity defect",
			reservationID, orderNo, res.OrderNo)
		return nil, false, ErrOrderMismatch
	}
	if res.Status != model.ReservationActive {
		// Late or duplicate confirmation; recoverable no-op.
		return &res, false, nil
	}

	// Conditional update: if the expiry sweep got here first this
	// affects zero rows and the commit loses the race cleanly.
	result := tx.Model(&model.Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID, model.ReservationActive).
		Updates(map[string]any{
			"status":   model.ReservationCommitted,
			"order_no": orderNo,
		})
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		return &res, false, nil
	}
	if err := decrementPhysical(tx, res.ProductID, res.VariantID, res.Quantity); err != nil {
		return nil, false, err
	}
	res.Status = model.ReservationCommitted
	res.OrderNo = orderNo
	return &res, true, nil
}

// CommitOrderReservations commits every reservation backing orderNo
// inside the caller's transaction. If any backing reservation is no
// longer committable (expired, released, or missing) the whole
// transaction must fail: money was authorized but stock is gone, which
// is the compensation path, not a success.
func (m *Manager) CommitOrderReservations(tx *gorm.DB, orderNo string) ([]model.Reservation, error) {
	var list []model.Reservation
	if err := tx.Where("order_no = ?", orderNo).Find(&list).Error; err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("order %s: %w", orderNo, ErrNotCommittable)
	}

	committed := make([]model.Reservation, 0, len(list))
	for _, r := range list {
		switch r.Status {
		case model.ReservationActive:
			res, ok, err := m.commitOne(tx, r.ReservationID, orderNo)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("reservation %s: %w", r.ReservationID, ErrNotCommittable)
			}
			committed = append(committed, *res)
		case model.ReservationCommitted:
			// already converted, nothing to do
		default:
			return nil, fmt.Errorf("reservation %s is %s: %w", r.ReservationID, r.Status, ErrNotCommittable)
		}
	}
	return committed, nil
}

// ReleaseReservation voluntarily cancels an active hold, returning the
// stock immediately. No-op (false) for any non-active reservation.
func (m *Manager) ReleaseReservation(ctx context.Context, reservationID string) (bool, error) {
	var released model.Reservation
	var ok bool
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		released, ok, err = releaseOne(tx, reservationID)
		return err
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	m.publish(ctx, notify.Message{
		Kind:          notify.KindReservationReleased,
		OrderNo:       released.OrderNo,
		ReservationID: released.ReservationID,
		ProductID:     released.ProductID,
		Quantity:      released.Quantity,
	})
	return true, nil
}

func releaseOne(tx *gorm.DB, reservationID string) (model.Reservation, bool, error) {
	var res model.Reservation
	err := tx.Where("reservation_id = ?", reservationID).First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Reservation{}, false, ErrReservationNotFound
		}
		return model.Reservation{}, false, err
	}
	result := tx.Model(&model.Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID, model.ReservationActive).
		Update("status", model.ReservationReleased)
	if result.Error != nil {
		return model.Reservation{}, false, result.Error
	}
	if result.RowsAffected == 0 {
		return res, false, nil
	}
	res.Status = model.ReservationReleased
	return res, true, nil
}

// ReleaseOrderReservations releases all still-active reservations of an
// order inside the caller's transaction and returns them so the caller
// can publish after its transaction commits. Used by the cancellation
// path.
func (m *Manager) ReleaseOrderReservations(tx *gorm.DB, orderNo string) ([]model.Reservation, error) {
	var list []model.Reservation
	if err := tx.Where("order_no = ? AND status = ?", orderNo, model.ReservationActive).
		Find(&list).Error; err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	result := tx.Model(&model.Reservation{}).
		Where("order_no = ? AND status = ?", orderNo, model.ReservationActive).
		Update("status", model.ReservationReleased)
	if result.Error != nil {
		return nil, result.Error
	}
	for i := range list {
		list[i].Status = model.ReservationReleased
	}
	return list, nil
}

// RestoreCommittedStock compensates a post-commit cancellation: physical
// stock deducted by the order's committed reservations is added back.
// The reservations stay committed (terminal, immutable); running this
// at most once is guaranteed by cancelled/refunded being terminal order
// states.
func (m *Manager) RestoreCommittedStock(tx *gorm.DB, orderNo string) (int64, error) {
	var list []model.Reservation
	err := tx.Where("order_no = ? AND status = ?", orderNo, model.ReservationCommitted).
		Find(&list).Error
	if err != nil {
		return 0, err
	}
	var restored int64
	for _, r := range list {
		if err := restorePhysical(tx, r.ProductID, r.VariantID, r.Quantity); err != nil {
			return 0, err
		}
		restored += r.Quantity
	}
	return restored, nil
}

// ExpireStaleReservations reclaims stock from abandoned checkouts: every
// active reservation past its expiry flips to expired in one batch
// update. Racing commits are settled by the conditional update: a
// reservation committed first is no longer active and is skipped.
func (m *Manager) ExpireStaleReservations(ctx context.Context, now time.Time) (int64, error) {
	var stale []model.Reservation
	var count int64
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND expires_at <= ?", model.ReservationActive, now).
			Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			count = 0
			return nil
		}
		result := tx.Model(&model.Reservation{}).
			Where("status = ? AND expires_at <= ?", model.ReservationActive, now).
			Update("status", model.ReservationExpired)
		if result.Error != nil {
			return result.Error
		}
		count = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, r := range stale {
		m.publish(ctx, notify.Message{
			Kind:          notify.KindReservationExpired,
			OrderNo:       r.OrderNo,
			ReservationID: r.ReservationID,
			ProductID:     r.ProductID,
			Quantity:      r.Quantity,
		})
	}
	return count, nil
}

// Get loads a reservation by its public id.
func (m *Manager) Get(ctx context.Context, reservationID string) (*model.Reservation, error) {
	var res model.Reservation
	err := m.db.WithContext(ctx).Where("reservation_id = ?", reservationID).First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return &res, nil
}

func (m *Manager) publish(ctx context.Context, msg notify.Message) {
	msg.OccurredAt = time.Now()
	if err := m.pub.Publish(ctx, msg); err != nil {
		log.Printf("reservation notify %s: %v", msg.Kind, err)
	}
}

// decrementPhysical deducts committed quantity from the owning row. The
// stock >= qty guard can only miss on a data-integrity defect, so a
// zero-row update is an error, not a retry.
func decrementPhysical(tx *gorm.DB, productID uint, variantID *uint, qty int64) error {
	var result *gorm.DB
	if variantID != nil {
		result = tx.Model(&model.Variant{}).
			Where("id = ? AND stock >= ?", *variantID, qty).
			Update("stock", gorm.Expr("stock - ?", qty))
	} else {
		result = tx.Model(&model.Product{}).
			Where("id = ? AND stock >= ?", productID, qty).
			Update("stock", gorm.Expr("stock - ?", qty))
	}
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("physical stock underflow for product %d (variant %v), qty %d", productID, variantID, qty)
	}
	return nil
}

func restorePhysical(tx *gorm.DB, productID uint, variantID *uint, qty int64) error {
	if variantID != nil {
		return tx.Model(&model.Variant{}).
			Where("id = ?", *variantID).
			Update("stock", gorm.Expr("stock + ?", qty)).Error
	}
	return tx.Model(&model.Product{}).
		Where("id = ?", productID).
		Update("stock", gorm.Expr("stock + ?", qty)).Error
}

// withRetry re-runs fn on transient lock/serialization conflicts with
// jittered exponential backoff. Business errors pass through untouched.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		delay := time.Duration(1<<i)*25*time.Millisecond + time.Duration(rand.Intn(20))*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// retryable sniffs driver error strings the same way the unique-conflict
// check does; there is no portable typed error across sqlite/mysql/pg.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "database is locked") ||
		strings.Contains(s, "database table is locked") ||
		strings.Contains(s, "busy") ||
		strings.Contains(s, "deadlock") ||
		strings.Contains(s, "serialization")
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
