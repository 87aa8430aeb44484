package orderstate

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"stock_reserve/internal/model"
	"stock_reserve/internal/notify"
	"stock_reserve/internal/reservation"
	"stock_reserve/internal/stock"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Product{},
		&model.Variant{},
		&model.Reservation{},
		&model.Order{},
		&model.OrderItem{},
		&model.OrderEvent{},
	))
	return db
}

type fixture struct {
	db        *gorm.DB
	mgr       *reservation.Manager
	machine   *Machine
	productID uint
}

func newFixture(t *testing.T, stockQty int64) *fixture {
	t.Helper()
	db := openTestDB(t)
	mgr := reservation.NewManager(db, stock.NewLedger(), time.Minute, nil)
	p := &model.Product{Name: "widget", Stock: stockQty, PriceCents: 1000}
	require.NoError(t, db.Create(p).Error)
	return &fixture{
		db:        db,
		mgr:       mgr,
		machine:   NewMachine(db, mgr, nil),
		productID: p.ID,
	}
}

// newOrder creates a pending order backed by an active reservation of
// qty units, the shape checkout produces.
func (f *fixture) newOrder(t *testing.T, qty int64) string {
	t.Helper()
	ctx := context.Background()
	res, err := f.mgr.CreateReservation(ctx, f.productID, nil, qty, "user-1")
	require.NoError(t, err)

	orderNo := uuid.New().String()
	require.NoError(t, f.db.Create(&model.Order{
		OrderNo:    orderNo,
		UserID:     "user-1",
		Status:     string(StatusPending),
		TotalCents: qty * 1000,
	}).Error)
	require.NoError(t, f.mgr.LinkOrder(ctx, res.ReservationID, orderNo))
	return orderNo
}

// forceStatus walks an order to the given status via legal edges only,
// exercising side effects (reservation commit on paid) along the way.
func (f *fixture) forceStatus(t *testing.T, orderNo string, target Status) {
	t.Helper()
	path := map[Status][]Status{
		StatusPending:    {},
		StatusPaid:       {StatusPaid},
		StatusConfirmed:  {StatusPaid, StatusConfirmed},
		StatusProcessing: {StatusPaid, StatusConfirmed, StatusProcessing},
		StatusFulfilled:  {StatusPaid, StatusConfirmed, StatusProcessing, StatusFulfilled},
		StatusShipped:    {StatusPaid, StatusConfirmed, StatusProcessing, StatusFulfilled, StatusShipped},
		StatusDelivered:  {StatusPaid, StatusConfirmed, StatusProcessing, StatusFulfilled, StatusShipped, StatusDelivered},
		StatusCancelled:  {StatusCancelled},
		StatusRefunded:   {StatusPaid, StatusRefunded},
	}
	for _, step := range path[target] {
		_, err := f.machine.Transition(context.Background(), orderNo, step, "test", "")
		require.NoError(t, err)
	}
}

func statusTimestamp(order *model.Order, s Status) *time.Time {
	switch s {
	case StatusPaid:
		return order.PaidAt
	case StatusConfirmed:
		return order.ConfirmedAt
	case StatusProcessing:
		return order.ProcessingAt
	case StatusFulfilled:
		return order.FulfilledAt
	case StatusShipped:
		return order.ShippedAt
	case StatusDelivered:
		return order.DeliveredAt
	case StatusCancelled:
		return order.CancelledAt
	case StatusRefunded:
		return order.RefundedAt
	}
	return nil
}

func TestTransitionTableEnforcedExhaustively(t *testing.T) {
	all := Statuses()
	for _, from := range all {
		for _, target := range all {
			from, target := from, target
			t.Run(fmt.Sprintf("%s_to_%s", from, target), func(t *testing.T) {
				f := newFixture(t, 100)
				orderNo := f.newOrder(t, 1)
				f.forceStatus(t, orderNo, from)

				order, err := f.machine.Transition(context.Background(), orderNo, target, "test", "")
				switch {
				case from == target:
					assert.NoError(t, err, "re-applying the current status is a no-op")
				case CanTransition(from, target):
					require.NoError(t, err)
					assert.NotNil(t, statusTimestamp(order, target), "legal edge must stamp the %s timestamp", target)
				default:
					var invalid *InvalidTransitionError
					require.ErrorAs(t, err, &invalid)
					assert.Equal(t, from, invalid.From)
					assert.Equal(t, target, invalid.Target)
					assert.Equal(t, LegalNext(from), invalid.Legal)
				}
			})
		}
	}
}

func TestPaidCommitsReservations(t *testing.T) {
	f := newFixture(t, 10)
	orderNo := f.newOrder(t, 3)
	ctx := context.Background()

	order, err := f.machine.Transition(ctx, orderNo, StatusPaid, "payment", "")
	require.NoError(t, err)
	assert.Equal(t, string(StatusPaid), order.Status)

	var p model.Product
	require.NoError(t, f.db.First(&p, f.productID).Error)
	assert.Equal(t, int64(7), p.Stock)

	var res model.Reservation
	require.NoError(t, f.db.Where("order_no = ?", orderNo).First(&res).Error)
	assert.Equal(t, model.ReservationCommitted, res.Status)

	got, events, err := f.machine.Get(ctx, orderNo)
	require.NoError(t, err)
	require.NotNil(t, got.PaidAt)
	assert.WithinDuration(t, time.Now(), *got.PaidAt, 5*time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, string(StatusPending), events[0].FromStatus)
	assert.Equal(t, string(StatusPaid), events[0].ToStatus)
	assert.Equal(t, "payment", events[0].Actor)
}

func TestPaidFailsWhenReservationExpired(t *testing.T) {
	db := openTestDB(t)
	mgr := reservation.NewManager(db, stock.NewLedger(), 10*time.Millisecond, nil)
	machine := NewMachine(db, mgr, nil)
	p := &model.Product{Name: "widget", Stock: 10, PriceCents: 1000}
	require.NoError(t, db.Create(p).Error)
	ctx := context.Background()

	res, err := mgr.CreateReservation(ctx, p.ID, nil, 2, "user-1")
	require.NoError(t, err)
	orderNo := uuid.New().String()
	require.NoError(t, db.Create(&model.Order{
		OrderNo: orderNo, UserID: "user-1", Status: string(StatusPending), TotalCents: 2000,
	}).Error)
	require.NoError(t, mgr.LinkOrder(ctx, res.ReservationID, orderNo))

	time.Sleep(20 * time.Millisecond)
	_, err = mgr.ExpireStaleReservations(ctx, time.Now())
	require.NoError(t, err)

	_, err = machine.Transition(ctx, orderNo, StatusPaid, "payment", "")
	assert.ErrorIs(t, err, reservation.ErrNotCommittable)

	// The failed transition must leave the order untouched.
	got, _, err := machine.Get(ctx, orderNo)
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), got.Status)
	assert.Nil(t, got.PaidAt)
}

func TestCancelReleasesActiveReservation(t *testing.T) {
	f := newFixture(t, 10)
	orderNo := f.newOrder(t, 4)
	ctx := context.Background()

	_, err := f.machine.Transition(ctx, orderNo, StatusCancelled, "user", "changed my mind")
	require.NoError(t, err)

	var res model.Reservation
	require.NoError(t, f.db.Where("order_no = ?", orderNo).First(&res).Error)
	assert.Equal(t, model.ReservationReleased, res.Status)

	available, err := stock.NewLedger().AvailableStock(f.db, f.productID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), available)
}

func TestCancelAfterPaidRestoresStock(t *testing.T) {
	f := newFixture(t, 10)
	orderNo := f.newOrder(t, 3)
	ctx := context.Background()

	_, err := f.machine.Transition(ctx, orderNo, StatusPaid, "payment", "")
	require.NoError(t, err)
	var p model.Product
	require.NoError(t, f.db.First(&p, f.productID).Error)
	require.Equal(t, int64(7), p.Stock)

	_, err = f.machine.Transition(ctx, orderNo, StatusCancelled, "support", "")
	require.NoError(t, err)

	require.NoError(t, f.db.First(&p, f.productID).Error)
	assert.Equal(t, int64(10), p.Stock)

	// Compensation is recorded on the audit trail.
	_, events, err := f.machine.Get(ctx, orderNo)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Contains(t, events[1].Note, "restored 3 units")
}

func TestRefundDoesNotRestoreStock(t *testing.T) {
	f := newFixture(t, 10)
	orderNo := f.newOrder(t, 3)
	ctx := context.Background()

	f.forceStatus(t, orderNo, StatusDelivered)
	var p model.Product
	require.NoError(t, f.db.First(&p, f.productID).Error)
	require.Equal(t, int64(7), p.Stock)

	_, err := f.machine.Transition(ctx, orderNo, StatusRefunded, "support", "")
	require.NoError(t, err)

	// Goods may already be with the customer; refunds move money, not stock.
	require.NoError(t, f.db.First(&p, f.productID).Error)
	assert.Equal(t, int64(7), p.Stock)
}

func TestTransitionIdempotentReapply(t *testing.T) {
	f := newFixture(t, 10)
	orderNo := f.newOrder(t, 2)
	ctx := context.Background()

	first, err := f.machine.Transition(ctx, orderNo, StatusPaid, "payment", "")
	require.NoError(t, err)
	paidAt := *first.PaidAt

	again, err := f.machine.Transition(ctx, orderNo, StatusPaid, "payment", "")
	require.NoError(t, err)
	require.NotNil(t, again.PaidAt)
	assert.Equal(t, paidAt.Unix(), again.PaidAt.Unix(), "timestamp is stamped once")

	// No second audit row, no second stock deduction.
	_, events, err := f.machine.Get(ctx, orderNo)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	var p model.Product
	require.NoError(t, f.db.First(&p, f.productID).Error)
	assert.Equal(t, int64(8), p.Stock)
}

func TestTransitionUnknownOrder(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.machine.Transition(context.Background(), "missing", StatusPaid, "test", "")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestTransitionUnknownStatus(t *testing.T) {
	f := newFixture(t, 10)
	orderNo := f.newOrder(t, 1)
	_, err := f.machine.Transition(context.Background(), orderNo, Status("sideways"), "test", "")
	assert.Error(t, err)
}

// recordingPublisher captures notifications for assertions.
type recordingPublisher struct {
	messages []notify.Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg notify.Message) error {
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPublisher) ofKind(kind string) []notify.Message {
	var out []notify.Message
	for _, m := range p.messages {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func TestPaidTransitionPublishesCommittedReservations(t *testing.T) {
	db := openTestDB(t)
	mgr := reservation.NewManager(db, stock.NewLedger(), time.Minute, nil)
	pub := &recordingPublisher{}
	machine := NewMachine(db, mgr, pub)
	p := &model.Product{Name: "widget", Stock: 10, PriceCents: 1000}
	require.NoError(t, db.Create(p).Error)
	ctx := context.Background()

	res, err := mgr.CreateReservation(ctx, p.ID, nil, 3, "user-1")
	require.NoError(t, err)
	orderNo := uuid.New().String()
	require.NoError(t, db.Create(&model.Order{
		OrderNo: orderNo, UserID: "user-1", Status: string(StatusPending), TotalCents: 3000,
	}).Error)
	require.NoError(t, mgr.LinkOrder(ctx, res.ReservationID, orderNo))

	_, err = machine.Transition(ctx, orderNo, StatusPaid, "payment", "")
	require.NoError(t, err)

	transitions := pub.ofKind(notify.KindOrderTransition)
	require.Len(t, transitions, 1)
	assert.Equal(t, orderNo, transitions[0].OrderNo)

	committed := pub.ofKind(notify.KindReservationCommitted)
	require.Len(t, committed, 1)
	assert.Equal(t, res.ReservationID, committed[0].ReservationID)
	assert.Equal(t, int64(3), committed[0].Quantity)
	assert.Equal(t, orderNo, committed[0].OrderNo)
}

func TestCancelTransitionPublishesReleasedReservations(t *testing.T) {
	db := openTestDB(t)
	mgr := reservation.NewManager(db, stock.NewLedger(), time.Minute, nil)
	pub := &recordingPublisher{}
	machine := NewMachine(db, mgr, pub)
	p := &model.Product{Name: "widget", Stock: 10, PriceCents: 1000}
	require.NoError(t, db.Create(p).Error)
	ctx := context.Background()

	res, err := mgr.CreateReservation(ctx, p.ID, nil, 2, "user-1")
	require.NoError(t, err)
	orderNo := uuid.New().String()
	require.NoError(t, db.Create(&model.Order{
		OrderNo: orderNo, UserID: "user-1", Status: string(StatusPending), TotalCents: 2000,
	}).Error)
	require.NoError(t, mgr.LinkOrder(ctx, res.ReservationID, orderNo))

	_, err = machine.Transition(ctx, orderNo, StatusCancelled, "user", "")
	require.NoError(t, err)

	released := pub.ofKind(notify.KindReservationReleased)
	require.Len(t, released, 1)
	assert.Equal(t, res.ReservationID, released[0].ReservationID)
	assert.Equal(t, int64(2), released[0].Quantity)

	// A no-op re-application publishes nothing further.
	before := len(pub.messages)
	_, err = machine.Transition(ctx, orderNo, StatusCancelled, "user", "")
	require.NoError(t, err)
	assert.Len(t, pub.messages, before)
}

func TestLegalNextSorted(t *testing.T) {
	assert.Equal(t, []Status{StatusCancelled, StatusConfirmed, StatusRefunded}, LegalNext(StatusPaid))
	assert.Empty(t, LegalNext(StatusCancelled))
	assert.Empty(t, LegalNext(StatusRefunded))
}
