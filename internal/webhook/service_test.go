package webhook

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"stock_reserve/internal/model"
	"stock_reserve/internal/orderstate"
	"stock_reserve/internal/reservation"
	"stock_reserve/internal/stock"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "test-secret"

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
		&model.WebhookEvent{},
	))
	return db
}

type fixture struct {
	db        *gorm.DB
	mgr       *reservation.Manager
	machine   *orderstate.Machine
	svc       *Service
	productID uint
}

func newFixture(t *testing.T, maxRetries int, backoffBase time.Duration) *fixture {
	t.Helper()
	db := openTestDB(t)
	mgr := reservation.NewManager(db, stock.NewLedger(), time.Minute, nil)
	machine := orderstate.NewMachine(db, mgr, nil)
	svc := NewService(db, machine, map[string]string{"stripe": testSecret},
		maxRetries, backoffBase, nil, nil)
	p := &model.Product{Name: "widget", Stock: 10, PriceCents: 1000}
	require.NoError(t, db.Create(p).Error)
	return &fixture{db: db, mgr: mgr, machine: machine, svc: svc, productID: p.ID}
}

// newOrder creates a pending order backed by an active reservation, as
// checkout would.
func (f *fixture) newOrder(t *testing.T, qty int64) string {
	t.Helper()
	ctx := context.Background()
	res, err := f.mgr.CreateReservation(ctx, f.productID, nil, qty, "user-1")
	require.NoError(t, err)
	orderNo := uuid.New().String()
	require.NoError(t, f.db.Create(&model.Order{
		OrderNo:    orderNo,
		UserID:     "user-1",
		Status:     string(orderstate.StatusPending),
		TotalCents: qty * 1000,
	}).Error)
	require.NoError(t, f.mgr.LinkOrder(ctx, res.ReservationID, orderNo))
	return orderNo
}

func signedPayload(t *testing.T, eventType, orderNo string) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]string{"type": eventType, "order_no": orderNo})
	require.NoError(t, err)
	return body, Sign(testSecret, body)
}

func TestReceiveEventMarksOrderPaid(t *testing.T) {
	f := newFixture(t, DefaultMaxRetries, DefaultBackoffBase)
	orderNo := f.newOrder(t, 2)
	body, sig := signedPayload(t, TypePaymentSucceeded, orderNo)

	result, ev, err := f.svc.ReceiveEvent(context.Background(), "stripe", "evt_1", body, sig)
	require.NoError(t, err)
	assert.Equal(t, Accepted, result)
	require.NotNil(t, ev)
	assert.Equal(t, model.WebhookProcessed, ev.Status)

	order, _, err := f.machine.Get(context.Background(), orderNo)
	require.NoError(t, err)
	assert.Equal(t, string(orderstate.StatusPaid), order.Status)

	var p model.Product
	require.NoError(t, f.db.First(&p, f.productID).Error)
	assert.Equal(t, int64(8), p.Stock)
}

func TestReceiveEventInvalidSignature(t *testing.T) {
	f := newFixture(t, DefaultMaxRetries, DefaultBackoffBase)
	orderNo := f.newOrder(t, 1)
	body, _ := signedPayload(t, TypePaymentSucceeded, orderNo)

	result, ev, err := f.svc.ReceiveEvent(context.Background(), "stripe", "evt_bad", body, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, InvalidSignature, result)
	assert.Nil(t, ev)

	// Stored as rejected for forensics, never processed.
	var stored model.WebhookEvent
	require.NoError(t, f.db.Where("external_event_id = ?", "evt_bad").First(&stored).Error)
	assert.Equal(t, model.WebhookRejected, stored.Status)
	assert.True(t, stored.Archived)

	order, _, err := f.machine.Get(context.Background(), orderNo)
	require.NoError(t, err)
	assert.Equal(t, string(orderstate.StatusPending), order.Status)
}

func TestReceiveEventUnknownProvider(t *testing.T) {
	f := newFixture(t, DefaultMaxRetries, DefaultBackoffBase)
	body, sig := signedPayload(t, TypePaymentSucceeded, "order-1")

	result, _, err := f.svc.ReceiveEvent(context.Background(), "paypal", "evt_1", body, sig)
	assert.Equal(t, InvalidSignature, result)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestReceiveEventDuplicateDelivery(t *testing.T) {
	f := newFixture(t, DefaultMaxRetries, DefaultBackoffBase)
	orderNo := f.newOrder(t, 2)
	body, sig := signedPayload(t, TypePaymentSucceeded, orderNo)
	ctx := context.Background()

	result, _, err := f.svc.ReceiveEvent(ctx, "stripe", "evt_dup", body, sig)
	require.NoError(t, err)
	require.Equal(t, Accepted, result)

	result, ev, err := f.svc.ReceiveEvent(ctx, "stripe", "evt_dup", body, sig)
	require.NoError(t, err)
	assert.Equal(t, DuplicateIgnored, result)
	assert.Nil(t, ev)

	// One stored event, one stock deduction.
	var count int64
	require.NoError(t, f.db.Model(&model.WebhookEvent{}).
		Where("provider = ? AND external_event_id = ?", "stripe", "evt_dup").
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
	var p model.Product
	require.NoError(t, f.db.First(&p, f.productID).Error)
	assert.Equal(t, int64(8), p.Stock)
}

// A transient store failure must leave no trace that makes the
// provider's redelivery look like a duplicate; the redelivery has to
// store and process the event normally.
func TestRedeliveryAfterStoreFailure(t *testing.T) {
	f := newFixture(t, DefaultMaxRetries, DefaultBackoffBase)
	orderNo := f.newOrder(t, 2)
	body, sig := signedPayload(t, TypePaymentSucceeded, orderNo)
	ctx := context.Background()

	// Simulate the store failing mid-receipt.
	require.NoError(t, f.db.Exec("ALTER TABLE webhook_events RENAME TO webhook_events_gone").Error)
	result, ev, err := f.svc.ReceiveEvent(ctx, "stripe", "evt_retry_store", body, sig)
	require.Error(t, err)
	assert.NotEqual(t, DuplicateIgnored, result)
	assert.Nil(t, ev)
	require.NoError(t, f.db.Exec("ALTER TABLE webhook_events_gone RENAME TO webhook_events").Error)

	// The provider redelivers after the 500.
	result, ev, err = f.svc.ReceiveEvent(ctx, "stripe", "evt_retry_store", body, sig)
	require.NoError(t, err)
	assert.Equal(t, Accepted, result)
	require.NotNil(t, ev)
	assert.Equal(t, model.WebhookProcessed, ev.Status)

	order, _, err := f.machine.Get(ctx, orderNo)
	require.NoError(t, err)
	assert.Equal(t, string(orderstate.StatusPaid), order.Status)
}

func TestProcessFailureSchedulesBackoff(t *testing.T) {
	f := newFixture(t, DefaultMaxRetries, DefaultBackoffBase)
	body, sig := signedPayload(t, TypePaymentSucceeded, "no-such-order")

	result, ev, err := f.svc.ReceiveEvent(context.Background(), "stripe", "evt_fail", body, sig)
	require.NoError(t, err)
	assert.Equal(t, Accepted, result, "providers get 200 even when first processing fails")
	require.NotNil(t, ev)

	assert.Equal(t, model.WebhookError, ev.Status)
	assert.Equal(t, 1, ev.RetryCount)
	assert.False(t, ev.Archived)
	require.NotNil(t, ev.NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(DefaultBackoffBase), *ev.NextRetryAt, 5*time.Second)
	assert.NotEmpty(t, ev.LastError)
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	f := newFixture(t, 10, time.Minute)
	body, sig := signedPayload(t, TypePaymentSucceeded, "no-such-order")
	ctx := context.Background()

	_, ev, err := f.svc.ReceiveEvent(ctx, "stripe", "evt_backoff", body, sig)
	require.NoError(t, err)

	// Force the second attempt and observe the doubled delay.
	require.NoError(t, f.db.Model(ev).Update("next_retry_at", time.Now().Add(-time.Second)).Error)
	out, err := f.svc.RetryFailedWebhooks(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, RetryOutcome{Processed: 1, Failed: 1}, out)

	var stored model.WebhookEvent
	require.NoError(t, f.db.Where("external_event_id = ?", "evt_backoff").First(&stored).Error)
	assert.Equal(t, 2, stored.RetryCount)
	require.NotNil(t, stored.NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), *stored.NextRetryAt, 5*time.Second)
}

func TestRetryCapArchives(t *testing.T) {
	f := newFixture(t, 2, time.Millisecond)
	body, sig := signedPayload(t, TypePaymentSucceeded, "no-such-order")
	ctx := context.Background()

	_, _, err := f.svc.ReceiveEvent(ctx, "stripe", "evt_cap", body, sig)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	out, err := f.svc.RetryFailedWebhooks(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, RetryOutcome{Processed: 1, Failed: 1}, out)

	var stored model.WebhookEvent
	require.NoError(t, f.db.Where("external_event_id = ?", "evt_cap").First(&stored).Error)
	assert.True(t, stored.Archived)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Nil(t, stored.NextRetryAt)

	// Archived events never come back into the sweep.
	out, err = f.svc.RetryFailedWebhooks(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, RetryOutcome{}, out)
}

func TestRetrySucceedsOnceOrderExists(t *testing.T) {
	f := newFixture(t, 5, time.Millisecond)
	ctx := context.Background()

	// Payment notification lands before checkout finished writing the
	// order. First processing fails and is parked for retry.
	orderNo := uuid.New().String()
	body, sig := signedPayload(t, TypePaymentSucceeded, orderNo)
	_, ev, err := f.svc.ReceiveEvent(ctx, "stripe", "evt_early", body, sig)
	require.NoError(t, err)
	require.Equal(t, model.WebhookError, ev.Status)

	// Checkout completes.
	res, err := f.mgr.CreateReservation(ctx, f.productID, nil, 2, "user-1")
	require.NoError(t, err)
	require.NoError(t, f.db.Create(&model.Order{
		OrderNo: orderNo, UserID: "user-1", Status: string(orderstate.StatusPending), TotalCents: 2000,
	}).Error)
	require.NoError(t, f.mgr.LinkOrder(ctx, res.ReservationID, orderNo))

	time.Sleep(5 * time.Millisecond)
	out, err := f.svc.RetryFailedWebhooks(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, RetryOutcome{Processed: 1, Succeeded: 1}, out)

	order, _, err := f.machine.Get(ctx, orderNo)
	require.NoError(t, err)
	assert.Equal(t, string(orderstate.StatusPaid), order.Status)
	var stored model.WebhookEvent
	require.NoError(t, f.db.Where("external_event_id = ?", "evt_early").First(&stored).Error)
	assert.Equal(t, model.WebhookProcessed, stored.Status)
	assert.Nil(t, stored.NextRetryAt)
}

func TestPaymentFailedCancelsOrder(t *testing.T) {
	f := newFixture(t, DefaultMaxRetries, DefaultBackoffBase)
	orderNo := f.newOrder(t, 3)
	body, sig := signedPayload(t, TypePaymentFailed, orderNo)
	ctx := context.Background()

	result, _, err := f.svc.ReceiveEvent(ctx, "stripe", "evt_failpay", body, sig)
	require.NoError(t, err)
	require.Equal(t, Accepted, result)

	order, _, err := f.machine.Get(ctx, orderNo)
	require.NoError(t, err)
	assert.Equal(t, string(orderstate.StatusCancelled), order.Status)

	// The hold is released, stock back in the pool.
	available, err := stock.NewLedger().AvailableStock(f.db, f.productID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), available)
}

func TestNotCommittableTriggersCompensation(t *testing.T) {
	db := openTestDB(t)
	mgr := reservation.NewManager(db, stock.NewLedger(), 10*time.Millisecond, nil)
	machine := orderstate.NewMachine(db, mgr, nil)
	svc := NewService(db, machine, map[string]string{"stripe": testSecret},
		DefaultMaxRetries, DefaultBackoffBase, nil, nil)
	p := &model.Product{Name: "widget", Stock: 10, PriceCents: 1000}
	require.NoError(t, db.Create(p).Error)
	ctx := context.Background()

	res, err := mgr.CreateReservation(ctx, p.ID, nil, 2, "user-1")
	require.NoError(t, err)
	orderNo := uuid.New().String()
	require.NoError(t, db.Create(&model.Order{
		OrderNo: orderNo, UserID: "user-1", Status: string(orderstate.StatusPending), TotalCents: 2000,
	}).Error)
	require.NoError(t, mgr.LinkOrder(ctx, res.ReservationID, orderNo))

	// The hold expires before the payment confirmation arrives.
	time.Sleep(20 * time.Millisecond)
	_, err = mgr.ExpireStaleReservations(ctx, time.Now())
	require.NoError(t, err)

	body, sig := signedPayload(t, TypePaymentSucceeded, orderNo)
	result, ev, err := svc.ReceiveEvent(ctx, "stripe", "evt_comp", body, sig)
	require.NoError(t, err)
	assert.Equal(t, Accepted, result)

	// The order is driven to cancellation for refund, and the event is
	// archived immediately: retrying can never secure the lost stock.
	order, _, err := machine.Get(ctx, orderNo)
	require.NoError(t, err)
	assert.Equal(t, string(orderstate.StatusCancelled), order.Status)
	assert.True(t, ev.Archived)
	assert.Equal(t, model.WebhookError, ev.Status)

	out, err := svc.RetryFailedWebhooks(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, RetryOutcome{}, out)
}

func TestRetryStats(t *testing.T) {
	f := newFixture(t, 1, time.Millisecond)
	ctx := context.Background()

	// One processed, one archived failure, one rejected.
	orderNo := f.newOrder(t, 1)
	body, sig := signedPayload(t, TypePaymentSucceeded, orderNo)
	_, _, err := f.svc.ReceiveEvent(ctx, "stripe", "evt_ok", body, sig)
	require.NoError(t, err)

	body, sig = signedPayload(t, TypePaymentSucceeded, "no-such-order")
	_, _, err = f.svc.ReceiveEvent(ctx, "stripe", "evt_dead", body, sig)
	require.NoError(t, err)

	_, _, err = f.svc.ReceiveEvent(ctx, "stripe", "evt_forged", body, "deadbeef")
	require.NoError(t, err)

	st, err := f.svc.RetryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{PendingRetries: 0, FailedWebhooks: 1, ArchivedWebhooks: 1}, st)
}

func TestTargetForMapping(t *testing.T) {
	cases := []struct {
		eventType string
		want      orderstate.Status
	}{
		{TypePaymentSucceeded, orderstate.StatusPaid},
		{TypePaymentFailed, orderstate.StatusCancelled},
		{TypePaymentCancelled, orderstate.StatusCancelled},
		{TypePaymentRefunded, orderstate.StatusRefunded},
	}
	for _, tc := range cases {
		got, err := targetFor(tc.eventType)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
	_, err := targetFor("invoice.created")
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"type":"payment.succeeded","order_no":"o-1"}`)
	sig := Sign("secret", payload)
	assert.True(t, Verify("secret", payload, sig))
	assert.False(t, Verify("secret", payload, sig+"00"))
	assert.False(t, Verify("other", payload, sig))
	assert.False(t, Verify("secret", []byte(`{}`), sig))
	assert.Equal(t, sig, Sign("secret", payload))
}
