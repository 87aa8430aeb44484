package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"stock_reserve/internal/model"
	"stock_reserve/internal/notify"
	"stock_reserve/internal/orderstate"
	"stock_reserve/internal/reservation"
	rediskey "stock_reserve/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ReceiveResult is the caller-visible outcome of one delivery.
type ReceiveResult string

const (
	Accepted         ReceiveResult = "accepted"
	DuplicateIgnored ReceiveResult = "duplicate_ignored"
	InvalidSignature ReceiveResult = "invalid_signature"
)

// Defaults for the retry discipline.
const (
	DefaultMaxRetries  = 5
	DefaultBackoffBase = 30 * time.Second
)

// Event types providers deliver, mapped to state-machine targets.
const (
	TypePaymentSucceeded = "payment.succeeded"
	TypePaymentFailed    = "payment.failed"
	TypePaymentCancelled = "payment.cancelled"
	TypePaymentRefunded  = "payment.refunded"
)

var ErrUnknownProvider = errors.New("unknown webhook provider")

// eventPayload is the part of the raw provider payload this core reads.
type eventPayload struct {
	Type    string `json:"type"`
	OrderNo string `json:"order_no"`
}

// RetryOutcome summarizes one retry sweep pass.
type RetryOutcome struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Stats is the read-only health view of the webhook pipeline.
type Stats struct {
	PendingRetries   int64 `json:"pending_retries"`
	FailedWebhooks   int64 `json:"failed_webhooks"`
	ArchivedWebhooks int64 `json:"archived_webhooks"`
}

// Service makes asynchronous payment notifications reliable: it
// deduplicates redeliveries, drives order transitions, and retries
// failures with capped exponential backoff persisted on the event row
// so retries survive restarts.
type Service struct {
	db      *gorm.DB
	machine *orderstate.Machine
	secrets map[string]string // provider -> signing secret

	maxRetries  int
	backoffBase time.Duration

	rdb *rd.Client // optional dedup fast path; nil disables it
	pub notify.Publisher
}

func NewService(db *gorm.DB, machine *orderstate.Machine, secrets map[string]string, maxRetries int, backoffBase time.Duration, rdb *rd.Client, pub notify.Publisher) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	if pub == nil {
		pub = notify.NopPublisher{}
	}
	return &Service{
		db:          db,
		machine:     machine,
		secrets:     secrets,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		rdb:         rdb,
		pub:         pub,
	}
}

// ReceiveEvent verifies, deduplicates, stores, and processes one
// provider delivery. Receipt is idempotent: the (provider, event id)
// unique index is the authority, with a redis SETNX fast path in front
// of it. Invalid signatures are stored as rejected for audit and never
// processed or retried.
func (s *Service) ReceiveEvent(ctx context.Context, provider, externalEventID string, payload []byte, signature string) (ReceiveResult, *model.WebhookEvent, error) {
	secret, ok := s.secrets[provider]
	if !ok {
		return InvalidSignature, nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	var parsed eventPayload
	_ = json.Unmarshal(payload, &parsed) // tolerated: a rejected record still stores the raw body

	if !Verify(secret, payload, signature) {
		rejected := &model.WebhookEvent{
			Provider:        provider,
			ExternalEventID: externalEventID,
			OrderNo:         parsed.OrderNo,
			EventType:       parsed.Type,
			Payload:         string(payload),
			Signature:       signature,
			Status:          model.WebhookRejected,
			Archived:        true,
		}
		if err := s.db.WithContext(ctx).Create(rejected).Error; err != nil && !errorsLikeUnique(err) {
			log.Printf("webhook %s/%s store rejected: %v", provider, externalEventID, err)
		}
		return InvalidSignature, nil, nil
	}

	// Fast path: an existing marker means this delivery was already
	// stored. Read-only here; the DB index below decides, and the marker
	// is written only after the row exists, so a failed store can never
	// make the provider's redelivery look like a duplicate.
	if s.rdb != nil {
		seen, err := rediskey.EventSeen(ctx, s.rdb, provider, externalEventID)
		if err == nil && seen {
			return DuplicateIgnored, nil, nil
		}
	}

	ev := &model.WebhookEvent{
		Provider:        provider,
		ExternalEventID: externalEventID,
		OrderNo:         parsed.OrderNo,
		EventType:       parsed.Type,
		Payload:         string(payload),
		Signature:       signature,
		Status:          model.WebhookPending,
	}
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		if errorsLikeUnique(err) {
			return DuplicateIgnored, nil, nil
		}
		return "", nil, err
	}
	if s.rdb != nil {
		if err := rediskey.MarkEventSeen(ctx, s.rdb, provider, externalEventID); err != nil {
			log.Printf("webhook %s/%s mark seen: %v", provider, externalEventID, err)
		}
	}

	if err := s.Process(ctx, ev); err != nil {
		// Already recorded on the event row for the retry sweep; the
		// provider gets Accepted either way.
		log.Printf("webhook %s/%s first process: %v", provider, externalEventID, err)
	}
	return Accepted, ev, nil
}

// Process applies one event's effect through the order state machine.
// Success marks the event processed; failure schedules a backoff retry
// until the cap, after which the event is archived for operators.
func (s *Service) Process(ctx context.Context, ev *model.WebhookEvent) error {
	target, err := targetFor(ev.EventType)
	if err != nil {
		return s.fail(ctx, ev, err)
	}
	if ev.OrderNo == "" {
		return s.fail(ctx, ev, errors.New("payload carries no order_no"))
	}

	_, err = s.machine.Transition(ctx, ev.OrderNo, target, "webhook:"+ev.Provider, "event "+ev.ExternalEventID)
	if err != nil {
		if errors.Is(err, reservation.ErrNotCommittable) {
			// Payment confirmed but the stock is gone. Drive the order
			// to the compensation path and archive the event for manual
			// refund reconciliation; retrying can never succeed.
			s.compensate(ctx, ev)
			return s.archive(ctx, ev, err)
		}
		return s.fail(ctx, ev, err)
	}

	ev.Status = model.WebhookProcessed
	ev.NextRetryAt = nil
	ev.LastError = ""
	return s.db.WithContext(ctx).Model(ev).Updates(map[string]any{
		"status":        model.WebhookProcessed,
		"next_retry_at": nil,
		"last_error":    "",
	}).Error
}

// RetryFailedWebhooks reprocesses due error events oldest-first, up to
// batchSize. Safe to run concurrently with itself: each Process settles
// on conditional state, and the sweep is additionally single-flighted
// by the caller's redis lock.
func (s *Service) RetryFailedWebhooks(ctx context.Context, batchSize int) (RetryOutcome, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	now := time.Now()
	var due []model.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status = ? AND archived = ? AND retry_count < ?", model.WebhookError, false, s.maxRetries).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("id ASC").
		Limit(batchSize).
		Find(&due).Error
	if err != nil {
		return RetryOutcome{}, err
	}

	out := RetryOutcome{}
	for i := range due {
		ev := &due[i]
		out.Processed++
		if err := s.Process(ctx, ev); err != nil {
			out.Failed++
			continue
		}
		out.Succeeded++
	}
	return out, nil
}

// RetryStats reports pipeline health: events still in the retry loop,
// all failed events, and events archived past the cap.
func (s *Service) RetryStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("status = ? AND archived = ?", model.WebhookError, false).
		Count(&st.PendingRetries).Error
	if err != nil {
		return Stats{}, err
	}
	err = s.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("status = ?", model.WebhookError).
		Count(&st.FailedWebhooks).Error
	if err != nil {
		return Stats{}, err
	}
	err = s.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("archived = ? AND status <> ?", true, model.WebhookRejected).
		Count(&st.ArchivedWebhooks).Error
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

func targetFor(eventType string) (orderstate.Status, error) {
	switch eventType {
	case TypePaymentSucceeded:
		return orderstate.StatusPaid, nil
	case TypePaymentFailed, TypePaymentCancelled:
		return orderstate.StatusCancelled, nil
	case TypePaymentRefunded:
		return orderstate.StatusRefunded, nil
	default:
		return "", fmt.Errorf("unmapped event type %q", eventType)
	}
}

// fail records a processing failure, schedules the next attempt with
// exponential backoff, and archives the event once the cap is hit.
func (s *Service) fail(ctx context.Context, ev *model.WebhookEvent, cause error) error {
	ev.RetryCount++
	ev.Status = model.WebhookError
	ev.LastError = truncate(cause.Error(), 255)

	updates := map[string]any{
		"status":      ev.Status,
		"retry_count": ev.RetryCount,
		"last_error":  ev.LastError,
	}
	if ev.RetryCount >= s.maxRetries {
		ev.Archived = true
		ev.NextRetryAt = nil
		updates["archived"] = true
		updates["next_retry_at"] = nil
	} else {
		next := time.Now().Add(s.backoffBase * time.Duration(1<<(ev.RetryCount-1)))
		ev.NextRetryAt = &next
		updates["next_retry_at"] = next
	}

	if err := s.db.WithContext(ctx).Model(ev).Updates(updates).Error; err != nil {
		return err
	}
	if ev.Archived {
		s.notifyArchived(ctx, ev)
	}
	return cause
}

// archive closes an event immediately without further retries.
func (s *Service) archive(ctx context.Context, ev *model.WebhookEvent, cause error) error {
	ev.Status = model.WebhookError
	ev.Archived = true
	ev.LastError = truncate(cause.Error(), 255)
	err := s.db.WithContext(ctx).Model(ev).Updates(map[string]any{
		"status":        ev.Status,
		"archived":      true,
		"next_retry_at": nil,
		"last_error":    ev.LastError,
	}).Error
	if err != nil {
		return err
	}
	s.notifyArchived(ctx, ev)
	return cause
}

// compensate pushes an order whose payment landed after its stock was
// lost toward cancellation so the refund path can pick it up.
func (s *Service) compensate(ctx context.Context, ev *model.WebhookEvent) {
	_, err := s.machine.Transition(ctx, ev.OrderNo, orderstate.StatusCancelled,
		"webhook:"+ev.Provider, "payment confirmed but stock not secured; refund required")
	if err != nil {
		log.Printf("webhook %s/%s compensation cancel order %s: %v",
			ev.Provider, ev.ExternalEventID, ev.OrderNo, err)
	}
}

func (s *Service) notifyArchived(ctx context.Context, ev *model.WebhookEvent) {
	err := s.pub.Publish(ctx, notify.Message{
		Kind:       notify.KindWebhookArchived,
		OrderNo:    ev.OrderNo,
		OccurredAt: time.Now(),
	})
	if err != nil {
		log.Printf("webhook %s/%s notify archived: %v", ev.Provider, ev.ExternalEventID, err)
	}
}

// errorsLikeUnique detects unique-index conflicts across drivers by
// message, the same way duplicate order numbers are detected.
func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique") ||
		strings.Contains(s, "Duplicate entry")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
