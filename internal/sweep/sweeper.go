package sweep

import (
	"context"
	"log"
	"time"

	"stock_reserve/internal/reservation"
	"stock_reserve/internal/webhook"
	rediskey "stock_reserve/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

// Sweep names, also the redis lock names.
const (
	NameReservationExpiry = "reservation_expiry"
	NameWebhookRetry      = "webhook_retry"
)

// Sweeper runs the two periodic background jobs: expiring stale
// reservations and retrying failed webhooks. Each tick is guarded by a
// redis single-flight lock so overlapping schedulers (or a second
// server instance) cannot double-run a sweep.
type Sweeper struct {
	reservations *reservation.Manager
	webhooks     *webhook.Service
	rdb          *rd.Client

	expireInterval time.Duration
	retryInterval  time.Duration
	retryBatchSize int
}

func New(reservations *reservation.Manager, webhooks *webhook.Service, rdb *rd.Client, expireInterval, retryInterval time.Duration, retryBatchSize int) *Sweeper {
	if expireInterval <= 0 {
		expireInterval = time.Minute
	}
	if retryInterval <= 0 {
		retryInterval = 30 * time.Second
	}
	if retryBatchSize <= 0 {
		retryBatchSize = 50
	}
	return &Sweeper{
		reservations:   reservations,
		webhooks:       webhooks,
		rdb:            rdb,
		expireInterval: expireInterval,
		retryInterval:  retryInterval,
		retryBatchSize: retryBatchSize,
	}
}

// RunReservationExpiry blocks until ctx is cancelled, expiring stale
// reservations every tick. The interval must stay well under the
// reservation TTL so the TTL is an effective ceiling on held stock.
func (s *Sweeper) RunReservationExpiry(ctx context.Context) {
	ticker := time.NewTicker(s.expireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.guarded(ctx, NameReservationExpiry, s.expireInterval, func() {
				count, err := s.reservations.ExpireStaleReservations(ctx, time.Now())
				if err != nil {
					log.Printf("sweep %s: %v", NameReservationExpiry, err)
					return
				}
				if count > 0 {
					log.Printf("sweep %s: expired %d reservations", NameReservationExpiry, count)
				}
			})
		}
	}
}

// RunWebhookRetry blocks until ctx is cancelled, reprocessing due
// failed webhook events every tick.
func (s *Sweeper) RunWebhookRetry(ctx context.Context) {
	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.guarded(ctx, NameWebhookRetry, s.retryInterval, func() {
				out, err := s.webhooks.RetryFailedWebhooks(ctx, s.retryBatchSize)
				if err != nil {
					log.Printf("sweep %s: %v", NameWebhookRetry, err)
					return
				}
				if out.Processed > 0 {
					log.Printf("sweep %s: processed=%d succeeded=%d failed=%d",
						NameWebhookRetry, out.Processed, out.Succeeded, out.Failed)
				}
			})
		}
	}
}

// guarded runs fn under the named redis lock; if another holder has it
// the tick is skipped. Without redis (nil client) the sweep runs
// unguarded, a single-instance deployment needs no lock.
func (s *Sweeper) guarded(ctx context.Context, name string, ttl time.Duration, fn func()) {
	if s.rdb == nil {
		fn()
		return
	}
	// Lock TTL outlives a normal run but not a crashed holder forever.
	token, err := rediskey.AcquireSweepLock(ctx, s.rdb, name, 2*ttl)
	if err != nil {
		// Redis being down must not stop reclaiming stock.
		log.Printf("sweep %s acquire lock: %v (running unguarded)", name, err)
		fn()
		return
	}
	if token == "" {
		return // another run owns this sweep
	}
	defer func() {
		if err := rediskey.ReleaseSweepLock(ctx, s.rdb, name, token); err != nil {
			log.Printf("sweep %s release lock: %v", name, err)
		}
	}()
	fn()
}
