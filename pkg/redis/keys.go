package redis

import "fmt"

// SweepLockKey guards one background sweep (reservation expiry, webhook
// retry) against overlapping runs.
func SweepLockKey(name string) string {
	return fmt.Sprintf("stock_reserve:sweep:lock:%s", name)
}

// EventSeenKey marks a (provider, external event id) delivery as
// recently received; the fast path in front of the DB unique index.
func EventSeenKey(provider, externalEventID string) string {
	return fmt.Sprintf("stock_reserve:webhook:seen:%s:%s", provider, externalEventID)
}

// RateLimitKey buckets checkout requests per requester (or per IP when
// the requester cannot be identified).
func RateLimitKey(kind, id string) string {
	return fmt.Sprintf("stock_reserve:rate_limit:checkout:%s:%s", kind, id)
}
