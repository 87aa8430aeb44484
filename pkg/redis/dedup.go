package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// seenTTL: providers redeliver within hours, not weeks; the DB unique
// index remains the authority after the key expires.
const seenTTL = 48 * time.Hour

// EventSeen reports whether a webhook delivery key is already marked.
// Read-only: receipt must not mark anything before the event row is
// durably stored, or a failed store would make the redelivery look
// like a duplicate.
func EventSeen(ctx context.Context, rdb *rd.Client, provider, externalEventID string) (bool, error) {
	n, err := rdb.Exists(ctx, EventSeenKey(provider, externalEventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkEventSeen records a webhook delivery key. Called only after the
// event row exists in the DB.
func MarkEventSeen(ctx context.Context, rdb *rd.Client, provider, externalEventID string) error {
	return rdb.Set(ctx, EventSeenKey(provider, externalEventID), "1", seenTTL).Err()
}
