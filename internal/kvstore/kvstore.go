// Package kvstore is the shared counter store behind per-sender quotas.
//
// The operation must be atomic with respect to concurrent callers, across
// processes when more than one dispatcher runs against the same backend.
package kvstore

import (
	"context"
	"time"
)

type Store interface {
	// IncrWithTTL atomically increments key and returns the new value. A
	// missing or expired key counts from zero. When the key carries no
	// expiry after the increment, ttl is applied in the same step; an
	// existing expiry is left alone.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
