package ports

import (
	"context"
	"time"
)

// TTLStore is the persistence boundary for all durable state: challenges,
// refresh and revocation records, rate windows, agents and sessions.
//
// Contract:
//   - Get returns core.ErrStoreNotFound when the key is absent; any other
//     error is an availability failure.
//   - Put with ttl <= 0 stores without expiry.
//   - There are no cross-key transactions and no strong read-after-write
//     guarantee across replicas. Read-modify-write values (the tenant agent
//     index in particular) can lose concurrent updates; callers must treat
//     such values as best-effort enumeration, not a source of truth.
//   - TTL eviction is advisory. Callers that care about expiry re-check
//     timestamps on read.
type TTLStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
