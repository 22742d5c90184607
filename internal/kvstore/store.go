// Package kvstore abstracts the shared key-value backend used for
// deduplication sets, processing locks, dynamic settings documents and the
// webhook log. The primary backend is Redis; a local SQLite database serves
// as fallback for deployments without a shared store, and an in-memory
// implementation backs tests and the dedup memory fallback.
package kvstore

import (
	"context"
	"time"
)

// Store is the capability surface the rest of the service depends on.
// All errors are returned to the caller: the policy for a failing store
// (fail open, fall back to memory, abort) is decided per call site.
type Store interface {
	// Get returns the value for key and whether it exists. Expired keys
	// behave as absent.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes key=value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key=value only if the key does not already exist and
	// reports whether the write happened. Used for in-flight and singleton
	// locks.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// SAdd adds a member to a set.
	SAdd(ctx context.Context, set, member string) error

	// SIsMember reports set membership.
	SIsMember(ctx context.Context, set, member string) (bool, error)
}
