// Package dedup provides the two idempotency gates (message identity and
// subject group) and the per-message in-flight lock, all backed by the
// shared key-value store.
//
// Failure policy is deliberate and asymmetric: message dedup and the
// in-flight lock fail open on store errors (a duplicate delivery beats a
// dropped one), while subject-group dedup falls back to a process-local
// memory set.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/mediaflux/mailrelay/internal/detect"
	"github.com/mediaflux/mailrelay/internal/kvstore"
)

const (
	messageSet = "processed:messages"
	groupSet   = "processed:groups"

	groupRecentPrefix = "group:recent:"
	inflightPrefix    = "inflight:"

	// InflightTTL bounds how long a crashed worker can shadow a message.
	InflightTTL = 5 * time.Minute
)

var lotRegex = regexp.MustCompile(`\blot\s*(\d+)`)

// Gate owns the dedup sets and the in-flight lock.
type Gate struct {
	store  kvstore.Store
	mem    *kvstore.Memory
	logger *slog.Logger

	// Now is injectable for month-scoping tests.
	Now func() time.Time
}

// New creates a gate on the shared store. The memory fallback is always
// present; it only receives traffic when the shared store errors.
func New(store kvstore.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:  store,
		mem:    kvstore.NewMemory(),
		logger: logger,
		Now:    time.Now,
	}
}

// ContentHash derives the message idempotency key from the stable identity
// fields.
func ContentHash(messageID, subject, date string) string {
	sum := sha256.Sum256([]byte(messageID + "|" + subject + "|" + date))
	return hex.EncodeToString(sum[:])
}

// SubjectGroup derives the business-transaction identity for a subject:
// the lot number when present, otherwise a hash of the normalized subject.
func SubjectGroup(subject string) string {
	folded := detect.Fold(subject)
	if m := lotRegex.FindStringSubmatch(folded); m != nil {
		return "lot:" + m[1]
	}
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(folded), " ")))
	return "subj:" + hex.EncodeToString(sum[:8])
}

// SeenMessage reports whether the message hash was already processed.
// Store errors fail open: the message is treated as new and the error is
// logged, so a store outage never drops legitimate mail.
func (g *Gate) SeenMessage(ctx context.Context, hash string) bool {
	seen, err := g.store.SIsMember(ctx, messageSet, hash)
	if err != nil {
		g.logger.Warn("message dedup check failed, failing open", "error", err)
		return false
	}
	return seen
}

// MarkMessage records the message hash as processed.
func (g *Gate) MarkMessage(ctx context.Context, hash string) {
	if err := g.store.SAdd(ctx, messageSet, hash); err != nil {
		g.logger.Warn("message dedup mark failed", "error", err)
	}
}

// groupMember scopes a group id to the calendar month when requested, so
// the same lot in a different month is not a duplicate.
func (g *Gate) groupMember(group string, monthScoped bool) string {
	if !monthScoped {
		return group
	}
	return group + ":" + g.Now().Format("2006-01")
}

// SeenGroup reports whether the subject group was already processed. The
// short-TTL recent marker is consulted before the permanent set; either
// positive answer means "processed". On shared-store errors the gate falls
// back to its process-local memory set.
func (g *Gate) SeenGroup(ctx context.Context, group string, monthScoped bool) bool {
	member := g.groupMember(group, monthScoped)

	_, recent, err := g.store.Get(ctx, groupRecentPrefix+member)
	if err == nil && recent {
		return true
	}
	if err != nil {
		g.logger.Warn("group recent-marker check failed, using memory fallback", "error", err)
		if _, ok, _ := g.mem.Get(ctx, groupRecentPrefix+member); ok {
			return true
		}
	}

	seen, err := g.store.SIsMember(ctx, groupSet, member)
	if err != nil {
		g.logger.Warn("group dedup check failed, using memory fallback", "error", err)
		seen, _ = g.mem.SIsMember(ctx, groupSet, member)
	}
	return seen
}

// MarkGroup records the subject group in the permanent set and, when
// recentTTL > 0, sets the cool-down marker. Writes go to both the shared
// store and the memory fallback so a flapping store still has a window of
// protection.
func (g *Gate) MarkGroup(ctx context.Context, group string, monthScoped bool, recentTTL time.Duration) {
	member := g.groupMember(group, monthScoped)

	if err := g.store.SAdd(ctx, groupSet, member); err != nil {
		g.logger.Warn("group dedup mark failed", "error", err)
	}
	_ = g.mem.SAdd(ctx, groupSet, member)

	if recentTTL > 0 {
		if err := g.store.Set(ctx, groupRecentPrefix+member, "1", recentTTL); err != nil {
			g.logger.Warn("group recent-marker write failed", "error", err)
		}
		_ = g.mem.Set(ctx, groupRecentPrefix+member, "1", recentTTL)
	}
}

// AcquireInFlight takes the short-TTL processing lock for a message id.
// It returns whether the lock was acquired and a release func that is safe
// to call on every exit path. A store error fails open: acquisition is
// deemed successful so a lock-backend outage cannot stall all processing.
func (g *Gate) AcquireInFlight(ctx context.Context, id string) (acquired bool, release func()) {
	key := inflightPrefix + id
	ok, err := g.store.SetNX(ctx, key, "1", InflightTTL)
	if err != nil {
		g.logger.Warn("in-flight lock acquisition failed, failing open", "error", err)
		return true, func() {}
	}
	if !ok {
		return false, func() {}
	}
	return true, func() {
		if err := g.store.Delete(ctx, key); err != nil {
			g.logger.Warn("in-flight lock release failed", "id", id, "error", err)
		}
	}
}
