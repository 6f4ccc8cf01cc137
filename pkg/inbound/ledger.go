package inbound

import (
	"context"
	"fmt"
	"time"

	"github.com/leadflowhq/leadflow/pkg/cache"
)

// Ledger is the fast idempotency check in front of the database's
// unique constraint: duplicate webhook deliveries for an
// already-ingested thread event are dropped before any provider fetch.
type Ledger struct {
	cache *cache.Client
	ttl   time.Duration
}

// NewLedger creates a Redis-backed idempotency ledger.
func NewLedger(cacheClient *cache.Client) *Ledger {
	return &Ledger{cache: cacheClient, ttl: 30 * 24 * time.Hour}
}

func ledgerKey(provider, threadID string, messageCount int) string {
	return fmt.Sprintf("inbound:%s:%s:%d", provider, threadID, messageCount)
}

// FirstSeen marks the (provider, thread, message count) tuple and
// reports whether this delivery is the first one. Redis being
// unavailable degrades to "first seen": the database constraint is the
// backstop.
func (l *Ledger) FirstSeen(ctx context.Context, provider, threadID string, messageCount int) bool {
	if l == nil || l.cache == nil {
		return true
	}
	ok, err := l.cache.SetNX(ctx, ledgerKey(provider, threadID, messageCount), "1", l.ttl)
	if err != nil {
		return true
	}
	return ok
}

// Forget releases a tuple claimed by FirstSeen. Called when the event
// could not be persisted, so the provider's redelivery is not dropped
// as a duplicate.
func (l *Ledger) Forget(ctx context.Context, provider, threadID string, messageCount int) {
	if l == nil || l.cache == nil {
		return
	}
	_ = l.cache.Delete(ctx, ledgerKey(provider, threadID, messageCount))
}
