package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leadflowhq/leadflow/pkg/logger"
	"github.com/leadflowhq/leadflow/pkg/metrics"
)

// Rearmer lets the matcher pull a matched instance's wake time forward
// so the next poll evaluates its reply transition.
type Rearmer interface {
	WakeNow(ctx context.Context, instanceID uuid.UUID) error
}

// Matcher correlates normalized thread events to in-flight campaign
// instances.
type Matcher struct {
	store    Store
	ledger   *Ledger
	rearmer  Rearmer
	logger   logger.Logger
	metrics  *metrics.Metrics
	lookback time.Duration
}

// NewMatcher creates a matcher. metrics may be nil in tests.
func NewMatcher(store Store, ledger *Ledger, rearmer Rearmer, log logger.Logger,
	m *metrics.Metrics, lookback time.Duration) *Matcher {
	if log == nil {
		log = logger.Default()
	}
	if lookback <= 0 {
		lookback = 14 * 24 * time.Hour
	}
	return &Matcher{
		store:    store,
		ledger:   ledger,
		rearmer:  rearmer,
		logger:   log,
		metrics:  m,
		lookback: lookback,
	}
}

// Process matches one event to at most one instance and records it.
// Duplicate deliveries (same provider thread at the same message count)
// are no-ops. Ambiguous heuristic matches are recorded for audit but
// never applied; only an applied reply event re-arms the instance.
func (m *Matcher) Process(ctx context.Context, tenantID string, ev *ThreadEvent) error {
	if !m.ledger.FirstSeen(ctx, ev.Provider, ev.ThreadID, ev.MessageCount) {
		m.logger.Debug("duplicate thread event ignored",
			"provider", ev.Provider, "thread_id", ev.ThreadID)
		if m.metrics != nil {
			m.metrics.DuplicateEvents.Inc()
		}
		return nil
	}

	applied := m.match(ctx, tenantID, ev)

	inserted, err := m.store.SaveEvent(ctx, ev)
	if err != nil {
		// Release the ledger claim so the provider's redelivery is not
		// treated as a duplicate of an event that was never stored.
		m.ledger.Forget(ctx, ev.Provider, ev.ThreadID, ev.MessageCount)
		return fmt.Errorf("failed to persist thread event: %w", err)
	}
	if !inserted {
		// The database constraint caught a duplicate the ledger missed.
		if m.metrics != nil {
			m.metrics.DuplicateEvents.Inc()
		}
		return nil
	}

	if applied && ev.IsReply && ev.InstanceID != nil {
		if err := m.rearmer.WakeNow(ctx, *ev.InstanceID); err != nil {
			return fmt.Errorf("failed to re-arm instance %s: %w", ev.InstanceID, err)
		}
	}
	return nil
}

// match fills in confidence and instance id; returns whether the match
// is trustworthy enough to act on.
func (m *Matcher) match(ctx context.Context, tenantID string, ev *ThreadEvent) bool {
	id, err := m.store.InstanceIDByThread(ctx, tenantID, ev.ThreadID)
	if err == nil {
		ev.MatchConfidence = ConfidenceExact
		ev.InstanceID = &id
		if m.metrics != nil {
			m.metrics.RecordReplyMatched(ev.Provider, "thread_id")
		}
		return true
	}
	if !errors.Is(err, ErrNoMatch) {
		m.logger.Error("thread lookup failed", "thread_id", ev.ThreadID, "error", err)
		return false
	}

	subject := NormalizeSubject(ev.Subject)
	candidates, err := m.store.CandidateIDs(ctx, tenantID, ev.Participants, subject, m.lookback)
	if err != nil {
		m.logger.Error("candidate lookup failed", "thread_id", ev.ThreadID, "error", err)
		return false
	}

	switch len(candidates) {
	case 0:
		return false
	case 1:
		ev.MatchConfidence = ConfidenceHeuristic
		ev.InstanceID = &candidates[0]
		// Heuristic matches are applied but flagged for manual audit:
		// they never carry full weight.
		m.logger.Warn("reply matched by participant+subject heuristic",
			"provider", ev.Provider,
			"thread_id", ev.ThreadID,
			"instance_id", candidates[0],
			"confidence", ConfidenceHeuristic)
		if m.metrics != nil {
			m.metrics.RecordReplyMatched(ev.Provider, "heuristic")
		}
		return true
	default:
		ev.MatchConfidence = ConfidenceHeuristic
		m.logger.Warn("reply matched multiple instances, not applied",
			"provider", ev.Provider,
			"thread_id", ev.ThreadID,
			"candidates", len(candidates))
		if m.metrics != nil {
			m.metrics.RepliesAmbiguous.Inc()
		}
		return false
	}
}
