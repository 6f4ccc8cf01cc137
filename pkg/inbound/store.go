package inbound

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/leadflowhq/leadflow/pkg/database"
)

// ErrNoMatch is returned when a lookup finds no instance.
var ErrNoMatch = errors.New("no matching instance")

// Store is the persistence the matcher needs: candidate lookups and
// idempotent event writes.
type Store interface {
	// InstanceIDByThread finds the active instance whose send history
	// includes the provider thread id.
	InstanceIDByThread(ctx context.Context, tenantID, threadID string) (uuid.UUID, error)
	// CandidateIDs finds active instances for the tenant whose contact
	// address appears among the participants and which sent a message
	// with a correlating subject inside the lookback window.
	CandidateIDs(ctx context.Context, tenantID string, participants []string, subject string, lookback time.Duration) ([]uuid.UUID, error)
	// SaveEvent persists the event. Returns false when an event with the
	// same (provider, thread, message count) already exists.
	SaveEvent(ctx context.Context, ev *ThreadEvent) (bool, error)
}

// SQLStore implements Store on Postgres.
type SQLStore struct {
	db *database.Client
}

// NewSQLStore creates a Postgres-backed matcher store.
func NewSQLStore(db *database.Client) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) InstanceIDByThread(ctx context.Context, tenantID, threadID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.DB.QueryRowContext(ctx, `
		SELECT ci.id
		FROM campaign_instances ci
		JOIN execution_attempts ea ON ea.instance_id = ci.id
		WHERE ci.tenant_id = $1
		  AND ci.status = 'active'
		  AND ea.provider_thread_id = $2
		LIMIT 1
	`, tenantID, threadID).Scan(&id)
	if err == sql.ErrNoRows {
		return uuid.Nil, ErrNoMatch
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to look up instance by thread: %w", err)
	}
	return id, nil
}

func (s *SQLStore) CandidateIDs(ctx context.Context, tenantID string, participants []string, subject string, lookback time.Duration) ([]uuid.UUID, error) {
	lowered := make([]string, len(participants))
	for i, p := range participants {
		lowered[i] = strings.ToLower(p)
	}

	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT DISTINCT ci.id
		FROM campaign_instances ci
		JOIN execution_attempts ea ON ea.instance_id = ci.id
		WHERE ci.tenant_id = $1
		  AND ci.status = 'active'
		  AND ci.contact_email = ANY($2)
		  AND ea.outcome = 'sent'
		  AND ea.sent_at >= $3
		  AND lower(ea.subject) = lower($4)
	`, tenantID, pq.Array(lowered), time.Now().Add(-lookback), subject)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) SaveEvent(ctx context.Context, ev *ThreadEvent) (bool, error) {
	res, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO inbound_thread_events
		(id, provider, thread_id, message_count, participants, is_reply,
		 original_sender, subject, received_at, match_confidence, instance_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (provider, thread_id, message_count) DO NOTHING
	`, ev.ID, ev.Provider, ev.ThreadID, ev.MessageCount, pq.Array(ev.Participants),
		ev.IsReply, ev.OriginalSender, ev.Subject, ev.ReceivedAt,
		ev.MatchConfidence, ev.InstanceID)
	if err != nil {
		return false, fmt.Errorf("failed to save thread event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n > 0, nil
}
