package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/leadflowhq/leadflow/pkg/database"
	"github.com/leadflowhq/leadflow/pkg/plan"
)

var (
	// ErrInstanceNotFound is returned when an instance id resolves to nothing.
	ErrInstanceNotFound = errors.New("campaign instance not found")
	// ErrPlanNotFound is returned when a plan hash resolves to nothing.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrAlreadyEnrolled is returned when a contact already has an active
	// instance on the same channel.
	ErrAlreadyEnrolled = errors.New("contact already has an active campaign on this channel")
)

// Store is the persistence the engine needs. The write that advances an
// instance and the write that records the attempt behind it happen in
// one transaction, so a crash between them can never leave a stale wake
// time pointing at an already-executed node.
type Store interface {
	SavePlan(ctx context.Context, p *plan.Plan, hash string) error
	GetPlan(ctx context.Context, hash string) (*plan.Plan, error)

	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id uuid.UUID) (*Instance, error)
	UpdateInstance(ctx context.Context, inst *Instance) error
	ApplyTick(ctx context.Context, inst *Instance, att *Attempt) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	LatestAttempt(ctx context.Context, instanceID uuid.UUID, nodeID string) (*Attempt, error)
	HasReplySince(ctx context.Context, instanceID uuid.UUID, since time.Time) (bool, error)
}

// SQLStore implements Store on Postgres.
type SQLStore struct {
	db *database.Client
}

// NewSQLStore creates a Postgres-backed store.
func NewSQLStore(db *database.Client) *SQLStore {
	return &SQLStore{db: db}
}

// SavePlan stores a validated plan under its content hash. Saving the
// same content twice is a no-op, which is what makes plans immutable:
// an edit produces a new hash, never an overwrite.
func (s *SQLStore) SavePlan(ctx context.Context, p *plan.Plan, hash string) error {
	definition, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	_, err = s.db.DB.ExecContext(ctx, `
		INSERT INTO plans (hash, version, timezone, definition)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hash) DO NOTHING
	`, hash, p.Version, p.Timezone, definition)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// GetPlan loads a plan by content hash.
func (s *SQLStore) GetPlan(ctx context.Context, hash string) (*plan.Plan, error) {
	var definition []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT definition FROM plans WHERE hash = $1`, hash).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch plan: %w", err)
	}

	var p plan.Plan
	if err := json.Unmarshal(definition, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	return &p, nil
}

// CreateInstance inserts a new instance. The partial unique index on
// (tenant, contact, channel) enforces one active run per contact.
func (s *SQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	now := time.Now()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	_, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO campaign_instances
		(id, tenant_id, contact_id, lead_id, contact_email, channel,
		 plan_hash, plan_version, current_node_id, status, next_wake_at,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, inst.ID, inst.TenantID, inst.ContactID, inst.LeadID, inst.ContactEmail,
		inst.Channel, inst.PlanRef.Hash, inst.PlanRef.Version, inst.CurrentNodeID,
		inst.Status, inst.NextWakeAt, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyEnrolled
		}
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

func scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	var inst Instance
	err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.ContactID, &inst.LeadID,
		&inst.ContactEmail, &inst.Channel, &inst.PlanRef.Hash,
		&inst.PlanRef.Version, &inst.CurrentNodeID, &inst.Status,
		&inst.NextWakeAt, &inst.LastSentAt, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

const instanceColumns = `id, tenant_id, contact_id, lead_id, contact_email,
	channel, plan_hash, plan_version, current_node_id, status,
	next_wake_at, last_sent_at, created_at, updated_at`

// GetInstance loads an instance by id.
func (s *SQLStore) GetInstance(ctx context.Context, id uuid.UUID) (*Instance, error) {
	inst, err := scanInstance(s.db.DB.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM campaign_instances WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance persists instance state without an attempt row
// (suppression pause, manual stop).
func (s *SQLStore) UpdateInstance(ctx context.Context, inst *Instance) error {
	inst.UpdatedAt = time.Now()
	_, err := s.db.DB.ExecContext(ctx, `
		UPDATE campaign_instances
		SET current_node_id = $1, status = $2, next_wake_at = $3,
		    last_sent_at = $4, updated_at = $5
		WHERE id = $6
	`, inst.CurrentNodeID, inst.Status, inst.NextWakeAt, inst.LastSentAt,
		inst.UpdatedAt, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	return nil
}

// ApplyTick persists the new instance state and the attempt that caused
// it in one transaction.
func (s *SQLStore) ApplyTick(ctx context.Context, inst *Instance, att *Attempt) error {
	tx, err := s.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tick transaction: %w", err)
	}
	defer tx.Rollback()

	inst.UpdatedAt = time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE campaign_instances
		SET current_node_id = $1, status = $2, next_wake_at = $3,
		    last_sent_at = $4, updated_at = $5
		WHERE id = $6
	`, inst.CurrentNodeID, inst.Status, inst.NextWakeAt, inst.LastSentAt,
		inst.UpdatedAt, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}

	if att != nil {
		att.CreatedAt = inst.UpdatedAt
		_, err = tx.ExecContext(ctx, `
			INSERT INTO execution_attempts
			(id, instance_id, node_id, attempt_number, outcome,
			 provider_message_id, provider_thread_id, subject, last_error,
			 sent_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, att.ID, att.InstanceID, att.NodeID, att.AttemptNumber, att.Outcome,
			nullable(att.ProviderMessageID), nullable(att.ProviderThreadID),
			att.Subject, nullable(att.LastError), att.SentAt, att.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to record attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tick transaction: %w", err)
	}
	return nil
}

// ListDue returns ids of active instances whose wake time has passed.
func (s *SQLStore) ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT id FROM campaign_instances
		WHERE status = 'active' AND next_wake_at <= $1
		ORDER BY next_wake_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due instances: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan instance id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LatestAttempt returns the most recent attempt for a node, or nil when
// the node has never fired.
func (s *SQLStore) LatestAttempt(ctx context.Context, instanceID uuid.UUID, nodeID string) (*Attempt, error) {
	var att Attempt
	var providerMessageID, providerThreadID, lastError sql.NullString
	err := s.db.DB.QueryRowContext(ctx, `
		SELECT id, instance_id, node_id, attempt_number, outcome,
		       provider_message_id, provider_thread_id, subject, last_error,
		       sent_at, created_at
		FROM execution_attempts
		WHERE instance_id = $1 AND node_id = $2
		ORDER BY attempt_number DESC
		LIMIT 1
	`, instanceID, nodeID).Scan(
		&att.ID, &att.InstanceID, &att.NodeID, &att.AttemptNumber, &att.Outcome,
		&providerMessageID, &providerThreadID, &att.Subject, &lastError,
		&att.SentAt, &att.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest attempt: %w", err)
	}
	att.ProviderMessageID = providerMessageID.String
	att.ProviderThreadID = providerThreadID.String
	att.LastError = lastError.String
	return &att, nil
}

// HasReplySince reports whether an inbound reply has been recorded
// against the instance at or after the given time. Only events the
// matcher applied (instance id set) count; ambiguous matches never do.
func (s *SQLStore) HasReplySince(ctx context.Context, instanceID uuid.UUID, since time.Time) (bool, error) {
	var one int
	err := s.db.DB.QueryRowContext(ctx, `
		SELECT 1 FROM inbound_thread_events
		WHERE instance_id = $1 AND is_reply AND received_at >= $2
		LIMIT 1
	`, instanceID, since).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check replies: %w", err)
	}
	return true, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
