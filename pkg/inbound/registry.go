package inbound

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leadflowhq/leadflow/pkg/database"
)

// ErrSubscriptionNotFound is returned when no mailbox is registered for
// a webhook's identifiers.
var ErrSubscriptionNotFound = errors.New("mailbox subscription not found")

// Subscription maps a provider's own webhook identifier to the mailbox
// and tenant it belongs to. Webhooks are resolved through this mapping
// and only this mapping; there is deliberately no "first active account
// of this provider" fallback.
type Subscription struct {
	SubscriptionID string
	Provider       string
	TenantID       string
	Mailbox        string
	HistoryCursor  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Registry persists mailbox subscriptions.
type Registry struct {
	db *database.Client
}

// NewRegistry creates a Postgres-backed subscription registry.
func NewRegistry(db *database.Client) *Registry {
	return &Registry{db: db}
}

// Register upserts a subscription.
func (r *Registry) Register(ctx context.Context, sub *Subscription) error {
	_, err := r.db.DB.ExecContext(ctx, `
		INSERT INTO mailbox_subscriptions
		(subscription_id, provider, tenant_id, mailbox, history_cursor, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (subscription_id) DO UPDATE
		SET provider = EXCLUDED.provider,
		    tenant_id = EXCLUDED.tenant_id,
		    mailbox = EXCLUDED.mailbox,
		    updated_at = now()
	`, sub.SubscriptionID, sub.Provider, sub.TenantID,
		strings.ToLower(sub.Mailbox), nullableCursor(sub.HistoryCursor))
	if err != nil {
		return fmt.Errorf("failed to register subscription: %w", err)
	}
	return nil
}

// Lookup resolves a subscription by the provider's identifier: the
// watched mailbox address for Gmail pushes, the subscription id for
// Graph notifications.
func (r *Registry) Lookup(ctx context.Context, provider, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	var cursor sql.NullString
	err := r.db.DB.QueryRowContext(ctx, `
		SELECT subscription_id, provider, tenant_id, mailbox, history_cursor,
		       created_at, updated_at
		FROM mailbox_subscriptions
		WHERE provider = $1 AND subscription_id = $2
	`, provider, subscriptionID).Scan(
		&sub.SubscriptionID, &sub.Provider, &sub.TenantID, &sub.Mailbox,
		&cursor, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up subscription: %w", err)
	}
	sub.HistoryCursor = cursor.String
	return &sub, nil
}

// UpdateCursor advances the stored history cursor after a processed
// delta.
func (r *Registry) UpdateCursor(ctx context.Context, subscriptionID, cursor string) error {
	_, err := r.db.DB.ExecContext(ctx, `
		UPDATE mailbox_subscriptions
		SET history_cursor = $1, updated_at = now()
		WHERE subscription_id = $2
	`, cursor, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to update history cursor: %w", err)
	}
	return nil
}

func nullableCursor(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
