package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// Client holds the database client
type Client struct {
	DB *sql.DB
}

// NewClient creates a new database client and applies the schema.
func NewClient(databaseURL string) (*Client, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed opening connection to postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed connecting to postgres: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("failed creating schema resources: %w", err)
	}

	log.Println("✅ Database connected and migrations applied")

	return &Client{DB: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.DB.Close()
}

// Ping checks if the database is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS plans (
		hash        TEXT PRIMARY KEY,
		version     INT NOT NULL,
		timezone    TEXT NOT NULL,
		definition  JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS campaign_instances (
		id              UUID PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		contact_id      TEXT NOT NULL,
		lead_id         TEXT NOT NULL DEFAULT '',
		contact_email   TEXT NOT NULL,
		channel         TEXT NOT NULL DEFAULT 'email',
		plan_hash       TEXT NOT NULL REFERENCES plans(hash),
		plan_version    INT NOT NULL,
		current_node_id TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'active',
		next_wake_at    TIMESTAMPTZ,
		last_sent_at    TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// One active run per (tenant, contact, channel).
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_one_active
		ON campaign_instances (tenant_id, contact_id, channel)
		WHERE status = 'active'`,

	`CREATE INDEX IF NOT EXISTS idx_instances_due
		ON campaign_instances (next_wake_at)
		WHERE status = 'active'`,

	`CREATE TABLE IF NOT EXISTS execution_attempts (
		id                  UUID PRIMARY KEY,
		instance_id         UUID NOT NULL REFERENCES campaign_instances(id),
		node_id             TEXT NOT NULL,
		attempt_number      INT NOT NULL,
		outcome             TEXT NOT NULL,
		provider_message_id TEXT,
		provider_thread_id  TEXT,
		subject             TEXT NOT NULL DEFAULT '',
		last_error          TEXT,
		sent_at             TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (instance_id, node_id, attempt_number)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_attempts_thread
		ON execution_attempts (provider_thread_id)
		WHERE provider_thread_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS inbound_thread_events (
		id               UUID PRIMARY KEY,
		provider         TEXT NOT NULL,
		thread_id        TEXT NOT NULL,
		message_count    INT NOT NULL,
		participants     TEXT[] NOT NULL,
		is_reply         BOOLEAN NOT NULL,
		original_sender  TEXT NOT NULL DEFAULT '',
		subject          TEXT NOT NULL DEFAULT '',
		received_at      TIMESTAMPTZ NOT NULL,
		match_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		instance_id      UUID REFERENCES campaign_instances(id),
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (provider, thread_id, message_count)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_thread_events_instance
		ON inbound_thread_events (instance_id)
		WHERE instance_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS suppressions (
		tenant_id  TEXT NOT NULL,
		address    TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, address)
	)`,

	`CREATE TABLE IF NOT EXISTS mailbox_subscriptions (
		subscription_id TEXT PRIMARY KEY,
		provider        TEXT NOT NULL,
		tenant_id       TEXT NOT NULL,
		mailbox         TEXT NOT NULL,
		history_cursor  TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
