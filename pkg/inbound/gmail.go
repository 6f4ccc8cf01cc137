package inbound

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/leadflowhq/leadflow/pkg/logger"
)

// GmailAPI is the narrow read-only Gmail capability the ingestor needs.
type GmailAPI interface {
	// ListHistory enumerates messages added since the cursor, returning
	// the cursor to store for the next delta.
	ListHistory(ctx context.Context, mailbox, startCursor string) ([]HistoryMessage, string, error)
	// GetThread fetches the full thread.
	GetThread(ctx context.Context, mailbox, threadID string) ([]ThreadMessage, error)
}

// HistoryMessage is one newly-added message in a history delta.
type HistoryMessage struct {
	ID       string
	ThreadID string
}

// SubscriptionSource resolves webhook identifiers to registered
// mailboxes. Implemented by Registry.
type SubscriptionSource interface {
	Lookup(ctx context.Context, provider, subscriptionID string) (*Subscription, error)
	UpdateCursor(ctx context.Context, subscriptionID, cursor string) error
}

// GmailPush is the Pub/Sub push envelope delivered to the webhook.
type GmailPush struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// GmailNotification is the decoded payload inside a push envelope.
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"historyId"`
}

// DecodeGmailPush extracts the notification from the base64 payload.
func DecodeGmailPush(push *GmailPush) (*GmailNotification, error) {
	raw, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode push data: %w", err)
	}
	var n GmailNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal push data: %w", err)
	}
	if n.EmailAddress == "" || n.HistoryID == "" {
		return nil, fmt.Errorf("push notification missing email address or history id")
	}
	return &n, nil
}

// GmailIngestor turns history-delta pushes into normalized thread
// events. Gmail identifies its watch by the mailbox address, so that is
// the registry key.
type GmailIngestor struct {
	api      GmailAPI
	registry SubscriptionSource
	matcher  *Matcher
	logger   logger.Logger
}

// NewGmailIngestor creates the Gmail ingestion path.
func NewGmailIngestor(api GmailAPI, registry SubscriptionSource, matcher *Matcher, log logger.Logger) *GmailIngestor {
	if log == nil {
		log = logger.Default()
	}
	return &GmailIngestor{api: api, registry: registry, matcher: matcher, logger: log}
}

// Ingest processes one push notification: fetch the delta since the
// stored cursor, group added messages by thread, and run each
// newly-touched thread through the matcher once.
func (g *GmailIngestor) Ingest(ctx context.Context, n *GmailNotification) error {
	sub, err := g.registry.Lookup(ctx, ProviderGmail, n.EmailAddress)
	if err != nil {
		return fmt.Errorf("gmail push for unregistered mailbox %s: %w", n.EmailAddress, err)
	}

	cursor := sub.HistoryCursor
	if cursor == "" {
		cursor = n.HistoryID
	}

	added, newCursor, err := g.api.ListHistory(ctx, sub.Mailbox, cursor)
	if err != nil {
		return fmt.Errorf("failed to list history for %s: %w", sub.Mailbox, err)
	}

	// One fetch per thread regardless of how many messages the delta
	// added to it.
	seen := make(map[string]bool)
	for _, msg := range added {
		if msg.ThreadID == "" || seen[msg.ThreadID] {
			continue
		}
		seen[msg.ThreadID] = true

		messages, err := g.api.GetThread(ctx, sub.Mailbox, msg.ThreadID)
		if err != nil {
			g.logger.Error("failed to fetch thread",
				"mailbox", sub.Mailbox, "thread_id", msg.ThreadID, "error", err)
			continue
		}

		ev := NormalizeThread(ProviderGmail, msg.ThreadID, messages)
		if err := g.matcher.Process(ctx, sub.TenantID, ev); err != nil {
			g.logger.Error("failed to process thread event",
				"thread_id", msg.ThreadID, "error", err)
		}
	}

	if newCursor != "" && newCursor != sub.HistoryCursor {
		if err := g.registry.UpdateCursor(ctx, sub.SubscriptionID, newCursor); err != nil {
			g.logger.Error("failed to store history cursor",
				"subscription_id", sub.SubscriptionID, "error", err)
		}
	}

	return nil
}
