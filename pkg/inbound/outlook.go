package inbound

import (
	"context"
	"fmt"

	"github.com/leadflowhq/leadflow/pkg/logger"
)

// GraphAPI is the narrow Microsoft Graph capability the ingestor needs.
type GraphAPI interface {
	// GetMessageConversation resolves a message resource to its
	// conversation id.
	GetMessageConversation(ctx context.Context, mailbox, messageID string) (string, error)
	// GetConversation fetches all messages in a conversation.
	GetConversation(ctx context.Context, mailbox, conversationID string) ([]ThreadMessage, error)
}

// GraphNotificationBatch is the change-notification body Graph posts to
// the webhook. Multiple notifications may be coalesced into one batch.
type GraphNotificationBatch struct {
	Value []GraphNotification `json:"value"`
}

// GraphNotification is one change notification in a batch.
type GraphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// OutlookIngestor turns Graph change notifications into normalized
// thread events. Graph identifies deliveries by subscription id, which
// the registry maps back to a tenant and mailbox.
type OutlookIngestor struct {
	api      GraphAPI
	registry SubscriptionSource
	matcher  *Matcher
	logger   logger.Logger
}

// NewOutlookIngestor creates the Outlook ingestion path.
func NewOutlookIngestor(api GraphAPI, registry SubscriptionSource, matcher *Matcher, log logger.Logger) *OutlookIngestor {
	if log == nil {
		log = logger.Default()
	}
	return &OutlookIngestor{api: api, registry: registry, matcher: matcher, logger: log}
}

// Ingest processes a notification batch. Notifications for the same
// conversation are coalesced so the thread is fetched and matched once.
func (o *OutlookIngestor) Ingest(ctx context.Context, batch *GraphNotificationBatch) error {
	seen := make(map[string]bool)

	for _, n := range batch.Value {
		if n.SubscriptionID == "" || n.ResourceData.ID == "" {
			o.logger.Warn("skipping malformed graph notification", "resource", n.Resource)
			continue
		}

		sub, err := o.registry.Lookup(ctx, ProviderOutlook, n.SubscriptionID)
		if err != nil {
			o.logger.Error("graph notification for unknown subscription",
				"subscription_id", n.SubscriptionID, "error", err)
			continue
		}

		convID, err := o.api.GetMessageConversation(ctx, sub.Mailbox, n.ResourceData.ID)
		if err != nil {
			o.logger.Error("failed to resolve conversation",
				"mailbox", sub.Mailbox, "message_id", n.ResourceData.ID, "error", err)
			continue
		}
		if convID == "" || seen[convID] {
			continue
		}
		seen[convID] = true

		messages, err := o.api.GetConversation(ctx, sub.Mailbox, convID)
		if err != nil {
			o.logger.Error("failed to fetch conversation",
				"mailbox", sub.Mailbox, "conversation_id", convID, "error", err)
			continue
		}

		ev := NormalizeThread(ProviderOutlook, convID, messages)
		if err := o.matcher.Process(ctx, sub.TenantID, ev); err != nil {
			o.logger.Error("failed to process thread event",
				"conversation_id", convID, "error", err)
		}
	}

	return nil
}

// CheckClientState verifies the shared secret echoed back by the
// batch. Graph coalesces notifications across subscriptions, so a
// batch is accepted when at least one notification carries the
// configured secret. An empty configured secret accepts all batches,
// which is only acceptable in development.
func CheckClientState(batch *GraphNotificationBatch, configured string, log logger.Logger) error {
	if configured == "" {
		if log != nil {
			log.Warn("graph client state not configured, accepting all notifications")
		}
		return nil
	}
	for _, n := range batch.Value {
		if n.ClientState == configured {
			return nil
		}
	}
	return fmt.Errorf("no notification in batch echoed the expected client state")
}
