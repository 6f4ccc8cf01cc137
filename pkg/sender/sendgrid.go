package sender

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/leadflowhq/leadflow/pkg/logger"
)

// SendGridSender sends campaign email through the SendGrid v3 API.
type SendGridSender struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	logger    logger.Logger
}

// NewSendGridSender creates a SendGrid-backed sender.
func NewSendGridSender(apiKey, fromEmail, fromName string, log logger.Logger) *SendGridSender {
	if log == nil {
		log = logger.Default()
	}
	return &SendGridSender{
		client:    sendgrid.NewSendClient(apiKey),
		fromEmail: fromEmail,
		fromName:  fromName,
		logger:    log,
	}
}

// Send delivers one rendered message. The idempotency key travels as a
// custom arg so duplicate submissions of the same attempt can be traced
// provider-side.
func (s *SendGridSender) Send(ctx context.Context, msg Message) (*Result, error) {
	email := mail.NewV3Mail()
	email.SetFrom(mail.NewEmail(s.fromName, s.fromEmail))
	email.Subject = msg.Subject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail(msg.ToName, msg.To))
	p.SetCustomArg("idempotency_key", msg.IdempotencyKey)
	p.SetCustomArg("tenant_id", msg.TenantID)
	email.AddPersonalizations(p)

	email.AddContent(mail.NewContent("text/plain", msg.Body))

	resp, err := s.client.SendWithContext(ctx, email)
	if err != nil {
		// Transport failure: provider-side outcome unknown, retryable.
		return nil, fmt.Errorf("sendgrid request failed: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		transient := resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= http.StatusInternalServerError
		return nil, &SendError{
			StatusCode: resp.StatusCode,
			Transient:  transient,
			Reason:     resp.Body,
		}
	}

	messageID := resp.Headers["X-Message-Id"]
	id := ""
	if len(messageID) > 0 {
		id = messageID[0]
	}

	s.logger.Debug("message accepted by sendgrid",
		"to", msg.To,
		"provider_message_id", id)

	return &Result{ProviderMessageID: id}, nil
}
