package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/leadflowhq/leadflow/pkg/inbound"
	"github.com/leadflowhq/leadflow/pkg/logger"
	"github.com/leadflowhq/leadflow/pkg/metrics"
	"github.com/leadflowhq/leadflow/pkg/models"
	"github.com/leadflowhq/leadflow/pkg/webhookauth"
)

// Signature headers carried by Gmail push deliveries.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// WebhookHandler handles inbound provider notifications. Both routes
// authenticate before touching the payload: Gmail with an ECDSA
// signature over timestamp and body, Graph with the echoed client
// state.
type WebhookHandler struct {
	verifier    *webhookauth.Verifier
	clientState string
	gmail       *inbound.GmailIngestor
	outlook     *inbound.OutlookIngestor
	metrics     *metrics.Metrics
	logger      logger.Logger
}

// NewWebhookHandler creates a new webhook handler. verifier may be nil
// when no public key is configured, which skips signature checks and is
// only acceptable in development.
func NewWebhookHandler(verifier *webhookauth.Verifier, clientState string,
	gmail *inbound.GmailIngestor, outlook *inbound.OutlookIngestor,
	m *metrics.Metrics, log logger.Logger) *WebhookHandler {
	if log == nil {
		log = logger.Default()
	}
	return &WebhookHandler{
		verifier:    verifier,
		clientState: clientState,
		gmail:       gmail,
		outlook:     outlook,
		metrics:     m,
		logger:      log,
	}
}

// HandleGmail godoc
// @Summary Gmail push webhook
// @Description Receive a Pub/Sub push for a watched Gmail mailbox.
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} models.StatusResponse "Processed"
// @Failure 401 {object} models.ErrorResponse "Authentication failed"
// @Router /webhooks/gmail [post]
func (h *WebhookHandler) HandleGmail(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "Failed to read request body",
		})
	}

	if h.verifier != nil {
		err := h.verifier.Verify(
			c.Request().Header.Get(HeaderTimestamp),
			c.Request().Header.Get(HeaderSignature),
			body)
		if err != nil {
			h.reject(c, inbound.ProviderGmail, err.Error())
			return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
				Error: err.Error(),
			})
		}
	} else {
		h.logger.Warn("gmail webhook signature verification disabled")
	}

	var push inbound.GmailPush
	if err := json.Unmarshal(body, &push); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "Invalid push envelope",
		})
	}

	n, err := inbound.DecodeGmailPush(&push)
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "Invalid push payload",
		})
	}

	if h.gmail == nil {
		// No Gmail API client was wired at startup; ack so the
		// provider stops redelivering.
		h.logger.Warn("gmail ingestor not configured, dropping push",
			"mailbox", n.EmailAddress)
		return c.JSON(http.StatusOK, models.StatusResponse{Status: "ignored"})
	}

	if err := h.gmail.Ingest(ctx, n); err != nil {
		if errors.Is(err, inbound.ErrSubscriptionNotFound) {
			// Retrying cannot resolve an unregistered mailbox; ack so the
			// provider stops redelivering.
			h.logger.Warn("dropping push for unregistered mailbox",
				"mailbox", n.EmailAddress)
			return c.JSON(http.StatusOK, models.StatusResponse{Status: "ignored"})
		}
		h.logger.Error("gmail ingest failed", "mailbox", n.EmailAddress, "error", err)
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error: "Failed to process notification",
		})
	}

	return c.JSON(http.StatusOK, models.StatusResponse{Status: "processed"})
}

// HandleOutlook godoc
// @Summary Microsoft Graph webhook
// @Description Receive Graph change notifications. Answers subscription validation handshakes by echoing the validation token.
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} models.StatusResponse "Processed"
// @Failure 401 {object} models.ErrorResponse "Authentication failed"
// @Router /webhooks/outlook [post]
func (h *WebhookHandler) HandleOutlook(c echo.Context) error {
	ctx := c.Request().Context()

	// Subscription validation handshake: Graph expects the token echoed
	// back as plain text before it activates the subscription.
	if token := c.QueryParam("validationToken"); token != "" {
		return c.String(http.StatusOK, token)
	}

	var batch inbound.GraphNotificationBatch
	if err := c.Bind(&batch); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "Invalid notification batch",
		})
	}

	if err := inbound.CheckClientState(&batch, h.clientState, h.logger); err != nil {
		h.reject(c, inbound.ProviderOutlook, "Client state mismatch")
		return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
			Error: "Client state mismatch",
		})
	}

	if h.outlook == nil {
		h.logger.Warn("outlook ingestor not configured, dropping batch",
			"notifications", len(batch.Value))
		return c.JSON(http.StatusOK, models.StatusResponse{Status: "ignored"})
	}

	if err := h.outlook.Ingest(ctx, &batch); err != nil {
		h.logger.Error("outlook ingest failed", "error", err)
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error: "Failed to process notifications",
		})
	}

	return c.JSON(http.StatusOK, models.StatusResponse{Status: "processed"})
}

func (h *WebhookHandler) reject(c echo.Context, provider, reason string) {
	h.logger.Warn("webhook rejected",
		"provider", provider,
		"reason", reason,
		"remote_ip", c.RealIP())
	if h.metrics != nil {
		h.metrics.RecordWebhookRejection(provider, reason)
	}
}
