package handlers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	apierrors "github.com/leadflowhq/leadflow/pkg/api/errors"
	"github.com/leadflowhq/leadflow/pkg/inbound"
	"github.com/leadflowhq/leadflow/pkg/models"
)

// MailboxHandler manages the mapping from provider webhook identifiers
// to tenant mailboxes. An inbound notification is only processed when
// its identifier resolves through this registry.
type MailboxHandler struct {
	registry  *inbound.Registry
	validator *validator.Validate
}

// NewMailboxHandler creates a new mailbox handler.
func NewMailboxHandler(registry *inbound.Registry) *MailboxHandler {
	return &MailboxHandler{
		registry:  registry,
		validator: validator.New(),
	}
}

type registerMailboxRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
	Provider       string `json:"provider" validate:"required,oneof=gmail outlook"`
	TenantID       string `json:"tenant_id" validate:"required"`
	Mailbox        string `json:"mailbox" validate:"required,email"`
	HistoryCursor  string `json:"history_cursor"`
}

// RegisterMailbox godoc
// @Summary Register mailbox subscription
// @Description Map a provider webhook identifier to a tenant mailbox. For Gmail the identifier is the watched address, for Graph the subscription id.
// @Tags mailboxes
// @Accept json
// @Produce json
// @Success 201 {object} models.StatusResponse "Registered"
// @Failure 400 {object} models.ErrorResponse "Bad request"
// @Router /mailboxes [post]
func (h *MailboxHandler) RegisterMailbox(c echo.Context) error {
	ctx := c.Request().Context()

	var req registerMailboxRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "Invalid request body",
		})
	}
	if err := h.validator.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Validation failed",
			Message: err.Error(),
		})
	}

	err := h.registry.Register(ctx, &inbound.Subscription{
		SubscriptionID: req.SubscriptionID,
		Provider:       req.Provider,
		TenantID:       req.TenantID,
		Mailbox:        req.Mailbox,
		HistoryCursor:  req.HistoryCursor,
	})
	if err != nil {
		return apierrors.DatabaseError(c, err)
	}

	return c.JSON(http.StatusCreated, models.StatusResponse{Status: "registered"})
}

// GetMailbox godoc
// @Summary Get mailbox subscription
// @Description Fetch a registered subscription by provider and identifier.
// @Tags mailboxes
// @Produce json
// @Param provider path string true "Provider (gmail or outlook)"
// @Param id path string true "Subscription identifier"
// @Success 200 {object} map[string]interface{} "Subscription"
// @Failure 404 {object} models.ErrorResponse "Not found"
// @Router /mailboxes/{provider}/{id} [get]
func (h *MailboxHandler) GetMailbox(c echo.Context) error {
	ctx := c.Request().Context()

	sub, err := h.registry.Lookup(ctx, c.Param("provider"), c.Param("id"))
	if errors.Is(err, inbound.ErrSubscriptionNotFound) {
		return c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error: "Subscription not found",
		})
	}
	if err != nil {
		return apierrors.DatabaseError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"subscription_id": sub.SubscriptionID,
		"provider":        sub.Provider,
		"tenant_id":       sub.TenantID,
		"mailbox":         sub.Mailbox,
		"history_cursor":  sub.HistoryCursor,
		"created_at":      sub.CreatedAt,
		"updated_at":      sub.UpdatedAt,
	})
}
