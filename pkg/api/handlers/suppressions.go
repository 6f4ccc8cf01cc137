package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	apierrors "github.com/leadflowhq/leadflow/pkg/api/errors"
	"github.com/leadflowhq/leadflow/pkg/models"
	"github.com/leadflowhq/leadflow/pkg/suppression"
)

// SuppressionHandler handles the per-tenant do-not-contact list.
type SuppressionHandler struct {
	service   *suppression.Service
	validator *validator.Validate
}

// NewSuppressionHandler creates a new suppression handler.
func NewSuppressionHandler(service *suppression.Service) *SuppressionHandler {
	return &SuppressionHandler{
		service:   service,
		validator: validator.New(),
	}
}

type suppressRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	Address  string `json:"address" validate:"required,email"`
	Reason   string `json:"reason"`
}

// CreateSuppression godoc
// @Summary Suppress address
// @Description Add an address to the tenant's suppression list. Active instances targeting it pause at their next tick.
// @Tags suppressions
// @Accept json
// @Produce json
// @Success 201 {object} models.StatusResponse "Suppressed"
// @Failure 400 {object} models.ErrorResponse "Bad request"
// @Router /suppressions [post]
func (h *SuppressionHandler) CreateSuppression(c echo.Context) error {
	ctx := c.Request().Context()

	var req suppressRequest
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

	if err := h.service.Suppress(ctx, req.TenantID, req.Address, req.Reason); err != nil {
		return apierrors.DatabaseError(c, err)
	}

	return c.JSON(http.StatusCreated, models.StatusResponse{Status: "suppressed"})
}

// CheckSuppression godoc
// @Summary Check suppression
// @Description Report whether an address is suppressed for a tenant.
// @Tags suppressions
// @Produce json
// @Param tenant_id query string true "Tenant ID"
// @Param address query string true "Email address"
// @Success 200 {object} map[string]interface{} "Suppression state"
// @Failure 400 {object} models.ErrorResponse "Bad request"
// @Router /suppressions [get]
func (h *SuppressionHandler) CheckSuppression(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID := c.QueryParam("tenant_id")
	address := c.QueryParam("address")
	if tenantID == "" || address == "" {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "tenant_id and address are required",
		})
	}

	suppressed, err := h.service.IsSuppressed(ctx, tenantID, address)
	if err != nil {
		return apierrors.DatabaseError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"tenant_id":  tenantID,
		"address":    address,
		"suppressed": suppressed,
	})
}
