package handlers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	apierrors "github.com/leadflowhq/leadflow/pkg/api/errors"
	"github.com/leadflowhq/leadflow/pkg/engine"
	"github.com/leadflowhq/leadflow/pkg/models"
)

// EnrollmentHandler handles campaign enrollment endpoints.
type EnrollmentHandler struct {
	engine    *engine.Engine
	store     engine.Store
	validator *validator.Validate
}

// NewEnrollmentHandler creates a new enrollment handler.
func NewEnrollmentHandler(eng *engine.Engine, store engine.Store) *EnrollmentHandler {
	return &EnrollmentHandler{
		engine:    eng,
		store:     store,
		validator: validator.New(),
	}
}

type enrollRequest struct {
	TenantID     string `json:"tenant_id" validate:"required"`
	ContactID    string `json:"contact_id" validate:"required"`
	LeadID       string `json:"lead_id"`
	ContactEmail string `json:"contact_email" validate:"required,email"`
	PlanHash     string `json:"plan_hash" validate:"required"`
}

func instanceResponse(inst *engine.Instance) map[string]any {
	return map[string]any{
		"id":              inst.ID,
		"tenant_id":       inst.TenantID,
		"contact_id":      inst.ContactID,
		"lead_id":         inst.LeadID,
		"contact_email":   inst.ContactEmail,
		"channel":         inst.Channel,
		"plan_version":    inst.PlanRef.Version,
		"plan_hash":       inst.PlanRef.Hash,
		"current_node_id": inst.CurrentNodeID,
		"status":          inst.Status,
		"next_wake_at":    inst.NextWakeAt,
		"last_sent_at":    inst.LastSentAt,
		"created_at":      inst.CreatedAt,
		"updated_at":      inst.UpdatedAt,
	}
}

// CreateEnrollment godoc
// @Summary Enroll contact
// @Description Start a campaign instance for a contact. A contact can have at most one active instance per channel.
// @Tags enrollments
// @Accept json
// @Produce json
// @Success 201 {object} map[string]interface{} "Instance created"
// @Failure 400 {object} models.ErrorResponse "Bad request"
// @Failure 404 {object} models.ErrorResponse "Plan not found"
// @Failure 409 {object} models.ErrorResponse "Already enrolled"
// @Router /enrollments [post]
func (h *EnrollmentHandler) CreateEnrollment(c echo.Context) error {
	ctx := c.Request().Context()

	var req enrollRequest
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

	inst, err := h.engine.Enroll(ctx, engine.EnrollParams{
		TenantID:     req.TenantID,
		ContactID:    req.ContactID,
		LeadID:       req.LeadID,
		ContactEmail: req.ContactEmail,
		PlanHash:     req.PlanHash,
	})
	if errors.Is(err, engine.ErrPlanNotFound) {
		return c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error: "Plan not found",
		})
	}
	if errors.Is(err, engine.ErrAlreadyEnrolled) {
		return c.JSON(http.StatusConflict, models.ErrorResponse{
			Error: "Contact already has an active instance on this channel",
		})
	}
	if err != nil {
		return apierrors.InternalError(c, err)
	}

	return c.JSON(http.StatusCreated, instanceResponse(inst))
}

// GetEnrollment godoc
// @Summary Get enrollment
// @Description Fetch a campaign instance by id.
// @Tags enrollments
// @Produce json
// @Param id path string true "Instance ID"
// @Success 200 {object} map[string]interface{} "Instance"
// @Failure 404 {object} models.ErrorResponse "Not found"
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) GetEnrollment(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "Invalid instance id",
		})
	}

	inst, err := h.store.GetInstance(ctx, id)
	if errors.Is(err, engine.ErrInstanceNotFound) {
		return c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error: "Instance not found",
		})
	}
	if err != nil {
		return apierrors.DatabaseError(c, err)
	}

	return c.JSON(http.StatusOK, instanceResponse(inst))
}

// StopEnrollment godoc
// @Summary Stop enrollment
// @Description Pause an active instance so it sends nothing further.
// @Tags enrollments
// @Produce json
// @Param id path string true "Instance ID"
// @Success 200 {object} models.StatusResponse "Stopped"
// @Failure 404 {object} models.ErrorResponse "Not found"
// @Router /enrollments/{id}/stop [post]
func (h *EnrollmentHandler) StopEnrollment(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "Invalid instance id",
		})
	}

	if err := h.engine.Stop(ctx, id); err != nil {
		if errors.Is(err, engine.ErrInstanceNotFound) {
			return c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error: "Instance not found",
			})
		}
		return apierrors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, models.StatusResponse{Status: "stopped"})
}
