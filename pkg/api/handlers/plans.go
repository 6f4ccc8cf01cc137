package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	apierrors "github.com/leadflowhq/leadflow/pkg/api/errors"
	"github.com/leadflowhq/leadflow/pkg/engine"
	"github.com/leadflowhq/leadflow/pkg/models"
	"github.com/leadflowhq/leadflow/pkg/plan"
)

// PlanHandler handles campaign plan endpoints.
type PlanHandler struct {
	store engine.Store
}

// NewPlanHandler creates a new plan handler.
func NewPlanHandler(store engine.Store) *PlanHandler {
	return &PlanHandler{store: store}
}

// CreatePlan godoc
// @Summary Create campaign plan
// @Description Validate and store a plan under its content hash. Plans are immutable; resubmitting identical content returns the same hash.
// @Tags plans
// @Accept json
// @Produce json
// @Success 201 {object} map[string]interface{} "Plan stored"
// @Failure 400 {object} models.ErrorResponse "Invalid plan"
// @Router /plans [post]
func (h *PlanHandler) CreatePlan(c echo.Context) error {
	ctx := c.Request().Context()

	var p plan.Plan
	if err := c.Bind(&p); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "Invalid request body",
		})
	}

	if err := p.Validate(); err != nil {
		var verr *plan.ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, map[string]any{
				"error":  "Plan validation failed",
				"issues": verr.Issues,
			})
		}
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	}

	hash, err := p.Hash()
	if err != nil {
		return apierrors.InternalError(c, err)
	}

	if err := h.store.SavePlan(ctx, &p, hash); err != nil {
		return apierrors.DatabaseError(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"hash":    hash,
		"version": p.Version,
	})
}

// ValidatePlan godoc
// @Summary Validate campaign plan
// @Description Run plan validation without storing anything.
// @Tags plans
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{} "Validation result"
// @Failure 400 {object} models.ErrorResponse "Bad request"
// @Router /plans/validate [post]
func (h *PlanHandler) ValidatePlan(c echo.Context) error {
	var p plan.Plan
	if err := c.Bind(&p); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "Invalid request body",
		})
	}

	if err := p.Validate(); err != nil {
		var verr *plan.ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusOK, map[string]any{
				"valid":  false,
				"issues": verr.Issues,
			})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"valid":  false,
			"issues": []string{err.Error()},
		})
	}

	hash, _ := p.Hash()
	return c.JSON(http.StatusOK, map[string]any{
		"valid": true,
		"hash":  hash,
	})
}

// GetPlan godoc
// @Summary Get campaign plan
// @Description Fetch a stored plan by content hash.
// @Tags plans
// @Produce json
// @Param hash path string true "Plan content hash"
// @Success 200 {object} plan.Plan "Plan definition"
// @Failure 404 {object} models.ErrorResponse "Not found"
// @Router /plans/{hash} [get]
func (h *PlanHandler) GetPlan(c echo.Context) error {
	ctx := c.Request().Context()

	p, err := h.store.GetPlan(ctx, c.Param("hash"))
	if errors.Is(err, engine.ErrPlanNotFound) {
		return c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error: "Plan not found",
		})
	}
	if err != nil {
		return apierrors.DatabaseError(c, err)
	}

	return c.JSON(http.StatusOK, p)
}
