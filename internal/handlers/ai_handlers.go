package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"trustedge_backend/internal/models"
	"trustedge_backend/internal/services"
)

// AIHandler exposes the credit scoring engine directly: health and mode
// probes, ad-hoc predictions, and staff-triggered re-scoring of an
// application on file.
type AIHandler struct {
	db *gorm.DB
	ai *services.AIService
}

func NewAIHandler(db *gorm.DB, ai *services.AIService) *AIHandler {
	return &AIHandler{db: db, ai: ai}
}

func (h *AIHandler) Health(c echo.Context) error {
	status, err := h.ai.Health(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusOK, echo.Map{"status": "unreachable", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, status)
}

func (h *AIHandler) Mode(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"mode": h.ai.Mode()})
}

// Predict scores an arbitrary feature set without touching any application.
func (h *AIHandler) Predict(c echo.Context) error {
	var features services.ScoreFeatures
	if err := c.Bind(&features); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if features.Amount <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "amount must be positive")
	}

	res := h.ai.Predict(c.Request().Context(), features)
	return c.JSON(http.StatusOK, echo.Map{
		"score": res.Score,
		"risk":  string(res.Risk),
	})
}

// ScoreApplication re-runs the model against a stored application and
// persists the result. A freshly submitted application moves to review;
// already decided ones keep their status and only the score fields change.
func (h *AIHandler) ScoreApplication(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	var app models.LoanApplication
	if err := h.db.First(&app, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("application %d: %w", id, services.ErrNotFound)
		}
		return err
	}

	res := h.ai.Predict(c.Request().Context(), featuresFor(&app))

	updates := map[string]any{
		"ai_score":  res.Score,
		"risk_band": res.Risk,
	}
	if app.Status == models.ApplicationStatusSubmitted {
		updates["status"] = models.ApplicationStatusUnderReview
		app.Status = models.ApplicationStatusUnderReview
	}
	if err := h.db.Model(&app).Updates(updates).Error; err != nil {
		return err
	}

	return c.JSON(http.StatusOK, echo.Map{
		"application_id": app.ID,
		"ai_score":       res.Score,
		"risk":           string(res.Risk),
		"status":         string(app.Status),
		"mode":           h.ai.Mode(),
	})
}
