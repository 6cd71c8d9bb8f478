package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"trustedge_backend/internal/middleware"
	"trustedge_backend/internal/models"
	"trustedge_backend/internal/services"
)

// ApplicationHandler handles loan applications: intake, automatic scoring
// and the staff decision that turns an application into a funded loan.
type ApplicationHandler struct {
	db    *gorm.DB
	ai    *services.AIService
	email *services.EmailService
	cache *services.RedisCache
}

func NewApplicationHandler(db *gorm.DB, ai *services.AIService, email *services.EmailService, cache *services.RedisCache) *ApplicationHandler {
	return &ApplicationHandler{db: db, ai: ai, email: email, cache: cache}
}

type applicationCreateRequest struct {
	Amount          float64  `json:"amount"`
	TermMonths      int      `json:"term_months"`
	Purpose         string   `json:"purpose"`
	Region          string   `json:"region"`
	AnnualIncome    *float64 `json:"annual_income"`
	CreditScore     *int     `json:"credit_score"`
	DTI             *float64 `json:"dti"`
	PastDefaults    *int     `json:"past_defaults"`
	EmploymentYears *float64 `json:"employment_years"`
	Savings         *float64 `json:"savings"`
	CollateralValue *float64 `json:"collateral_value"`
	Age             *float64 `json:"age"`
}

// Create files a new application for the calling borrower, scores it and
// auto-approves low-risk requests. Higher risk bands park in UnderReview for
// a staff decision.
func (h *ApplicationHandler) Create(c echo.Context) error {
	user := middleware.CurrentUser(c)
	if user.Role != models.RoleBorrower {
		return echo.NewHTTPError(http.StatusForbidden, "only borrowers can apply")
	}

	var req applicationCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Amount <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "amount must be positive")
	}
	if req.TermMonths < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "term_months must be at least 1")
	}

	app := models.LoanApplication{
		BorrowerID:      user.ID,
		Amount:          req.Amount,
		TermMonths:      req.TermMonths,
		Purpose:         strings.TrimSpace(req.Purpose),
		Region:          strings.TrimSpace(req.Region),
		AnnualIncome:    req.AnnualIncome,
		CreditScore:     req.CreditScore,
		DTI:             req.DTI,
		PastDefaults:    req.PastDefaults,
		EmploymentYears: req.EmploymentYears,
		Savings:         req.Savings,
		CollateralValue: req.CollateralValue,
		Age:             req.Age,
		Status:          models.ApplicationStatusSubmitted,
	}
	if err := h.db.Create(&app).Error; err != nil {
		return err
	}

	res := h.ai.Predict(c.Request().Context(), featuresFor(&app))
	score := res.Score
	app.AIScore = &score
	app.RiskBand = res.Risk

	if res.Risk == models.RiskBandLow {
		loan, err := h.approve(&app, nil, "auto-approved: low risk")
		if err != nil {
			return err
		}
		h.sendApprovalEmail(user, &app, loan)
		invalidateMetrics(c, h.cache)
	} else {
		app.Status = models.ApplicationStatusUnderReview
		if err := h.db.Model(&app).Updates(map[string]interface{}{
			"ai_score":  score,
			"risk_band": app.RiskBand,
			"status":    app.Status,
		}).Error; err != nil {
			return err
		}
	}

	return c.JSON(http.StatusCreated, applicationToView(&app))
}

// List returns applications. Borrowers always see their own; staff can pass
// scope=all.
func (h *ApplicationHandler) List(c echo.Context) error {
	user := middleware.CurrentUser(c)
	scope := c.QueryParam("scope")
	if scope == "" {
		scope = "mine"
	}

	q := h.db.Model(&models.LoanApplication{})
	if user.Role == models.RoleBorrower || scope == "mine" {
		q = q.Where("borrower_id = ?", user.ID)
	}
	if status := c.QueryParam("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var apps []models.LoanApplication
	if err := q.Order("id desc").Find(&apps).Error; err != nil {
		return err
	}

	out := make([]applicationView, 0, len(apps))
	for i := range apps {
		out = append(out, applicationToView(&apps[i]))
	}
	return c.JSON(http.StatusOK, out)
}

// Get returns one application. Borrowers may only read their own.
func (h *ApplicationHandler) Get(c echo.Context) error {
	user := middleware.CurrentUser(c)
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	var app models.LoanApplication
	if err := h.db.First(&app, id).Error; err != nil {
		return err
	}
	if user.Role == models.RoleBorrower && app.BorrowerID != user.ID {
		return services.ErrNotFound
	}
	return c.JSON(http.StatusOK, applicationToView(&app))
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// Decide records the staff decision. Approval creates the loan and its
// schedule exactly once; deciding an already-decided application is a
// conflict.
func (h *ApplicationHandler) Decide(c echo.Context) error {
	actor := middleware.CurrentUser(c)
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	decision := models.ApplicationStatus(req.Decision)
	if decision != models.ApplicationStatusApproved && decision != models.ApplicationStatusRejected {
		return echo.NewHTTPError(http.StatusBadRequest, "decision must be 'Approved' or 'Rejected'")
	}

	var app models.LoanApplication
	if err := h.db.First(&app, id).Error; err != nil {
		return err
	}
	if app.Decided() {
		return fmt.Errorf("application %d is %s: %w", app.ID, app.Status, services.ErrAlreadyDecided)
	}

	var borrower models.User
	if err := h.db.First(&borrower, app.BorrowerID).Error; err != nil {
		return err
	}

	if decision == models.ApplicationStatusApproved {
		loan, err := h.approve(&app, &actor.ID, req.Reason)
		if err != nil {
			return err
		}
		h.sendApprovalEmail(&borrower, &app, loan)
	} else {
		now := time.Now()
		if err := h.db.Model(&app).Updates(map[string]interface{}{
			"status":        models.ApplicationStatusRejected,
			"decided_by_id": actor.ID,
			"decided_at":    now,
			"decision_note": req.Reason,
		}).Error; err != nil {
			return err
		}
		app.Status = models.ApplicationStatusRejected
		app.DecisionNote = req.Reason

		h.sendAsync(borrower.Email, "Loan Decision", fmt.Sprintf(
			"<h2>Your loan application was rejected</h2>"+
				"<p>Application ID: %d</p>"+
				"<p>Reason: %s</p>",
			app.ID, orNA(req.Reason)))
	}

	invalidateMetrics(c, h.cache)

	return c.JSON(http.StatusOK, echo.Map{
		"id":     app.ID,
		"status": app.Status,
		"reason": app.DecisionNote,
	})
}

// approve marks the application approved and funds it. If a loan already
// exists for the application the existing one is returned, so retried
// approvals never double-fund.
func (h *ApplicationHandler) approve(app *models.LoanApplication, decidedBy *uint, note string) (*models.Loan, error) {
	var loan models.Loan

	err := h.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		updates := map[string]interface{}{
			"status":        models.ApplicationStatusApproved,
			"decided_at":    now,
			"decision_note": note,
		}
		if app.AIScore != nil {
			updates["ai_score"] = *app.AIScore
			updates["risk_band"] = app.RiskBand
		}
		if decidedBy != nil {
			updates["decided_by_id"] = *decidedBy
		}
		if err := tx.Model(app).Updates(updates).Error; err != nil {
			return err
		}
		app.Status = models.ApplicationStatusApproved
		app.DecisionNote = note
		app.DecidedAt = &now

		err := tx.Where("application_id = ? AND borrower_id = ?", app.ID, app.BorrowerID).First(&loan).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		loan = models.Loan{
			BorrowerID:     app.BorrowerID,
			ApplicationID:  app.ID,
			Principal:      app.Amount,
			InterestRate:   services.StandardAPR,
			DurationMonths: app.TermMonths,
			Status:         models.LoanStatusActive,
		}
		if err := tx.Create(&loan).Error; err != nil {
			return err
		}

		schedule, err := services.GenerateSchedule(&loan)
		if err != nil {
			return err
		}
		return tx.Create(&schedule).Error
	})
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

func (h *ApplicationHandler) sendApprovalEmail(borrower *models.User, app *models.LoanApplication, loan *models.Loan) {
	score := 0.0
	if app.AIScore != nil {
		score = *app.AIScore
	}
	h.sendAsync(borrower.Email, "Loan Approved", fmt.Sprintf(
		"<h2>Your loan was approved!</h2>"+
			"<p>Application ID: %d</p>"+
			"<p>Principal: %.2f • Term: %d months</p>"+
			"<p>AI Score: %.4f (Risk: %s)</p>",
		app.ID, loan.Principal, loan.DurationMonths, score, app.RiskBand))
}

func (h *ApplicationHandler) sendAsync(to, subject, html string) {
	go func() {
		if err := h.email.SendEmail([]string{to}, subject, html); err != nil {
			log.Printf("[applications] sending %q to %s: %v", subject, to, err)
		}
	}()
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

// featuresFor flattens an application into the scoring payload.
func featuresFor(app *models.LoanApplication) services.ScoreFeatures {
	return services.ScoreFeatures{
		Amount:          app.Amount,
		TermMonths:      app.TermMonths,
		AnnualIncome:    app.AnnualIncome,
		CreditScore:     app.CreditScore,
		DTI:             app.DTI,
		PastDefaults:    app.PastDefaults,
		EmploymentYears: app.EmploymentYears,
		Savings:         app.Savings,
		CollateralValue: app.CollateralValue,
		Age:             app.Age,
		Purpose:         app.Purpose,
		Region:          app.Region,
	}
}
