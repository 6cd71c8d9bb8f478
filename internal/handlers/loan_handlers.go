package handlers

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"trustedge_backend/internal/middleware"
	"trustedge_backend/internal/models"
	"trustedge_backend/internal/services"
)

// LoanHandler serves borrowers their funded loans and schedules.
type LoanHandler struct {
	db    *gorm.DB
	cache *services.RedisCache
}

func NewLoanHandler(db *gorm.DB, cache *services.RedisCache) *LoanHandler {
	return &LoanHandler{db: db, cache: cache}
}

// MyLoans returns the caller's loans with their full schedules, newest loan
// first.
func (h *LoanHandler) MyLoans(c echo.Context) error {
	user := middleware.CurrentUser(c)

	var loans []models.Loan
	if err := h.db.Where("borrower_id = ?", user.ID).Order("id desc").Find(&loans).Error; err != nil {
		return err
	}

	out, err := packLoans(h.db, loans, time.Now())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

// Get returns a single loan with its schedule. Borrowers may only read
// their own loans; staff may read any.
func (h *LoanHandler) Get(c echo.Context) error {
	user := middleware.CurrentUser(c)
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	loan, err := h.loadLoan(user, id)
	if err != nil {
		return err
	}

	packed, err := packLoans(h.db, []models.Loan{*loan}, time.Now())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, packed[0])
}

type chartPoint struct {
	Month  string  `json:"month"`
	Due    float64 `json:"due"`
	Paid   float64 `json:"paid"`
	Status string  `json:"status"`
}

// Chart returns a month-keyed due/paid series for the loan, feeding the
// repayment progress chart. The series is cached briefly; the ownership
// check always runs first.
func (h *LoanHandler) Chart(c echo.Context) error {
	user := middleware.CurrentUser(c)
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	loan, err := h.loadLoan(user, id)
	if err != nil {
		return err
	}

	if h.cache == nil {
		series, err := h.chartSeries(loan.ID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, series)
	}

	key := fmt.Sprintf("loan:%d:chart", loan.ID)
	series, err := services.GetOrSet(h.cache, c.Request().Context(), key, time.Minute, func() ([]chartPoint, error) {
		return h.chartSeries(loan.ID)
	})
	if err != nil {
		log.Printf("[loans] chart cache: %v", err)
		series, err = h.chartSeries(loan.ID)
		if err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, series)
}

func (h *LoanHandler) chartSeries(loanID uint) ([]chartPoint, error) {
	var reps []models.Repayment
	if err := h.db.Where("loan_id = ?", loanID).Order("due_date asc").Find(&reps).Error; err != nil {
		return nil, err
	}

	now := time.Now()
	series := make([]chartPoint, 0, len(reps))
	for i := range reps {
		r := &reps[i]
		series = append(series, chartPoint{
			Month:  r.DueDate.Format("2006-01"),
			Due:    r.AmountDue,
			Paid:   r.AmountPaid,
			Status: string(r.StatusAt(now)),
		})
	}
	return series, nil
}

// Preview computes an installment quote for hypothetical terms without
// persisting anything.
func (h *LoanHandler) Preview(c echo.Context) error {
	var req struct {
		Principal  float64 `json:"principal"`
		AnnualRate float64 `json:"annual_rate"`
		Months     int     `json:"months"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.AnnualRate == 0 {
		req.AnnualRate = services.StandardAPR
	}

	monthly, err := services.MonthlyPayment(req.Principal, req.AnnualRate, req.Months)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"principal":   req.Principal,
		"annual_rate": req.AnnualRate,
		"months":      req.Months,
		"monthly":     monthly,
		"total":       services.Round2(monthly * float64(req.Months)),
	})
}

func (h *LoanHandler) loadLoan(user *models.User, id uint) (*models.Loan, error) {
	var loan models.Loan
	if err := h.db.First(&loan, id).Error; err != nil {
		return nil, err
	}
	if user.Role == models.RoleBorrower && loan.BorrowerID != user.ID {
		return nil, services.ErrNotFound
	}
	return &loan, nil
}
