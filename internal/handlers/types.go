package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"trustedge_backend/internal/models"
	"trustedge_backend/internal/services"
)

// View shapes shared across handlers. The API returns these instead of raw
// models so the wire format stays stable when columns move.

type userView struct {
	ID        uint      `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	FullName  string    `json:"full_name"`
	Phone     string    `json:"phone"`
	NIDNumber string    `json:"nid_number"`
	Address   string    `json:"address"`
	PhotoURL  string    `json:"photo_url"`
}

func sanitizeUser(u *models.User) userView {
	return userView{
		ID:        u.ID,
		Email:     u.Email,
		Role:      string(u.Role),
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
		FullName:  u.FullName,
		Phone:     u.Phone,
		NIDNumber: u.NIDNumber,
		Address:   u.Address,
		PhotoURL:  services.FileURL(u.PhotoPath),
	}
}

type loanView struct {
	ID             uint      `json:"id"`
	ApplicationID  uint      `json:"application_id"`
	Principal      float64   `json:"principal"`
	InterestRate   float64   `json:"interest_rate"`
	DurationMonths int       `json:"duration_months"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

type repaymentView struct {
	ID            uint      `json:"id"`
	SequenceIndex int       `json:"sequence_index"`
	DueDate       time.Time `json:"due_date"`
	AmountDue     float64   `json:"amount_due"`
	AmountPaid    float64   `json:"amount_paid"`
	Status        string    `json:"status"`
	ReceiptURL    string    `json:"receipt_url,omitempty"`
}

type loanWithRepayments struct {
	Loan       loanView        `json:"loan"`
	Repayments []repaymentView `json:"repayments"`
}

func loanToView(ln *models.Loan) loanView {
	return loanView{
		ID:             ln.ID,
		ApplicationID:  ln.ApplicationID,
		Principal:      ln.Principal,
		InterestRate:   ln.InterestRate,
		DurationMonths: ln.DurationMonths,
		Status:         string(ln.Status),
		CreatedAt:      ln.CreatedAt,
	}
}

// repaymentToView derives the display status at read time so an installment
// that went overdue since the last write still reads Late.
func repaymentToView(r *models.Repayment, now time.Time) repaymentView {
	return repaymentView{
		ID:            r.ID,
		SequenceIndex: r.SequenceIndex,
		DueDate:       r.DueDate,
		AmountDue:     r.AmountDue,
		AmountPaid:    r.AmountPaid,
		Status:        string(r.StatusAt(now)),
		ReceiptURL:    r.ReceiptReference,
	}
}

// packLoans loads each loan's schedule and bundles them, oldest installment
// first.
func packLoans(db *gorm.DB, loans []models.Loan, now time.Time) ([]loanWithRepayments, error) {
	out := make([]loanWithRepayments, 0, len(loans))
	for i := range loans {
		ln := &loans[i]
		var reps []models.Repayment
		if err := db.Where("loan_id = ?", ln.ID).Order("due_date asc").Find(&reps).Error; err != nil {
			return nil, err
		}
		views := make([]repaymentView, 0, len(reps))
		for j := range reps {
			views = append(views, repaymentToView(&reps[j], now))
		}
		out = append(out, loanWithRepayments{Loan: loanToView(ln), Repayments: views})
	}
	return out, nil
}

type applicationView struct {
	ID           uint       `json:"id"`
	BorrowerID   uint       `json:"borrower_id"`
	Amount       float64    `json:"amount"`
	TermMonths   int        `json:"term_months"`
	Purpose      string     `json:"purpose"`
	Region       string     `json:"region"`
	Status       string     `json:"status"`
	AIScore      *float64   `json:"ai_score"`
	RiskBand     string     `json:"risk_band"`
	DecisionNote string     `json:"decision_note,omitempty"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func applicationToView(a *models.LoanApplication) applicationView {
	return applicationView{
		ID:           a.ID,
		BorrowerID:   a.BorrowerID,
		Amount:       a.Amount,
		TermMonths:   a.TermMonths,
		Purpose:      a.Purpose,
		Region:       a.Region,
		Status:       string(a.Status),
		AIScore:      a.AIScore,
		RiskBand:     string(a.RiskBand),
		DecisionNote: a.DecisionNote,
		DecidedAt:    a.DecidedAt,
		CreatedAt:    a.CreatedAt,
	}
}

type paymentView struct {
	ID                uint       `json:"id"`
	LoanID            uint       `json:"loan_id"`
	RepaymentID       uint       `json:"repayment_id"`
	Amount            float64    `json:"amount"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	ExternalReference string     `json:"external_reference"`
	CreatedAt         time.Time  `json:"created_at"`
	AuthorizedAt      *time.Time `json:"authorized_at,omitempty"`
	CapturedAt        *time.Time `json:"captured_at,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
}

func paymentToView(p *models.Payment) paymentView {
	return paymentView{
		ID:                p.ID,
		LoanID:            p.LoanID,
		RepaymentID:       p.RepaymentID,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Status:            string(p.Status),
		ExternalReference: p.ExternalReference,
		CreatedAt:         p.CreatedAt,
		AuthorizedAt:      p.AuthorizedAt,
		CapturedAt:        p.CapturedAt,
		FailureReason:     p.FailureReason,
	}
}

// paramID parses a numeric path parameter; a garbled value reads as "no such
// resource".
func paramID(c echo.Context, name string) (uint, error) {
	raw := c.Param(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return uint(id), nil
}
