package models

import (
	"time"

	"gorm.io/gorm"
)

// ApplicationStatus represents the decision state of a loan application
type ApplicationStatus string

const (
	ApplicationStatusSubmitted   ApplicationStatus = "Submitted"
	ApplicationStatusUnderReview ApplicationStatus = "UnderReview"
	ApplicationStatusApproved    ApplicationStatus = "Approved"
	ApplicationStatusRejected    ApplicationStatus = "Rejected"
)

// RiskBand buckets the scored default probability
type RiskBand string

const (
	RiskBandLow    RiskBand = "Low"
	RiskBandMedium RiskBand = "Medium"
	RiskBandHigh   RiskBand = "High"
)

// LoanApplication is a borrower's request for credit, together with the
// self-reported underwriting features the scoring model consumes. Optional
// features are nullable; absent values are imputed at scoring time. Scoring
// fields are filled when the application is evaluated; a decision is
// recorded once and never re-run.
type LoanApplication struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	BorrowerID uint    `gorm:"index" json:"borrower_id"`
	Amount     float64 `gorm:"type:decimal(15,2)" json:"amount"`
	TermMonths int     `json:"term_months"`
	Purpose    string  `gorm:"type:text" json:"purpose"`
	Region     string  `gorm:"type:varchar(100)" json:"region"`

	AnnualIncome    *float64 `gorm:"type:decimal(15,2)" json:"annual_income"`
	CreditScore     *int     `json:"credit_score"`
	DTI             *float64 `gorm:"column:dti;type:decimal(6,4)" json:"dti"`
	PastDefaults    *int     `json:"past_defaults"`
	EmploymentYears *float64 `gorm:"type:decimal(5,2)" json:"employment_years"`
	Savings         *float64 `gorm:"type:decimal(15,2)" json:"savings"`
	CollateralValue *float64 `gorm:"type:decimal(15,2)" json:"collateral_value"`
	Age             *float64 `gorm:"type:decimal(5,2)" json:"age"`

	Status       ApplicationStatus `gorm:"type:varchar(20);default:'Submitted';index" json:"status"`
	AIScore      *float64          `gorm:"column:ai_score;type:decimal(6,4)" json:"ai_score"`
	RiskBand     RiskBand          `gorm:"type:varchar(10)" json:"risk_band"`
	DecidedByID  *uint             `json:"decided_by_id"`
	DecidedAt    *time.Time        `json:"decided_at"`
	DecisionNote string            `gorm:"type:text" json:"decision_note"`

	// Relationships
	Borrower User  `gorm:"foreignKey:BorrowerID" json:"borrower,omitempty"`
	Loan     *Loan `gorm:"foreignKey:ApplicationID" json:"loan,omitempty"`
}

// Decided reports whether a decision has already been recorded.
func (a LoanApplication) Decided() bool {
	return a.Status == ApplicationStatusApproved || a.Status == ApplicationStatusRejected
}
