package models

import (
	"time"

	"gorm.io/gorm"
)

// LoanStatus represents the lifecycle state of a disbursed loan
type LoanStatus string

const (
	LoanStatusActive    LoanStatus = "Active"
	LoanStatusClosed    LoanStatus = "Closed"
	LoanStatusDefaulted LoanStatus = "Defaulted"
)

// Loan is the credit record created when an application is approved.
// Principal, rate and duration are fixed at creation; only the status and
// the chain bookkeeping fields change afterwards.
type Loan struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	BorrowerID     uint    `gorm:"index" json:"borrower_id"`
	ApplicationID  uint    `gorm:"index" json:"application_id"`
	Principal      float64 `gorm:"type:decimal(15,2)" json:"principal"`
	InterestRate   float64 `gorm:"type:decimal(8,6)" json:"interest_rate"` // annual fraction, e.g. 0.10
	DurationMonths int     `json:"duration_months"`

	Status LoanStatus `gorm:"type:varchar(20);default:'Active';index" json:"status"`

	// Set by the external mint flow once a loan NFT exists for this record.
	ContractAddress string `gorm:"type:varchar(64)" json:"contract_address"`
	TokenID         *int64 `json:"token_id"`

	// Relationships
	Borrower   User        `gorm:"foreignKey:BorrowerID" json:"borrower,omitempty"`
	Repayments []Repayment `gorm:"foreignKey:LoanID" json:"repayments,omitempty"`
}
