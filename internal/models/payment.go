package models

import (
	"time"

	"gorm.io/gorm"
)

// PaymentStatus represents the lifecycle state of a card authorization
type PaymentStatus string

const (
	// PaymentStatusPending: intent created at the gateway, card confirmation
	// not yet reported back.
	PaymentStatusPending PaymentStatus = "Pending"
	// PaymentStatusAuthorized: funds held by the card network, awaiting a
	// staff capture or cancel.
	PaymentStatusAuthorized PaymentStatus = "Authorized"
	PaymentStatusCaptured   PaymentStatus = "Captured"
	PaymentStatusCanceled   PaymentStatus = "Canceled"
	PaymentStatusFailed     PaymentStatus = "Failed"
)

// Terminal reports whether no further transition may leave the status.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusCaptured, PaymentStatusCanceled, PaymentStatusFailed:
		return true
	}
	return false
}

// Payment is one authorization attempt against an installment. IsActive is
// true exactly while the status is Pending or Authorized; the partial unique
// index on (repayment_id) keeps at most one live row per installment, so the
// insert itself decides races between concurrent authorize calls. Terminal
// rows accumulate as history.
type Payment struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	LoanID      uint `gorm:"index" json:"loan_id"`
	RepaymentID uint `gorm:"uniqueIndex:idx_payments_active_repayment,where:is_active" json:"repayment_id"`
	BorrowerID  uint `gorm:"index" json:"borrower_id"`

	Amount   float64 `gorm:"type:decimal(15,2)" json:"amount"`
	Currency string  `gorm:"type:varchar(10);default:'usd'" json:"currency"`

	Status   PaymentStatus `gorm:"type:varchar(20);index" json:"status"`
	IsActive bool          `gorm:"default:true" json:"is_active"`

	// ExternalReference is the gateway-side id (order id) the borrower's
	// client uses to complete card confirmation out of band.
	ExternalReference string `gorm:"type:varchar(100);index" json:"external_reference"`
	ClientSecret      string `gorm:"type:varchar(255)" json:"client_secret,omitempty"`

	AuthorizedAt  *time.Time `json:"authorized_at"`
	CapturedAt    *time.Time `json:"captured_at"`
	FailureReason string     `gorm:"type:text" json:"failure_reason,omitempty"`

	// Relationships
	Loan      Loan      `gorm:"foreignKey:LoanID" json:"loan,omitempty"`
	Repayment Repayment `gorm:"foreignKey:RepaymentID" json:"repayment,omitempty"`
	Borrower  User      `gorm:"foreignKey:BorrowerID" json:"borrower,omitempty"`
}
