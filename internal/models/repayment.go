package models

import (
	"time"

	"gorm.io/gorm"
)

// RepaymentStatus represents the display state of an installment
type RepaymentStatus string

const (
	RepaymentStatusDue           RepaymentStatus = "Due"
	RepaymentStatusPartiallyPaid RepaymentStatus = "PartiallyPaid"
	RepaymentStatusPaid          RepaymentStatus = "Paid"
	RepaymentStatusLate          RepaymentStatus = "Late"
)

// amountEpsilon absorbs float noise when comparing currency amounts.
const amountEpsilon = 1e-6

// Repayment is one installment of a loan's schedule. Rows are created in a
// batch when the loan is approved and are never deleted; they are the audit
// record of what was owed and what was paid.
type Repayment struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	LoanID        uint      `gorm:"index:idx_repayments_loan_seq,priority:1" json:"loan_id"`
	SequenceIndex int       `gorm:"index:idx_repayments_loan_seq,priority:2" json:"sequence_index"`
	DueDate       time.Time `gorm:"index" json:"due_date"`
	AmountDue     float64   `gorm:"type:decimal(15,2)" json:"amount_due"`
	AmountPaid    float64   `gorm:"type:decimal(15,2);default:0" json:"amount_paid"`

	Status           RepaymentStatus `gorm:"type:varchar(20);default:'Due'" json:"status"`
	ReceiptReference string          `gorm:"type:varchar(255)" json:"receipt_reference,omitempty"`

	// Relationships
	Loan     Loan      `gorm:"foreignKey:LoanID" json:"loan,omitempty"`
	Payments []Payment `gorm:"foreignKey:RepaymentID" json:"payments,omitempty"`
}

// Remaining returns the unpaid portion of the installment. Negative values
// (overpayment) clamp to zero.
func (r Repayment) Remaining() float64 {
	rem := r.AmountDue - r.AmountPaid
	if rem < 0 {
		return 0
	}
	return rem
}

// StatusAt derives the installment status from paid-vs-due amounts and the
// due date relative to now. Precedence: Paid, then PartiallyPaid, then Late,
// then Due. Pure and idempotent; callers re-evaluate it on reads because an
// installment goes Late by clock movement alone.
func (r Repayment) StatusAt(now time.Time) RepaymentStatus {
	switch {
	case r.AmountPaid >= r.AmountDue-amountEpsilon:
		return RepaymentStatusPaid
	case r.AmountPaid > amountEpsilon:
		return RepaymentStatusPartiallyPaid
	case r.DueDate.Before(now):
		return RepaymentStatusLate
	default:
		return RepaymentStatusDue
	}
}
