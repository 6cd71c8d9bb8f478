package services

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trustedge_backend/internal/models"
)

// StandardAPR is the flat annual rate applied to approved consumer loans.
const StandardAPR = 0.10

// addMonths advances a timestamp by whole months, clamping the day of month
// to 28 so every resulting month has the date. Matches the convention used
// when the schedule was first designed; keeps due dates strictly increasing.
func addMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	m := int(month) - 1 + months
	year += m / 12
	m = m%12 + 1
	if day > 28 {
		day = 28
	}
	return time.Date(year, time.Month(m), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// monthlyPayment computes the amortizing monthly payment in exact decimal
// arithmetic. annualRate is a fraction (0.10 = 10% APR).
func monthlyPayment(principal decimal.Decimal, annualRate float64, months int) decimal.Decimal {
	n := decimal.NewFromInt(int64(months))
	if annualRate == 0 {
		return principal.Div(n)
	}
	one := decimal.New(1, 0)
	r := decimal.NewFromFloat(annualRate).Div(decimal.NewFromInt(12))
	// m = P*r / (1 - (1+r)^-n)
	pow := one.Add(r).Pow(n)
	denom := one.Sub(one.Div(pow))
	return principal.Mul(r).Div(denom)
}

// MonthlyPayment returns the per-installment amount for the given terms,
// rounded to the cent. Exposed for schedule previews and API responses.
func MonthlyPayment(principal, annualRate float64, months int) (float64, error) {
	if err := validateLoanTerms(principal, annualRate, months); err != nil {
		return 0, err
	}
	m, _ := monthlyPayment(decimal.NewFromFloat(principal), annualRate, months).Round(2).Float64()
	return m, nil
}

func validateLoanTerms(principal, annualRate float64, months int) error {
	if principal <= 0 {
		return fmt.Errorf("%w: principal must be positive", ErrInvalidLoanTerms)
	}
	if months < 1 {
		return fmt.Errorf("%w: duration must be at least one month", ErrInvalidLoanTerms)
	}
	if annualRate < 0 {
		return fmt.Errorf("%w: interest rate cannot be negative", ErrInvalidLoanTerms)
	}
	return nil
}

// GenerateSchedule produces the full installment schedule for a loan.
// Installment i falls due i months after the loan was created. Every
// installment carries the rounded monthly payment; the final one is written
// as total minus the sum of the others, so the schedule sums to exactly
// monthly * duration and rounding drift lands in the last row.
func GenerateSchedule(loan *models.Loan) ([]models.Repayment, error) {
	if err := validateLoanTerms(loan.Principal, loan.InterestRate, loan.DurationMonths); err != nil {
		return nil, err
	}

	principal := decimal.NewFromFloat(loan.Principal)
	m := monthlyPayment(principal, loan.InterestRate, loan.DurationMonths).Round(2)
	if m.IsZero() {
		// Minimum billable unit; only reachable for sub-cent installments.
		m = decimal.New(1, -2)
	}

	n := loan.DurationMonths
	total := m.Mul(decimal.NewFromInt(int64(n)))
	accumulated := decimal.Zero

	repayments := make([]models.Repayment, 0, n)
	for i := 1; i <= n; i++ {
		amount := m
		if i == n {
			amount = total.Sub(accumulated)
		}
		accumulated = accumulated.Add(amount)

		due, _ := amount.Float64()
		repayments = append(repayments, models.Repayment{
			LoanID:        loan.ID,
			SequenceIndex: i,
			DueDate:       addMonths(loan.CreatedAt, i),
			AmountDue:     due,
			AmountPaid:    0,
			Status:        models.RepaymentStatusDue,
		})
	}
	return repayments, nil
}
