package services

import (
	"errors"
	"math"
	"testing"
	"time"

	"trustedge_backend/internal/models"
)

func TestMonthlyPayment(t *testing.T) {
	tests := []struct {
		name      string
		principal float64
		rate      float64
		months    int
		expected  float64
	}{
		{
			name:      "standard rate one year",
			principal: 10000,
			rate:      0.10,
			months:    12,
			expected:  879.16,
		},
		{
			name:      "zero rate divides evenly",
			principal: 1200,
			rate:      0,
			months:    12,
			expected:  100.00,
		},
		{
			name:      "zero rate with rounding",
			principal: 1000,
			rate:      0,
			months:    3,
			expected:  333.33,
		},
		{
			name:      "single installment",
			principal: 500,
			rate:      0,
			months:    1,
			expected:  500.00,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MonthlyPayment(tt.principal, tt.rate, tt.months)
			if err != nil {
				t.Fatalf("MonthlyPayment(%v, %v, %d) error: %v", tt.principal, tt.rate, tt.months, err)
			}
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("MonthlyPayment(%v, %v, %d) = %v; want %v", tt.principal, tt.rate, tt.months, got, tt.expected)
			}
		})
	}
}

func TestMonthlyPaymentInvalidTerms(t *testing.T) {
	tests := []struct {
		name      string
		principal float64
		rate      float64
		months    int
	}{
		{name: "zero principal", principal: 0, rate: 0.10, months: 12},
		{name: "negative principal", principal: -100, rate: 0.10, months: 12},
		{name: "zero months", principal: 1000, rate: 0.10, months: 0},
		{name: "negative rate", principal: 1000, rate: -0.01, months: 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MonthlyPayment(tt.principal, tt.rate, tt.months)
			if !errors.Is(err, ErrInvalidLoanTerms) {
				t.Errorf("MonthlyPayment(%v, %v, %d) error = %v; want ErrInvalidLoanTerms", tt.principal, tt.rate, tt.months, err)
			}
		})
	}
}

func TestGenerateSchedule(t *testing.T) {
	created := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	loan := &models.Loan{
		ID:             7,
		Principal:      10000,
		InterestRate:   0.10,
		DurationMonths: 12,
	}
	loan.CreatedAt = created

	schedule, err := GenerateSchedule(loan)
	if err != nil {
		t.Fatalf("GenerateSchedule error: %v", err)
	}

	if len(schedule) != 12 {
		t.Fatalf("len(schedule) = %d; want 12", len(schedule))
	}

	sum := 0.0
	for i, rep := range schedule {
		if rep.LoanID != loan.ID {
			t.Errorf("installment %d LoanID = %d; want %d", i, rep.LoanID, loan.ID)
		}
		if rep.SequenceIndex != i+1 {
			t.Errorf("installment %d SequenceIndex = %d; want %d", i, rep.SequenceIndex, i+1)
		}
		if math.Abs(rep.AmountDue-879.16) > 1e-9 {
			t.Errorf("installment %d AmountDue = %v; want 879.16", i, rep.AmountDue)
		}
		if rep.AmountPaid != 0 {
			t.Errorf("installment %d AmountPaid = %v; want 0", i, rep.AmountPaid)
		}
		if rep.Status != models.RepaymentStatusDue {
			t.Errorf("installment %d Status = %q; want %q", i, rep.Status, models.RepaymentStatusDue)
		}

		wantDue := time.Date(2026, time.Month(1+i+1), 15, 10, 30, 0, 0, time.UTC)
		if i+1 >= 12 {
			wantDue = time.Date(2027, time.Month(i+1-11), 15, 10, 30, 0, 0, time.UTC)
		}
		if !rep.DueDate.Equal(wantDue) {
			t.Errorf("installment %d DueDate = %s; want %s", i, rep.DueDate, wantDue)
		}
		sum += rep.AmountDue
	}

	// The schedule must sum to exactly monthly * duration.
	if math.Abs(sum-879.16*12) > 1e-6 {
		t.Errorf("schedule sum = %v; want %v", sum, 879.16*12)
	}
}

func TestGenerateScheduleRoundingDriftLandsInFinalRow(t *testing.T) {
	loan := &models.Loan{Principal: 1000, InterestRate: 0, DurationMonths: 3}
	loan.CreatedAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	schedule, err := GenerateSchedule(loan)
	if err != nil {
		t.Fatalf("GenerateSchedule error: %v", err)
	}
	if len(schedule) != 3 {
		t.Fatalf("len(schedule) = %d; want 3", len(schedule))
	}

	sum := 0.0
	for _, rep := range schedule {
		sum += rep.AmountDue
	}
	// 1000/3 rounds to 333.33; three installments bill 999.99, not the
	// principal.
	if math.Abs(sum-999.99) > 1e-9 {
		t.Errorf("schedule sum = %v; want 999.99", sum)
	}
	if math.Abs(schedule[2].AmountDue-333.33) > 1e-9 {
		t.Errorf("final AmountDue = %v; want 333.33", schedule[2].AmountDue)
	}
}

func TestGenerateScheduleClampsDayOfMonth(t *testing.T) {
	loan := &models.Loan{Principal: 600, InterestRate: 0, DurationMonths: 3}
	loan.CreatedAt = time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)

	schedule, err := GenerateSchedule(loan)
	if err != nil {
		t.Fatalf("GenerateSchedule error: %v", err)
	}

	want := []time.Time{
		time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 28, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 28, 9, 0, 0, 0, time.UTC),
	}
	for i, rep := range schedule {
		if !rep.DueDate.Equal(want[i]) {
			t.Errorf("installment %d DueDate = %s; want %s", i+1, rep.DueDate, want[i])
		}
	}
}

func TestGenerateScheduleSubCentInstallmentFloor(t *testing.T) {
	loan := &models.Loan{Principal: 0.05, InterestRate: 0, DurationMonths: 12}
	loan.CreatedAt = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	schedule, err := GenerateSchedule(loan)
	if err != nil {
		t.Fatalf("GenerateSchedule error: %v", err)
	}
	for i, rep := range schedule {
		if math.Abs(rep.AmountDue-0.01) > 1e-9 {
			t.Errorf("installment %d AmountDue = %v; want 0.01", i+1, rep.AmountDue)
		}
	}
}

func TestGenerateScheduleRejectsInvalidTerms(t *testing.T) {
	loan := &models.Loan{Principal: 1000, InterestRate: 0.10, DurationMonths: 0}
	if _, err := GenerateSchedule(loan); !errors.Is(err, ErrInvalidLoanTerms) {
		t.Errorf("GenerateSchedule error = %v; want ErrInvalidLoanTerms", err)
	}
}

func TestRound2(t *testing.T) {
	tests := []struct {
		input    float64
		expected float64
	}{
		{input: 1.005, expected: 1.01},
		{input: -1.005, expected: -1.01},
		{input: 2.675, expected: 2.68},
		{input: 879.158824, expected: 879.16},
		{input: 100, expected: 100},
		{input: 0.004, expected: 0},
	}

	for _, tt := range tests {
		if got := Round2(tt.input); math.Abs(got-tt.expected) > 1e-12 {
			t.Errorf("Round2(%v) = %v; want %v", tt.input, got, tt.expected)
		}
	}
}
