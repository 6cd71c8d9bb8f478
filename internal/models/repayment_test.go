package models

import (
	"testing"
	"time"
)

func TestStatusAt(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-72 * time.Hour)
	future := now.Add(72 * time.Hour)

	tests := []struct {
		name       string
		amountDue  float64
		amountPaid float64
		dueDate    time.Time
		want       RepaymentStatus
	}{
		{"fully paid", 250, 250, future, RepaymentStatusPaid},
		{"paid wins over past due", 250, 250, past, RepaymentStatusPaid},
		{"overpaid", 250, 260, past, RepaymentStatusPaid},
		{"paid within epsilon", 250, 250 - 1e-7, past, RepaymentStatusPaid},
		{"partially paid", 250, 100, future, RepaymentStatusPartiallyPaid},
		{"partial wins over past due", 250, 100, past, RepaymentStatusPartiallyPaid},
		{"trace payment below epsilon stays due", 250, 1e-7, future, RepaymentStatusDue},
		{"unpaid past due", 250, 0, past, RepaymentStatusLate},
		{"unpaid upcoming", 250, 0, future, RepaymentStatusDue},
		{"due exactly now is not late", 250, 0, now, RepaymentStatusDue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Repayment{AmountDue: tt.amountDue, AmountPaid: tt.amountPaid, DueDate: tt.dueDate}
			if got := r.StatusAt(now); got != tt.want {
				t.Errorf("StatusAt() = %s; want %s", got, tt.want)
			}
			// Deriving twice answers the same; the clock is the only input.
			if got := r.StatusAt(now); got != tt.want {
				t.Errorf("repeated StatusAt() = %s; want %s", got, tt.want)
			}
		})
	}
}

func TestRemaining(t *testing.T) {
	tests := []struct {
		name       string
		amountDue  float64
		amountPaid float64
		want       float64
	}{
		{"untouched", 250, 0, 250},
		{"partially paid", 250, 100, 150},
		{"settled", 250, 250, 0},
		{"overpaid clamps to zero", 250, 300, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Repayment{AmountDue: tt.amountDue, AmountPaid: tt.amountPaid}
			if got := r.Remaining(); got != tt.want {
				t.Errorf("Remaining() = %.2f; want %.2f", got, tt.want)
			}
		})
	}
}
