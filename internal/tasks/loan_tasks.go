package tasks

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"trustedge_backend/internal/models"
	"trustedge_backend/internal/services"
)

// ReconcileRepaymentsTaskDef encapsulates the daily book-keeping pass over
// the repayment ledger: unpaid past-due installments are flipped to Late and
// fully settled loans are closed.
type ReconcileRepaymentsTaskDef struct{}

// TaskID returns the unique identifier for this task
func (t *ReconcileRepaymentsTaskDef) TaskID() string {
	return "reconcile_repayments"
}

// HandleExecution flips overdue installments and closes settled loans.
func (t *ReconcileRepaymentsTaskDef) HandleExecution(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error) {
	now := time.Now()

	late, err := services.ReconcileOverdue(db.WithContext(ctx), now)
	if err != nil {
		return nil, err
	}
	if late > 0 {
		log.Printf("[Task: reconcile_repayments] marked %d installments late", late)
	}

	closed, err := services.CloseSettledLoans(db.WithContext(ctx))
	if err != nil {
		return map[string]interface{}{"late_marked": late}, err
	}
	if closed > 0 {
		log.Printf("[Task: reconcile_repayments] closed %d settled loans", closed)
	}

	return map[string]interface{}{
		"late_marked":  late,
		"loans_closed": closed,
	}, nil
}

// ReconcileRepaymentsTask is the singleton instance of ReconcileRepaymentsTaskDef
var ReconcileRepaymentsTask = &ReconcileRepaymentsTaskDef{}
