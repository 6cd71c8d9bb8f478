package tasks

import (
	"context"
	"time"

	"gorm.io/gorm"

	"trustedge_backend/internal/models"
	"trustedge_backend/internal/services"
)

// SweepStalePaymentsTaskDef resolves payment handshakes that never finished:
// the browser charged the card but the confirm call never arrived, or the
// charge itself was abandoned. The sweep asks the gateway for the truth and
// promotes, books or releases each row accordingly.
type SweepStalePaymentsTaskDef struct{}

// TaskID returns the unique identifier for this task
func (t *SweepStalePaymentsTaskDef) TaskID() string {
	return "sweep_stale_payments"
}

// HandleExecution sweeps pending payments older than max_age_minutes
// (default 45).
func (t *SweepStalePaymentsTaskDef) HandleExecution(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error) {
	maxAge := intArg(task.Arguments, "max_age_minutes", 45)
	if maxAge < 1 {
		maxAge = 45
	}
	cutoff := time.Now().Add(-time.Duration(maxAge) * time.Minute)

	svc := services.NewPaymentService(db.WithContext(ctx), services.NewMidtransGateway(), services.NewReceiptService())
	promoted, released, err := svc.SweepStalePending(cutoff)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"max_age_minutes": maxAge,
		"promoted":        promoted,
		"released":        released,
	}, nil
}

// SweepStalePaymentsTask is the singleton instance of SweepStalePaymentsTaskDef
var SweepStalePaymentsTask = &SweepStalePaymentsTaskDef{}
