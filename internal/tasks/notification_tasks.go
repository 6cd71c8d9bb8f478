package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"trustedge_backend/internal/models"
	"trustedge_backend/internal/services"
)

// preferenceFor loads a borrower's notification preference; borrowers who
// never set one get email.
func preferenceFor(db *gorm.DB, userID uint) models.NotificationPreference {
	var pref models.NotificationPreference
	if err := db.Where("user_id = ?", userID).First(&pref).Error; err != nil {
		return models.NotificationPreference{
			UserID:             userID,
			Channel:            models.NotificationChannelEmail,
			WhatsappTargetType: models.WhatsappTargetTypePersonal,
		}
	}
	return pref
}

// dispatch delivers one message over the borrower's preferred channel.
func dispatch(pref models.NotificationPreference, name, email, phone, subject, message string) error {
	switch pref.Channel {
	case models.NotificationChannelWhatsapp:
		chatID := phone
		if pref.WhatsappTargetType == models.WhatsappTargetTypeGroup {
			chatID = pref.WhatsappGroupID
			if chatID == "" {
				return fmt.Errorf("group target with empty group id")
			}
			if !strings.HasSuffix(chatID, "@g.us") {
				chatID = chatID + "@g.us"
			}
		}
		if chatID == "" {
			return fmt.Errorf("no whatsapp destination for %s", name)
		}
		return services.NewWhatsappService().SendText(chatID, message)
	default:
		if email == "" {
			return fmt.Errorf("no email address for %s", name)
		}
		return services.NewEmailService().SendEmail([]string{email}, subject, message)
	}
}

// SendRepaymentRemindersTaskDef sends due-date reminders for upcoming unpaid
// installments on active loans. Runs daily; each installment inside the
// look-ahead window is reminded once per run.
type SendRepaymentRemindersTaskDef struct{}

// TaskID returns the unique identifier for this task
func (t *SendRepaymentRemindersTaskDef) TaskID() string {
	return "send_repayment_reminders"
}

// HandleExecution finds installments due within days_ahead (default 3) and
// notifies each borrower over their preferred channel.
func (t *SendRepaymentRemindersTaskDef) HandleExecution(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error) {
	daysAhead := intArg(task.Arguments, "days_ahead", 3)
	if daysAhead < 1 {
		daysAhead = 3
	}

	now := time.Now()
	horizon := now.AddDate(0, 0, daysAhead)

	var rows []models.Repayment
	err := db.WithContext(ctx).
		Joins("JOIN loans ON loans.id = repayments.loan_id AND loans.deleted_at IS NULL").
		Where("loans.status = ?", models.LoanStatusActive).
		Where("repayments.amount_paid < repayments.amount_due").
		Where("repayments.due_date >= ? AND repayments.due_date < ?", now, horizon).
		Preload("Loan.Borrower").
		Order("repayments.due_date asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load upcoming installments: %w", err)
	}

	sent, skipped, failed := 0, 0, 0
	for i := range rows {
		rep := rows[i]
		borrower := rep.Loan.Borrower
		if borrower.ID == 0 || !borrower.IsActive {
			skipped++
			continue
		}

		pref := preferenceFor(db, borrower.ID)
		dueDate := rep.DueDate.Format("2006-01-02")

		var msg string
		if pref.Channel == models.NotificationChannelWhatsapp {
			msg = fmt.Sprintf(
				"Hi %s, installment #%d on loan #%d (%.2f) is due on %s. Please pay on time to keep your loan in good standing.",
				borrower.FullName, rep.SequenceIndex, rep.LoanID, rep.Remaining(), dueDate)
		} else {
			msg = fmt.Sprintf(
				"<p>Hi %s,</p>"+
					"<p>Installment #%d on loan #%d is due on <b>%s</b>.</p>"+
					"<p>Amount due: %.2f</p>"+
					"<p>Please make your payment on time to keep your loan in good standing.</p>",
				borrower.FullName, rep.SequenceIndex, rep.LoanID, dueDate, rep.Remaining())
		}

		if err := dispatch(pref, borrower.FullName, borrower.Email, borrower.Phone, "Installment due soon", msg); err != nil {
			log.Printf("[Task: send_repayment_reminders] reminder for repayment %d: %v", rep.ID, err)
			failed++
			continue
		}
		sent++
	}

	return map[string]interface{}{
		"days_ahead": daysAhead,
		"total":      len(rows),
		"sent":       sent,
		"skipped":    skipped,
		"failed":     failed,
	}, nil
}

// SendRepaymentRemindersTask is the singleton instance of SendRepaymentRemindersTaskDef
var SendRepaymentRemindersTask = &SendRepaymentRemindersTaskDef{}

// NotificationRecipient identifies one target of a generic notification.
type NotificationRecipient struct {
	UserID uint   `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
}

// SendNotificationArgs defines the arguments for a notification task
type SendNotificationArgs struct {
	Recipients   []NotificationRecipient `json:"recipients"`
	Subject      string                  `json:"subject"`
	Template     string                  `json:"template"`
	LoanID       uint                    `json:"loan_id,omitempty"`
	Amount       float64                 `json:"amount,omitempty"`
	DueDate      string                  `json:"due_date,omitempty"`
	AttemptCount int                     `json:"attempt_count"`
}

// SendNotificationTaskDef fans one templated message out to a recipient
// list, honoring each recipient's channel preference. Failed deliveries are
// rescheduled as a new task carrying only the failed recipients, until the
// attempts run out.
type SendNotificationTaskDef struct{}

// TaskID returns the unique identifier for this task
func (t *SendNotificationTaskDef) TaskID() string {
	return "send_notification"
}

// CreateTask builds a ScheduledTask record for this task
func (t *SendNotificationTaskDef) CreateTask(args SendNotificationArgs) (*models.ScheduledTask, error) {
	return BuildScheduledTask(t.TaskID(), args, time.Now(), nil, models.ScheduledTaskTypeOneTime, 3)
}

// HandleExecution delivers the message to every recipient.
func (t *SendNotificationTaskDef) HandleExecution(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error) {
	argsBytes, err := json.Marshal(task.Arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal args: %w", err)
	}

	var parsedArgs SendNotificationArgs
	if err := json.Unmarshal(argsBytes, &parsedArgs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal args: %w", err)
	}
	if parsedArgs.Template == "" {
		return nil, fmt.Errorf("template is missing")
	}

	subject := parsedArgs.Subject
	if subject == "" {
		subject = "Notification"
	}

	total := len(parsedArgs.Recipients)
	successCount := 0
	failureCount := 0
	var failures []string
	var failedRecipients []NotificationRecipient

	for _, rcpt := range parsedArgs.Recipients {
		pref := preferenceFor(db, rcpt.UserID)
		msg := replacePlaceholders(parsedArgs.Template, rcpt, parsedArgs)

		if err := dispatch(pref, rcpt.Name, rcpt.Email, rcpt.Phone, subject, msg); err != nil {
			log.Printf("[Task: send_notification] delivery to %s via %s: %v", rcpt.Name, pref.Channel, err)
			failureCount++
			failures = append(failures, fmt.Sprintf("%s: %v", rcpt.Name, err))
			failedRecipients = append(failedRecipients, rcpt)
			continue
		}
		successCount++
	}

	result := map[string]interface{}{
		"total":   total,
		"success": successCount,
		"failure": failureCount,
	}

	if failureCount > 0 {
		result["errors"] = failures

		attempt := parsedArgs.AttemptCount
		maxRetries := task.MaxAttempt

		if attempt < maxRetries {
			log.Printf("[Task: send_notification] %d deliveries failed, rescheduling attempt %d", len(failedRecipients), attempt+1)

			newArgs := parsedArgs
			newArgs.Recipients = failedRecipients
			newArgs.AttemptCount = attempt + 1

			nextRun := time.Now().Add(5 * time.Minute)

			newTask, err := BuildScheduledTask(t.TaskID(), newArgs, nextRun, nil, models.ScheduledTaskTypeOneTime, maxRetries)
			if err == nil {
				db.Create(newTask)
			} else {
				log.Printf("[Task: send_notification] failed to create retry task: %v", err)
			}
		} else {
			log.Printf("[Task: send_notification] max attempts (%d) reached with %d undelivered", maxRetries, len(failedRecipients))
			return result, fmt.Errorf("max attempts reached, failed to deliver to %d recipients", len(failedRecipients))
		}
	}

	return result, nil
}

// SendNotificationTask is the singleton instance of SendNotificationTaskDef
var SendNotificationTask = &SendNotificationTaskDef{}

func replacePlaceholders(template string, rcpt NotificationRecipient, args SendNotificationArgs) string {
	res := strings.ReplaceAll(template, "$name", rcpt.Name)
	res = strings.ReplaceAll(res, "$email", rcpt.Email)

	res = strings.ReplaceAll(res, "$subject", args.Subject)
	res = strings.ReplaceAll(res, "$loan_id", fmt.Sprintf("%d", args.LoanID))
	res = strings.ReplaceAll(res, "$amount", fmt.Sprintf("%.2f", args.Amount))
	res = strings.ReplaceAll(res, "$due_date", args.DueDate)

	return res
}
