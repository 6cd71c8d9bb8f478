package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"trustedge_backend/internal/models"
)

// PaymentService owns the payment authorization lifecycle: a borrower opens
// a hold against an installment, confirms the card handshake, and staff
// capture or cancel the held funds. Per-installment mutual exclusion is
// enforced by the partial unique index on active payments, so the insert in
// Authorize is the serialization point; state transitions use conditional
// updates and never advance on a failed gateway call.
type PaymentService struct {
	db       *gorm.DB
	gateway  CardGateway
	receipts *ReceiptService
}

func NewPaymentService(db *gorm.DB, gateway CardGateway, receipts *ReceiptService) *PaymentService {
	return &PaymentService{
		db:       db,
		gateway:  gateway,
		receipts: receipts,
	}
}

// CaptureOutcome reports what a successful capture did to the ledger.
type CaptureOutcome struct {
	Payment          *models.Payment
	Repayment        *models.Repayment
	Loan             *models.Loan
	Borrower         *models.User
	RepaymentStatus  models.RepaymentStatus
	ReceiptReference string
}

// Authorize opens a hold on the borrower's card for an installment. A zero
// or negative requested amount means "the remaining balance". Exactly one
// live payment may exist per installment; a concurrent attempt loses on the
// unique index and surfaces ErrDuplicateAuthorization.
func (s *PaymentService) Authorize(actor *models.User, repaymentID uint, requestedAmount float64, currency, cardToken string) (*models.Payment, error) {
	var rep models.Repayment
	if err := s.db.Preload("Loan").First(&rep, repaymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("repayment %d: %w", repaymentID, ErrNotFound)
		}
		return nil, err
	}
	if rep.Loan.BorrowerID != actor.ID {
		return nil, fmt.Errorf("repayment %d belongs to another borrower: %w", repaymentID, ErrForbidden)
	}

	remaining := Round2(rep.AmountDue - rep.AmountPaid)
	if remaining <= AmountEpsilon {
		return nil, fmt.Errorf("repayment %d: %w", repaymentID, ErrInstallmentPaid)
	}

	amount := requestedAmount
	if amount <= 0 {
		amount = remaining
	}
	if amount > remaining+AmountEpsilon {
		return nil, fmt.Errorf("%w: requested %.2f, remaining %.2f", ErrAmountOutOfRange, amount, remaining)
	}
	amount = Round2(amount)

	if currency == "" {
		currency = "usd"
	}

	// Friendly pre-check; the unique index below is the real arbiter.
	var live int64
	s.db.Model(&models.Payment{}).Where("repayment_id = ? AND is_active = ?", rep.ID, true).Count(&live)
	if live > 0 {
		return nil, fmt.Errorf("repayment %d: %w", rep.ID, ErrDuplicateAuthorization)
	}

	orderID := fmt.Sprintf("repayment-%d-%d", rep.ID, time.Now().UnixNano())
	payment := models.Payment{
		LoanID:            rep.LoanID,
		RepaymentID:       rep.ID,
		BorrowerID:        actor.ID,
		Amount:            amount,
		Currency:          currency,
		Status:            models.PaymentStatusPending,
		IsActive:          true,
		ExternalReference: orderID,
	}
	if err := s.db.Create(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("repayment %d: %w", rep.ID, ErrDuplicateAuthorization)
		}
		return nil, fmt.Errorf("create payment: %w", err)
	}

	res, err := s.gateway.Authorize(AuthorizeRequest{
		OrderID:       orderID,
		Amount:        amount,
		Currency:      currency,
		CardToken:     cardToken,
		CustomerName:  actor.FullName,
		CustomerEmail: actor.Email,
		Description:   fmt.Sprintf("TrustEdge installment loan#%d repayment#%d", rep.LoanID, rep.ID),
	})
	if err != nil {
		// Release the claim; no authorization exists outside this call.
		s.release(payment.ID, "card authorization failed: "+err.Error())
		return nil, err
	}

	updates := map[string]interface{}{"client_secret": res.ClientSecret}
	payment.ClientSecret = res.ClientSecret
	if res.ExternalReference != "" && res.ExternalReference != orderID {
		updates["external_reference"] = res.ExternalReference
		payment.ExternalReference = res.ExternalReference
	}
	if res.Authorized {
		now := time.Now()
		updates["status"] = models.PaymentStatusAuthorized
		updates["authorized_at"] = now
		payment.Status = models.PaymentStatusAuthorized
		payment.AuthorizedAt = &now
	}
	if err := s.db.Model(&models.Payment{}).Where("id = ?", payment.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("record authorization: %w", err)
	}
	return &payment, nil
}

// Confirm asks the gateway for the card-side outcome of a pending payment
// and promotes it to Authorized when funds are held. Any other gateway state
// leaves the row unadvanced.
func (s *PaymentService) Confirm(actor *models.User, externalRef string) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.Where("external_reference = ?", externalRef).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("payment %s: %w", externalRef, ErrNotFound)
		}
		return nil, err
	}
	if payment.BorrowerID != actor.ID {
		return nil, fmt.Errorf("payment %s belongs to another borrower: %w", externalRef, ErrForbidden)
	}

	switch payment.Status {
	case models.PaymentStatusAuthorized:
		return &payment, nil
	case models.PaymentStatusPending:
		// handshake still open, ask the gateway
	default:
		return nil, fmt.Errorf("payment %d is %s: %w", payment.ID, payment.Status, ErrInvalidState)
	}

	st, err := s.gateway.Status(payment.ExternalReference)
	if err != nil {
		return nil, err
	}

	switch st.State {
	case GatewayStateAuthorized:
		now := time.Now()
		res := s.db.Model(&models.Payment{}).
			Where("id = ? AND status = ?", payment.ID, models.PaymentStatusPending).
			Updates(map[string]interface{}{"status": models.PaymentStatusAuthorized, "authorized_at": now})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			if err := s.db.First(&payment, payment.ID).Error; err != nil {
				return nil, err
			}
			if payment.Status == models.PaymentStatusAuthorized {
				return &payment, nil
			}
			return nil, fmt.Errorf("payment %d is %s: %w", payment.ID, payment.Status, ErrInvalidState)
		}
		payment.Status = models.PaymentStatusAuthorized
		payment.AuthorizedAt = &now
		return &payment, nil
	case GatewayStateFailed:
		s.release(payment.ID, "gateway reported "+st.RawStatus)
		return nil, fmt.Errorf("card authorization %s: %w", st.RawStatus, ErrAuthorizationNotReady)
	default:
		return nil, fmt.Errorf("card status %s: %w", st.RawStatus, ErrAuthorizationNotReady)
	}
}

// Capture settles an authorized payment: the gateway captures the held
// funds, then the ledger books them. Gateway failure leaves the row
// Authorized so staff can retry or cancel.
func (s *PaymentService) Capture(actor *models.User, paymentID uint) (*CaptureOutcome, error) {
	if !actor.Role.Staff() {
		return nil, fmt.Errorf("capture requires officer or admin: %w", ErrForbidden)
	}

	var payment models.Payment
	if err := s.db.First(&payment, paymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("payment %d: %w", paymentID, ErrNotFound)
		}
		return nil, err
	}
	if payment.Status != models.PaymentStatusAuthorized {
		return nil, fmt.Errorf("payment %d is %s: %w", payment.ID, payment.Status, ErrInvalidState)
	}

	capRes, err := s.gateway.Capture(payment.ExternalReference, payment.Amount)
	if err != nil {
		return nil, err
	}
	captured := Round2(capRes.CapturedAmount)
	if captured <= 0 {
		captured = payment.Amount
	}

	return s.applyCapture(&payment, captured)
}

// applyCapture books a gateway-confirmed capture: flips the payment, credits
// the installment, reconciles its status and emits the receipt, all in one
// transaction. Shared with the webhook path that heals rows the gateway
// reports captured.
func (s *PaymentService) applyCapture(payment *models.Payment, captured float64) (*CaptureOutcome, error) {
	now := time.Now()
	outcome := &CaptureOutcome{}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND status = ?", payment.ID, models.PaymentStatusAuthorized).
			Updates(map[string]interface{}{"status": models.PaymentStatusCaptured, "is_active": false, "captured_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("payment %d already settled: %w", payment.ID, ErrInvalidState)
		}

		if err := tx.Model(&models.Repayment{}).Where("id = ?", payment.RepaymentID).
			UpdateColumn("amount_paid", gorm.Expr("round(amount_paid + ?, 2)", captured)).Error; err != nil {
			return err
		}

		var rep models.Repayment
		if err := tx.First(&rep, payment.RepaymentID).Error; err != nil {
			return err
		}
		newStatus := rep.StatusAt(now)
		if newStatus != rep.Status {
			if err := tx.Model(&models.Repayment{}).Where("id = ?", rep.ID).Update("status", newStatus).Error; err != nil {
				return err
			}
			rep.Status = newStatus
		}

		var loan models.Loan
		if err := tx.First(&loan, payment.LoanID).Error; err != nil {
			return err
		}
		var borrower models.User
		if err := tx.First(&borrower, payment.BorrowerID).Error; err != nil {
			return err
		}

		payment.Status = models.PaymentStatusCaptured
		payment.IsActive = false
		payment.CapturedAt = &now

		ref, err := s.receipts.Emit(tx, &loan, &rep, payment, &borrower)
		if err != nil {
			return err
		}

		outcome.Payment = payment
		outcome.Repayment = &rep
		outcome.Loan = &loan
		outcome.Borrower = &borrower
		outcome.RepaymentStatus = newStatus
		outcome.ReceiptReference = ref
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Cancel voids an authorized payment at the gateway and releases the hold.
// Captured and canceled rows are terminal; the ledger is never touched.
func (s *PaymentService) Cancel(actor *models.User, paymentID uint) (*models.Payment, error) {
	if !actor.Role.Staff() {
		return nil, fmt.Errorf("cancel requires officer or admin: %w", ErrForbidden)
	}

	var payment models.Payment
	if err := s.db.First(&payment, paymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("payment %d: %w", paymentID, ErrNotFound)
		}
		return nil, err
	}
	if payment.Status != models.PaymentStatusAuthorized {
		return nil, fmt.Errorf("payment %d is %s: %w", payment.ID, payment.Status, ErrInvalidState)
	}

	if err := s.gateway.Void(payment.ExternalReference); err != nil {
		return nil, err
	}

	res := s.db.Model(&models.Payment{}).
		Where("id = ? AND status = ?", payment.ID, models.PaymentStatusAuthorized).
		Updates(map[string]interface{}{"status": models.PaymentStatusCanceled, "is_active": false})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("payment %d already settled: %w", payment.ID, ErrInvalidState)
	}

	payment.Status = models.PaymentStatusCanceled
	payment.IsActive = false
	return &payment, nil
}

// PendingCaptures lists authorized payments awaiting staff action, oldest
// first.
func (s *PaymentService) PendingCaptures() ([]models.Payment, error) {
	var rows []models.Payment
	err := s.db.Where("status = ?", models.PaymentStatusAuthorized).
		Preload("Borrower").Preload("Repayment").Preload("Loan").
		Order("created_at asc").
		Find(&rows).Error
	return rows, err
}

// ApplyGatewayReport reconciles a payment against a status the gateway
// pushed via webhook. Dead holds are released, missed authorizations are
// promoted, and captures the ledger missed are booked; reports that match
// local state are no-ops.
func (s *PaymentService) ApplyGatewayReport(externalRef string, state PaymentState, rawStatus string) error {
	var payment models.Payment
	if err := s.db.Where("external_reference = ?", externalRef).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("payment %s: %w", externalRef, ErrNotFound)
		}
		return err
	}

	switch state {
	case GatewayStateFailed:
		if payment.IsActive {
			s.release(payment.ID, "gateway reported "+rawStatus)
		}
	case GatewayStateAuthorized:
		if payment.Status == models.PaymentStatusPending {
			now := time.Now()
			s.db.Model(&models.Payment{}).
				Where("id = ? AND status = ?", payment.ID, models.PaymentStatusPending).
				Updates(map[string]interface{}{"status": models.PaymentStatusAuthorized, "authorized_at": now})
		}
	case GatewayStateCaptured:
		if payment.Status == models.PaymentStatusAuthorized {
			if _, err := s.applyCapture(&payment, payment.Amount); err != nil && !errors.Is(err, ErrInvalidState) {
				return err
			}
		}
	}
	return nil
}

// SweepStalePending resolves handshake rows that never advanced: rows whose
// card step finished are promoted (and booked if the gateway already
// captured), dead rows are released, and rows the gateway still holds open
// past the cutoff are voided and released. Returns promoted and released
// counts.
func (s *PaymentService) SweepStalePending(olderThan time.Time) (int, int, error) {
	var rows []models.Payment
	if err := s.db.Where("status = ? AND created_at < ?", models.PaymentStatusPending, olderThan).Find(&rows).Error; err != nil {
		return 0, 0, err
	}

	promoted, released := 0, 0
	for i := range rows {
		p := rows[i]
		st, err := s.gateway.Status(p.ExternalReference)
		if err != nil {
			log.Printf("[sweep] status check failed for payment %d: %v", p.ID, err)
			continue
		}

		switch st.State {
		case GatewayStateAuthorized:
			now := time.Now()
			res := s.db.Model(&models.Payment{}).
				Where("id = ? AND status = ?", p.ID, models.PaymentStatusPending).
				Updates(map[string]interface{}{"status": models.PaymentStatusAuthorized, "authorized_at": now})
			if res.Error == nil && res.RowsAffected > 0 {
				promoted++
			}
		case GatewayStateCaptured:
			now := time.Now()
			res := s.db.Model(&models.Payment{}).
				Where("id = ? AND status = ?", p.ID, models.PaymentStatusPending).
				Updates(map[string]interface{}{"status": models.PaymentStatusAuthorized, "authorized_at": now})
			if res.Error == nil && res.RowsAffected > 0 {
				p.Status = models.PaymentStatusAuthorized
				if _, err := s.applyCapture(&p, p.Amount); err != nil {
					log.Printf("[sweep] booking capture for payment %d: %v", p.ID, err)
				} else {
					promoted++
				}
			}
		default:
			if st.State == GatewayStatePending {
				if err := s.gateway.Void(p.ExternalReference); err != nil {
					log.Printf("[sweep] voiding payment %d: %v", p.ID, err)
					continue
				}
			}
			s.release(p.ID, "expired after "+st.RawStatus)
			released++
		}
	}
	return promoted, released, nil
}

// release marks a payment Failed and frees the installment for a new
// authorization.
func (s *PaymentService) release(paymentID uint, reason string) {
	err := s.db.Model(&models.Payment{}).
		Where("id = ? AND is_active = ?", paymentID, true).
		Updates(map[string]interface{}{
			"status":         models.PaymentStatusFailed,
			"is_active":      false,
			"failure_reason": reason,
		}).Error
	if err != nil {
		log.Printf("[payments] releasing payment %d: %v", paymentID, err)
	}
}

// ReconcileOverdue flips unpaid past-due installments to Late in bulk. Read
// paths derive the same answer per row; this materializes it for queries and
// dashboards. Returns the number of rows flipped.
func ReconcileOverdue(db *gorm.DB, now time.Time) (int64, error) {
	res := db.Model(&models.Repayment{}).
		Where("status = ? AND due_date < ? AND amount_paid <= ?", models.RepaymentStatusDue, now, 0).
		Update("status", models.RepaymentStatusLate)
	return res.RowsAffected, res.Error
}

// CloseSettledLoans marks active loans whose every installment is paid as
// closed. Returns the number of loans closed.
func CloseSettledLoans(db *gorm.DB) (int64, error) {
	res := db.Model(&models.Loan{}).
		Where("status = ?", models.LoanStatusActive).
		Where("EXISTS (SELECT 1 FROM repayments WHERE repayments.loan_id = loans.id AND repayments.deleted_at IS NULL)").
		Where("NOT EXISTS (SELECT 1 FROM repayments WHERE repayments.loan_id = loans.id AND repayments.deleted_at IS NULL AND repayments.status <> ?)", models.RepaymentStatusPaid).
		Update("status", models.LoanStatusClosed)
	return res.RowsAffected, res.Error
}
