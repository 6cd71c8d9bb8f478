package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"trustedge_backend/internal/middleware"
	"trustedge_backend/internal/models"
	"trustedge_backend/internal/services"
)

// PaymentHandler exposes the payment authorization lifecycle: borrowers
// open and confirm card holds, staff capture or cancel them, and the
// gateway pushes status notifications to the webhook.
type PaymentHandler struct {
	db       *gorm.DB
	payments *services.PaymentService
	gateway  *services.MidtransGateway
	email    *services.EmailService
	cache    *services.RedisCache
}

func NewPaymentHandler(db *gorm.DB, payments *services.PaymentService, gateway *services.MidtransGateway, email *services.EmailService, cache *services.RedisCache) *PaymentHandler {
	return &PaymentHandler{db: db, payments: payments, gateway: gateway, email: email, cache: cache}
}

type intentRequest struct {
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	CardToken string  `json:"card_token"`
}

// CreateIntent opens a card hold against one installment of the caller's
// loan. Omitting amount pays the remaining balance.
func (h *PaymentHandler) CreateIntent(c echo.Context) error {
	user := middleware.CurrentUser(c)

	loanID, err := paramID(c, "loanID")
	if err != nil {
		return err
	}
	repaymentID, err := paramID(c, "repaymentID")
	if err != nil {
		return err
	}

	var req intentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.CardToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "card_token is required")
	}

	// The path names both ids; reject a repayment that is not actually on
	// this loan before touching the gateway.
	var rep models.Repayment
	if err := h.db.First(&rep, repaymentID).Error; err != nil {
		return err
	}
	if rep.LoanID != loanID {
		return services.ErrNotFound
	}

	payment, err := h.payments.Authorize(user, repaymentID, req.Amount, req.Currency, req.CardToken)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"payment_id":         payment.ID,
		"external_reference": payment.ExternalReference,
		"client_secret":      payment.ClientSecret,
		"status":             payment.Status,
	})
}

type confirmRequest struct {
	ExternalReference string `json:"external_reference"`
}

// Confirm reports the card-side outcome of the caller's pending payment.
func (h *PaymentHandler) Confirm(c echo.Context) error {
	user := middleware.CurrentUser(c)

	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.ExternalReference == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "external_reference is required")
	}

	payment, err := h.payments.Confirm(user, req.ExternalReference)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"payment_id": payment.ID,
		"status":     payment.Status,
	})
}

// MyPayments lists the caller's payments, newest first.
func (h *PaymentHandler) MyPayments(c echo.Context) error {
	user := middleware.CurrentUser(c)

	var rows []models.Payment
	if err := h.db.Where("borrower_id = ?", user.ID).Order("created_at desc").Find(&rows).Error; err != nil {
		return err
	}

	out := make([]paymentView, 0, len(rows))
	for i := range rows {
		out = append(out, paymentToView(&rows[i]))
	}
	return c.JSON(http.StatusOK, out)
}

// Pending lists authorized payments awaiting staff review, oldest first.
func (h *PaymentHandler) Pending(c echo.Context) error {
	rows, err := h.payments.PendingCaptures()
	if err != nil {
		return err
	}

	type pendingView struct {
		ID                uint       `json:"id"`
		ExternalReference string     `json:"external_reference"`
		LoanID            uint       `json:"loan_id"`
		RepaymentID       uint       `json:"repayment_id"`
		Borrower          string     `json:"borrower"`
		Amount            float64    `json:"amount"`
		Currency          string     `json:"currency"`
		AuthorizedAt      *time.Time `json:"authorized_at"`
	}
	out := make([]pendingView, 0, len(rows))
	for i := range rows {
		p := &rows[i]
		out = append(out, pendingView{
			ID:                p.ID,
			ExternalReference: p.ExternalReference,
			LoanID:            p.LoanID,
			RepaymentID:       p.RepaymentID,
			Borrower:          p.Borrower.Email,
			Amount:            p.Amount,
			Currency:          p.Currency,
			AuthorizedAt:      p.AuthorizedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// Capture settles an authorized payment and reports what it did to the
// installment.
func (h *PaymentHandler) Capture(c echo.Context) error {
	actor := middleware.CurrentUser(c)
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	outcome, err := h.payments.Capture(actor, id)
	if err != nil {
		return err
	}

	h.sendReceiptEmail(outcome)
	invalidateMetrics(c, h.cache)

	return c.JSON(http.StatusOK, echo.Map{
		"payment_id":       outcome.Payment.ID,
		"status":           outcome.Payment.Status,
		"repayment_status": outcome.RepaymentStatus,
		"receipt_url":      outcome.ReceiptReference,
	})
}

// Cancel voids an authorized payment and releases the installment.
func (h *PaymentHandler) Cancel(c echo.Context) error {
	actor := middleware.CurrentUser(c)
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	payment, err := h.payments.Cancel(actor, id)
	if err != nil {
		return err
	}
	invalidateMetrics(c, h.cache)
	return c.JSON(http.StatusOK, echo.Map{
		"payment_id": payment.ID,
		"status":     payment.Status,
	})
}

// Webhook receives midtrans payment notifications. The raw payload is
// persisted before any state moves, the signature is checked, and the
// reported status is reconciled into the lifecycle. Always answers 200 for
// authentic notifications so the gateway stops retrying.
func (h *PaymentHandler) Webhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	var note struct {
		OrderID           string `json:"order_id"`
		StatusCode        string `json:"status_code"`
		GrossAmount       string `json:"gross_amount"`
		SignatureKey      string `json:"signature_key"`
		TransactionStatus string `json:"transaction_status"`
		FraudStatus       string `json:"fraud_status"`
	}
	if err := json.Unmarshal(body, &note); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid notification")
	}
	if note.OrderID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing order_id")
	}

	if !h.gateway.VerifyWebhookSignature(note.OrderID, note.StatusCode, note.GrossAmount, note.SignatureKey) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
	}

	event := models.PaymentEvent{
		PaymentGateway:    models.PaymentGatewayMidtrans,
		ExternalReference: note.OrderID,
		TransactionStatus: note.TransactionStatus,
		Payload:           json.RawMessage(body),
	}
	if err := h.db.Create(&event).Error; err != nil {
		return err
	}

	state := services.MapTransactionStatus(note.TransactionStatus, note.FraudStatus)
	if err := h.payments.ApplyGatewayReport(note.OrderID, state, note.TransactionStatus); err != nil {
		// Notifications for unknown orders are acknowledged, not retried.
		if !errors.Is(err, services.ErrNotFound) {
			return err
		}
		log.Printf("[webhook] no payment for order %s", note.OrderID)
	} else {
		invalidateMetrics(c, h.cache)
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (h *PaymentHandler) sendReceiptEmail(outcome *services.CaptureOutcome) {
	var html string
	if outcome.RepaymentStatus == models.RepaymentStatusPaid {
		html = fmt.Sprintf(
			"<h2>Installment payment received</h2>"+
				"<p>Loan #%d • Installment #%d</p>"+
				"<p>Amount: %.2f %s</p>"+
				`<p>Receipt: <a href="%s">%s</a></p>`,
			outcome.Loan.ID, outcome.Repayment.SequenceIndex,
			outcome.Payment.Amount, strings.ToUpper(outcome.Payment.Currency),
			outcome.ReceiptReference, outcome.ReceiptReference)
	} else {
		html = fmt.Sprintf(
			"<h2>Partial installment payment captured</h2>"+
				"<p>Loan #%d • Installment #%d</p>"+
				"<p>Amount: %.2f %s</p>"+
				"<p>Remaining due: %.2f</p>",
			outcome.Loan.ID, outcome.Repayment.SequenceIndex,
			outcome.Payment.Amount, strings.ToUpper(outcome.Payment.Currency),
			outcome.Repayment.Remaining())
	}

	to := outcome.Borrower.Email
	go func() {
		if err := h.email.SendEmail([]string{to}, "Installment Payment Receipt", html); err != nil {
			log.Printf("[payments] sending receipt email to %s: %v", to, err)
		}
	}()
}
