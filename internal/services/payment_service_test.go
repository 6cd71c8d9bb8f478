package services

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trustedge_backend/internal/models"
)

// fakeGateway scripts the card network per test. Nil hooks fall back to a
// frictionless happy path; calls are recorded so tests can assert what
// reached the gateway.
type fakeGateway struct {
	mu          sync.Mutex
	authorizeFn func(req AuthorizeRequest) (*AuthorizeResult, error)
	statusFn    func(externalRef string) (*StatusResult, error)
	captureFn   func(externalRef string, amount float64) (*CaptureResult, error)
	voidFn      func(externalRef string) error

	statusCalls  int
	capturedRefs []string
	voidedRefs   []string
}

func (g *fakeGateway) Authorize(req AuthorizeRequest) (*AuthorizeResult, error) {
	g.mu.Lock()
	fn := g.authorizeFn
	g.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &AuthorizeResult{ExternalReference: req.OrderID, Authorized: true}, nil
}

func (g *fakeGateway) Status(externalRef string) (*StatusResult, error) {
	g.mu.Lock()
	g.statusCalls++
	fn := g.statusFn
	g.mu.Unlock()
	if fn != nil {
		return fn(externalRef)
	}
	return &StatusResult{State: GatewayStateAuthorized, RawStatus: "authorize"}, nil
}

func (g *fakeGateway) Capture(externalRef string, amount float64) (*CaptureResult, error) {
	g.mu.Lock()
	g.capturedRefs = append(g.capturedRefs, externalRef)
	fn := g.captureFn
	g.mu.Unlock()
	if fn != nil {
		return fn(externalRef, amount)
	}
	return &CaptureResult{CapturedAmount: amount}, nil
}

func (g *fakeGateway) Void(externalRef string) error {
	g.mu.Lock()
	g.voidedRefs = append(g.voidedRefs, externalRef)
	fn := g.voidFn
	g.mu.Unlock()
	if fn != nil {
		return fn(externalRef)
	}
	return nil
}

// challenge scripts an issuer that demands 3DS: the hold is opened but not
// yet authorized, so the payment row stays Pending.
func (g *fakeGateway) challenge() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authorizeFn = func(req AuthorizeRequest) (*AuthorizeResult, error) {
		return &AuthorizeResult{
			ExternalReference: req.OrderID,
			ClientSecret:      "https://gateway.test/3ds/" + req.OrderID,
			Authorized:        false,
		}, nil
	}
}

func (g *fakeGateway) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authorizeFn = nil
	g.statusFn = nil
	g.captureFn = nil
	g.voidFn = nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	// A single connection keeps the shared in-memory database alive for the
	// whole test and serializes access from concurrent goroutines.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(
		&models.User{},
		&models.LoanApplication{},
		&models.Loan{},
		&models.Repayment{},
		&models.Payment{},
		&models.Document{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

type paymentTestEnv struct {
	svc       *PaymentService
	db        *gorm.DB
	gateway   *fakeGateway
	mediaRoot string
}

func newPaymentEnv(t *testing.T) paymentTestEnv {
	t.Helper()
	db := newTestDB(t)
	gateway := &fakeGateway{}
	root := t.TempDir()
	return paymentTestEnv{
		svc:       NewPaymentService(db, gateway, &ReceiptService{mediaRoot: root}),
		db:        db,
		gateway:   gateway,
		mediaRoot: root,
	}
}

func seedUser(t *testing.T, db *gorm.DB, email string, role models.Role) *models.User {
	t.Helper()
	user := models.User{
		FirebaseUID: "fb-" + email,
		Email:       email,
		FullName:    "Test " + string(role),
		Role:        role,
		IsActive:    true,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	return &user
}

// seedLoan creates an active zero-interest loan with its schedule, so each
// installment owes exactly principal/months.
func seedLoan(t *testing.T, db *gorm.DB, borrower *models.User, principal float64, months int) (*models.Loan, []models.Repayment) {
	t.Helper()
	loan := models.Loan{
		BorrowerID:     borrower.ID,
		Principal:      principal,
		InterestRate:   0,
		DurationMonths: months,
		Status:         models.LoanStatusActive,
	}
	if err := db.Create(&loan).Error; err != nil {
		t.Fatalf("seed loan: %v", err)
	}
	rows, err := GenerateSchedule(&loan)
	if err != nil {
		t.Fatalf("generate schedule: %v", err)
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed repayments: %v", err)
	}
	return &loan, rows
}

func fetchPayment(t *testing.T, db *gorm.DB, id uint) models.Payment {
	t.Helper()
	var p models.Payment
	if err := db.First(&p, id).Error; err != nil {
		t.Fatalf("reload payment %d: %v", id, err)
	}
	return p
}

func fetchRepayment(t *testing.T, db *gorm.DB, id uint) models.Repayment {
	t.Helper()
	var r models.Repayment
	if err := db.First(&r, id).Error; err != nil {
		t.Fatalf("reload repayment %d: %v", id, err)
	}
	return r
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestAuthorizeOpensHold(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	_, reps := seedLoan(t, env.db, borrower, 1000, 4)

	payment, err := env.svc.Authorize(borrower, reps[0].ID, 0, "", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	if !almostEqual(payment.Amount, 250) {
		t.Errorf("payment amount = %.2f; want 250.00 (full remaining)", payment.Amount)
	}
	if payment.Currency != "usd" {
		t.Errorf("payment currency = %q; want default usd", payment.Currency)
	}
	if payment.Status != models.PaymentStatusAuthorized {
		t.Errorf("payment status = %s; want Authorized", payment.Status)
	}
	if payment.AuthorizedAt == nil {
		t.Error("authorized_at not set on frictionless authorization")
	}
	wantPrefix := fmt.Sprintf("repayment-%d-", reps[0].ID)
	if !strings.HasPrefix(payment.ExternalReference, wantPrefix) {
		t.Errorf("external reference = %q; want prefix %q", payment.ExternalReference, wantPrefix)
	}

	stored := fetchPayment(t, env.db, payment.ID)
	if stored.Status != models.PaymentStatusAuthorized || !stored.IsActive {
		t.Errorf("stored payment = %s active=%v; want Authorized active=true", stored.Status, stored.IsActive)
	}
	if rep := fetchRepayment(t, env.db, reps[0].ID); !almostEqual(rep.AmountPaid, 0) {
		t.Errorf("amount_paid = %.2f after authorize; holds must not credit the ledger", rep.AmountPaid)
	}
}

func TestAuthorizeValidation(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	stranger := seedUser(t, env.db, "intruder@example.com", models.RoleBorrower)
	_, reps := seedLoan(t, env.db, borrower, 1000, 4)

	// First installment is already settled.
	if err := env.db.Model(&models.Repayment{}).Where("id = ?", reps[0].ID).
		Updates(map[string]interface{}{"amount_paid": 250, "status": models.RepaymentStatusPaid}).Error; err != nil {
		t.Fatalf("settle first installment: %v", err)
	}

	tests := []struct {
		name        string
		actor       *models.User
		repaymentID uint
		amount      float64
		wantErr     error
	}{
		{"unknown repayment", borrower, 424242, 0, ErrNotFound},
		{"installment of another borrower", stranger, reps[1].ID, 0, ErrForbidden},
		{"amount above remaining", borrower, reps[1].ID, 250.01, ErrAmountOutOfRange},
		{"installment already settled", borrower, reps[0].ID, 0, ErrInstallmentPaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Authorize(tt.actor, tt.repaymentID, tt.amount, "usd", "tok-visa")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Authorize() error = %v; want %v", err, tt.wantErr)
			}
		})
	}

	var count int64
	env.db.Model(&models.Payment{}).Count(&count)
	if count != 0 {
		t.Errorf("payment rows after rejected authorizations = %d; want 0", count)
	}
}

func TestAuthorizeRejectsSecondActiveHold(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	_, reps := seedLoan(t, env.db, borrower, 1000, 4)

	if _, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa"); err != nil {
		t.Fatalf("first Authorize() error = %v", err)
	}
	if _, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa"); !errors.Is(err, ErrDuplicateAuthorization) {
		t.Fatalf("second Authorize() error = %v; want %v", err, ErrDuplicateAuthorization)
	}

	var count int64
	env.db.Model(&models.Payment{}).Where("repayment_id = ?", reps[0].ID).Count(&count)
	if count != 1 {
		t.Errorf("payment rows for installment = %d; want 1", count)
	}
}

// The partial unique index is the arbiter behind the friendly pre-check: two
// live rows per installment must be impossible, while terminal history rows
// accumulate freely.
func TestActivePaymentIndexAllowsTerminalHistory(t *testing.T) {
	db := newTestDB(t)
	borrower := seedUser(t, db, "ana@example.com", models.RoleBorrower)
	loan, reps := seedLoan(t, db, borrower, 1000, 4)

	mk := func(ref string) models.Payment {
		return models.Payment{
			LoanID:            loan.ID,
			RepaymentID:       reps[0].ID,
			BorrowerID:        borrower.ID,
			Amount:            250,
			Currency:          "usd",
			Status:            models.PaymentStatusPending,
			IsActive:          true,
			ExternalReference: ref,
		}
	}

	first := mk("order-first")
	if err := db.Create(&first).Error; err != nil {
		t.Fatalf("create first active payment: %v", err)
	}

	second := mk("order-second")
	if err := db.Create(&second).Error; !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("second active payment error = %v; want gorm.ErrDuplicatedKey", err)
	}

	if err := db.Model(&models.Payment{}).Where("id = ?", first.ID).
		Updates(map[string]interface{}{"status": models.PaymentStatusFailed, "is_active": false}).Error; err != nil {
		t.Fatalf("release first payment: %v", err)
	}
	third := mk("order-third")
	if err := db.Create(&third).Error; err != nil {
		t.Errorf("active payment after released hold: %v", err)
	}
}

func TestAuthorizeConcurrentSingleWinner(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	_, reps := seedLoan(t, env.db, borrower, 1000, 4)

	const attempts = 4
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa")
			errs[slot] = err
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, ErrDuplicateAuthorization) {
			t.Fatalf("losing Authorize() error = %v; want %v", err, ErrDuplicateAuthorization)
		}
	}
	if wins != 1 {
		t.Fatalf("concurrent authorize winners = %d; want exactly 1", wins)
	}

	var live []models.Payment
	env.db.Where("repayment_id = ? AND is_active = ?", reps[0].ID, true).Find(&live)
	if len(live) != 1 {
		t.Fatalf("live payments = %d; want 1", len(live))
	}
	if live[0].Status != models.PaymentStatusAuthorized {
		t.Errorf("winning payment status = %s; want Authorized", live[0].Status)
	}
}

func TestAuthorizeReleasesOnGatewayFailure(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	_, reps := seedLoan(t, env.db, borrower, 1000, 4)

	env.gateway.authorizeFn = func(req AuthorizeRequest) (*AuthorizeResult, error) {
		return nil, NewExternalError("midtrans", errors.New("card declined by issuer"))
	}

	_, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-bad")
	var extErr *ExternalError
	if !errors.As(err, &extErr) {
		t.Fatalf("Authorize() error = %v; want *ExternalError", err)
	}

	var rows []models.Payment
	env.db.Where("repayment_id = ?", reps[0].ID).Find(&rows)
	if len(rows) != 1 {
		t.Fatalf("payment rows = %d; want 1", len(rows))
	}
	if rows[0].Status != models.PaymentStatusFailed || rows[0].IsActive {
		t.Errorf("failed handshake row = %s active=%v; want Failed active=false", rows[0].Status, rows[0].IsActive)
	}
	if !strings.Contains(rows[0].FailureReason, "card authorization failed") {
		t.Errorf("failure reason = %q; want the gateway failure recorded", rows[0].FailureReason)
	}

	// The released claim must not block a fresh attempt.
	env.gateway.reset()
	if _, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa"); err != nil {
		t.Errorf("Authorize() after released hold: %v", err)
	}
}

func TestAuthorizeKeepsChallengePending(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	_, reps := seedLoan(t, env.db, borrower, 1000, 4)

	env.gateway.challenge()
	payment, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if payment.Status != models.PaymentStatusPending {
		t.Errorf("payment status = %s; want Pending while 3DS is open", payment.Status)
	}
	if payment.AuthorizedAt != nil {
		t.Error("authorized_at set before the card handshake finished")
	}
	if !strings.HasPrefix(payment.ClientSecret, "https://gateway.test/3ds/") {
		t.Errorf("client secret = %q; want the challenge URL", payment.ClientSecret)
	}

	stored := fetchPayment(t, env.db, payment.ID)
	if stored.Status != models.PaymentStatusPending || !stored.IsActive {
		t.Errorf("stored payment = %s active=%v; want Pending active=true", stored.Status, stored.IsActive)
	}
	if stored.ClientSecret != payment.ClientSecret {
		t.Errorf("stored client secret = %q; want %q", stored.ClientSecret, payment.ClientSecret)
	}
}

func TestConfirmPromotesPendingPayment(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	_, reps := seedLoan(t, env.db, borrower, 1000, 4)

	env.gateway.challenge()
	pending, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	confirmed, err := env.svc.Confirm(borrower, pending.ExternalReference)
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if confirmed.Status != models.PaymentStatusAuthorized {
		t.Errorf("confirmed status = %s; want Authorized", confirmed.Status)
	}
	if confirmed.AuthorizedAt == nil {
		t.Error("authorized_at not set by Confirm")
	}
	if env.gateway.statusCalls != 1 {
		t.Errorf("gateway status calls = %d; want 1", env.gateway.statusCalls)
	}

	// Confirming an already-authorized payment answers from local state.
	again, err := env.svc.Confirm(borrower, pending.ExternalReference)
	if err != nil {
		t.Fatalf("second Confirm() error = %v", err)
	}
	if again.Status != models.PaymentStatusAuthorized {
		t.Errorf("repeat confirm status = %s; want Authorized", again.Status)
	}
	if env.gateway.statusCalls != 1 {
		t.Errorf("gateway status calls after repeat confirm = %d; want 1", env.gateway.statusCalls)
	}
}

func TestConfirmGuards(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	stranger := seedUser(t, env.db, "intruder@example.com", models.RoleBorrower)
	admin := seedUser(t, env.db, "admin@example.com", models.RoleAdmin)
	_, reps := seedLoan(t, env.db, borrower, 1000, 4)

	env.gateway.challenge()
	pending, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	if _, err := env.svc.Confirm(borrower, "order-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Confirm(unknown ref) error = %v; want %v", err, ErrNotFound)
	}
	if _, err := env.svc.Confirm(stranger, pending.ExternalReference); !errors.Is(err, ErrForbidden) {
		t.Errorf("Confirm by stranger error = %v; want %v", err, ErrForbidden)
	}

	// Handshake still open at the gateway: no promotion, row untouched.
	env.gateway.statusFn = func(string) (*StatusResult, error) {
		return &StatusResult{State: GatewayStatePending, RawStatus: "pending"}, nil
	}
	if _, err := env.svc.Confirm(borrower, pending.ExternalReference); !errors.Is(err, ErrAuthorizationNotReady) {
		t.Errorf("Confirm(unready) error = %v; want %v", err, ErrAuthorizationNotReady)
	}
	if p := fetchPayment(t, env.db, pending.ID); p.Status != models.PaymentStatusPending || !p.IsActive {
		t.Errorf("unready payment = %s active=%v; want Pending active=true", p.Status, p.IsActive)
	}

	// Dead handshake: the hold is released so the installment frees up.
	env.gateway.statusFn = func(string) (*StatusResult, error) {
		return &StatusResult{State: GatewayStateFailed, RawStatus: "deny"}, nil
	}
	if _, err := env.svc.Confirm(borrower, pending.ExternalReference); !errors.Is(err, ErrAuthorizationNotReady) {
		t.Errorf("Confirm(denied) error = %v; want %v", err, ErrAuthorizationNotReady)
	}
	p := fetchPayment(t, env.db, pending.ID)
	if p.Status != models.PaymentStatusFailed || p.IsActive {
		t.Errorf("denied payment = %s active=%v; want Failed active=false", p.Status, p.IsActive)
	}
	if !strings.Contains(p.FailureReason, "deny") {
		t.Errorf("failure reason = %q; want the raw gateway status recorded", p.FailureReason)
	}

	// Terminal rows reject confirmation outright.
	env.gateway.reset()
	authorized, err := env.svc.Authorize(borrower, reps[1].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if _, err := env.svc.Cancel(admin, authorized.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if _, err := env.svc.Confirm(borrower, authorized.ExternalReference); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Confirm(canceled) error = %v; want %v", err, ErrInvalidState)
	}
}

func TestCaptureSettlesInstallment(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	officer := seedUser(t, env.db, "officer@example.com", models.RoleOfficer)
	loan, reps := seedLoan(t, env.db, borrower, 1000, 4)

	payment, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	outcome, err := env.svc.Capture(officer, payment.ID)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	if outcome.RepaymentStatus != models.RepaymentStatusPaid {
		t.Errorf("repayment status = %s; want Paid", outcome.RepaymentStatus)
	}
	wantRef := fmt.Sprintf("/media/receipts/receipt-%d.html", payment.ID)
	if outcome.ReceiptReference != wantRef {
		t.Errorf("receipt reference = %q; want %q", outcome.ReceiptReference, wantRef)
	}
	if outcome.Loan.ID != loan.ID || outcome.Borrower.ID != borrower.ID {
		t.Errorf("outcome loan/borrower = %d/%d; want %d/%d",
			outcome.Loan.ID, outcome.Borrower.ID, loan.ID, borrower.ID)
	}

	stored := fetchPayment(t, env.db, payment.ID)
	if stored.Status != models.PaymentStatusCaptured || stored.IsActive {
		t.Errorf("stored payment = %s active=%v; want Captured active=false", stored.Status, stored.IsActive)
	}
	if stored.CapturedAt == nil {
		t.Error("captured_at not set")
	}

	rep := fetchRepayment(t, env.db, reps[0].ID)
	if !almostEqual(rep.AmountPaid, 250) {
		t.Errorf("amount_paid = %.2f; want 250.00", rep.AmountPaid)
	}
	if rep.Status != models.RepaymentStatusPaid {
		t.Errorf("stored repayment status = %s; want Paid", rep.Status)
	}
	if rep.ReceiptReference != wantRef {
		t.Errorf("stored receipt reference = %q; want %q", rep.ReceiptReference, wantRef)
	}

	data, err := os.ReadFile(filepath.Join(env.mediaRoot, "receipts", fmt.Sprintf("receipt-%d.html", payment.ID)))
	if err != nil {
		t.Fatalf("read receipt artifact: %v", err)
	}
	if !strings.Contains(string(data), "250.00") {
		t.Error("receipt artifact does not show the captured amount")
	}

	if len(env.gateway.capturedRefs) != 1 || env.gateway.capturedRefs[0] != payment.ExternalReference {
		t.Errorf("gateway captures = %v; want exactly [%s]", env.gateway.capturedRefs, payment.ExternalReference)
	}
}

func TestCapturePartialThenSettle(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	officer := seedUser(t, env.db, "officer@example.com", models.RoleOfficer)
	_, reps := seedLoan(t, env.db, borrower, 1000, 4)

	partial, err := env.svc.Authorize(borrower, reps[0].ID, 100, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize(partial) error = %v", err)
	}
	outcome, err := env.svc.Capture(officer, partial.ID)
	if err != nil {
		t.Fatalf("Capture(partial) error = %v", err)
	}
	if outcome.RepaymentStatus != models.RepaymentStatusPartiallyPaid {
		t.Errorf("repayment status after partial = %s; want PartiallyPaid", outcome.RepaymentStatus)
	}
	if rep := fetchRepayment(t, env.db, reps[0].ID); !almostEqual(rep.AmountPaid, 100) {
		t.Errorf("amount_paid after partial = %.2f; want 100.00", rep.AmountPaid)
	}

	// A defaulted amount now means the remaining 150, not the original due.
	rest, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize(rest) error = %v", err)
	}
	if !almostEqual(rest.Amount, 150) {
		t.Errorf("second hold amount = %.2f; want 150.00", rest.Amount)
	}
	outcome, err = env.svc.Capture(officer, rest.ID)
	if err != nil {
		t.Fatalf("Capture(rest) error = %v", err)
	}
	if outcome.RepaymentStatus != models.RepaymentStatusPaid {
		t.Errorf("repayment status after settle = %s; want Paid", outcome.RepaymentStatus)
	}
	if rep := fetchRepayment(t, env.db, reps[0].ID); !almostEqual(rep.AmountPaid, 250) {
		t.Errorf("amount_paid after settle = %.2f; want 250.00", rep.AmountPaid)
	}
}

func TestCaptureGuards(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	officer := seedUser(t, env.db, "officer@example.com", models.RoleOfficer)
	_, reps := seedLoan(t, env.db, borrower, 1000, 4)

	held, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	if _, err := env.svc.Capture(borrower, held.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("Capture by borrower error = %v; want %v", err, ErrForbidden)
	}
	if _, err := env.svc.Capture(officer, 424242); !errors.Is(err, ErrNotFound) {
		t.Errorf("Capture(unknown id) error = %v; want %v", err, ErrNotFound)
	}

	// Gateway failure leaves the hold untouched for a retry.
	env.gateway.captureFn = func(string, float64) (*CaptureResult, error) {
		return nil, NewExternalError("midtrans", errors.New("capture timed out"))
	}
	var extErr *ExternalError
	if _, err := env.svc.Capture(officer, held.ID); !errors.As(err, &extErr) {
		t.Errorf("Capture with gateway down error = %v; want *ExternalError", err)
	}
	if p := fetchPayment(t, env.db, held.ID); p.Status != models.PaymentStatusAuthorized || !p.IsActive {
		t.Errorf("payment after failed capture = %s active=%v; want Authorized active=true", p.Status, p.IsActive)
	}

	env.gateway.reset()
	if _, err := env.svc.Capture(officer, held.ID); err != nil {
		t.Fatalf("Capture retry error = %v", err)
	}
	if _, err := env.svc.Capture(officer, held.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double Capture error = %v; want %v", err, ErrInvalidState)
	}

	// Pending rows have no held funds to settle.
	env.gateway.challenge()
	pending, err := env.svc.Authorize(borrower, reps[1].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize(challenge) error = %v", err)
	}
	if _, err := env.svc.Capture(officer, pending.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Capture(pending) error = %v; want %v", err, ErrInvalidState)
	}
}

func TestCancelReleasesHold(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	admin := seedUser(t, env.db, "admin@example.com", models.RoleAdmin)
	_, reps := seedLoan(t, env.db, borrower, 1000, 4)

	held, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	canceled, err := env.svc.Cancel(admin, held.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if canceled.Status != models.PaymentStatusCanceled || canceled.IsActive {
		t.Errorf("canceled payment = %s active=%v; want Canceled active=false", canceled.Status, canceled.IsActive)
	}
	if len(env.gateway.voidedRefs) != 1 || env.gateway.voidedRefs[0] != held.ExternalReference {
		t.Errorf("gateway voids = %v; want exactly [%s]", env.gateway.voidedRefs, held.ExternalReference)
	}
	if rep := fetchRepayment(t, env.db, reps[0].ID); !almostEqual(rep.AmountPaid, 0) {
		t.Errorf("amount_paid after cancel = %.2f; the ledger must stay untouched", rep.AmountPaid)
	}

	// The installment frees up for a new authorization.
	if _, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa"); err != nil {
		t.Errorf("Authorize() after cancel: %v", err)
	}
}

func TestCancelGuards(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	admin := seedUser(t, env.db, "admin@example.com", models.RoleAdmin)
	_, reps := seedLoan(t, env.db, borrower, 1000, 4)

	held, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	if _, err := env.svc.Cancel(borrower, held.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("Cancel by borrower error = %v; want %v", err, ErrForbidden)
	}

	// Void failure keeps the hold; the gateway still owns the funds.
	env.gateway.voidFn = func(string) error {
		return NewExternalError("midtrans", errors.New("void timed out"))
	}
	var extErr *ExternalError
	if _, err := env.svc.Cancel(admin, held.ID); !errors.As(err, &extErr) {
		t.Errorf("Cancel with gateway down error = %v; want *ExternalError", err)
	}
	if p := fetchPayment(t, env.db, held.ID); p.Status != models.PaymentStatusAuthorized || !p.IsActive {
		t.Errorf("payment after failed void = %s active=%v; want Authorized active=true", p.Status, p.IsActive)
	}

	env.gateway.reset()
	env.gateway.challenge()
	pending, err := env.svc.Authorize(borrower, reps[1].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize(challenge) error = %v", err)
	}
	if _, err := env.svc.Cancel(admin, pending.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Cancel(pending) error = %v; want %v", err, ErrInvalidState)
	}
}

func TestPendingCapturesOldestFirst(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	officer := seedUser(t, env.db, "officer@example.com", models.RoleOfficer)
	loan, reps := seedLoan(t, env.db, borrower, 1000, 4)

	first, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	second, err := env.svc.Authorize(borrower, reps[1].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	// An older hold sorts ahead regardless of insertion order.
	if err := env.db.Model(&models.Payment{}).Where("id = ?", second.ID).
		Update("created_at", time.Now().Add(-time.Hour)).Error; err != nil {
		t.Fatalf("backdate payment: %v", err)
	}

	// Neither a pending handshake nor settled history belongs in the queue.
	env.gateway.challenge()
	if _, err := env.svc.Authorize(borrower, reps[2].ID, 0, "usd", "tok-visa"); err != nil {
		t.Fatalf("Authorize(challenge) error = %v", err)
	}
	env.gateway.reset()
	settled, err := env.svc.Authorize(borrower, reps[3].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if _, err := env.svc.Capture(officer, settled.ID); err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	queue, err := env.svc.PendingCaptures()
	if err != nil {
		t.Fatalf("PendingCaptures() error = %v", err)
	}
	if len(queue) != 2 {
		t.Fatalf("queue length = %d; want 2", len(queue))
	}
	if queue[0].ID != second.ID || queue[1].ID != first.ID {
		t.Errorf("queue order = [%d %d]; want oldest first [%d %d]", queue[0].ID, queue[1].ID, second.ID, first.ID)
	}
	if queue[0].Borrower.ID != borrower.ID {
		t.Errorf("queue borrower = %d; want preloaded %d", queue[0].Borrower.ID, borrower.ID)
	}
	if queue[0].Loan.ID != loan.ID {
		t.Errorf("queue loan = %d; want preloaded %d", queue[0].Loan.ID, loan.ID)
	}
	if queue[0].Repayment.ID != reps[1].ID {
		t.Errorf("queue repayment = %d; want preloaded %d", queue[0].Repayment.ID, reps[1].ID)
	}
}

func TestApplyGatewayReportHealsLifecycle(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	_, reps := seedLoan(t, env.db, borrower, 1000, 4)

	if err := env.svc.ApplyGatewayReport("order-missing", GatewayStateCaptured, "settlement"); !errors.Is(err, ErrNotFound) {
		t.Errorf("report for unknown ref error = %v; want %v", err, ErrNotFound)
	}

	// A failure report releases a live hold.
	env.gateway.challenge()
	dead, err := env.svc.Authorize(borrower, reps[0].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if err := env.svc.ApplyGatewayReport(dead.ExternalReference, GatewayStateFailed, "expire"); err != nil {
		t.Fatalf("ApplyGatewayReport(failed) error = %v", err)
	}
	if p := fetchPayment(t, env.db, dead.ID); p.Status != models.PaymentStatusFailed || p.IsActive {
		t.Errorf("reported-dead payment = %s active=%v; want Failed active=false", p.Status, p.IsActive)
	}

	// An authorization report promotes a pending handshake.
	missed, err := env.svc.Authorize(borrower, reps[1].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if err := env.svc.ApplyGatewayReport(missed.ExternalReference, GatewayStateAuthorized, "authorize"); err != nil {
		t.Fatalf("ApplyGatewayReport(authorized) error = %v", err)
	}
	if p := fetchPayment(t, env.db, missed.ID); p.Status != models.PaymentStatusAuthorized || !p.IsActive {
		t.Errorf("promoted payment = %s active=%v; want Authorized active=true", p.Status, p.IsActive)
	}

	// A capture report books funds the ledger missed.
	env.gateway.reset()
	held, err := env.svc.Authorize(borrower, reps[2].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if err := env.svc.ApplyGatewayReport(held.ExternalReference, GatewayStateCaptured, "settlement"); err != nil {
		t.Fatalf("ApplyGatewayReport(captured) error = %v", err)
	}
	if p := fetchPayment(t, env.db, held.ID); p.Status != models.PaymentStatusCaptured || p.IsActive {
		t.Errorf("booked payment = %s active=%v; want Captured active=false", p.Status, p.IsActive)
	}
	rep := fetchRepayment(t, env.db, reps[2].ID)
	if !almostEqual(rep.AmountPaid, 250) {
		t.Errorf("amount_paid after booked capture = %.2f; want 250.00", rep.AmountPaid)
	}
	if rep.Status != models.RepaymentStatusPaid {
		t.Errorf("repayment status = %s; want Paid", rep.Status)
	}

	// Webhook replays are no-ops: the ledger is credited once.
	if err := env.svc.ApplyGatewayReport(held.ExternalReference, GatewayStateCaptured, "settlement"); err != nil {
		t.Fatalf("replayed report error = %v", err)
	}
	if rep := fetchRepayment(t, env.db, reps[2].ID); !almostEqual(rep.AmountPaid, 250) {
		t.Errorf("amount_paid after replay = %.2f; want 250.00", rep.AmountPaid)
	}

	// A capture report for a row still pending does nothing; the sweep owns
	// that reconciliation.
	env.gateway.challenge()
	open, err := env.svc.Authorize(borrower, reps[3].ID, 0, "usd", "tok-visa")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if err := env.svc.ApplyGatewayReport(open.ExternalReference, GatewayStateCaptured, "settlement"); err != nil {
		t.Fatalf("ApplyGatewayReport(captured, pending row) error = %v", err)
	}
	if p := fetchPayment(t, env.db, open.ID); p.Status != models.PaymentStatusPending || !p.IsActive {
		t.Errorf("pending payment after capture report = %s active=%v; want Pending active=true", p.Status, p.IsActive)
	}
}

func TestSweepStalePendingResolvesHandshakes(t *testing.T) {
	env := newPaymentEnv(t)
	borrower := seedUser(t, env.db, "ana@example.com", models.RoleBorrower)
	_, reps := seedLoan(t, env.db, borrower, 1000, 5)

	env.gateway.challenge()
	payments := make([]*models.Payment, 5)
	for i := 0; i < 5; i++ {
		p, err := env.svc.Authorize(borrower, reps[i].ID, 0, "usd", "tok-visa")
		if err != nil {
			t.Fatalf("Authorize(#%d) error = %v", i+1, err)
		}
		payments[i] = p
	}
	// The first four handshakes went stale; the fifth is fresh.
	for i := 0; i < 4; i++ {
		if err := env.db.Model(&models.Payment{}).Where("id = ?", payments[i].ID).
			Update("created_at", time.Now().Add(-2*time.Hour)).Error; err != nil {
			t.Fatalf("backdate payment: %v", err)
		}
	}

	states := map[string]StatusResult{
		payments[0].ExternalReference: {State: GatewayStateAuthorized, RawStatus: "authorize"},
		payments[1].ExternalReference: {State: GatewayStateCaptured, RawStatus: "settlement"},
		payments[2].ExternalReference: {State: GatewayStateFailed, RawStatus: "expire"},
		payments[3].ExternalReference: {State: GatewayStatePending, RawStatus: "pending"},
	}
	env.gateway.statusFn = func(externalRef string) (*StatusResult, error) {
		st, ok := states[externalRef]
		if !ok {
			return nil, NewExternalError("midtrans", fmt.Errorf("unexpected status check for %s", externalRef))
		}
		return &st, nil
	}

	promoted, released, err := env.svc.SweepStalePending(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("SweepStalePending() error = %v", err)
	}
	if promoted != 2 || released != 2 {
		t.Errorf("sweep counts = %d promoted, %d released; want 2 and 2", promoted, released)
	}

	if p := fetchPayment(t, env.db, payments[0].ID); p.Status != models.PaymentStatusAuthorized || !p.IsActive {
		t.Errorf("authorized-at-gateway row = %s active=%v; want Authorized active=true", p.Status, p.IsActive)
	}

	// Already captured at the gateway: promoted and booked in one pass.
	if p := fetchPayment(t, env.db, payments[1].ID); p.Status != models.PaymentStatusCaptured || p.IsActive {
		t.Errorf("captured-at-gateway row = %s active=%v; want Captured active=false", p.Status, p.IsActive)
	}
	if rep := fetchRepayment(t, env.db, reps[1].ID); !almostEqual(rep.AmountPaid, 200) {
		t.Errorf("amount_paid on swept capture = %.2f; want 200.00", rep.AmountPaid)
	}

	if p := fetchPayment(t, env.db, payments[2].ID); p.Status != models.PaymentStatusFailed || p.IsActive {
		t.Errorf("dead row = %s active=%v; want Failed active=false", p.Status, p.IsActive)
	} else if !strings.Contains(p.FailureReason, "expired after expire") {
		t.Errorf("dead row reason = %q; want the raw status recorded", p.FailureReason)
	}

	// Still open at the gateway past the cutoff: voided, then released.
	if p := fetchPayment(t, env.db, payments[3].ID); p.Status != models.PaymentStatusFailed || p.IsActive {
		t.Errorf("expired row = %s active=%v; want Failed active=false", p.Status, p.IsActive)
	}
	if len(env.gateway.voidedRefs) != 1 || env.gateway.voidedRefs[0] != payments[3].ExternalReference {
		t.Errorf("gateway voids = %v; want exactly [%s]", env.gateway.voidedRefs, payments[3].ExternalReference)
	}

	if p := fetchPayment(t, env.db, payments[4].ID); p.Status != models.PaymentStatusPending || !p.IsActive {
		t.Errorf("fresh row = %s active=%v; want untouched Pending active=true", p.Status, p.IsActive)
	}
}

func TestReconcileOverdue(t *testing.T) {
	db := newTestDB(t)
	borrower := seedUser(t, db, "ana@example.com", models.RoleBorrower)
	loan := models.Loan{BorrowerID: borrower.ID, Principal: 1000, DurationMonths: 4, Status: models.LoanStatusActive}
	if err := db.Create(&loan).Error; err != nil {
		t.Fatalf("seed loan: %v", err)
	}

	now := time.Now()
	mk := func(seq int, due time.Time, paid float64, status models.RepaymentStatus) models.Repayment {
		r := models.Repayment{LoanID: loan.ID, SequenceIndex: seq, DueDate: due, AmountDue: 250, AmountPaid: paid, Status: status}
		if err := db.Create(&r).Error; err != nil {
			t.Fatalf("seed repayment #%d: %v", seq, err)
		}
		return r
	}
	overdue := mk(1, now.Add(-48*time.Hour), 0, models.RepaymentStatusDue)
	upcoming := mk(2, now.Add(72*time.Hour), 0, models.RepaymentStatusDue)
	partial := mk(3, now.Add(-48*time.Hour), 100, models.RepaymentStatusDue)
	late := mk(4, now.Add(-96*time.Hour), 0, models.RepaymentStatusLate)

	flipped, err := ReconcileOverdue(db, now)
	if err != nil {
		t.Fatalf("ReconcileOverdue() error = %v", err)
	}
	if flipped != 1 {
		t.Errorf("flipped = %d; want 1", flipped)
	}

	tests := []struct {
		name string
		id   uint
		want models.RepaymentStatus
	}{
		{"unpaid past due flips to Late", overdue.ID, models.RepaymentStatusLate},
		{"future installment stays Due", upcoming.ID, models.RepaymentStatusDue},
		{"partially paid row keeps its stored status", partial.ID, models.RepaymentStatusDue},
		{"already Late row is untouched", late.ID, models.RepaymentStatusLate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fetchRepayment(t, db, tt.id).Status; got != tt.want {
				t.Errorf("status = %s; want %s", got, tt.want)
			}
		})
	}
}

func TestCloseSettledLoans(t *testing.T) {
	db := newTestDB(t)
	borrower := seedUser(t, db, "ana@example.com", models.RoleBorrower)

	mkLoan := func() *models.Loan {
		loan := models.Loan{BorrowerID: borrower.ID, Principal: 500, DurationMonths: 2, Status: models.LoanStatusActive}
		if err := db.Create(&loan).Error; err != nil {
			t.Fatalf("seed loan: %v", err)
		}
		return &loan
	}
	mkRep := func(loan *models.Loan, seq int, status models.RepaymentStatus) {
		paid := 0.0
		if status == models.RepaymentStatusPaid {
			paid = 250
		}
		r := models.Repayment{LoanID: loan.ID, SequenceIndex: seq, DueDate: time.Now(), AmountDue: 250, AmountPaid: paid, Status: status}
		if err := db.Create(&r).Error; err != nil {
			t.Fatalf("seed repayment: %v", err)
		}
	}

	settled := mkLoan()
	mkRep(settled, 1, models.RepaymentStatusPaid)
	mkRep(settled, 2, models.RepaymentStatusPaid)

	outstanding := mkLoan()
	mkRep(outstanding, 1, models.RepaymentStatusPaid)
	mkRep(outstanding, 2, models.RepaymentStatusDue)

	// A loan with no schedule rows must never be closed by the sweep.
	empty := mkLoan()

	closed, err := CloseSettledLoans(db)
	if err != nil {
		t.Fatalf("CloseSettledLoans() error = %v", err)
	}
	if closed != 1 {
		t.Errorf("closed = %d; want 1", closed)
	}

	check := func(id uint, want models.LoanStatus) {
		t.Helper()
		var loan models.Loan
		if err := db.First(&loan, id).Error; err != nil {
			t.Fatalf("reload loan %d: %v", id, err)
		}
		if loan.Status != want {
			t.Errorf("loan %d status = %s; want %s", id, loan.Status, want)
		}
	}
	check(settled.ID, models.LoanStatusClosed)
	check(outstanding.ID, models.LoanStatusActive)
	check(empty.ID, models.LoanStatusActive)
}
