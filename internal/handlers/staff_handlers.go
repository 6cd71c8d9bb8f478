package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"trustedge_backend/internal/middleware"
	"trustedge_backend/internal/models"
	"trustedge_backend/internal/services"
)

// StaffHandler is the back-office: account administration, borrower
// overviews and portfolio metrics. Officers are restricted to borrower
// accounts; admins see everything.
type StaffHandler struct {
	db    *gorm.DB
	cache *services.RedisCache
	email *services.EmailService
}

func NewStaffHandler(db *gorm.DB, cache *services.RedisCache, email *services.EmailService) *StaffHandler {
	return &StaffHandler{db: db, cache: cache, email: email}
}

// metricsCacheKey holds the cached dashboard counters. Handlers that change
// what the counters measure drop the key so staff see the effect of their
// own action without waiting out the TTL.
const metricsCacheKey = "staff:metrics"

func invalidateMetrics(c echo.Context, cache *services.RedisCache) {
	if cache == nil {
		return
	}
	if err := cache.Delete(c.Request().Context(), metricsCacheKey); err != nil {
		log.Printf("[staff] dropping %s: %v", metricsCacheKey, err)
	}
}

// ListUsers pages through accounts. Officers may only list borrowers.
func (h *StaffHandler) ListUsers(c echo.Context) error {
	actor := middleware.CurrentUser(c)

	role := c.QueryParam("role")
	if actor.Role == models.RoleOfficer {
		if role != "" && role != string(models.RoleBorrower) {
			return echo.NewHTTPError(http.StatusForbidden, "officers can list only borrowers")
		}
		role = string(models.RoleBorrower)
	}

	q := h.db.Model(&models.User{})
	if role != "" {
		q = q.Where("role = ?", role)
	}
	if active := c.QueryParam("active"); active != "" {
		q = q.Where("is_active = ?", active == "true")
	}
	if search := strings.TrimSpace(c.QueryParam("q")); search != "" {
		like := "%" + search + "%"
		q = q.Where("email LIKE ? OR full_name LIKE ? OR phone LIKE ?", like, like, like)
	}

	page, pageSize := pagination(c)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return err
	}

	var rows []models.User
	if err := q.Order("created_at desc").Offset((page - 1) * pageSize).Limit(pageSize).Find(&rows).Error; err != nil {
		return err
	}

	items := make([]userView, 0, len(rows))
	for i := range rows {
		items = append(items, sanitizeUser(&rows[i]))
	}
	return c.JSON(http.StatusOK, echo.Map{"total": total, "items": items})
}

type staffCreateRequest struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	FullName  string `json:"full_name"`
	Phone     string `json:"phone"`
	NIDNumber string `json:"nid_number"`
	Address   string `json:"address"`
}

// CreateUser provisions an account ahead of its Firebase identity; the row
// is claimed when the person first signs in. Admins may create any role,
// officers only borrowers.
func (h *StaffHandler) CreateUser(c echo.Context) error {
	actor := middleware.CurrentUser(c)

	var req staffCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email is required")
	}

	role := models.Role(strings.ToLower(strings.TrimSpace(req.Role)))
	if role == "" {
		role = models.RoleBorrower
	}
	switch role {
	case models.RoleBorrower, models.RoleOfficer, models.RoleAdmin:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "role must be borrower, officer or admin")
	}
	if actor.Role != models.RoleAdmin && role != models.RoleBorrower {
		return echo.NewHTTPError(http.StatusForbidden, "not allowed to create this role")
	}

	var existing models.User
	if err := h.db.Where("email = ?", email).First(&existing).Error; err == nil {
		return echo.NewHTTPError(http.StatusConflict, "a user with this email already exists")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	user := models.User{
		Email:     email,
		Role:      role,
		IsActive:  true,
		FullName:  strings.TrimSpace(req.FullName),
		Phone:     strings.TrimSpace(req.Phone),
		NIDNumber: strings.TrimSpace(req.NIDNumber),
		Address:   strings.TrimSpace(req.Address),
	}
	if err := h.db.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return echo.NewHTTPError(http.StatusConflict, "a user with this email already exists")
		}
		return err
	}

	h.sendInviteEmail(email)

	return c.JSON(http.StatusCreated, sanitizeUser(&user))
}

// GetUser returns one account. Officers may only view borrowers.
func (h *StaffHandler) GetUser(c echo.Context) error {
	actor := middleware.CurrentUser(c)
	user, err := h.loadUser(c, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sanitizeUser(user))
}

// UserOverview returns the expanded profile: account, applications and
// loans with schedules.
func (h *StaffHandler) UserOverview(c echo.Context) error {
	actor := middleware.CurrentUser(c)
	user, err := h.loadUser(c, actor)
	if err != nil {
		return err
	}

	var apps []models.LoanApplication
	if err := h.db.Where("borrower_id = ?", user.ID).Order("created_at desc").Find(&apps).Error; err != nil {
		return err
	}
	appViews := make([]applicationView, 0, len(apps))
	for i := range apps {
		appViews = append(appViews, applicationToView(&apps[i]))
	}

	var loans []models.Loan
	if err := h.db.Where("borrower_id = ?", user.ID).Order("created_at desc").Find(&loans).Error; err != nil {
		return err
	}
	packed, err := packLoans(h.db, loans, time.Now())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, echo.Map{
		"user":         sanitizeUser(user),
		"applications": appViews,
		"loans":        packed,
	})
}

type staffPatchRequest struct {
	Role      *string `json:"role"`
	IsActive  *bool   `json:"is_active"`
	FullName  *string `json:"full_name"`
	Phone     *string `json:"phone"`
	NIDNumber *string `json:"nid_number"`
	Address   *string `json:"address"`
}

// PatchUser edits an account. Only admins can change roles; officers may
// edit borrowers only.
func (h *StaffHandler) PatchUser(c echo.Context) error {
	actor := middleware.CurrentUser(c)
	user, err := h.loadUser(c, actor)
	if err != nil {
		return err
	}

	var req staffPatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	if req.Role != nil && actor.Role != models.RoleAdmin {
		return echo.NewHTTPError(http.StatusForbidden, "only admins can change roles")
	}

	updates := map[string]interface{}{}
	if req.Role != nil {
		role := models.Role(strings.ToLower(strings.TrimSpace(*req.Role)))
		switch role {
		case models.RoleBorrower, models.RoleOfficer, models.RoleAdmin:
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "role must be borrower, officer or admin")
		}
		updates["role"] = role
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if req.FullName != nil {
		updates["full_name"] = strings.TrimSpace(*req.FullName)
	}
	if req.Phone != nil {
		updates["phone"] = strings.TrimSpace(*req.Phone)
	}
	if req.NIDNumber != nil {
		updates["nid_number"] = strings.TrimSpace(*req.NIDNumber)
	}
	if req.Address != nil {
		updates["address"] = strings.TrimSpace(*req.Address)
	}

	if len(updates) > 0 {
		if err := h.db.Model(user).Updates(updates).Error; err != nil {
			return err
		}
		if err := h.db.First(user, user.ID).Error; err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, sanitizeUser(user))
}

// BorrowerPayments lists every payment a borrower has opened, newest first.
func (h *StaffHandler) BorrowerPayments(c echo.Context) error {
	actor := middleware.CurrentUser(c)
	user, err := h.loadUser(c, actor)
	if err != nil {
		return err
	}

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

// BorrowerDocuments lists a borrower's KYC documents, newest first.
func (h *StaffHandler) BorrowerDocuments(c echo.Context) error {
	actor := middleware.CurrentUser(c)
	user, err := h.loadUser(c, actor)
	if err != nil {
		return err
	}

	var docs []models.Document
	if err := h.db.Where("borrower_id = ?", user.ID).Order("created_at desc").Find(&docs).Error; err != nil {
		return err
	}
	out := make([]documentView, 0, len(docs))
	for i := range docs {
		out = append(out, documentToView(&docs[i]))
	}
	return c.JSON(http.StatusOK, out)
}

// portfolioMetrics is the staff dashboard snapshot.
type portfolioMetrics struct {
	Borrowers             int64   `json:"borrowers"`
	ApplicationsSubmitted int64   `json:"applications_submitted"`
	ApplicationsInReview  int64   `json:"applications_in_review"`
	ApplicationsApproved  int64   `json:"applications_approved"`
	ApplicationsRejected  int64   `json:"applications_rejected"`
	LoansActive           int64   `json:"loans_active"`
	LoansClosed           int64   `json:"loans_closed"`
	PrincipalActive       float64 `json:"principal_active"`
	OutstandingDue        float64 `json:"outstanding_due"`
	LateInstallments      int64   `json:"late_installments"`
	PaymentsAwaiting      int64   `json:"payments_awaiting_capture"`
	CapturedTotal         float64 `json:"captured_total"`
	GeneratedAt           string  `json:"generated_at"`
}

// Metrics returns portfolio counts, cached for a minute so dashboard
// refreshes stay off the database.
func (h *StaffHandler) Metrics(c echo.Context) error {
	if h.cache == nil {
		metrics, err := h.collectMetrics()
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, metrics)
	}

	metrics, err := services.GetOrSet(h.cache, c.Request().Context(), metricsCacheKey, time.Minute, func() (portfolioMetrics, error) {
		return h.collectMetrics()
	})
	if err != nil {
		// Cache trouble should not blank the dashboard.
		log.Printf("[staff] metrics cache: %v", err)
		metrics, err = h.collectMetrics()
		if err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, metrics)
}

func (h *StaffHandler) collectMetrics() (portfolioMetrics, error) {
	var m portfolioMetrics

	type countQuery struct {
		dest  *int64
		model interface{}
		where string
		args  []interface{}
	}
	counts := []countQuery{
		{&m.Borrowers, &models.User{}, "role = ?", []interface{}{models.RoleBorrower}},
		{&m.ApplicationsSubmitted, &models.LoanApplication{}, "status = ?", []interface{}{models.ApplicationStatusSubmitted}},
		{&m.ApplicationsInReview, &models.LoanApplication{}, "status = ?", []interface{}{models.ApplicationStatusUnderReview}},
		{&m.ApplicationsApproved, &models.LoanApplication{}, "status = ?", []interface{}{models.ApplicationStatusApproved}},
		{&m.ApplicationsRejected, &models.LoanApplication{}, "status = ?", []interface{}{models.ApplicationStatusRejected}},
		{&m.LoansActive, &models.Loan{}, "status = ?", []interface{}{models.LoanStatusActive}},
		{&m.LoansClosed, &models.Loan{}, "status = ?", []interface{}{models.LoanStatusClosed}},
		{&m.LateInstallments, &models.Repayment{}, "status = ?", []interface{}{models.RepaymentStatusLate}},
		{&m.PaymentsAwaiting, &models.Payment{}, "status = ?", []interface{}{models.PaymentStatusAuthorized}},
	}
	for _, cq := range counts {
		if err := h.db.Model(cq.model).Where(cq.where, cq.args...).Count(cq.dest).Error; err != nil {
			return m, err
		}
	}

	row := h.db.Model(&models.Loan{}).Where("status = ?", models.LoanStatusActive).
		Select("COALESCE(SUM(principal), 0)").Row()
	if err := row.Scan(&m.PrincipalActive); err != nil {
		return m, err
	}

	row = h.db.Model(&models.Repayment{}).
		Select("COALESCE(SUM(amount_due - amount_paid), 0)").
		Where("amount_due > amount_paid").Row()
	if err := row.Scan(&m.OutstandingDue); err != nil {
		return m, err
	}

	row = h.db.Model(&models.Payment{}).Where("status = ?", models.PaymentStatusCaptured).
		Select("COALESCE(SUM(amount), 0)").Row()
	if err := row.Scan(&m.CapturedTotal); err != nil {
		return m, err
	}

	m.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	return m, nil
}

func (h *StaffHandler) loadUser(c echo.Context, actor *models.User) (*models.User, error) {
	id, err := paramID(c, "id")
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := h.db.First(&user, id).Error; err != nil {
		return nil, err
	}
	if actor.Role == models.RoleOfficer && user.Role != models.RoleBorrower {
		return nil, echo.NewHTTPError(http.StatusForbidden, "officers can only view borrowers")
	}
	return &user, nil
}

func (h *StaffHandler) sendInviteEmail(to string) {
	frontend := strings.TrimRight(frontendURL(), "/")
	html := fmt.Sprintf(
		"<h2>Welcome to TrustEdge</h2>"+
			"<p>An account has been created for you.</p>"+
			`<p>Sign in with this email address to activate it: <a href="%s">%s</a></p>`,
		frontend, frontend)
	go func() {
		if err := h.email.SendEmail([]string{to}, "Your TrustEdge account", html); err != nil {
			log.Printf("[staff] sending invite to %s: %v", to, err)
		}
	}()
}

func frontendURL() string {
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		return v
	}
	return "http://localhost:3000"
}

func pagination(c echo.Context) (page, pageSize int) {
	page = 1
	pageSize = 25
	if v, err := strconv.Atoi(c.QueryParam("page")); err == nil && v >= 1 {
		page = v
	}
	if v, err := strconv.Atoi(c.QueryParam("page_size")); err == nil && v >= 1 && v <= 200 {
		pageSize = v
	}
	return page, pageSize
}
