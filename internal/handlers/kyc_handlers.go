package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"trustedge_backend/internal/middleware"
	"trustedge_backend/internal/models"
	"trustedge_backend/internal/services"
)

// KYCHandler manages borrower identity documents and their review.
type KYCHandler struct {
	db    *gorm.DB
	files *services.FileStore
	cache *services.RedisCache
}

func NewKYCHandler(db *gorm.DB, files *services.FileStore, cache *services.RedisCache) *KYCHandler {
	return &KYCHandler{db: db, files: files, cache: cache}
}

type documentView struct {
	ID           uint       `json:"id"`
	DocumentType string     `json:"document_type"`
	FileURL      string     `json:"file_url"`
	ContentHash  string     `json:"content_hash,omitempty"`
	Status       string     `json:"status"`
	ReviewNote   string     `json:"review_note,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func documentToView(d *models.Document) documentView {
	return documentView{
		ID:           d.ID,
		DocumentType: d.DocumentType,
		FileURL:      services.FileURL(d.FilePath),
		ContentHash:  d.ContentHash,
		Status:       string(d.Status),
		ReviewNote:   d.ReviewNote,
		ReviewedAt:   d.ReviewedAt,
		CreatedAt:    d.CreatedAt,
	}
}

// Upload stores a KYC document for the caller. Multipart body: doc_type
// plus the file.
func (h *KYCHandler) Upload(c echo.Context) error {
	user := middleware.CurrentUser(c)

	docType := strings.TrimSpace(c.FormValue("doc_type"))
	if docType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "doc_type is required")
	}

	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}

	relPath, hash, err := h.files.SaveDocument(file, "documents")
	if err != nil {
		return err
	}

	doc := models.Document{
		BorrowerID:   user.ID,
		DocumentType: docType,
		FilePath:     relPath,
		ContentHash:  hash,
		Status:       models.DocumentStatusPending,
	}
	if err := h.db.Create(&doc).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, documentToView(&doc))
}

// MyDocuments lists the caller's documents, newest first.
func (h *KYCHandler) MyDocuments(c echo.Context) error {
	user := middleware.CurrentUser(c)

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

// Queue lists documents by review status for staff, newest first.
func (h *KYCHandler) Queue(c echo.Context) error {
	status := c.QueryParam("status")
	if status == "" {
		status = string(models.DocumentStatusPending)
	}

	var docs []models.Document
	q := h.db.Preload("Borrower").Order("created_at desc")
	if status != "all" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&docs).Error; err != nil {
		return err
	}

	type queueView struct {
		documentView
		BorrowerID    uint   `json:"borrower_id"`
		BorrowerEmail string `json:"borrower_email"`
	}
	out := make([]queueView, 0, len(docs))
	for i := range docs {
		d := &docs[i]
		out = append(out, queueView{
			documentView:  documentToView(d),
			BorrowerID:    d.BorrowerID,
			BorrowerEmail: d.Borrower.Email,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// Review records a staff verdict on a document.
func (h *KYCHandler) Review(c echo.Context) error {
	actor := middleware.CurrentUser(c)
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	var req struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	status := models.DocumentStatus(req.Status)
	switch status {
	case models.DocumentStatusPending, models.DocumentStatusVerified, models.DocumentStatusRejected:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "status must be Pending, Verified or Rejected")
	}

	var doc models.Document
	if err := h.db.First(&doc, id).Error; err != nil {
		return err
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":         status,
		"reviewed_by_id": actor.ID,
		"reviewed_at":    now,
	}
	if req.Note != "" {
		updates["review_note"] = req.Note
	}
	if err := h.db.Model(&doc).Updates(updates).Error; err != nil {
		return err
	}
	doc.Status = status
	doc.ReviewedAt = &now
	if req.Note != "" {
		doc.ReviewNote = req.Note
	}

	invalidateMetrics(c, h.cache)

	return c.JSON(http.StatusOK, echo.Map{
		"id":     doc.ID,
		"status": doc.Status,
		"note":   doc.ReviewNote,
	})
}
