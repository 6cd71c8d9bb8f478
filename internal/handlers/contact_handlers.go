package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"trustedge_backend/internal/services"
)

// ContactHandler receives public contact-form messages. Every message is
// written to disk before anything else; emails to support and the sender
// are best-effort on top.
type ContactHandler struct {
	files *services.FileStore
	email *services.EmailService
	cache *services.RedisCache
}

func NewContactHandler(files *services.FileStore, email *services.EmailService, cache *services.RedisCache) *ContactHandler {
	return &ContactHandler{files: files, email: email, cache: cache}
}

type contactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
}

type contactRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

// Submit validates, rate-limits and records a contact message.
func (h *ContactHandler) Submit(c echo.Context) error {
	var req contactRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	name := strings.TrimSpace(req.Name)
	message := strings.TrimSpace(req.Message)
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if name == "" || len(name) > 200 {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required (max 200 chars)")
	}
	if message == "" || len(message) > 5000 {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required (max 5000 chars)")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid email address")
	}

	// One message per sender per minute.
	if h.cache != nil {
		ok, err := h.cache.SetNX(c.Request().Context(), "contact:"+email, 1, time.Minute)
		if err != nil {
			log.Printf("[contact] rate limit check: %v", err)
		} else if !ok {
			return echo.NewHTTPError(http.StatusTooManyRequests, "please wait before sending another message")
		}
	}

	record := contactRecord{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:      name,
		Email:     email,
		Message:   message,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	outDir := filepath.Join(h.files.Root(), "contact_submissions")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, record.ID+".json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	h.notify(record)

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "id": record.ID})
}

func (h *ContactHandler) notify(record contactRecord) {
	supportAddr := os.Getenv("SUPPORT_EMAIL")
	if supportAddr == "" {
		supportAddr = os.Getenv("EMAIL_FROM")
	}

	go func() {
		if supportAddr != "" {
			html := fmt.Sprintf(
				"<h2>New Contact Message</h2>"+
					"<p><b>Name:</b> %s</p>"+
					"<p><b>Email:</b> %s</p>"+
					"<p><b>Time (UTC):</b> %s</p>"+
					"<hr><pre style='white-space:pre-wrap;font-family:inherit'>%s</pre>",
				record.Name, record.Email, record.CreatedAt, record.Message)
			if err := h.email.SendEmail([]string{supportAddr}, "New contact message", html); err != nil {
				log.Printf("[contact] notifying support: %v", err)
			}
		}

		ack := fmt.Sprintf(
			"<p>Hi %s,</p>"+
				"<p>We received your message and will get back to you soon.</p>"+
				"<p>TrustEdge Support</p>",
			record.Name)
		if err := h.email.SendEmail([]string{record.Email}, "We received your message", ack); err != nil {
			log.Printf("[contact] acknowledging %s: %v", record.Email, err)
		}
	}()
}
