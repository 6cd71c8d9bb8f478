package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// WhatsappService delivers notifications through a WAHA gateway. When
// WHATSAPP_ENABLED is not "true" messages are logged instead of sent, so
// lower environments run without a gateway.
type WhatsappService struct {
	baseURL     string
	apiKey      string
	session     string
	countryCode string
	enabled     bool
	client      *http.Client
}

func NewWhatsappService() *WhatsappService {
	url := os.Getenv("WAHA_BASE_URL")
	if url == "" {
		url = "http://waha:3000"
	}
	session := os.Getenv("WAHA_SESSION")
	if session == "" {
		session = "default"
	}
	countryCode := os.Getenv("WHATSAPP_DEFAULT_COUNTRY_CODE")
	if countryCode == "" {
		countryCode = "1"
	}
	return &WhatsappService{
		baseURL:     strings.TrimRight(url, "/"),
		apiKey:      os.Getenv("WAHA_API_KEY"),
		session:     session,
		countryCode: countryCode,
		enabled:     os.Getenv("WHATSAPP_ENABLED") == "true",
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *WhatsappService) makeRequest(endpoint string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.baseURL+endpoint, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return NewExternalError("whatsapp", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return NewExternalError("whatsapp", fmt.Errorf("%s returned %d: %s", endpoint, resp.StatusCode, string(body)))
	}

	return nil
}

// SendText delivers a plain text message to a personal or group chat.
func (s *WhatsappService) SendText(chatID, text string) error {
	chatID = s.NormalizeChatID(chatID)

	if !s.enabled {
		log.Printf("[whatsapp] disabled, skipping message to %s: %s", chatID, text)
		return nil
	}

	return s.makeRequest("/api/sendText", map[string]string{
		"chatId":  chatID,
		"text":    text,
		"session": s.session,
	})
}

// NormalizeChatID adds the suffix WAHA expects and rewrites local phone
// numbers (leading zero) to international form.
func (s *WhatsappService) NormalizeChatID(chatID string) string {
	chatID = strings.TrimSpace(chatID)

	if strings.HasSuffix(chatID, "@g.us") {
		return chatID
	}

	chatID = strings.TrimSuffix(chatID, "@c.us")
	chatID = strings.TrimPrefix(chatID, "+")

	if strings.HasPrefix(chatID, "0") {
		chatID = s.countryCode + strings.TrimPrefix(chatID, "0")
	}

	return chatID + "@c.us"
}
