package services

import (
	"fmt"
	"log"
	"net/smtp"
	"os"
	"strings"
)

// EmailService sends plain SMTP mail. When EMAIL_ENABLED is not "true" or
// the SMTP host is missing, messages are logged instead of sent, so local
// environments see every notification without a mail server.
type EmailService struct {
	host     string
	port     string
	user     string
	password string
	from     string
	enabled  bool
}

func NewEmailService() *EmailService {
	return &EmailService{
		host:     os.Getenv("SMTP_HOST"),
		port:     os.Getenv("SMTP_PORT"),
		user:     os.Getenv("SMTP_USER"),
		password: os.Getenv("SMTP_PASS"),
		from:     os.Getenv("EMAIL_FROM"),
		enabled:  os.Getenv("EMAIL_ENABLED") == "true",
	}
}

// SendEmail delivers one message to the recipients, or logs it in dev mode.
func (s *EmailService) SendEmail(to []string, subject, body string) error {
	if !s.enabled || s.host == "" || s.port == "" {
		log.Printf("[email] delivery disabled, message to %s: %s\n%s", strings.Join(to, ", "), subject, body)
		return nil
	}

	auth := smtp.PlainAuth("", s.user, s.password, s.host)

	message := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/html; charset=\"UTF-8\"\r\n"+
		"\r\n"+
		"%s\r\n", s.from, strings.Join(to, ", "), subject, body))

	addr := fmt.Sprintf("%s:%s", s.host, s.port)

	if err := smtp.SendMail(addr, auth, s.from, to, message); err != nil {
		return NewExternalError("smtp", err)
	}

	return nil
}
