// Package notify sends operator notifications when webhook delivery keeps
// failing. Providers: plain SMTP, Resend, SendGrid.
package notify

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
)

// Config selects and configures the notification provider.
type Config struct {
	Provider string `yaml:"provider"` // "", "smtp", "resend", "sendgrid"
	From     string `yaml:"from"`
	To       string `yaml:"to"`

	SMTP           SMTPConfig `yaml:"smtp"`
	ResendAPIKey   string     `yaml:"resend_api_key"`
	SendGridAPIKey string     `yaml:"sendgrid_api_key"`
}

// SMTPConfig is the transport config for the smtp provider.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// Message is one notification mail.
type Message struct {
	To      string
	From    string
	Subject string
	Body    string
}

// Result reports a send attempt.
type Result struct {
	Success   bool
	MessageID string
	Error     error
}

// Sender delivers notification mail through one provider.
type Sender interface {
	Send(ctx context.Context, msg Message) Result
	Name() string
}

// NewSender builds the provider named by the config.
func NewSender(cfg Config) (Sender, error) {
	switch cfg.Provider {
	case "", "smtp":
		return NewSMTPSender(cfg.SMTP, cfg.From), nil
	case "resend":
		return NewResendSender(cfg.ResendAPIKey), nil
	case "sendgrid":
		return NewSendGridSender(cfg.SendGridAPIKey), nil
	}
	return nil, fmt.Errorf("unknown notification provider: %s", cfg.Provider)
}

// ValidateEmail checks for injection characters and RFC 5322 compliance.
func ValidateEmail(email string) error {
	if strings.ContainsAny(email, "\r\n,;") {
		return fmt.Errorf("email contains invalid characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

func validateMessage(msg Message) error {
	if err := ValidateEmail(msg.From); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateEmail(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return fmt.Errorf("subject contains invalid characters")
	}
	return nil
}
