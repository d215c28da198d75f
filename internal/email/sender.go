// Package email provides email sending capabilities.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/mindflora/mindflora/internal/core"
)

// Sender handles SMTP delivery
type Sender struct {
	config Config
}

// Config configures the email sender
type Config struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	FromEmail   string
	FromName    string
	UseTLS      bool
	UseStartTLS bool
	Timeout     time.Duration
}

// DefaultConfig returns config from environment
func DefaultConfig() Config {
	port := 587
	if os.Getenv("SMTP_PORT") != "" {
		fmt.Sscanf(os.Getenv("SMTP_PORT"), "%d", &port)
	}

	return Config{
		SMTPHost:    os.Getenv("SMTP_HOST"),
		SMTPPort:    port,
		Username:    os.Getenv("SMTP_USERNAME"),
		Password:    os.Getenv("SMTP_PASSWORD"),
		FromEmail:   os.Getenv("SMTP_FROM_EMAIL"),
		FromName:    getEnvOrDefault("SMTP_FROM_NAME", "MindFlora"),
		UseTLS:      os.Getenv("SMTP_USE_TLS") == "true",
		UseStartTLS: getEnvOrDefault("SMTP_USE_STARTTLS", "true") == "true",
		Timeout:     30 * time.Second,
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// NewSender creates a new email sender
func NewSender(cfg Config) *Sender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Sender{config: cfg}
}

// Message represents an email message
type Message struct {
	To       []string
	Subject  string
	TextBody string
	HTMLBody string
	Headers  map[string]string
}

// Send sends an email message
func (s *Sender) Send(ctx context.Context, msg *Message) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email sender: %w", core.ErrNotConfigured)
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("email sender: %w: recipient", core.ErrMissingRequired)
	}

	body := s.buildEmail(msg)

	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(s.config.FromEmail); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	for _, rcpt := range msg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO failed for %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write email data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}

// dial connects, upgrades to TLS when configured and authenticates
func (s *Sender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)
	dialer := net.Dialer{Timeout: s.config.Timeout}

	var conn net.Conn
	var err error
	if s.config.UseTLS {
		tlsDialer := tls.Dialer{NetDialer: &dialer, Config: &tls.Config{ServerName: s.config.SMTPHost}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	if s.config.UseStartTLS && !s.config.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.config.SMTPHost}); err != nil {
				client.Close()
				return nil, fmt.Errorf("STARTTLS failed: %w", err)
			}
		}
	}

	if s.config.Username != "" && s.config.Password != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.SMTPHost)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, &AuthError{Err: err}
		}
	}
	return client, nil
}

// AuthError is returned when the SMTP server rejects our credentials
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// buildEmail constructs the raw email bytes
func (s *Sender) buildEmail(msg *Message) []byte {
	var buf bytes.Buffer

	boundary := fmt.Sprintf("----=_Part_%d", time.Now().UnixNano())

	fmt.Fprintf(&buf, "From: %s <%s>\r\n", s.config.FromName, s.config.FromEmail)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")

	for key, value := range msg.Headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", key, value)
	}

	hasHTML := msg.HTMLBody != ""
	hasText := msg.TextBody != ""

	switch {
	case hasHTML && hasText:
		fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		buf.WriteString(msg.TextBody)
		buf.WriteString("\r\n")

		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		buf.WriteString(msg.HTMLBody)
		buf.WriteString("\r\n")

		fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	case hasHTML:
		buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		buf.WriteString(msg.HTMLBody)
	default:
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		buf.WriteString(msg.TextBody)
	}

	return buf.Bytes()
}

// SendNotification sends a plain-text notification email. The carrier
// gateway uses it to reach phones.
func (s *Sender) SendNotification(ctx context.Context, to, subject, body string) error {
	return s.Send(ctx, &Message{
		To:       []string{to},
		Subject:  subject,
		TextBody: body,
		Headers: map[string]string{
			"X-MindFlora-Type": "notification",
		},
	})
}

// IsConfigured checks if the sender is properly configured
func (s *Sender) IsConfigured() bool {
	return s.config.SMTPHost != "" && s.config.FromEmail != ""
}

// TestConnection tests the SMTP connection
func (s *Sender) TestConnection(ctx context.Context) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email sender: %w", core.ErrNotConfigured)
	}
	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Quit()
}
