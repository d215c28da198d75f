// Package gmail sends assistant email through the Gmail API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/email"
	"github.com/mindflora/mindflora/internal/spaces"
)

// ProviderID names this backend in tool results
const ProviderID = "gmail"

// Scopes are the OAuth scopes the mailer needs
var Scopes = []string{gmail.GmailSendScope}

// Mailer implements email.Transport on the Gmail API
type Mailer struct {
	service *gmail.Service
	userID  string // "me" for the authenticated user
	from    string
	now     func() time.Time
}

// NewMailer creates a mailer authorised by token
func NewMailer(ctx context.Context, oauth *spaces.OAuth, token *oauth2.Token, from string) (*Mailer, error) {
	service, err := gmail.NewService(ctx, option.WithHTTPClient(oauth.HTTPClient(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return NewWithService(service, from), nil
}

// NewWithService wraps an existing service
func NewWithService(service *gmail.Service, from string) *Mailer {
	return &Mailer{service: service, userID: "me", from: from, now: time.Now}
}

// IsConfigured reports whether the mailer can reach the API
func (m *Mailer) IsConfigured() bool { return m != nil && m.service != nil }

// Send delivers msg as the authenticated user
func (m *Mailer) Send(ctx context.Context, msg *email.Message) error {
	if !m.IsConfigured() {
		return core.ErrNotConfigured
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("%w: recipient", core.ErrMissingRequired)
	}

	raw := base64.URLEncoding.EncodeToString(m.build(msg))
	_, err := m.service.Users.Messages.Send(m.userID, &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return wrapAPIError(err)
	}
	return nil
}

// SendNotification sends a plain text message. It lets the mailer stand in
// for SMTP behind the carrier gateway.
func (m *Mailer) SendNotification(ctx context.Context, to, subject, body string) error {
	return m.Send(ctx, &email.Message{
		To:       []string{to},
		Subject:  subject,
		TextBody: body,
		Headers:  map[string]string{"X-MindFlora-Type": "notification"},
	})
}

// build renders msg as an RFC 2822 message
func (m *Mailer) build(msg *email.Message) []byte {
	var b strings.Builder

	if m.from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", m.from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, msg.Headers[k])
	}

	if msg.HTMLBody == "" {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.TextBody)
		return []byte(b.String())
	}

	boundary := "mf-" + uuid.New().String()
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	if msg.TextBody != "" {
		fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, msg.TextBody)
	}
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, msg.HTMLBody)
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}

// wrapAPIError keeps the wording the gateway classifier looks for
func wrapAPIError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return fmt.Errorf("gmail: authentication failed: %w", err)
		case apiErr.Code == http.StatusBadRequest:
			return fmt.Errorf("gmail: RCPT TO failed: %w", err)
		}
	}
	return fmt.Errorf("gmail: send: %w", err)
}
