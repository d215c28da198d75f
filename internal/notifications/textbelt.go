package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mindflora/mindflora/internal/core"
)

// TextBeltConfig configures the free provider
type TextBeltConfig struct {
	// APIKey defaults to "textbelt", the shared free key
	APIKey        string
	URL           string
	RatePerSecond float64
	Timeout       time.Duration
	Quota         QuotaPolicy
}

// TextBelt sends through textbelt.com
type TextBelt struct {
	cfg  TextBeltConfig
	http *httpClient
}

// NewTextBelt creates a TextBelt provider
func NewTextBelt(cfg TextBeltConfig) *TextBelt {
	if cfg.URL == "" {
		cfg.URL = "https://textbelt.com/text"
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "textbelt"
	}
	return &TextBelt{
		cfg:  cfg,
		http: newHTTPClient("textbelt", cfg.RatePerSecond, cfg.Timeout),
	}
}

func (t *TextBelt) ID() string           { return "textbelt" }
func (t *TextBelt) Class() ProviderClass { return ClassFreeRateLimited }
func (t *TextBelt) Quota() QuotaPolicy   { return t.cfg.Quota }
func (t *TextBelt) IsConfigured() bool   { return t.cfg.URL != "" }

type textBeltResponse struct {
	Success        bool   `json:"success"`
	TextID         string `json:"textId"`
	QuotaRemaining *int   `json:"quotaRemaining"`
	Error          string `json:"error"`
}

// Send posts one message
func (t *TextBelt) Send(ctx context.Context, to Recipient, body string) (Receipt, error) {
	form := url.Values{}
	form.Set("phone", to.Phone)
	form.Set("message", body)
	form.Set("key", t.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return Receipt{}, core.NewProviderError(t.ID(), core.KindRejected, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, data, err := t.http.do(req)
	if err != nil {
		return Receipt{}, err
	}

	var resp textBeltResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		kind := core.KindRejected
		if status >= 300 {
			kind = classifyStatus(status)
		}
		return Receipt{}, core.NewProviderError(t.ID(), kind, fmt.Errorf("status %d: unreadable response", status))
	}

	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "send failed"
		}
		return Receipt{}, core.NewProviderError(t.ID(), textBeltKind(status, resp), errors.New(msg))
	}

	return Receipt{MessageID: resp.TextID, QuotaRemaining: resp.QuotaRemaining}, nil
}

// textBeltKind classifies a failed TextBelt response. TextBelt answers 200
// with success=false, so the error text carries the reason.
func textBeltKind(status int, resp textBeltResponse) core.ErrorKind {
	msg := strings.ToLower(resp.Error)
	switch {
	case strings.Contains(msg, "quota") || (resp.QuotaRemaining != nil && *resp.QuotaRemaining <= 0):
		return core.KindQuota
	case strings.Contains(msg, "key"):
		return core.KindAuth
	case status >= 300:
		return classifyStatus(status)
	default:
		return core.KindRejected
	}
}
