package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mindflora/mindflora/internal/core"
)

// TwilioConfig configures the paid provider
type TwilioConfig struct {
	AccountSID    string
	AuthToken     string
	FromNumber    string
	BaseURL       string
	RatePerSecond float64
	Timeout       time.Duration
	Quota         QuotaPolicy
}

// Twilio sends through the Twilio Messages REST API
type Twilio struct {
	cfg  TwilioConfig
	http *httpClient
}

// NewTwilio creates a Twilio provider
func NewTwilio(cfg TwilioConfig) *Twilio {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	return &Twilio{
		cfg:  cfg,
		http: newHTTPClient("twilio", cfg.RatePerSecond, cfg.Timeout),
	}
}

func (t *Twilio) ID() string           { return "twilio" }
func (t *Twilio) Class() ProviderClass { return ClassPaidReliable }
func (t *Twilio) Quota() QuotaPolicy   { return t.cfg.Quota }
func (t *Twilio) IsConfigured() bool {
	return t.cfg.AccountSID != "" && t.cfg.AuthToken != "" && t.cfg.FromNumber != ""
}

type twilioResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts one message
func (t *Twilio) Send(ctx context.Context, to Recipient, body string) (Receipt, error) {
	form := url.Values{}
	form.Set("To", to.E164())
	form.Set("From", t.cfg.FromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(t.cfg.BaseURL, "/"), url.PathEscape(t.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Receipt{}, core.NewProviderError(t.ID(), core.KindRejected, err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	status, data, err := t.http.do(req)
	if err != nil {
		return Receipt{}, err
	}

	var resp twilioResponse
	_ = json.Unmarshal(data, &resp)

	if status < 200 || status >= 300 {
		msg := resp.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		return Receipt{}, core.NewProviderError(t.ID(), classifyStatus(status),
			fmt.Errorf("status %d code %d: %s", status, resp.Code, msg))
	}
	if resp.Status == "failed" || resp.Status == "undelivered" {
		return Receipt{}, core.NewProviderError(t.ID(), core.KindRejected, fmt.Errorf("message %s", resp.Status))
	}

	return Receipt{MessageID: resp.SID}, nil
}
