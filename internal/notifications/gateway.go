package notifications

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mindflora/mindflora/internal/core"
)

// CarrierDomains maps carriers to their email-to-SMS gateway domains
var CarrierDomains = map[string]string{
	"verizon": "vtext.com",
	"att":     "txt.att.net",
	"tmobile": "tmomail.net",
	"sprint":  "messaging.sprintpcs.com",
}

// Carriers lists the supported carriers
func Carriers() []string {
	out := make([]string, 0, len(CarrierDomains))
	for c := range CarrierDomains {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// NotificationMailer sends a plain-text email; email.Sender implements it.
type NotificationMailer interface {
	SendNotification(ctx context.Context, to, subject, body string) error
	IsConfigured() bool
}

// GatewayConfig configures carrier gateway delivery
type GatewayConfig struct {
	DefaultCarrier string
	Quota          QuotaPolicy
}

// Gateway delivers SMS as email to the carrier's gateway address
type Gateway struct {
	cfg    GatewayConfig
	mailer NotificationMailer
}

// NewGateway creates a gateway provider
func NewGateway(cfg GatewayConfig, mailer NotificationMailer) *Gateway {
	return &Gateway{cfg: cfg, mailer: mailer}
}

func (g *Gateway) ID() string           { return "email_gateway" }
func (g *Gateway) Class() ProviderClass { return ClassGateway }
func (g *Gateway) Quota() QuotaPolicy   { return g.cfg.Quota }
func (g *Gateway) IsConfigured() bool {
	return g.mailer != nil && g.mailer.IsConfigured()
}

// Address returns the gateway address for a recipient
func (g *Gateway) Address(to Recipient) (string, error) {
	carrier := strings.ToLower(strings.TrimSpace(to.Carrier))
	if carrier == "" {
		carrier = g.cfg.DefaultCarrier
	}
	domain, ok := CarrierDomains[carrier]
	if !ok {
		return "", fmt.Errorf("unknown carrier %q", carrier)
	}
	phone := strings.TrimPrefix(to.Phone, "+1")
	if len(phone) == 11 && strings.HasPrefix(phone, "1") {
		phone = phone[1:]
	}
	return phone + "@" + domain, nil
}

// Send mails the body to the carrier gateway
func (g *Gateway) Send(ctx context.Context, to Recipient, body string) (Receipt, error) {
	if !g.IsConfigured() {
		return Receipt{}, core.NewProviderError(g.ID(), core.KindAuth, core.ErrNotConfigured)
	}
	addr, err := g.Address(to)
	if err != nil {
		return Receipt{}, core.NewProviderError(g.ID(), core.KindRejected, err)
	}

	if err := g.mailer.SendNotification(ctx, addr, "MindFlora", body); err != nil {
		return Receipt{}, core.NewProviderError(g.ID(), mailKind(err), err)
	}
	return Receipt{MessageID: addr}, nil
}

// mailKind classifies a mailer failure
func mailKind(err error) core.ErrorKind {
	if strings.Contains(err.Error(), "authentication failed") {
		return core.KindAuth
	}
	if strings.Contains(err.Error(), "RCPT TO failed") {
		return core.KindRejected
	}
	if errors.Is(err, core.ErrNotConfigured) {
		return core.KindAuth
	}
	return classify(err)
}
