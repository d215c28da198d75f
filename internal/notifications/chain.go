package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/logging"
)

const instrumentation = "github.com/mindflora/mindflora/internal/notifications"

// Chain tries SMS providers in order until one delivers
type Chain struct {
	providers []SMSProvider
	quota     QuotaStore
	timeout   time.Duration
	now       func() time.Time

	tracer   trace.Tracer
	attempts metric.Int64Counter
	skips    metric.Int64Counter
}

// ChainConfig configures a chain
type ChainConfig struct {
	// Providers in the order they are tried. Unconfigured ones are dropped.
	Providers []SMSProvider
	Quota     QuotaStore
	// Timeout bounds each provider attempt
	Timeout time.Duration
}

// NewChain creates a fallback chain
func NewChain(cfg ChainConfig) *Chain {
	if cfg.Quota == nil {
		cfg.Quota = NewMemoryQuotaStore()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := &Chain{
		quota:   cfg.Quota,
		timeout: cfg.Timeout,
		now:     time.Now,
		tracer:  otel.Tracer(instrumentation),
	}
	seen := make(map[string]bool)
	for _, p := range cfg.Providers {
		if p == nil || !p.IsConfigured() || seen[p.ID()] {
			continue
		}
		seen[p.ID()] = true
		c.providers = append(c.providers, p)
	}

	meter := otel.Meter(instrumentation)
	var err error
	if c.attempts, err = meter.Int64Counter("mindflora.sms.attempts",
		metric.WithDescription("SMS provider attempts by outcome")); err != nil {
		logging.Warn("sms attempts counter: %v", err)
	}
	if c.skips, err = meter.Int64Counter("mindflora.sms.quota_skips",
		metric.WithDescription("Providers skipped for exhausted quota")); err != nil {
		logging.Warn("sms skips counter: %v", err)
	}
	return c
}

// Providers returns the usable providers in order
func (c *Chain) Providers() []SMSProvider {
	return append([]SMSProvider(nil), c.providers...)
}

// Deliver sends body to the recipient through the first provider that
// accepts it. Each provider is tried at most once. With no providers the
// result is simulated.
func (c *Chain) Deliver(ctx context.Context, to Recipient, body string) core.ToolActionResult {
	if len(c.providers) == 0 {
		return core.Simulated(map[string]any{"to": to.Phone, "message": body})
	}

	ctx, span := c.tracer.Start(ctx, "notifications.deliver",
		trace.WithAttributes(attribute.Int("providers", len(c.providers))))
	defer span.End()

	var attempts []core.DeliveryAttempt
	var lastErr error

	for _, p := range c.providers {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		pol := policy(p)
		ok, err := c.quota.Reserve(ctx, p.ID(), pol.Limit, pol.Window)
		if err != nil {
			logging.WithField("provider", p.ID()).Warn("quota reserve failed: %v", err)
			lastErr = fmt.Errorf("%s: quota store: %w", p.ID(), err)
			continue
		}
		if !ok {
			c.count(ctx, c.skips, p.ID(), "skipped")
			logging.WithField("provider", p.ID()).Debug("quota exhausted, skipping")
			if lastErr == nil {
				lastErr = core.NewProviderError(p.ID(), core.KindQuota, nil)
			}
			continue
		}

		receipt, err := c.attempt(ctx, p, to, body)
		if err == nil {
			attempts = append(attempts, core.DeliveryAttempt{ProviderID: p.ID(), Outcome: core.OutcomeDelivered, At: c.now()})
			c.count(ctx, c.attempts, p.ID(), string(core.OutcomeDelivered))
			if receipt.QuotaRemaining != nil && *receipt.QuotaRemaining <= 0 {
				c.settle(p, c.quota.Exhaust(context.WithoutCancel(ctx), p.ID(), pol.Window))
			}

			span.SetAttributes(attribute.String("provider", p.ID()))
			span.SetStatus(codes.Ok, "delivered")

			payload := map[string]any{
				"to":      to.Phone,
				"message": body,
				"class":   string(p.Class()),
			}
			if receipt.MessageID != "" {
				payload["message_id"] = receipt.MessageID
			}
			res := core.Succeeded(p.ID(), payload)
			res.Attempts = attempts
			return res
		}

		// quota bookkeeping must land even if the caller went away
		qctx := context.WithoutCancel(ctx)
		kind := classify(err)
		switch kind {
		case core.KindQuota:
			c.settle(p, c.quota.Exhaust(qctx, p.ID(), pol.Window))
		case core.KindAuth, core.KindRejected:
			// the send was refused, it did not spend budget
			c.settle(p, c.quota.Release(qctx, p.ID(), pol.Window))
		default:
			// a timed-out or dropped send may still have gone out, so the
			// slot stays spent
		}

		var pe *core.ProviderError
		if !errors.As(err, &pe) {
			err = core.NewProviderError(p.ID(), kind, err)
		}
		attempts = append(attempts, core.DeliveryAttempt{
			ProviderID: p.ID(),
			Outcome:    core.OutcomeFailed,
			Kind:       kind,
			Error:      err.Error(),
			At:         c.now(),
		})
		c.count(ctx, c.attempts, p.ID(), string(core.OutcomeFailed))
		logging.WithFields(map[string]interface{}{
			"provider": p.ID(),
			"kind":     kind,
		}).Warn("sms attempt failed: %v", err)
		lastErr = err
	}

	err := fmt.Errorf("%w: %v", core.ErrChainExhausted, lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, "all providers failed")
	return core.Unavailable(err, attempts)
}

// attempt runs one provider call under the per-attempt timeout
func (c *Chain) attempt(ctx context.Context, p SMSProvider, to Recipient, body string) (Receipt, error) {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, span := c.tracer.Start(actx, "notifications.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", p.ID()),
			attribute.String("class", string(p.Class())),
		))
	defer span.End()

	receipt, err := p.Send(actx, to, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
	}
	return receipt, err
}

// policy returns the provider's quota policy with a daily window by default
func policy(p SMSProvider) QuotaPolicy {
	pol := p.Quota()
	if pol.Window <= 0 {
		pol.Window = 24 * time.Hour
	}
	return pol
}

func (c *Chain) settle(p SMSProvider, err error) {
	if err != nil {
		logging.WithField("provider", p.ID()).Warn("quota update failed: %v", err)
	}
}

func (c *Chain) count(ctx context.Context, counter metric.Int64Counter, provider, outcome string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

// Status reports each provider's quota in chain order
func (c *Chain) Status(ctx context.Context) ([]ProviderStatus, error) {
	out := make([]ProviderStatus, 0, len(c.providers))
	for _, p := range c.providers {
		pol := policy(p)
		q, err := c.quota.Status(ctx, p.ID(), pol.Limit, pol.Window)
		if err != nil {
			return nil, err
		}
		out = append(out, ProviderStatus{
			ID:        p.ID(),
			Class:     p.Class(),
			Quota:     q,
			Remaining: q.Remaining(),
		})
	}
	return out, nil
}

// ProviderStatus is one row of the provider status report
type ProviderStatus struct {
	ID        string           `json:"id"`
	Class     ProviderClass    `json:"class"`
	Quota     core.QuotaStatus `json:"quota"`
	Remaining int              `json:"remaining"`
}
