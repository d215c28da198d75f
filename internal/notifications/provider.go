package notifications

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mindflora/mindflora/internal/core"
)

// ProviderClass groups SMS providers by cost and reliability
type ProviderClass string

const (
	ClassPaidReliable    ProviderClass = "paid_reliable"
	ClassFreeRateLimited ProviderClass = "free_rate_limited"
	ClassGateway         ProviderClass = "gateway"
)

// Recipient is where an SMS goes. Phone is a normalised 10-digit US number.
type Recipient struct {
	Phone   string
	Carrier string
}

// E164 returns the phone in +1XXXXXXXXXX form
func (r Recipient) E164() string {
	if strings.HasPrefix(r.Phone, "+") {
		return r.Phone
	}
	if len(r.Phone) == 11 && strings.HasPrefix(r.Phone, "1") {
		return "+" + r.Phone
	}
	return "+1" + r.Phone
}

// QuotaPolicy is a provider's send budget. Limit 0 means unlimited.
type QuotaPolicy struct {
	Limit  int
	Window time.Duration
}

// Receipt is what a provider reports back on success
type Receipt struct {
	MessageID string
	// QuotaRemaining is set when the provider reports its remaining budget
	QuotaRemaining *int
}

// SMSProvider delivers one message. Send returns a *core.ProviderError on
// failure so the chain can classify it.
type SMSProvider interface {
	ID() string
	Class() ProviderClass
	Quota() QuotaPolicy
	IsConfigured() bool
	Send(ctx context.Context, to Recipient, body string) (Receipt, error)
}

// httpClient is the throttled HTTP transport shared by REST providers
type httpClient struct {
	provider string
	client   *http.Client
	limiter  *rate.Limiter
}

func newHTTPClient(provider string, perSecond float64, timeout time.Duration) *httpClient {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &httpClient{
		provider: provider,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// do waits for the limiter, sends the request and returns the body.
// Transport failures are network errors; status codes are classified by
// classifyStatus.
func (h *httpClient) do(req *http.Request) (int, []byte, error) {
	if err := h.limiter.Wait(req.Context()); err != nil {
		return 0, nil, core.NewProviderError(h.provider, core.KindNetwork, err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, core.NewProviderError(h.provider, core.KindNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, core.NewProviderError(h.provider, core.KindNetwork, fmt.Errorf("read response: %w", err))
	}
	return resp.StatusCode, body, nil
}

// classifyStatus maps an HTTP status to a failure kind
func classifyStatus(status int) core.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.KindAuth
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		return core.KindQuota
	case status >= 500:
		return core.KindNetwork
	default:
		return core.KindRejected
	}
}

// classify returns the kind of a provider failure. Errors that did not come
// from a provider are treated as network failures when they look like
// timeouts and as rejections otherwise.
func classify(err error) core.ErrorKind {
	var pe *core.ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return core.KindNetwork
	}
	return core.KindRejected
}
