package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/storage"
)

// fakeProvider answers with a fixed outcome
type fakeProvider struct {
	id        string
	class     ProviderClass
	policy    QuotaPolicy
	unusable  bool
	err       error
	remaining *int
	delay     time.Duration
	calls     atomic.Int32
}

func (f *fakeProvider) ID() string           { return f.id }
func (f *fakeProvider) Class() ProviderClass { return f.class }
func (f *fakeProvider) Quota() QuotaPolicy   { return f.policy }
func (f *fakeProvider) IsConfigured() bool   { return !f.unusable }
func (f *fakeProvider) Send(ctx context.Context, to Recipient, body string) (Receipt, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Receipt{}, f.err
	}
	return Receipt{MessageID: f.id + "-msg", QuotaRemaining: f.remaining}, nil
}

func failing(id string, kind core.ErrorKind) *fakeProvider {
	return &fakeProvider{id: id, class: ClassPaidReliable, err: core.NewProviderError(id, kind, errors.New("boom"))}
}

func ok(id string) *fakeProvider {
	return &fakeProvider{id: id, class: ClassFreeRateLimited}
}

var testRecipient = Recipient{Phone: "5551234567", Carrier: "verizon"}

func TestChain_NoProvidersSimulates(t *testing.T) {
	c := NewChain(ChainConfig{Providers: []SMSProvider{&fakeProvider{id: "off", unusable: true}}})

	res := c.Deliver(context.Background(), testRecipient, "hello")

	assert.Equal(t, core.StatusSimulated, res.Status)
	assert.Equal(t, "hello", res.Payload["message"])
	assert.Empty(t, res.Attempts)
}

func TestChain_FirstSuccessStops(t *testing.T) {
	a, b := ok("a"), ok("b")
	c := NewChain(ChainConfig{Providers: []SMSProvider{a, b}})

	res := c.Deliver(context.Background(), testRecipient, "hello")

	require.Equal(t, core.StatusSuccess, res.Status)
	assert.Equal(t, "a", res.Provider)
	assert.Equal(t, "a-msg", res.Payload["message_id"])
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, int32(0), b.calls.Load())
}

func TestChain_FallsThroughFailures(t *testing.T) {
	a := failing("a", core.KindAuth)
	b := failing("b", core.KindNetwork)
	c3 := ok("c")
	c := NewChain(ChainConfig{Providers: []SMSProvider{a, b, c3}})

	res := c.Deliver(context.Background(), testRecipient, "hello")

	require.Equal(t, core.StatusSuccess, res.Status)
	assert.Equal(t, "c", res.Provider)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, core.KindAuth, res.Attempts[0].Kind)
	assert.Equal(t, core.KindNetwork, res.Attempts[1].Kind)
	assert.Equal(t, core.OutcomeDelivered, res.Attempts[2].Outcome)
}

func TestChain_AllFail(t *testing.T) {
	c := NewChain(ChainConfig{Providers: []SMSProvider{
		failing("a", core.KindAuth),
		failing("b", core.KindRejected),
	}})

	res := c.Deliver(context.Background(), testRecipient, "hello")

	assert.Equal(t, core.StatusServiceUnavailable, res.Status)
	assert.Contains(t, res.Error, core.ErrChainExhausted.Error())
	assert.Contains(t, res.Error, "b: rejected")
	assert.Len(t, res.Attempts, 2)
	assert.False(t, res.OK())
}

func TestChain_DuplicateProvidersTriedOnce(t *testing.T) {
	a := failing("a", core.KindNetwork)
	c := NewChain(ChainConfig{Providers: []SMSProvider{a, a}})

	res := c.Deliver(context.Background(), testRecipient, "hello")

	assert.Equal(t, core.StatusServiceUnavailable, res.Status)
	assert.Equal(t, int32(1), a.calls.Load())
}

func TestChain_QuotaRefundedOnTerminalErrors(t *testing.T) {
	quota := NewMemoryQuotaStore()
	a := failing("a", core.KindAuth)
	a.policy = QuotaPolicy{Limit: 1, Window: time.Hour}
	c := NewChain(ChainConfig{Providers: []SMSProvider{a}, Quota: quota})

	c.Deliver(context.Background(), testRecipient, "one")
	c.Deliver(context.Background(), testRecipient, "two")

	assert.Equal(t, int32(2), a.calls.Load(), "auth failures must not consume the single send")
	st, err := quota.Status(context.Background(), "a", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Used)
}

func TestChain_NetworkFailureKeepsSlot(t *testing.T) {
	quota := NewMemoryQuotaStore()
	slow := ok("slow")
	slow.delay = time.Second
	slow.policy = QuotaPolicy{Limit: 1, Window: time.Hour}
	b := ok("b")
	c := NewChain(ChainConfig{Providers: []SMSProvider{slow, b}, Quota: quota, Timeout: 20 * time.Millisecond})

	res := c.Deliver(context.Background(), testRecipient, "one")
	require.Equal(t, "b", res.Provider)
	assert.Equal(t, core.KindNetwork, res.Attempts[0].Kind)

	st, err := quota.Status(context.Background(), "slow", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Used, "a timed-out send may have been delivered")

	res = c.Deliver(context.Background(), testRecipient, "two")
	require.Equal(t, "b", res.Provider)
	assert.Equal(t, int32(1), slow.calls.Load())
}

func TestChain_QuotaErrorExhausts(t *testing.T) {
	quota := NewMemoryQuotaStore()
	a := failing("a", core.KindQuota)
	a.policy = QuotaPolicy{Window: time.Hour}
	b := ok("b")
	c := NewChain(ChainConfig{Providers: []SMSProvider{a, b}, Quota: quota})

	res := c.Deliver(context.Background(), testRecipient, "one")
	require.Equal(t, "b", res.Provider)

	res = c.Deliver(context.Background(), testRecipient, "two")
	require.Equal(t, "b", res.Provider)
	assert.Equal(t, int32(1), a.calls.Load(), "exhausted provider is skipped")
	assert.Len(t, res.Attempts, 1)
}

func TestChain_ReportedZeroRemainingExhausts(t *testing.T) {
	zero := 0
	a := ok("a")
	a.remaining = &zero
	a.policy = QuotaPolicy{Limit: 10, Window: time.Hour}
	b := ok("b")
	c := NewChain(ChainConfig{Providers: []SMSProvider{a, b}})

	assert.Equal(t, "a", c.Deliver(context.Background(), testRecipient, "one").Provider)
	assert.Equal(t, "b", c.Deliver(context.Background(), testRecipient, "two").Provider)
}

func TestChain_LimitSkipsProvider(t *testing.T) {
	a := ok("a")
	a.policy = QuotaPolicy{Limit: 1, Window: 24 * time.Hour}
	b := ok("b")
	c := NewChain(ChainConfig{Providers: []SMSProvider{a, b}})

	assert.Equal(t, "a", c.Deliver(context.Background(), testRecipient, "one").Provider)
	assert.Equal(t, "b", c.Deliver(context.Background(), testRecipient, "two").Provider)
}

func TestChain_AttemptTimeoutIsNetworkFailure(t *testing.T) {
	slow := ok("slow")
	slow.delay = time.Second
	fast := ok("fast")
	c := NewChain(ChainConfig{Providers: []SMSProvider{slow, fast}, Timeout: 20 * time.Millisecond})

	res := c.Deliver(context.Background(), testRecipient, "hello")

	require.Equal(t, "fast", res.Provider)
	assert.Equal(t, core.KindNetwork, res.Attempts[0].Kind)
}

func TestChain_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := ok("a")
	c := NewChain(ChainConfig{Providers: []SMSProvider{a}})

	res := c.Deliver(ctx, testRecipient, "hello")

	assert.Equal(t, core.StatusServiceUnavailable, res.Status)
	assert.Equal(t, int32(0), a.calls.Load())
}

func TestChain_SharedQuotaAcrossConcurrentRequests(t *testing.T) {
	db, err := storage.Open(storage.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	a := ok("a")
	a.policy = QuotaPolicy{Limit: 3, Window: 24 * time.Hour}
	b := ok("b")
	c := NewChain(ChainConfig{Providers: []SMSProvider{a, b}, Quota: storage.NewQuotaStore(db)})

	var wg sync.WaitGroup
	var viaA atomic.Int32
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Deliver(context.Background(), testRecipient, "hi").Provider == "a" {
				viaA.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), viaA.Load())
	assert.Equal(t, int32(3), a.calls.Load())
}

func TestChain_Status(t *testing.T) {
	a := ok("a")
	a.policy = QuotaPolicy{Limit: 2, Window: time.Hour}
	b := ok("b")
	c := NewChain(ChainConfig{Providers: []SMSProvider{a, b}})
	c.Deliver(context.Background(), testRecipient, "one")

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, st, 2)
	assert.Equal(t, "a", st[0].ID)
	assert.Equal(t, 1, st[0].Remaining)
	assert.Equal(t, -1, st[1].Remaining)
}

// =============================================================================
// Properties
// =============================================================================

var outcomeKinds = []core.ErrorKind{"", core.KindAuth, core.KindQuota, core.KindNetwork, core.KindRejected}

func buildProviders(outcomes []int) []*fakeProvider {
	ps := make([]*fakeProvider, len(outcomes))
	for i, o := range outcomes {
		id := fmt.Sprintf("p%d", i)
		if kind := outcomeKinds[o]; kind != "" {
			ps[i] = failing(id, kind)
		} else {
			ps[i] = ok(id)
		}
		ps[i].policy = QuotaPolicy{Limit: 5, Window: time.Hour}
	}
	return ps
}

func TestChain_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	outcomes := gen.SliceOf(gen.IntRange(0, len(outcomeKinds)-1))

	properties.Property("stops at the first success and never revisits a provider", prop.ForAll(
		func(out []int) bool {
			ps := buildProviders(out)
			list := make([]SMSProvider, len(ps))
			for i, p := range ps {
				list[i] = p
			}
			res := NewChain(ChainConfig{Providers: list}).Deliver(context.Background(), testRecipient, "m")

			if len(ps) == 0 {
				return res.Status == core.StatusSimulated
			}

			firstOK := -1
			for i, o := range out {
				if o == 0 {
					firstOK = i
					break
				}
			}

			seen := map[string]bool{}
			for _, a := range res.Attempts {
				if seen[a.ProviderID] {
					return false
				}
				seen[a.ProviderID] = true
			}
			for i, p := range ps {
				want := int32(0)
				if firstOK == -1 || i <= firstOK {
					want = 1
				}
				if p.calls.Load() != want {
					return false
				}
			}
			if firstOK == -1 {
				return res.Status == core.StatusServiceUnavailable && len(res.Attempts) == len(ps)
			}
			return res.Status == core.StatusSuccess &&
				res.Provider == ps[firstOK].id &&
				len(res.Attempts) == firstOK+1
		},
		outcomes,
	))

	properties.Property("deliveries and unconfirmed sends spend quota; quota errors exhaust", prop.ForAll(
		func(out []int) bool {
			quota := NewMemoryQuotaStore()
			ps := buildProviders(out)
			list := make([]SMSProvider, len(ps))
			for i, p := range ps {
				list[i] = p
			}
			NewChain(ChainConfig{Providers: list, Quota: quota}).Deliver(context.Background(), testRecipient, "m")

			for i, p := range ps {
				st, _ := quota.Status(context.Background(), p.id, 5, time.Hour)
				called := p.calls.Load() == 1
				switch {
				case !called:
					if st.Used != 0 || st.Exhausted {
						return false
					}
				case out[i] == 0:
					if st.Used != 1 {
						return false
					}
				case outcomeKinds[out[i]] == core.KindQuota:
					if !st.Exhausted {
						return false
					}
				case outcomeKinds[out[i]] == core.KindNetwork:
					if st.Used != 1 || st.Exhausted {
						return false
					}
				default:
					if st.Used != 0 || st.Exhausted {
						return false
					}
				}
			}
			return true
		},
		outcomes,
	))

	properties.TestingRun(t)
}
