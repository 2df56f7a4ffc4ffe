package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
	"github.com/alanyoungcy/p2pmatch/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeCustodian struct {
	mu           sync.Mutex
	fundErr      error
	fundFailures int
	funding      []string
	releases     []string
	refunds      []string
}

func (f *fakeCustodian) RequestFunding(_ context.Context, tradeID string, _ decimal.Decimal, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funding = append(f.funding, tradeID)
	if f.fundErr != nil {
		return "", f.fundErr
	}
	if f.fundFailures > 0 {
		f.fundFailures--
		return "", errors.New("custodian unavailable")
	}
	return "custody-" + tradeID, nil
}

func (f *fakeCustodian) RequestRelease(_ context.Context, tradeID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, tradeID)
	return nil
}

func (f *fakeCustodian) RequestRefund(_ context.Context, tradeID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, tradeID)
	return nil
}

func (f *fakeCustodian) counts() (funding, releases, refunds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.funding), len(f.releases), len(f.refunds)
}

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureSink) Publish(_ context.Context, ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) transitionsTo(state domain.TradeState) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if tr, ok := ev.(domain.SettlementTransition); ok && tr.To == state {
			n++
		}
	}
	return n
}

type harness struct {
	db        *memory.DB
	svc       *Service
	custodian *fakeCustodian
	sink      *captureSink
	clock     *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:        memory.New(),
		custodian: &fakeCustodian{},
		sink:      &captureSink{},
		clock:     &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond

	h.svc = New(cfg, Deps{
		Trades:    h.db.Trades(),
		Escrows:   h.db.Escrows(),
		Disputes:  h.db.Disputes(),
		Audit:     h.db.Audit(),
		Custodian: h.custodian,
		Sink:      h.sink,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(h.clock.Now))
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) seedTrade(t *testing.T, id string) domain.Trade {
	t.Helper()
	now := h.clock.Now()
	tr := domain.Trade{
		ID:          id,
		Pair:        "USDT-NGN",
		BuyOrderID:  "buy-" + id,
		SellOrderID: "sell-" + id,
		BuyerID:     "buyer",
		SellerID:    "seller",
		Amount:      decimal.NewFromInt(10),
		Price:       decimal.NewFromInt(1500),
		FiatAmount:  decimal.NewFromInt(15000),
		State:       domain.TradeStateCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, h.db.Trades().Create(context.Background(), tr))
	return tr
}

// fund drives a seeded trade to PAYMENT_PENDING.
func (h *harness) fund(t *testing.T, tr domain.Trade) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.svc.Create(ctx, tr))
	h.svc.Drain()
	applied, err := h.svc.OnFundingConfirmed(ctx, tr.ID, "custody-"+tr.ID, "0xfund")
	require.NoError(t, err)
	require.True(t, applied)
}

func (h *harness) state(t *testing.T, id string) domain.Trade {
	t.Helper()
	tr, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func TestSettlement_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := h.seedTrade(t, "t1")

	require.NoError(t, h.svc.Create(ctx, tr))
	h.svc.Drain()
	assert.Equal(t, domain.TradeStateFunding, h.state(t, "t1").State)

	rec, err := h.db.Escrows().Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusFundingRequested, rec.Status)
	assert.Equal(t, "custody-t1", rec.CustodyRef)
	assert.Equal(t, "USDT", rec.Asset)

	applied, err := h.svc.OnFundingConfirmed(ctx, "t1", "custody-t1", "0xfund")
	require.NoError(t, err)
	assert.True(t, applied)
	pending := h.state(t, "t1")
	assert.Equal(t, domain.TradeStatePaymentPending, pending.State)
	require.NotNil(t, pending.ExpiresAt)
	assert.Equal(t, h.clock.Now().Add(DefaultConfig().PaymentWindow), *pending.ExpiresAt)

	_, err = h.svc.ConfirmPayment(ctx, "t1", "seller")
	require.NoError(t, err)
	h.svc.Drain()
	assert.Equal(t, domain.TradeStatePaymentConfirmed, h.state(t, "t1").State)
	_, releases, _ := h.custodian.counts()
	assert.Equal(t, 1, releases)

	applied, err = h.svc.OnReleaseConfirmed(ctx, "t1", "0xrelease")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.TradeStateReleased, h.state(t, "t1").State)

	rec, err = h.db.Escrows().Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusReleased, rec.Status)
	assert.Equal(t, "0xfund", rec.FundTxRef)
	assert.Equal(t, "0xrelease", rec.ReleaseTxRef)
}

func TestOnFundingConfirmed_DuplicateIsDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := h.seedTrade(t, "t1")
	h.fund(t, tr)

	applied, err := h.svc.OnFundingConfirmed(ctx, "t1", "custody-t1", "0xfund")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.TradeStatePaymentPending, h.state(t, "t1").State)
	assert.Equal(t, 1, h.sink.transitionsTo(domain.TradeStatePaymentPending))
}

func TestOnReleaseConfirmed_DuplicateIsDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := h.seedTrade(t, "t1")
	h.fund(t, tr)
	_, err := h.svc.ConfirmPayment(ctx, "t1", "seller")
	require.NoError(t, err)

	for i, want := range []bool{true, false, false} {
		applied, err := h.svc.OnReleaseConfirmed(ctx, "t1", "0xrelease")
		require.NoError(t, err)
		assert.Equal(t, want, applied, "callback %d", i)
	}
	assert.Equal(t, 1, h.sink.transitionsTo(domain.TradeStateReleased))
}

func TestFundingCallbackBeforeAcknowledgment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTrade(t, "t1")

	applied, err := h.svc.OnFundingConfirmed(ctx, "t1", "custody-t1", "0xfund")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.TradeStatePaymentPending, h.state(t, "t1").State)

	rec, err := h.db.Escrows().Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusFunded, rec.Status)
}

func TestConfirmPayment_OnlySeller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := h.seedTrade(t, "t1")
	h.fund(t, tr)

	for _, who := range []string{"buyer", "stranger"} {
		_, err := h.svc.ConfirmPayment(ctx, "t1", who)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.Equal(t, domain.CodeInvalidTransition, domain.CodeOf(err))
	}
	assert.Equal(t, domain.TradeStatePaymentPending, h.state(t, "t1").State)
}

func TestConfirmPayment_WrongState(t *testing.T) {
	h := newHarness(t)
	h.seedTrade(t, "t1")

	_, err := h.svc.ConfirmPayment(context.Background(), "t1", "seller")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.TradeStateCreated, h.state(t, "t1").State)
}

func TestTerminalStateRejectsTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := h.seedTrade(t, "t1")
	h.fund(t, tr)
	_, err := h.svc.ConfirmPayment(ctx, "t1", "seller")
	require.NoError(t, err)
	_, err = h.svc.OnReleaseConfirmed(ctx, "t1", "0xrelease")
	require.NoError(t, err)
	require.Equal(t, domain.TradeStateReleased, h.state(t, "t1").State)

	_, err = h.svc.ConfirmPayment(ctx, "t1", "seller")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.svc.OpenDispute(ctx, "t1", "buyer", "never received crypto")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.CodeInvalidTransition, domain.CodeOf(err))

	_, err = h.svc.OnExpiry(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.svc.ResolveDispute(ctx, "t1", domain.DisputeOutcomeRefund, "arbiter", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.Equal(t, domain.TradeStateReleased, h.state(t, "t1").State)
}

func TestExpiry_CancelsWithSingleRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := h.seedTrade(t, "t1")
	h.fund(t, tr)

	_, err := h.svc.OnExpiry(ctx, "t1")
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "deadline not reached yet")

	h.clock.Advance(DefaultConfig().PaymentWindow + time.Second)
	require.NoError(t, h.svc.Sweep(ctx, h.clock.Now()))
	require.NoError(t, h.svc.Sweep(ctx, h.clock.Now()))
	_, err = h.svc.OnExpiry(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	h.svc.Drain()

	got := h.state(t, "t1")
	assert.Equal(t, domain.TradeStateCancelled, got.State)
	assert.Equal(t, domain.CancelReasonPaymentTimeout, got.CancelReason)

	_, _, refunds := h.custodian.counts()
	assert.Equal(t, 1, refunds)

	rec, err := h.db.Escrows().Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusRefundRequested, rec.Status)

	applied, err := h.svc.OnRefundConfirmed(ctx, "t1", "0xrefund")
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = h.svc.OnRefundConfirmed(ctx, "t1", "0xrefund")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestCustodyRejected_CancelsTrade(t *testing.T) {
	h := newHarness(t)
	h.custodian.fundErr = fmt.Errorf("%w: seller balance too low", domain.ErrCustodyRejected)
	tr := h.seedTrade(t, "t1")

	require.NoError(t, h.svc.Create(context.Background(), tr))
	h.svc.Drain()

	got := h.state(t, "t1")
	assert.Equal(t, domain.TradeStateCancelled, got.State)
	assert.Equal(t, domain.CancelReasonCustodyRejected, got.CancelReason)
	funding, _, _ := h.custodian.counts()
	assert.Equal(t, 1, funding, "rejections are not retried")
}

func TestFunding_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.custodian.fundFailures = 2
	tr := h.seedTrade(t, "t1")

	require.NoError(t, h.svc.Create(context.Background(), tr))
	h.svc.Drain()

	assert.Equal(t, domain.TradeStateFunding, h.state(t, "t1").State)
	funding, _, _ := h.custodian.counts()
	assert.Equal(t, 3, funding)
}

func TestFunding_UnacknowledgedTradeIsCancelledAtDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.custodian.fundFailures = 1000
	tr := h.seedTrade(t, "t1")

	require.NoError(t, h.svc.Create(ctx, tr))
	h.svc.Drain()
	assert.Equal(t, domain.TradeStateCreated, h.state(t, "t1").State)

	h.clock.Advance(DefaultConfig().FundingTimeout)
	require.NoError(t, h.svc.Sweep(ctx, h.clock.Now()))

	got := h.state(t, "t1")
	assert.Equal(t, domain.TradeStateCancelled, got.State)
	assert.Equal(t, domain.CancelReasonCustodyUnavailable, got.CancelReason)
}

func TestLateFundingAfterExpiryIsRefundedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := h.seedTrade(t, "t1")
	require.NoError(t, h.svc.Create(ctx, tr))
	h.svc.Drain()

	h.clock.Advance(DefaultConfig().FundingTimeout + time.Second)
	require.NoError(t, h.svc.Sweep(ctx, h.clock.Now()))
	require.Equal(t, domain.TradeStateExpired, h.state(t, "t1").State)

	applied, err := h.svc.OnFundingConfirmed(ctx, "t1", "custody-t1", "0xlate")
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = h.svc.OnFundingConfirmed(ctx, "t1", "custody-t1", "0xlate")
	require.NoError(t, err)
	assert.False(t, applied)
	h.svc.Drain()

	assert.Equal(t, domain.TradeStateExpired, h.state(t, "t1").State)
	_, _, refunds := h.custodian.counts()
	assert.Equal(t, 1, refunds)
}

func TestDispute_SuspendsExpiryAndRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := h.seedTrade(t, "t1")
	h.fund(t, tr)

	d, err := h.svc.OpenDispute(ctx, "t1", "buyer", "seller unresponsive")
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeStatusOpen, d.Status)

	disputed := h.state(t, "t1")
	assert.Equal(t, domain.TradeStateDisputed, disputed.State)
	assert.Equal(t, d.ID, disputed.DisputeID)
	assert.Nil(t, disputed.ExpiresAt)

	h.clock.Advance(DefaultConfig().PaymentWindow * 2)
	require.NoError(t, h.svc.Sweep(ctx, h.clock.Now()))
	assert.Equal(t, domain.TradeStateDisputed, h.state(t, "t1").State)

	require.NoError(t, h.svc.UpdateDisputeStatus(ctx, d.ID, domain.DisputeStatusInvestigating))

	got, err := h.svc.ResolveDispute(ctx, "t1", domain.DisputeOutcomeRefund, "arbiter-1", "no proof of payment")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStateCancelled, got.State)
	assert.Equal(t, domain.CancelReasonDisputeRefund, got.CancelReason)
	h.svc.Drain()

	_, releases, refunds := h.custodian.counts()
	assert.Equal(t, 0, releases)
	assert.Equal(t, 1, refunds)

	resolved, err := h.db.Disputes().GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeStatusResolved, resolved.Status)
	assert.Equal(t, domain.DisputeOutcomeRefund, resolved.Outcome)
	assert.Equal(t, "arbiter-1", resolved.ResolverID)
}

func TestDispute_ResolveRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := h.seedTrade(t, "t1")
	h.fund(t, tr)

	_, err := h.svc.OpenDispute(ctx, "t1", "seller", "payment reversed")
	require.NoError(t, err)

	got, err := h.svc.ResolveDispute(ctx, "t1", domain.DisputeOutcomeRelease, "arbiter-1", "payment verified")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStateReleased, got.State)
	h.svc.Drain()

	_, releases, _ := h.custodian.counts()
	assert.Equal(t, 1, releases)

	applied, err := h.svc.OnReleaseConfirmed(ctx, "t1", "0xrelease")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, h.sink.transitionsTo(domain.TradeStateReleased))
}

func TestOpenDispute_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTrade(t, "t1")

	_, err := h.svc.OpenDispute(ctx, "t1", "buyer", "too early")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "CREATED is not disputable")

	_, err = h.svc.OpenDispute(ctx, "t1", "stranger", "not mine")
	assert.ErrorIs(t, err, domain.ErrNotCounterparty)

	_, err = h.svc.OpenDispute(ctx, "missing", "buyer", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// disputeRaceTrades loses every move into DISPUTED, as if another process
// changed the trade between the read and the compare-and-set.
type disputeRaceTrades struct {
	domain.TradeStore
}

func (r disputeRaceTrades) Transition(ctx context.Context, tr domain.TradeTransition) (domain.Trade, error) {
	if tr.To == domain.TradeStateDisputed {
		return domain.Trade{}, fmt.Errorf("race: %w", domain.ErrInvalidTransition)
	}
	return r.TradeStore.Transition(ctx, tr)
}

type resolveFailDisputes struct {
	domain.DisputeStore
}

func (resolveFailDisputes) Resolve(context.Context, string, domain.DisputeOutcome, string, string, time.Time) error {
	return errors.New("db down")
}

func TestOpenDispute_LostRaceVoidsDispute(t *testing.T) {
	tests := []struct {
		name        string
		failResolve bool
		wantLog     bool
		wantActive  bool
	}{
		{name: "void recorded", failResolve: false, wantLog: false, wantActive: false},
		{name: "void fails", failResolve: true, wantLog: true, wantActive: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			tr := h.seedTrade(t, "t1")
			h.fund(t, tr)

			var disputes domain.DisputeStore = h.db.Disputes()
			if tt.failResolve {
				disputes = resolveFailDisputes{DisputeStore: disputes}
			}
			var logs bytes.Buffer
			svc := New(DefaultConfig(), Deps{
				Trades:    disputeRaceTrades{TradeStore: h.db.Trades()},
				Escrows:   h.db.Escrows(),
				Disputes:  disputes,
				Audit:     h.db.Audit(),
				Custodian: h.custodian,
				Sink:      h.sink,
			}, slog.New(slog.NewJSONHandler(&logs, nil)), WithClock(h.clock.Now))
			t.Cleanup(svc.Close)

			_, err := svc.OpenDispute(ctx, "t1", "buyer", "no payment")
			require.ErrorIs(t, err, domain.ErrInvalidTransition)
			assert.Equal(t, domain.TradeStatePaymentPending, h.state(t, "t1").State)

			_, err = h.db.Disputes().GetActiveByTrade(ctx, "t1")
			if tt.wantActive {
				assert.NoError(t, err, "dispute row stays open when the void cannot be written")
			} else {
				assert.ErrorIs(t, err, domain.ErrNotFound)
			}

			if tt.wantLog {
				assert.Contains(t, logs.String(), `"level":"ERROR"`)
				assert.Contains(t, logs.String(), "settlement: void dispute failed")
				assert.Contains(t, logs.String(), "db down")
			} else {
				assert.NotContains(t, logs.String(), "void dispute failed")
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.TradeState
		want     bool
	}{
		{domain.TradeStateCreated, domain.TradeStateFunding, true},
		{domain.TradeStateCreated, domain.TradeStatePaymentPending, false},
		{domain.TradeStateFunding, domain.TradeStatePaymentPending, true},
		{domain.TradeStatePaymentPending, domain.TradeStateDisputed, true},
		{domain.TradeStatePaymentConfirmed, domain.TradeStateDisputed, true},
		{domain.TradeStatePaymentConfirmed, domain.TradeStateCancelled, false},
		{domain.TradeStateDisputed, domain.TradeStateReleased, true},
		{domain.TradeStateReleased, domain.TradeStateDisputed, false},
		{domain.TradeStateCancelled, domain.TradeStateFunding, false},
		{domain.TradeStateExpired, domain.TradeStatePaymentPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, time.Minute
	assert.Equal(t, time.Second, backoff(0, base, max))
	assert.Equal(t, 4*time.Second, backoff(2, base, max))
	assert.Equal(t, time.Minute, backoff(10, base, max))
	assert.Equal(t, time.Minute, backoff(40, base, max))
	assert.Equal(t, time.Second, backoff(-1, base, max))
}
