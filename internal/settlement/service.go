// Package settlement drives each trade from CREATED to a terminal state:
// escrow funding, fiat payment confirmation, release, refund, disputes and
// timeouts. Every state change is a compare-and-set against the trade store,
// so replayed custodian callbacks and racing sweeps apply at most once.
package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// Config tunes settlement timing.
type Config struct {
	PaymentWindow  time.Duration // PAYMENT_PENDING deadline after funding
	FundingTimeout time.Duration // CREATED/FUNDING deadline
	RedriveAfter   time.Duration // re-send custodian requests stuck this long
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	SweepBatch     int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PaymentWindow:  30 * time.Minute,
		FundingTimeout: 15 * time.Minute,
		RedriveAfter:   2 * time.Minute,
		MaxAttempts:    5,
		BackoffBase:    time.Second,
		BackoffMax:     time.Minute,
		SweepBatch:     500,
	}
}

// Deps are the collaborators a Service needs. Audit and Sink may be nil.
type Deps struct {
	Trades    domain.TradeStore
	Escrows   domain.EscrowStore
	Disputes  domain.DisputeStore
	Audit     domain.AuditStore
	Custodian domain.Custodian
	Sink      domain.EventSink
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the trade settlement state machine.
type Service struct {
	cfg       Config
	trades    domain.TradeStore
	escrows   domain.EscrowStore
	disputes  domain.DisputeStore
	audit     domain.AuditStore
	custodian domain.Custodian
	sink      domain.EventSink
	logger    *slog.Logger
	now       func() time.Time
	locks     *keyedMutex

	// Custodian calls run outside the per-trade lock.
	ctx      context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
	inflight sync.Map
}

// New creates a settlement Service.
func New(cfg Config, deps Deps, logger *slog.Logger, opts ...Option) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		trades:    deps.Trades,
		escrows:   deps.Escrows,
		disputes:  deps.Disputes,
		audit:     deps.Audit,
		custodian: deps.Custodian,
		sink:      deps.Sink,
		logger:    logger.With(slog.String("component", "settlement")),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     newKeyedMutex(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the current state of a trade.
func (s *Service) Get(ctx context.Context, tradeID string) (domain.Trade, error) {
	return s.trades.GetByID(ctx, tradeID)
}

// Drain waits for every in-flight custodian call to finish.
func (s *Service) Drain() {
	_ = s.group.Wait()
}

// Close cancels in-flight custodian calls and waits for them.
func (s *Service) Close() {
	s.cancel()
	s.Drain()
}

// dispatch runs fn in the background unless the same key is already running.
func (s *Service) dispatch(key string, fn func(ctx context.Context)) {
	if _, busy := s.inflight.LoadOrStore(key, struct{}{}); busy {
		return
	}
	s.group.Go(func() error {
		defer s.inflight.Delete(key)
		fn(s.ctx)
		return nil
	})
}

type change struct {
	to        domain.TradeState
	reason    string
	disputeID string
	expiresAt *time.Time
}

// transition validates and applies one state change to t. The caller holds
// the trade's lock.
func (s *Service) transition(ctx context.Context, t domain.Trade, c change) (domain.Trade, error) {
	if err := checkTransition(t, c.to); err != nil {
		return t, err
	}
	now := s.now()
	updated, err := s.trades.Transition(ctx, domain.TradeTransition{
		TradeID:      t.ID,
		From:         t.State,
		To:           c.to,
		CancelReason: c.reason,
		DisputeID:    c.disputeID,
		ExpiresAt:    c.expiresAt,
		At:           now,
	})
	if err != nil {
		return t, err
	}

	s.emit(ctx, domain.SettlementTransition{
		TradeID: t.ID,
		Pair:    t.Pair,
		From:    t.State,
		To:      c.to,
		Reason:  c.reason,
		At:      now,
	})
	s.auditLog(ctx, "trade_transition", map[string]any{
		"trade_id": t.ID,
		"from":     string(t.State),
		"to":       string(c.to),
		"reason":   c.reason,
	})
	s.logger.InfoContext(ctx, "settlement: trade transition",
		slog.String("trade_id", t.ID),
		slog.String("from", string(t.State)),
		slog.String("to", string(c.to)),
		slog.String("reason", c.reason),
	)
	return updated, nil
}

func (s *Service) emit(ctx context.Context, ev domain.Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Publish(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "settlement: publish event failed",
			slog.String("kind", string(ev.Kind())),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "settlement: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) discard(ctx context.Context, what string, t domain.Trade) {
	s.logger.InfoContext(ctx, "settlement: discarding "+what,
		slog.String("trade_id", t.ID),
		slog.String("state", string(t.State)),
	)
}

func deadline(now time.Time, d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}
