package matching

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// TriggerResult tells the caller what happened to a trigger.
type TriggerResult string

const (
	TriggerAccepted  TriggerResult = "ACCEPTED"
	TriggerCoalesced TriggerResult = "COALESCED"
	TriggerDropped   TriggerResult = "DROPPED"
)

// Sweeper is run on every scheduler tick.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) error
}

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	Workers       int
	SweepInterval time.Duration
	QueueSize     int
}

// Scheduler turns triggers into matching passes. A pair is queued at most
// once; triggers that arrive while it is queued or running are coalesced
// into a single follow-up pass.
type Scheduler struct {
	cfg      SchedulerConfig
	engine   *Engine
	sweepers []Sweeper
	logger   *slog.Logger
	now      func() time.Time

	queue chan domain.Pair
	done  chan struct{}
}

// NewScheduler creates a scheduler and installs it as the engine's trigger.
// The engine itself is always swept first.
func NewScheduler(cfg SchedulerConfig, engine *Engine, logger *slog.Logger, sweepers ...Sweeper) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	s := &Scheduler{
		cfg:      cfg,
		engine:   engine,
		sweepers: append([]Sweeper{engine}, sweepers...),
		logger:   logger.With(slog.String("component", "scheduler")),
		now:      engine.now,
		queue:    make(chan domain.Pair, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	engine.SetTrigger(func(p domain.Pair) { _, _ = s.Trigger(p) })
	return s
}

// Trigger requests a matching pass for pair.
func (s *Scheduler) Trigger(pair domain.Pair) (TriggerResult, error) {
	ps, err := s.engine.lookup(pair)
	if err != nil {
		return "", err
	}

	ps.schedMu.Lock()
	switch ps.sched {
	case schedQueued:
		ps.schedMu.Unlock()
		s.engine.metrics.coalesced.Add(1)
		return TriggerCoalesced, nil
	case schedRunning:
		ps.pending = true
		ps.schedMu.Unlock()
		s.engine.metrics.coalesced.Add(1)
		return TriggerCoalesced, nil
	}
	ps.sched = schedQueued
	ps.schedMu.Unlock()

	select {
	case <-s.done:
		s.drop(ps)
		return TriggerDropped, nil
	default:
	}
	select {
	case s.queue <- pair:
	default:
		// Queue full: hand off without blocking the caller.
		go func() {
			select {
			case s.queue <- pair:
			case <-s.done:
				s.drop(ps)
			}
		}()
	}
	return TriggerAccepted, nil
}

// TriggerAll requests a pass for every active pair.
func (s *Scheduler) TriggerAll() map[domain.Pair]TriggerResult {
	out := make(map[domain.Pair]TriggerResult)
	for _, p := range s.engine.Pairs() {
		if res, err := s.Trigger(p); err == nil {
			out[p] = res
		}
	}
	return out
}

func (s *Scheduler) drop(ps *pairState) {
	ps.schedMu.Lock()
	ps.sched = schedIdle
	ps.pending = false
	ps.schedMu.Unlock()
	s.engine.metrics.dropped.Add(1)
}

// Run starts the workers and the sweep ticker and blocks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		s.sweepLoop(ctx)
		return nil
	})

	s.logger.InfoContext(ctx, "scheduler: started",
		slog.Int("workers", s.cfg.Workers),
		slog.Duration("sweep_interval", s.cfg.SweepInterval),
	)
	s.TriggerAll()

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pair := <-s.queue:
			s.runPair(ctx, pair)
		}
	}
}

func (s *Scheduler) runPair(ctx context.Context, pair domain.Pair) {
	ps, err := s.engine.lookup(pair)
	if err != nil {
		return
	}
	ps.schedMu.Lock()
	ps.sched = schedRunning
	ps.pending = false
	ps.schedMu.Unlock()

	for {
		res, err := s.engine.RunPass(ctx, pair)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.ErrorContext(ctx, "scheduler: pass failed",
				slog.String("pair", string(pair)),
				slog.String("error", err.Error()),
			)
		} else if res.Fills > 0 {
			s.logger.DebugContext(ctx, "scheduler: pass complete",
				slog.String("pair", string(pair)),
				slog.Int("fills", res.Fills),
				slog.Duration("elapsed", res.Elapsed),
			)
		}

		ps.schedMu.Lock()
		if ps.pending && ctx.Err() == nil {
			ps.pending = false
			ps.schedMu.Unlock()
			continue
		}
		ps.sched = schedIdle
		ps.pending = false
		ps.schedMu.Unlock()
		return
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs every sweeper and then triggers all pairs so books changed
// by expiry get a fresh pass.
func (s *Scheduler) SweepOnce(ctx context.Context) {
	now := s.now()
	for _, sw := range s.sweepers {
		if err := sw.Sweep(ctx, now); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "scheduler: sweep failed", slog.String("error", err.Error()))
		}
	}
	s.TriggerAll()
}
