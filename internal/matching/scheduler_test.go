package matching

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// gateRecorder blocks every write until release is closed.
type gateRecorder struct {
	inner   domain.MatchRecorder
	entered chan struct{}
	release chan struct{}
}

func (g *gateRecorder) RecordMatch(ctx context.Context, m domain.Match) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.inner.RecordMatch(ctx, m)
}

// concurrencyRecorder tracks how many writes run at once per pair.
type concurrencyRecorder struct {
	inner  domain.MatchRecorder
	mu     sync.Mutex
	active map[domain.Pair]int
	peak   map[domain.Pair]int
}

func (c *concurrencyRecorder) RecordMatch(ctx context.Context, m domain.Match) error {
	c.mu.Lock()
	c.active[m.Fill.Pair]++
	if c.active[m.Fill.Pair] > c.peak[m.Fill.Pair] {
		c.peak[m.Fill.Pair] = c.active[m.Fill.Pair]
	}
	c.mu.Unlock()

	time.Sleep(200 * time.Microsecond)
	err := c.inner.RecordMatch(ctx, m)

	c.mu.Lock()
	c.active[m.Fill.Pair]--
	c.mu.Unlock()
	return err
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestTrigger_CoalescesWhilePassRuns(t *testing.T) {
	gate := &gateRecorder{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newTestEngine(t, nil, func(inner domain.MatchRecorder) domain.MatchRecorder {
		gate.inner = inner
		return gate
	})
	sched := NewScheduler(SchedulerConfig{Workers: 2, SweepInterval: time.Hour}, h.engine, quietLogger())
	startScheduler(t, sched)

	h.submit(t, usdtNGN, domain.OrderSideBuy, "1.00", "10", "alice")
	h.submit(t, usdtNGN, domain.OrderSideSell, "1.00", "10", "bob")

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("pass never reached the store")
	}

	for i := 0; i < 3; i++ {
		res, err := sched.Trigger(usdtNGN)
		require.NoError(t, err)
		assert.Equal(t, TriggerCoalesced, res)
	}
	close(gate.release)

	require.Eventually(t, func() bool {
		ps, _ := h.engine.lookup(usdtNGN)
		ps.schedMu.Lock()
		defer ps.schedMu.Unlock()
		return ps.sched == schedIdle && len(h.trades.all()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, h.engine.Metrics().CoalescedTriggers, int64(3))
	assert.Len(t, h.trades.all(), 1)
}

func TestTrigger_UnknownPair(t *testing.T) {
	h := newTestEngine(t, nil)
	sched := NewScheduler(SchedulerConfig{}, h.engine, quietLogger())
	_, err := sched.Trigger("NOPE-XYZ")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTrigger_IdlePairIsAccepted(t *testing.T) {
	h := newTestEngine(t, nil)
	sched := NewScheduler(SchedulerConfig{}, h.engine, quietLogger())
	h.engine.pairFor(usdtNGN)

	res, err := sched.Trigger(usdtNGN)
	require.NoError(t, err)
	assert.Equal(t, TriggerAccepted, res)

	res, err = sched.Trigger(usdtNGN)
	require.NoError(t, err)
	assert.Equal(t, TriggerCoalesced, res, "already queued")
}

func TestScheduler_OnePassPerPairAtATime(t *testing.T) {
	rec := &concurrencyRecorder{active: map[domain.Pair]int{}, peak: map[domain.Pair]int{}}
	h := newTestEngine(t, nil, func(inner domain.MatchRecorder) domain.MatchRecorder {
		rec.inner = inner
		return rec
	})
	sched := NewScheduler(SchedulerConfig{Workers: 4, SweepInterval: time.Hour}, h.engine, quietLogger())
	startScheduler(t, sched)

	pairs := []domain.Pair{"USDT-NGN", "BTC-KES"}
	var wg sync.WaitGroup
	for _, pair := range pairs {
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func(pair domain.Pair, i int) {
				defer wg.Done()
				_, err := h.engine.SubmitOrder(context.Background(), domain.OrderRequest{
					Pair: pair, Side: domain.OrderSideBuy, LimitPrice: dec("1"), Amount: dec("1"), OwnerID: fmt.Sprintf("buyer-%d", i),
				})
				assert.NoError(t, err)
			}(pair, i)
			go func(pair domain.Pair, i int) {
				defer wg.Done()
				_, err := h.engine.SubmitOrder(context.Background(), domain.OrderRequest{
					Pair: pair, Side: domain.OrderSideSell, LimitPrice: dec("1"), Amount: dec("1"), OwnerID: fmt.Sprintf("seller-%d", i),
				})
				assert.NoError(t, err)
			}(pair, i)
		}
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(h.trades.all()) == 40
	}, 10*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, p := range pairs {
		assert.Equal(t, 1, rec.peak[p], "pair %s", p)
	}
}

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) Sweep(context.Context, time.Time) error {
	c.calls.Add(1)
	return nil
}

func TestScheduler_SweepOnceRunsSweepersAndTriggers(t *testing.T) {
	h := newTestEngine(t, nil)
	sw := &countingSweeper{}
	sched := NewScheduler(SchedulerConfig{}, h.engine, quietLogger(), sw)
	h.engine.pairFor(usdtNGN)

	sched.SweepOnce(context.Background())
	assert.Equal(t, int32(1), sw.calls.Load())

	res, err := sched.Trigger(usdtNGN)
	require.NoError(t, err)
	assert.Equal(t, TriggerCoalesced, res, "sweep already queued the pair")
}
