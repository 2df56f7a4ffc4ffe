package matching

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// Metrics accumulates engine counters. All methods are safe for concurrent use.
type Metrics struct {
	fills     atomic.Int64
	passes    atomic.Int64
	passNanos atomic.Int64
	coalesced atomic.Int64
	dropped   atomic.Int64
	aborted   atomic.Int64
	halts     atomic.Int64
	expired   atomic.Int64

	mu     sync.Mutex
	volume map[domain.Pair]decimal.Decimal
}

func newMetrics() *Metrics {
	return &Metrics{volume: make(map[domain.Pair]decimal.Decimal)}
}

func (m *Metrics) recordFill(pair domain.Pair, amount decimal.Decimal) {
	m.fills.Add(1)
	m.mu.Lock()
	m.volume[pair] = m.volume[pair].Add(amount)
	m.mu.Unlock()
}

func (m *Metrics) recordPass(d time.Duration) {
	m.passes.Add(1)
	m.passNanos.Add(int64(d))
}

func (m *Metrics) snapshot(pairsActive int, halted []domain.Pair) domain.EngineMetrics {
	out := domain.EngineMetrics{
		PairsActive:       pairsActive,
		PairsHalted:       halted,
		TotalFills:        m.fills.Load(),
		Passes:            m.passes.Load(),
		CoalescedTriggers: m.coalesced.Load(),
		DroppedTriggers:   m.dropped.Load(),
		AbortedPasses:     m.aborted.Load(),
		ConsistencyHalts:  m.halts.Load(),
		ExpiredOrders:     m.expired.Load(),
		VolumeByPair:      make(map[domain.Pair]decimal.Decimal),
	}
	if out.Passes > 0 {
		out.AvgPassLatency = time.Duration(m.passNanos.Load() / out.Passes)
	}
	m.mu.Lock()
	for p, v := range m.volume {
		out.VolumeByPair[p] = v
	}
	m.mu.Unlock()
	return out
}
