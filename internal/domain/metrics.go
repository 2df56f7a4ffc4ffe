package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EngineMetrics is a point-in-time copy of the matching engine counters.
type EngineMetrics struct {
	PairsActive       int                      `json:"pairs_active"`
	PairsHalted       []Pair                   `json:"pairs_halted"`
	TotalFills        int64                    `json:"total_fills"`
	VolumeByPair      map[Pair]decimal.Decimal `json:"volume_by_pair"`
	Passes            int64                    `json:"passes"`
	AvgPassLatency    time.Duration            `json:"avg_pass_latency_ns"`
	CoalescedTriggers int64                    `json:"coalesced_triggers"`
	DroppedTriggers   int64                    `json:"dropped_triggers"`
	AbortedPasses     int64                    `json:"aborted_passes"`
	ConsistencyHalts  int64                    `json:"consistency_halts"`
	ExpiredOrders     int64                    `json:"expired_orders"`
}
