// Package memory implements the domain stores in process memory. It backs
// the standalone mode and the tests; all stores created from one DB share a
// single lock so a recorded match is atomic with respect to readers.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// DB is the shared in-memory state.
type DB struct {
	mu       sync.RWMutex
	orders   map[string]domain.Order
	trades   map[string]domain.Trade
	escrows  map[string]domain.EscrowRecord
	disputes map[string]domain.Dispute
	audit    []domain.AuditEntry
}

// New creates an empty DB.
func New() *DB {
	return &DB{
		orders:   make(map[string]domain.Order),
		trades:   make(map[string]domain.Trade),
		escrows:  make(map[string]domain.EscrowRecord),
		disputes: make(map[string]domain.Dispute),
	}
}

func (db *DB) Orders() *OrderStore     { return &OrderStore{db: db} }
func (db *DB) Trades() *TradeStore     { return &TradeStore{db: db} }
func (db *DB) Escrows() *EscrowStore   { return &EscrowStore{db: db} }
func (db *DB) Disputes() *DisputeStore { return &DisputeStore{db: db} }
func (db *DB) Audit() *AuditStore      { return &AuditStore{db: db} }
func (db *DB) Recorder() *MatchRecorder {
	return &MatchRecorder{db: db}
}

var (
	_ domain.OrderStore    = (*OrderStore)(nil)
	_ domain.TradeStore    = (*TradeStore)(nil)
	_ domain.EscrowStore   = (*EscrowStore)(nil)
	_ domain.DisputeStore  = (*DisputeStore)(nil)
	_ domain.AuditStore    = (*AuditStore)(nil)
	_ domain.MatchRecorder = (*MatchRecorder)(nil)
)

// ---- orders ----

// OrderStore implements domain.OrderStore.
type OrderStore struct{ db *DB }

func (s *OrderStore) Create(_ context.Context, o domain.Order) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.orders[o.ID]; ok {
		return fmt.Errorf("memory: create order %s: %w", o.ID, domain.ErrAlreadyExists)
	}
	s.db.orders[o.ID] = o
	return nil
}

func (s *OrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	o, ok := s.db.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("memory: get order %s: %w", id, domain.ErrNotFound)
	}
	return o, nil
}

func (s *OrderStore) CloseResting(_ context.Context, id string, status domain.OrderStatus, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	o, ok := s.db.orders[id]
	if !ok || !o.Status.Resting() {
		return fmt.Errorf("memory: close order %s: %w", id, domain.ErrNotFound)
	}
	o.Status = status
	o.UpdatedAt = at
	s.db.orders[id] = o
	return nil
}

func (s *OrderStore) ListResting(_ context.Context) ([]domain.Order, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.db.orders {
		if o.Status.Resting() {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b domain.Order) int { return cmpUint(a.Sequence, b.Sequence) })
	return out, nil
}

func (s *OrderStore) ListByOwner(_ context.Context, ownerID string, opts domain.ListOpts) ([]domain.Order, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.db.orders {
		if o.OwnerID == ownerID && inRange(o.CreatedAt, opts) {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b domain.Order) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return paginate(out, opts), nil
}

func (s *OrderStore) ListClosedBefore(_ context.Context, before time.Time) ([]domain.Order, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.db.orders {
		if !o.Status.Resting() && o.UpdatedAt.Before(before) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *OrderStore) MaxSequence(_ context.Context) (uint64, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var max uint64
	for _, o := range s.db.orders {
		if o.Sequence > max {
			max = o.Sequence
		}
	}
	for _, t := range s.db.trades {
		if t.FillSequence > max {
			max = t.FillSequence
		}
	}
	return max, nil
}

// ---- matches ----

// MatchRecorder implements domain.MatchRecorder.
type MatchRecorder struct{ db *DB }

func (r *MatchRecorder) RecordMatch(_ context.Context, m domain.Match) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.trades[m.Trade.ID]; ok {
		return fmt.Errorf("memory: record match %s: %w", m.Trade.ID, domain.ErrAlreadyExists)
	}
	for _, o := range []domain.Order{m.Buy, m.Sell} {
		if _, ok := r.db.orders[o.ID]; !ok {
			return fmt.Errorf("memory: record match: order %s: %w", o.ID, domain.ErrNotFound)
		}
	}
	r.db.orders[m.Buy.ID] = m.Buy
	r.db.orders[m.Sell.ID] = m.Sell
	r.db.trades[m.Trade.ID] = m.Trade
	return nil
}

// ---- trades ----

// TradeStore implements domain.TradeStore.
type TradeStore struct{ db *DB }

// Create inserts a trade outside of a match. Used to seed state.
func (s *TradeStore) Create(_ context.Context, t domain.Trade) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.trades[t.ID]; ok {
		return fmt.Errorf("memory: create trade %s: %w", t.ID, domain.ErrAlreadyExists)
	}
	s.db.trades[t.ID] = t
	return nil
}

func (s *TradeStore) GetByID(_ context.Context, id string) (domain.Trade, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	t, ok := s.db.trades[id]
	if !ok {
		return domain.Trade{}, fmt.Errorf("memory: get trade %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (s *TradeStore) Transition(_ context.Context, tr domain.TradeTransition) (domain.Trade, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.trades[tr.TradeID]
	if !ok {
		return domain.Trade{}, fmt.Errorf("memory: transition trade %s: %w", tr.TradeID, domain.ErrNotFound)
	}
	if t.State != tr.From {
		return domain.Trade{}, fmt.Errorf("memory: transition trade %s %s->%s from %s: %w",
			tr.TradeID, tr.From, tr.To, t.State, domain.ErrInvalidTransition)
	}
	t.State = tr.To
	t.ExpiresAt = tr.ExpiresAt
	t.UpdatedAt = tr.At
	if tr.CancelReason != "" {
		t.CancelReason = tr.CancelReason
	}
	if tr.DisputeID != "" {
		t.DisputeID = tr.DisputeID
	}
	s.db.trades[t.ID] = t
	return t, nil
}

func (s *TradeStore) ListRecentByPair(_ context.Context, pair domain.Pair, limit int) ([]domain.Trade, error) {
	return s.filter(func(t domain.Trade) bool { return t.Pair == pair }, newestFirst, limit), nil
}

func (s *TradeStore) ListByState(_ context.Context, state domain.TradeState, olderThan time.Time, limit int) ([]domain.Trade, error) {
	return s.filter(func(t domain.Trade) bool {
		return t.State == state && t.UpdatedAt.Before(olderThan)
	}, oldestFirst, limit), nil
}

func (s *TradeStore) ListExpiring(_ context.Context, state domain.TradeState, before time.Time, limit int) ([]domain.Trade, error) {
	return s.filter(func(t domain.Trade) bool {
		return t.State == state && t.ExpiresAt != nil && !t.ExpiresAt.After(before)
	}, oldestFirst, limit), nil
}

func (s *TradeStore) ListTerminalBefore(_ context.Context, before time.Time) ([]domain.Trade, error) {
	return s.filter(func(t domain.Trade) bool {
		return t.State.Terminal() && t.UpdatedAt.Before(before)
	}, oldestFirst, 0), nil
}

func newestFirst(a, b domain.Trade) int { return b.CreatedAt.Compare(a.CreatedAt) }
func oldestFirst(a, b domain.Trade) int { return a.CreatedAt.Compare(b.CreatedAt) }

func (s *TradeStore) filter(keep func(domain.Trade) bool, order func(a, b domain.Trade) int, limit int) []domain.Trade {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Trade
	for _, t := range s.db.trades {
		if keep(t) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b domain.Trade) int {
		if c := order(a, b); c != 0 {
			return c
		}
		return cmpUint(a.FillSequence, b.FillSequence)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ---- escrow ----

// EscrowStore implements domain.EscrowStore.
type EscrowStore struct{ db *DB }

func (s *EscrowStore) Create(_ context.Context, rec domain.EscrowRecord) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.escrows[rec.TradeID]; ok {
		return fmt.Errorf("memory: create escrow %s: %w", rec.TradeID, domain.ErrAlreadyExists)
	}
	s.db.escrows[rec.TradeID] = rec
	return nil
}

func (s *EscrowStore) Get(_ context.Context, tradeID string) (domain.EscrowRecord, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	rec, ok := s.db.escrows[tradeID]
	if !ok {
		return domain.EscrowRecord{}, fmt.Errorf("memory: get escrow %s: %w", tradeID, domain.ErrNotFound)
	}
	return rec, nil
}

func (s *EscrowStore) Update(_ context.Context, u domain.EscrowUpdate) (domain.EscrowRecord, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	rec, ok := s.db.escrows[u.TradeID]
	if !ok {
		return domain.EscrowRecord{}, fmt.Errorf("memory: update escrow %s: %w", u.TradeID, domain.ErrNotFound)
	}
	if !slices.Contains(u.From, rec.Status) {
		return domain.EscrowRecord{}, fmt.Errorf("memory: update escrow %s to %s from %s: %w",
			u.TradeID, u.To, rec.Status, domain.ErrInvalidTransition)
	}
	rec.Status = u.To
	rec.UpdatedAt = u.At
	if u.FundTxRef != "" {
		rec.FundTxRef = u.FundTxRef
	}
	if u.ReleaseTxRef != "" {
		rec.ReleaseTxRef = u.ReleaseTxRef
	}
	if u.RefundTxRef != "" {
		rec.RefundTxRef = u.RefundTxRef
	}
	s.db.escrows[u.TradeID] = rec
	return rec, nil
}

// ---- disputes ----

// DisputeStore implements domain.DisputeStore.
type DisputeStore struct{ db *DB }

func (s *DisputeStore) Create(_ context.Context, d domain.Dispute) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.disputes[d.ID]; ok {
		return fmt.Errorf("memory: create dispute %s: %w", d.ID, domain.ErrAlreadyExists)
	}
	s.db.disputes[d.ID] = d
	return nil
}

func (s *DisputeStore) GetByID(_ context.Context, id string) (domain.Dispute, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	d, ok := s.db.disputes[id]
	if !ok {
		return domain.Dispute{}, fmt.Errorf("memory: get dispute %s: %w", id, domain.ErrNotFound)
	}
	return d, nil
}

func (s *DisputeStore) GetActiveByTrade(_ context.Context, tradeID string) (domain.Dispute, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, d := range s.db.disputes {
		if d.TradeID == tradeID && d.Status != domain.DisputeStatusResolved {
			return d, nil
		}
	}
	return domain.Dispute{}, fmt.Errorf("memory: active dispute for trade %s: %w", tradeID, domain.ErrNotFound)
}

func (s *DisputeStore) UpdateStatus(_ context.Context, id string, status domain.DisputeStatus, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	d, ok := s.db.disputes[id]
	if !ok {
		return fmt.Errorf("memory: update dispute %s: %w", id, domain.ErrNotFound)
	}
	if d.Status == domain.DisputeStatusResolved {
		return fmt.Errorf("memory: update dispute %s: %w", id, domain.ErrInvalidTransition)
	}
	d.Status = status
	d.UpdatedAt = at
	s.db.disputes[id] = d
	return nil
}

func (s *DisputeStore) Resolve(_ context.Context, id string, outcome domain.DisputeOutcome, resolverID, resolution string, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	d, ok := s.db.disputes[id]
	if !ok {
		return fmt.Errorf("memory: resolve dispute %s: %w", id, domain.ErrNotFound)
	}
	if d.Status == domain.DisputeStatusResolved {
		return fmt.Errorf("memory: resolve dispute %s: %w", id, domain.ErrInvalidTransition)
	}
	d.Status = domain.DisputeStatusResolved
	d.Outcome = outcome
	d.ResolverID = resolverID
	d.Resolution = resolution
	d.UpdatedAt = at
	d.ResolvedAt = &at
	s.db.disputes[id] = d
	return nil
}

func (s *DisputeStore) ListResolvedBefore(_ context.Context, before time.Time) ([]domain.Dispute, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Dispute
	for _, d := range s.db.disputes {
		if d.ResolvedAt != nil && d.ResolvedAt.Before(before) {
			out = append(out, d)
		}
	}
	return out, nil
}

// ---- audit ----

// AuditStore implements domain.AuditStore.
type AuditStore struct{ db *DB }

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.audit = append(s.db.audit, domain.AuditEntry{
		ID:        int64(len(s.db.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.AuditEntry
	for i := len(s.db.audit) - 1; i >= 0; i-- {
		if inRange(s.db.audit[i].CreatedAt, opts) {
			out = append(out, s.db.audit[i])
		}
	}
	return paginate(out, opts), nil
}

func inRange(ts time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && ts.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !ts.Before(*opts.Until) {
		return false
	}
	return true
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
