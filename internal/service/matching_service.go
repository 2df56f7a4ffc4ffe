package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
	"github.com/alanyoungcy/p2pmatch/internal/matching"
)

// Triggerer schedules matching passes.
type Triggerer interface {
	Trigger(pair domain.Pair) (matching.TriggerResult, error)
	TriggerAll() map[domain.Pair]matching.TriggerResult
}

// PairController is the operator surface of the engine.
type PairController interface {
	Resume(ctx context.Context, pair domain.Pair) error
	Metrics() domain.EngineMetrics
}

// MatchingService serves the operator endpoints of the matching engine.
type MatchingService struct {
	scheduler Triggerer
	engine    PairController
	limiter   domain.RateLimiter
	limit     RateLimit
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewMatchingService creates a MatchingService. limiter may be nil.
func NewMatchingService(
	scheduler Triggerer,
	engine PairController,
	limiter domain.RateLimiter,
	limit RateLimit,
	audit domain.AuditStore,
	logger *slog.Logger,
) *MatchingService {
	return &MatchingService{
		scheduler: scheduler,
		engine:    engine,
		limiter:   limiter,
		limit:     limit,
		audit:     audit,
		logger:    logger.With(slog.String("component", "matching_service")),
	}
}

// Trigger requests a pass for pair, or for every pair when pair is empty.
// Manual triggers are rate limited per target; a limiter failure rejects
// the trigger.
func (s *MatchingService) Trigger(ctx context.Context, pair, operator string) (map[domain.Pair]matching.TriggerResult, error) {
	target := "*"
	var p domain.Pair
	if strings.TrimSpace(pair) != "" {
		var err error
		if p, err = domain.ParsePair(pair); err != nil {
			return nil, err
		}
		target = string(p)
	}

	if s.limiter != nil && s.limit.Limit > 0 {
		allowed, err := s.limiter.Allow(ctx, "trigger:"+target, s.limit.Limit, s.limit.Window)
		if err != nil {
			return nil, fmt.Errorf("matching_service: rate limiter: %w", err)
		}
		if !allowed {
			return nil, fmt.Errorf("matching_service: trigger %s: %w", target, domain.ErrRateLimited)
		}
	}

	var results map[domain.Pair]matching.TriggerResult
	if p == "" {
		results = s.scheduler.TriggerAll()
	} else {
		res, err := s.scheduler.Trigger(p)
		if err != nil {
			return nil, err
		}
		results = map[domain.Pair]matching.TriggerResult{p: res}
	}

	s.auditLog(ctx, "matching.trigger", map[string]any{"pair": target, "operator": operator})
	return results, nil
}

// Resume clears a consistency halt on pair.
func (s *MatchingService) Resume(ctx context.Context, pair, operator string) error {
	p, err := domain.ParsePair(pair)
	if err != nil {
		return err
	}
	if err := s.engine.Resume(ctx, p); err != nil {
		return err
	}
	s.auditLog(ctx, "matching.resume", map[string]any{"pair": string(p), "operator": operator})
	return nil
}

// Metrics returns the engine counters.
func (s *MatchingService) Metrics() domain.EngineMetrics {
	return s.engine.Metrics()
}

func (s *MatchingService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "matching_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
