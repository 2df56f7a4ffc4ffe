// Package archive schedules cold-storage runs that copy settled records to
// object storage.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
)

// Result counts the records copied by one run.
type Result struct {
	Trades   int64
	Orders   int64
	Disputes int64
}

// Runner copies trades, orders and disputes older than the retention window
// to cold storage.
type Runner struct {
	archiver  domain.Archiver
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner creates a Runner. Records settled more than retention ago are
// archived.
func NewRunner(archiver domain.Archiver, retention time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		archiver:  archiver,
		retention: retention,
		logger:    logger.With(slog.String("component", "archive")),
		now:       time.Now,
	}
}

// Cutoff returns the archive boundary for a run at now, truncated to the day
// so repeated runs on one day target the same files.
func (r *Runner) Cutoff(now time.Time) time.Time {
	return now.UTC().Add(-r.retention).Truncate(24 * time.Hour)
}

// Run executes a single archive run. Each kind is attempted even if an
// earlier one fails; the first error is returned.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	cutoff := r.Cutoff(r.now())
	r.logger.Info("archive: run started",
		slog.Time("cutoff", cutoff),
		slog.Duration("retention", r.retention),
	)

	var (
		res      Result
		firstErr error
	)
	steps := []struct {
		kind string
		fn   func(context.Context, time.Time) (int64, error)
		dst  *int64
	}{
		{"trades", r.archiver.ArchiveTrades, &res.Trades},
		{"orders", r.archiver.ArchiveOrders, &res.Orders},
		{"disputes", r.archiver.ArchiveDisputes, &res.Disputes},
	}
	for _, s := range steps {
		n, err := s.fn(ctx, cutoff)
		if err != nil {
			r.logger.Error("archive: step failed",
				slog.String("kind", s.kind),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("archive: %s before %s: %w", s.kind, cutoff.Format(time.DateOnly), err)
			}
			continue
		}
		*s.dst = n
	}

	r.logger.Info("archive: run complete",
		slog.Int64("trades", res.Trades),
		slog.Int64("orders", res.Orders),
		slog.Int64("disputes", res.Disputes),
	)
	return res, firstErr
}

// RunCron runs the archiver on a cron schedule until ctx is cancelled. The
// expression uses the standard five fields
// "minute hour day-of-month month day-of-week", for example "0 3 * * *".
func (r *Runner) RunCron(ctx context.Context, expr string) error {
	sched, err := parseCron(expr)
	if err != nil {
		return fmt.Errorf("archive: cron %q: %w", expr, err)
	}
	r.logger.Info("archive: cron started", slog.String("cron", expr))

	for {
		next, err := sched.next(r.now().UTC())
		if err != nil {
			return fmt.Errorf("archive: cron %q: %w", expr, err)
		}

		wait := time.Until(next)
		r.logger.Debug("archive: waiting for next run",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if _, err := r.Run(ctx); err != nil {
				r.logger.Error("archive: run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ValidateCron reports whether expr is a supported cron expression.
func ValidateCron(expr string) error {
	_, err := parseCron(expr)
	return err
}

// cronField matches one cron position. A nil set is a wildcard.
type cronField struct {
	set map[int]bool
}

func (f cronField) matches(v int) bool {
	return f.set == nil || f.set[v]
}

// parseCronField accepts "*", "*/step", "n", "a-b", "a-b/step" and comma
// separated lists of those, bounded by [lo, hi].
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{}, nil
	}

	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		rangePart, stepPart, hasStep := strings.Cut(strings.TrimSpace(part), "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepPart)
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid step %q", stepPart)
			}
			step = n
		}

		start, end := lo, hi
		switch {
		case rangePart == "*":
		case strings.Contains(rangePart, "-"):
			a, b, _ := strings.Cut(rangePart, "-")
			var errA, errB error
			start, errA = strconv.Atoi(a)
			end, errB = strconv.Atoi(b)
			if errA != nil || errB != nil {
				return cronField{}, fmt.Errorf("invalid range %q", rangePart)
			}
		default:
			n, err := strconv.Atoi(rangePart)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid value %q", rangePart)
			}
			start = n
			end = n
			if hasStep {
				end = hi
			}
		}
		if start < lo || end > hi || start > end {
			return cronField{}, fmt.Errorf("%q out of range %d-%d", part, lo, hi)
		}
		for v := start; v <= end; v += step {
			set[v] = true
		}
	}
	return cronField{set: set}, nil
}

type schedule struct {
	minute, hour, dom, month, dow cronField
}

func parseCron(expr string) (schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return schedule{}, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

	var parsed [5]cronField
	for i, f := range fields {
		cf, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return schedule{}, fmt.Errorf("%s field: %w", names[i], err)
		}
		parsed[i] = cf
	}
	return schedule{
		minute: parsed[0],
		hour:   parsed[1],
		dom:    parsed[2],
		month:  parsed[3],
		dow:    parsed[4],
	}, nil
}

func (s schedule) matches(t time.Time) bool {
	return s.minute.matches(t.Minute()) &&
		s.hour.matches(t.Hour()) &&
		s.dom.matches(t.Day()) &&
		s.month.matches(int(t.Month())) &&
		s.dow.matches(int(t.Weekday()))
}

// next returns the first minute strictly after after that matches. It
// searches at most one year ahead.
func (s schedule) next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching time within one year")
}
