// Package scheduler dispatches timed signals. One ticker worker claims
// due rows and republishes them onto the bus as durable
// timed_signal.fired envelopes; recurring rows reschedule from their
// RRULE in the row's timezone. Dispatch is at-least-once, bounded by a
// catch-up window for rows that slept through their moment.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	rrule "github.com/teambition/rrule-go"

	"github.com/alphonse-agent/nerve/pkg/bus"
	"github.com/alphonse-agent/nerve/pkg/config"
	"github.com/alphonse-agent/nerve/pkg/fsm"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/observe"
	"github.com/alphonse-agent/nerve/pkg/store"
)

// dispatchBatch bounds how many due rows one tick handles. A backlog
// larger than this just takes a few more ticks.
const dispatchBatch = 100

// Scheduler is the single ticker worker over the timed_signals table.
type Scheduler struct {
	stores   *store.Stores
	signals  bus.Publisher
	trace    fsm.TraceSink
	cfg      config.SchedulerConfig
	logger   *slog.Logger
	workerID string

	// now is the clock; tests pin it.
	now func() time.Time

	done chan struct{}
}

// New wires the scheduler. The publisher should be the durable one in
// production so a dispatch survives a crash; trace may be nil in tests.
func New(stores *store.Stores, signals bus.Publisher, trace fsm.TraceSink, cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.LateWindow <= 0 {
		cfg.LateWindow = 30 * time.Minute
	}
	return &Scheduler{
		stores:   stores,
		signals:  signals,
		trace:    trace,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		workerID: "scheduler-" + uuid.NewString()[:8],
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	s.logger.Info("scheduler started", "tick", s.cfg.Tick, "late_window", s.cfg.LateWindow)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Done is closed when Run has returned.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// tick reclaims crashed dispatches and fires everything due.
func (s *Scheduler) tick(ctx context.Context) {
	if n, err := s.stores.Timed.ReclaimStale(ctx, s.cfg.Lease); err != nil {
		s.logger.Error("failed to reclaim stale dispatches", "error", err)
	} else if n > 0 {
		s.logger.Warn("reclaimed stale timed dispatches", "count", n)
	}

	now := s.now()
	due, err := s.stores.Timed.Due(ctx, now, dispatchBatch)
	if err != nil {
		s.logger.Error("failed to query due timed signals", "error", err)
		return
	}
	for _, row := range due {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, row, now)
	}
}

// dispatch fires one due row: claim it, drop it if it slept past the
// catch-up window, otherwise publish the envelope, mark it fired, and
// line up the next occurrence for recurring rows.
func (s *Scheduler) dispatch(ctx context.Context, row models.TimedSignal, now time.Time) {
	err := s.stores.Timed.Claim(ctx, row.ID, s.workerID)
	if errors.Is(err, store.ErrNotClaimable) {
		return
	}
	if err != nil {
		s.logger.Error("failed to claim timed signal", "timed_signal_id", row.ID, "error", err)
		return
	}

	lag := now.Sub(row.TriggerAt)
	if lag > s.window(row) {
		s.missed(ctx, row, now, lag)
		return
	}

	sig := s.firedSignal(row)
	if err := s.signals.Publish(ctx, sig); err != nil {
		// The row stays processing; the stale reclaim retries it.
		s.logger.Error("failed to publish timed dispatch", "timed_signal_id", row.ID, "error", err)
		return
	}
	if err := s.stores.Timed.MarkFired(ctx, row.ID); err != nil {
		// Already published: the reclaim will redispatch and the stable
		// signal id keeps the queue from doubling it.
		s.logger.Error("failed to mark timed signal fired", "timed_signal_id", row.ID, "error", err)
		return
	}

	detail := map[string]any{"timed_signal_id": row.ID, "signal_type": row.SignalType}
	if row.Recurring() {
		next, err := s.nextOccurrence(row, row.TriggerAt)
		switch {
		case err != nil:
			s.logger.Error("failed to compute next occurrence", "timed_signal_id", row.ID, "error", err)
		case next.IsZero():
			// Recurrence ran out; the series ends here.
		default:
			if _, err := s.stores.Timed.ScheduleNext(ctx, row, next); err != nil {
				s.logger.Error("failed to schedule next occurrence", "timed_signal_id", row.ID, "error", err)
			} else {
				detail["next_trigger_at"] = next.Format(time.RFC3339)
			}
		}
	}

	s.emit(row, observe.LevelInfo, "timed.dispatched", string(models.TimedFired), lag, detail)
	s.logger.Info("timed signal dispatched",
		"timed_signal_id", row.ID,
		"signal_type", row.SignalType,
		"lag_ms", lag.Milliseconds())
}

// missed handles a row beyond the catch-up window: one-shot rows fail,
// recurring rows skip this occurrence and line up the next future one.
func (s *Scheduler) missed(ctx context.Context, row models.TimedSignal, now time.Time, lag time.Duration) {
	if !row.Recurring() {
		if err := s.stores.Timed.MarkFailed(ctx, row.ID, "missed_dispatch_window"); err != nil {
			s.logger.Error("failed to mark missed timed signal", "timed_signal_id", row.ID, "error", err)
			return
		}
		s.emit(row, observe.LevelWarn, "timed.missed", string(models.TimedFailed), lag, map[string]any{"timed_signal_id": row.ID})
		s.logger.Warn("timed signal missed its window",
			"timed_signal_id", row.ID,
			"signal_type", row.SignalType,
			"lag_ms", lag.Milliseconds())
		return
	}

	next, err := s.nextOccurrence(row, now)
	if err != nil || next.IsZero() {
		if err != nil {
			s.logger.Error("failed to compute catch-up occurrence", "timed_signal_id", row.ID, "error", err)
		}
		if err := s.stores.Timed.MarkFailed(ctx, row.ID, "missed_dispatch_window"); err != nil {
			s.logger.Error("failed to mark missed timed signal", "timed_signal_id", row.ID, "error", err)
		}
		return
	}

	err = s.stores.InTx(ctx, func(txs *store.Stores) error {
		if err := txs.Timed.MarkSkipped(ctx, row.ID, next); err != nil {
			return err
		}
		_, err := txs.Timed.ScheduleNext(ctx, row, next)
		return err
	})
	if err != nil {
		s.logger.Error("failed to skip missed occurrence", "timed_signal_id", row.ID, "error", err)
		return
	}
	s.emit(row, observe.LevelWarn, "timed.skipped", string(models.TimedSkipped), lag, map[string]any{
		"timed_signal_id": row.ID,
		"next_trigger_at": next.Format(time.RFC3339),
	})
	s.logger.Warn("recurring occurrence skipped",
		"timed_signal_id", row.ID,
		"signal_type", row.SignalType,
		"next_trigger_at", next)
}

// window is the acceptable dispatch lag for a row. Recurring rows
// stretch it to 5% of their period so slow cadences tolerate slow
// wakes.
func (s *Scheduler) window(row models.TimedSignal) time.Duration {
	w := s.cfg.LateWindow
	if !row.Recurring() {
		return w
	}
	first, err := s.nextOccurrence(row, row.TriggerAt)
	if err != nil || first.IsZero() {
		return w
	}
	if fromPeriod := first.Sub(row.TriggerAt) / 20; fromPeriod > w {
		return fromPeriod
	}
	return w
}

// nextOccurrence evaluates the row's RRULE in its timezone, anchored at
// trigger_at, and returns the first occurrence strictly after the given
// time in UTC. A zero time means the recurrence is exhausted.
func (s *Scheduler) nextOccurrence(row models.TimedSignal, after time.Time) (time.Time, error) {
	loc := time.UTC
	if row.Timezone != "" {
		l, err := time.LoadLocation(row.Timezone)
		if err != nil {
			s.logger.Warn("unknown timezone on timed signal, using UTC",
				"timed_signal_id", row.ID, "timezone", row.Timezone)
		} else {
			loc = l
		}
	}

	opt, err := rrule.StrToROption(row.RRule)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad rrule on timed signal %d: %w", row.ID, err)
	}
	opt.Dtstart = row.TriggerAt.In(loc)
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad rrule on timed signal %d: %w", row.ID, err)
	}

	next := rule.After(after.In(loc), false)
	if next.IsZero() {
		return time.Time{}, nil
	}
	return next.UTC(), nil
}

// firedSignal wraps the row in the envelope the timer transition
// unwraps. The signal id doubles as the idempotency key: it is stable
// per occurrence, so a crash-and-redispatch lands on the same queue row
// instead of a duplicate.
func (s *Scheduler) firedSignal(row models.TimedSignal) models.Signal {
	key := fmt.Sprintf("timed-%d-%d", row.ID, row.TriggerAt.UnixMilli())
	payload := map[string]any{
		"signal_type":     row.SignalType,
		"payload":         row.Payload,
		"target":          row.Target,
		"origin":          row.Origin,
		"correlation_id":  row.CorrelationID,
		"timed_signal_id": row.ID,
		"idempotency_key": key,
	}
	sig := models.NewDurableSignal(models.SignalTimedSignalFired, payload)
	sig.ID = key
	sig.Source = "scheduler"
	sig.CorrelationID = row.CorrelationID
	return sig
}

func (s *Scheduler) emit(row models.TimedSignal, level observe.Level, event, status string, lag time.Duration, detail map[string]any) {
	if s.trace == nil {
		return
	}
	s.trace.Emit(observe.TraceEvent{
		Level:         level,
		Event:         event,
		CorrelationID: row.CorrelationID,
		Status:        status,
		LatencyMS:     lag.Milliseconds(),
		Detail:        detail,
	})
}
