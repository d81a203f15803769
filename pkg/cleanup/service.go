// Package cleanup enforces retention on the durable tables no runtime
// loop owns: completed queue rows, old step traces, and plan instances
// orphaned mid-run.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/alphonse-agent/nerve/pkg/config"
	"github.com/alphonse-agent/nerve/pkg/store"
)

// Step traces back the admin timeline and stay a month; done queue
// rows follow the queue's own TTL since they only matter for
// idempotency replay.
const stepTraceRetention = 30 * 24 * time.Hour

// Service runs the periodic retention pass. Every task is idempotent;
// a failing one is logged and the rest still run.
type Service struct {
	stores *store.Stores
	logger *slog.Logger

	interval       time.Duration
	planStale      time.Duration
	queueRetention time.Duration
	stepRetention  time.Duration
}

// NewService wires the retention loop. The plan staleness threshold
// comes from the plan pool's config and the queue TTL from the
// poller's, so each loop agrees with the table's owner on what old
// means.
func NewService(stores *store.Stores, cfg config.CleanupConfig, plans config.PlanConfig, queue config.QueueConfig, logger *slog.Logger) *Service {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	planStale := plans.Stale
	if planStale <= 0 {
		planStale = 10 * time.Minute
	}
	doneTTL := queue.DoneTTL
	if doneTTL <= 0 {
		doneTTL = 72 * time.Hour
	}
	return &Service{
		stores:         stores,
		logger:         logger.With("component", "cleanup"),
		interval:       interval,
		planStale:      planStale,
		queueRetention: doneTTL,
		stepRetention:  stepTraceRetention,
	}
}

// Run performs one pass immediately and then on every interval until
// ctx ends.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("cleanup service started",
		"interval", s.interval,
		"plan_stale", s.planStale)
	s.pass(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *Service) pass(ctx context.Context) {
	s.purgeDoneSignals(ctx)
	s.purgeOldSteps(ctx)
	s.requeueOrphanedPlans(ctx)
}

func (s *Service) purgeDoneSignals(ctx context.Context) {
	n, err := s.stores.Queue.PurgeDone(ctx, s.queueRetention)
	if err != nil {
		s.logger.Error("queue purge failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("purged completed queue rows", "count", n)
	}
}

func (s *Service) purgeOldSteps(ctx context.Context) {
	n, err := s.stores.StepTrace.Purge(ctx, s.stepRetention)
	if err != nil {
		s.logger.Error("step trace purge failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("purged old step traces", "count", n)
	}
}

func (s *Service) requeueOrphanedPlans(ctx context.Context) {
	n, err := s.stores.Plans.RequeueStaleRunning(ctx, s.planStale)
	if err != nil {
		s.logger.Error("stale plan requeue failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Warn("requeued plans orphaned mid-run", "count", n)
	}
}
