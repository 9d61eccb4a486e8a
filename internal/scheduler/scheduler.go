// Package scheduler drives the orchestrator's periodic housekeeping —
// stale-task detection (counted and logged; the tasks are left in place),
// snapshot TTL eviction, stale worker-capability
// eviction, and pleading-workflow expiry — off a single cron.Cron,
// grounded on the teacher's scheduler.go (cron.New(cron.WithSeconds())
// plus per-job OTel counters and slog reporting).
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/darianrosebrook/agent-agency-sub005/internal/persistence"
	"github.com/darianrosebrook/agent-agency-sub005/internal/pleading"
	"github.com/darianrosebrook/agent-agency-sub005/internal/registry"
	"github.com/darianrosebrook/agent-agency-sub005/internal/taskqueue"
)

// Config tunes each sweep's cron spec and TTL/max-age bound.
type Config struct {
	StaleTaskSpec       string
	StaleTaskMaxAge     time.Duration
	SnapshotSweepSpec   string
	WorkerSweepSpec     string
	WorkerMaxAge        time.Duration
	PleadingSweepSpec   string
}

// DefaultConfig runs every sweep once a minute, staggered by a few
// seconds apiece so they don't all fire in the same tick.
func DefaultConfig() Config {
	return Config{
		StaleTaskSpec:     "0 * * * * *",
		StaleTaskMaxAge:   10 * time.Minute,
		SnapshotSweepSpec: "15 * * * * *",
		WorkerSweepSpec:   "30 * * * * *",
		WorkerMaxAge:      5 * time.Minute,
		PleadingSweepSpec: "45 * * * * *",
	}
}

// Scheduler owns the cron runner and the components its jobs sweep.
type Scheduler struct {
	cron     *cron.Cron
	cfg      Config
	queue    *taskqueue.Queue
	registry *registry.Registry
	pleading *pleading.Manager
	store    *persistence.Store

	swept metric.Int64Counter
}

// New constructs a Scheduler. Any of queue/pleading/store may be nil to
// skip the sweeps that use it (e.g. a deployment with no durable store
// configured). reg is stored but no sweep here uses it; the registry
// runs its own sweep (see Start).
func New(cfg Config, queue *taskqueue.Queue, reg *registry.Registry, pl *pleading.Manager, store *persistence.Store) *Scheduler {
	meter := otel.Meter("agent-orchestrator")
	swept, _ := meter.Int64Counter("orchestrator_scheduler_swept_total")

	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		cfg:      cfg,
		queue:    queue,
		registry: reg,
		pleading: pl,
		store:    store,
		swept:    swept,
	}
}

// Start registers every configured sweep and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.queue != nil {
		if _, err := s.cron.AddFunc(s.cfg.StaleTaskSpec, func() { s.sweepStaleTasks(ctx) }); err != nil {
			return err
		}
	}
	if s.store != nil {
		if _, err := s.cron.AddFunc(s.cfg.SnapshotSweepSpec, func() { s.sweepSnapshots(ctx) }); err != nil {
			return err
		}
		if _, err := s.cron.AddFunc(s.cfg.WorkerSweepSpec, func() { s.sweepWorkers(ctx) }); err != nil {
			return err
		}
	}
	if s.pleading != nil {
		if _, err := s.cron.AddFunc(s.cfg.PleadingSweepSpec, func() { s.sweepPleading(ctx) }); err != nil {
			return err
		}
	}
	// The registry owns its own internal cron via StartSweep; reconciled
	// here only insofar as callers should invoke reg.StartSweep separately
	// rather than duplicate that job on this scheduler's runner.
	s.cron.Start()
	return nil
}

// Stop halts the cron runner, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) sweepStaleTasks(ctx context.Context) {
	stale := s.queue.GetStaleTasks(s.cfg.StaleTaskMaxAge)
	if len(stale) == 0 {
		return
	}
	s.swept.Add(ctx, int64(len(stale)), metric.WithAttributes(attribute.String("sweep", "stale_tasks")))
	slog.Warn("swept stale queued tasks", "count", len(stale))
}

func (s *Scheduler) sweepSnapshots(ctx context.Context) {
	n, err := s.store.SweepExpiredSnapshots(ctx)
	if err != nil {
		slog.Error("snapshot sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.swept.Add(ctx, int64(n), metric.WithAttributes(attribute.String("sweep", "snapshots")))
		slog.Info("swept expired snapshots", "count", n)
	}
}

func (s *Scheduler) sweepWorkers(ctx context.Context) {
	n, err := s.store.SweepStaleWorkers(ctx, s.cfg.WorkerMaxAge)
	if err != nil {
		slog.Error("worker capability sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.swept.Add(ctx, int64(n), metric.WithAttributes(attribute.String("sweep", "worker_capabilities")))
		slog.Info("swept stale worker capability rows", "count", n)
	}
}

func (s *Scheduler) sweepPleading(ctx context.Context) {
	n := s.pleading.SweepExpired()
	if n > 0 {
		s.swept.Add(ctx, int64(n), metric.WithAttributes(attribute.String("sweep", "pleading")))
		slog.Info("expired stale pleading workflows", "count", n)
	}
}
