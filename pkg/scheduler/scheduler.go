// Package scheduler drives the periodic pipeline: ingestion pulls, the
// two merge stages, and the nightly vector reconciliation sweep. All
// schedules are evaluated in Asia/Shanghai.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/echolab/echoman/pkg/config"
	"github.com/echolab/echoman/pkg/period"
)

// StageRunner runs one pipeline stage for one period key.
type StageRunner interface {
	Run(ctx context.Context, periodKey string) error
}

// Reconciler repairs vector-index drift.
type Reconciler interface {
	ReconcileVectors(ctx context.Context) (int, error)
}

// IngestFunc is the optional pull-ingestion hook. Most deployments push
// through the HTTP API instead; a nil hook skips the ingest schedule.
type IngestFunc func(ctx context.Context) error

// Scheduler owns the cron loop.
type Scheduler struct {
	cron    *cron.Cron
	stage1  StageRunner
	stage2  StageRunner
	rec     Reconciler
	ingest  IngestFunc
	cfg     config.ScheduleConfig
	timeout time.Duration
	logger  *slog.Logger
}

// New wires the scheduler. stage1 and stage2 are required; rec and
// ingest may be nil to skip their schedules.
func New(stage1, stage2 StageRunner, rec Reconciler, ingest IngestFunc, cfg config.Config, logger *slog.Logger) *Scheduler {
	if stage1 == nil || stage2 == nil {
		panic("scheduler.New: both stage runners are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(period.Location()),
			cron.WithChain(cron.Recover(cron.DefaultLogger)),
		),
		stage1: stage1,
		stage2: stage2,
		rec:    rec,
		ingest: ingest,
		cfg:    cfg.Schedule,
		// Each job gets the full soft-stop window plus slack for the
		// post-batch work.
		timeout: 2 * cfg.Timeouts.RunSoftStop,
		logger:  logger,
	}
}

// Start registers all jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.StageOne, s.jobFunc("event_merge", s.stage1)); err != nil {
		return fmt.Errorf("invalid stage-one schedule %q: %w", s.cfg.StageOne, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.StageTwo, s.jobFunc("global_merge", s.stage2)); err != nil {
		return fmt.Errorf("invalid stage-two schedule %q: %w", s.cfg.StageTwo, err)
	}
	if s.rec != nil {
		if _, err := s.cron.AddFunc(s.cfg.Reconcile, s.reconcileFunc()); err != nil {
			return fmt.Errorf("invalid reconcile schedule %q: %w", s.cfg.Reconcile, err)
		}
	}
	if s.ingest != nil {
		if _, err := s.cron.AddFunc(s.cfg.Ingest, s.ingestFunc()); err != nil {
			return fmt.Errorf("invalid ingest schedule %q: %w", s.cfg.Ingest, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Scheduler started",
		"stage_one", s.cfg.StageOne,
		"stage_two", s.cfg.StageTwo,
		"reconcile", s.cfg.Reconcile,
		"timezone", period.TimezoneName)
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown interrupted: %w", ctx.Err())
	}
}

func (s *Scheduler) jobFunc(name string, runner StageRunner) func() {
	return func() {
		key := scheduledKey(time.Now())
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		s.logger.Info("Scheduled stage starting", "stage", name, "period", key)
		if err := runner.Run(ctx, key); err != nil {
			s.logger.Error("Scheduled stage failed", "stage", name, "period", key, "error", err)
			return
		}
		s.logger.Info("Scheduled stage finished", "stage", name, "period", key)
	}
}

func (s *Scheduler) reconcileFunc() func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		repaired, err := s.rec.ReconcileVectors(ctx)
		if err != nil {
			s.logger.Error("Vector reconciliation failed", "error", err)
			return
		}
		s.logger.Info("Vector reconciliation finished", "repaired", repaired)
	}
}

func (s *Scheduler) ingestFunc() func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.ingest(ctx); err != nil {
			s.logger.Error("Scheduled ingestion failed", "error", err)
		}
	}
}

// scheduledKey resolves which period key a stage run fired at t is
// responsible for.
func scheduledKey(t time.Time) string {
	local := t.In(period.Location())
	p := period.ScheduledPeriod(local.Hour())
	return fmt.Sprintf("%s_%s", local.Format("2006-01-02"), p)
}
