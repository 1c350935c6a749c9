// Package jobs runs background payment reconciliation on River.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/internal/telemetry"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/payments"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
)

const (
	DefaultInterval   = 5 * time.Minute
	DefaultOlderThan  = 10 * time.Minute
	DefaultBatchSize  = 100
	DefaultMaxWorkers = 2

	sweepJobKind = "payment_intent_sweep"
	sweepTimeout = 2 * time.Minute
)

// Config controls the periodic sweep of stale payment intents.
type Config struct {
	Interval   time.Duration
	OlderThan  time.Duration
	BatchSize  int
	MaxWorkers int
}

// Validate fills defaults.
func (config *Config) Validate() error {
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	if config.OlderThan == 0 {
		config.OlderThan = DefaultOlderThan
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxWorkers == 0 {
		config.MaxWorkers = DefaultMaxWorkers
	}
	if config.Interval < 0 || config.OlderThan < 0 || config.BatchSize < 0 || config.MaxWorkers < 0 {
		return errors.New("jobs: sweep settings must be positive")
	}
	return nil
}

// SweepArgs is the River job payload for one sweep.
type SweepArgs struct {
	OlderThanSeconds int64 `json:"older_than_seconds"`
	Limit            int   `json:"limit"`
}

// Kind implements river.JobArgs.
func (SweepArgs) Kind() string { return sweepJobKind }

// Sweeper re-verifies stale payment intents.
type Sweeper interface {
	SweepStale(ctx context.Context, updatedBefore time.Time, limit int) (payments.SweepReport, error)
}

// SweepWorker executes SweepArgs jobs.
type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	sweeper Sweeper
	now     func() time.Time
	logger  *zap.Logger
}

// NewSweepWorker returns a worker that delegates to sweeper.
func NewSweepWorker(sweeper Sweeper, logger *zap.Logger, now func() time.Time) *SweepWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &SweepWorker{sweeper: sweeper, now: now, logger: logger}
}

// Timeout bounds a single sweep.
func (worker *SweepWorker) Timeout(*river.Job[SweepArgs]) time.Duration {
	return sweepTimeout
}

// Work implements river.Worker.
func (worker *SweepWorker) Work(ctx context.Context, job *river.Job[SweepArgs]) error {
	olderThan := time.Duration(job.Args.OlderThanSeconds) * time.Second
	if olderThan <= 0 {
		olderThan = DefaultOlderThan
	}
	limit := job.Args.Limit
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	report, err := worker.sweeper.SweepStale(ctx, worker.now().UTC().Add(-olderThan), limit)
	telemetry.ObserveSweep(report.Checked, report.Finalized, report.Failed)
	if err != nil {
		return fmt.Errorf("sweep stale payment intents: %w", err)
	}
	worker.logger.Info("payment intent sweep finished",
		zap.Int("checked", report.Checked),
		zap.Int("finalized", report.Finalized),
		zap.Int("failed", report.Failed),
	)
	return nil
}

// Migrate applies River's schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	return nil
}

// NewClient builds a River client that enqueues a sweep every config.Interval.
func NewClient(pool *pgxpool.Pool, worker *SweepWorker, config Config) (*river.Client[pgx.Tx], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	workers := river.NewWorkers()
	river.AddWorker(workers, worker)
	args := SweepArgs{OlderThanSeconds: int64(config.OlderThan / time.Second), Limit: config.BatchSize}
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: config.MaxWorkers},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(config.Interval),
				func() (river.JobArgs, *river.InsertOpts) {
					return args, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("river client: %w", err)
	}
	return client, nil
}
