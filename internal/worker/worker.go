package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"go-groupwatch/internal/clock"
	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/domain"
	"go-groupwatch/internal/metrics"
)

type Config struct {
	Concurrency int `yaml:"concurrency"`
	// LeaseDuration is how long a claimed job stays ours without a
	// heartbeat. HeartbeatInterval must be well below it.
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RetryBase         time.Duration `yaml:"retry_base"`
	RetryMax          time.Duration `yaml:"retry_max"`
	DeferDelay        time.Duration `yaml:"defer_delay"`
	MaxDeferrals      int           `yaml:"max_deferrals"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	ReapBatch         int           `yaml:"reap_batch"`
	// RepushAfter is how long a due job may sit queued before the reaper
	// pushes its id again.
	RepushAfter time.Duration `yaml:"repush_after"`
}

func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		LeaseDuration:     2 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		RetryBase:         30 * time.Second,
		RetryMax:          10 * time.Minute,
		DeferDelay:        time.Minute,
		MaxDeferrals:      30,
		ReapInterval:      15 * time.Second,
		ReapBatch:         100,
		RepushAfter:       time.Minute,
	}
}

type Worker struct {
	workerID string
	cfg      Config
	queue    ports.JobQueue
	jobs     ports.JobRepository
	registry Registry
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewWorker(cfg Config, q ports.JobQueue, jobs ports.JobRepository, reg Registry, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Worker {
	id := uuid.New().String()
	return &Worker{
		workerID: id,
		cfg:      cfg,
		queue:    q,
		jobs:     jobs,
		registry: reg,
		clock:    clk,
		metrics:  m,
		logger:   logger.With("module", "worker", "worker_id", id),
	}
}

// RetryDelay is RetryBase doubled per spent attempt, capped at RetryMax.
func (w *Worker) RetryDelay(attempts int) time.Duration {
	d := w.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.cfg.RetryMax {
			return w.cfg.RetryMax
		}
	}
	return min(d, w.cfg.RetryMax)
}

// ProcessNextJob handles exactly ONE job lifecycle
func (w *Worker) ProcessNextJob(ctx context.Context) {
	// 1. POP: Wait until a job is available
	jobIDStr, err := w.queue.Pop(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "failed to pop from queue", "error", err)
			_ = w.clock.Sleep(ctx, time.Second)
		}
		return
	}
	if jobIDStr == "" {
		return
	}

	// 2. FETCH: Get the full job from DB
	jobID, err := uuid.Parse(jobIDStr)
	if err != nil {
		w.logger.WarnContext(ctx, "dropping malformed job id", "job_id", jobIDStr)
		return
	}
	job, err := w.jobs.FindByID(ctx, jobID)
	if err != nil {
		w.logger.WarnContext(ctx, "failed to load job", "job_id", jobID, "error", err)
		return
	}
	logger := w.logger.With("job_id", job.ID, "kind", job.Kind)

	// 2.5. SKIP: duplicate pushes of finished, running or early jobs
	if job.Status != domain.JobQueued {
		logger.DebugContext(ctx, "job not queued, skipping", "status", job.Status)
		return
	}
	if now := w.clock.Now(); job.RunAt.After(now) {
		if err := w.queue.Schedule(ctx, job.ID.String(), job.RunAt); err != nil {
			logger.ErrorContext(ctx, "failed to park early job", "error", err)
		}
		return
	}

	// 3. CLAIM: Attempt to claim the job with optimistic locking
	err = w.jobs.Claim(ctx, job.ID, w.workerID, job.Version, w.clock.Now().Add(w.cfg.LeaseDuration))
	if err != nil {
		if errors.Is(err, domain.ErrJobClaimed) {
			logger.DebugContext(ctx, "job claimed by another worker")
		} else {
			logger.ErrorContext(ctx, "failed to claim job", "error", err)
		}
		return
	}
	// Mirror the claim in memory (version and attempts were bumped in DB)
	job.Version++
	job.Attempts++
	logger.InfoContext(ctx, "job claimed", "attempt", job.Attempts)

	// 4. EXECUTE: Find the right handler and run it
	handler, exists := w.registry[job.Kind]
	if !exists || handler.Run == nil {
		w.settle(ctx, job, handler, domain.Permanent(fmt.Errorf("unknown job kind %q", job.Kind)), 0, logger)
		return
	}

	started := time.Now()
	err = w.execute(ctx, job, handler.Run, logger)
	w.settle(ctx, job, handler, err, time.Since(started), logger)
}

// execute runs the handler while a heartbeat keeps the lease alive.
func (w *Worker) execute(ctx context.Context, job *domain.Job, run JobHandler, logger *slog.Logger) (err error) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if w.cfg.HeartbeatInterval > 0 {
		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(w.cfg.HeartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-jobCtx.Done():
					return
				case <-ticker.C:
					lease := w.clock.Now().Add(w.cfg.LeaseDuration)
					if err := w.jobs.ExtendLease(jobCtx, job.ID, w.workerID, job.Version, lease); err != nil {
						logger.WarnContext(jobCtx, "lost job lease, cancelling", "error", err)
						cancel()
						return
					}
				}
			}
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			err = domain.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return run(jobCtx, job)
}

// settle records the outcome of one execution.
func (w *Worker) settle(ctx context.Context, job *domain.Job, handler Handler, runErr error, took time.Duration, logger *slog.Logger) {
	// Shutdown must not lose the job or spend its attempt. Permanent
	// failures settle as usual.
	shuttingDown := ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)
	now := w.clock.Now()

	var outcome string
	switch {
	case runErr == nil:
		outcome = "completed"
		if err := w.jobs.Complete(ctx, job.ID, job.Version); err != nil {
			w.settleFailed(ctx, "failed to mark job completed", err, logger)
		}
		logger.InfoContext(ctx, "job completed", "took", took)

	case shuttingDown && !domain.IsPermanent(runErr):
		outcome = "interrupted"
		w.park(ctx, job, now, runErr, logger)

	case errors.Is(runErr, domain.ErrSessionBusy) && job.Deferrals < w.cfg.MaxDeferrals:
		outcome = "deferred"
		runAt := now.Add(w.cfg.DeferDelay)
		if err := w.jobs.Defer(ctx, job.ID, job.Version, runAt, runErr.Error()); err != nil {
			w.settleFailed(ctx, "failed to defer job", err, logger)
			break
		}
		w.schedule(ctx, job, runAt, logger)
		logger.InfoContext(ctx, "session busy, job deferred", "run_at", runAt)

	case domain.IsPermanent(runErr) || !job.CanRetry():
		outcome = "dead"
		logger.ErrorContext(ctx, "job failed permanently", "attempts", job.Attempts, "error", runErr)
		if err := w.jobs.MarkDead(ctx, job.ID, job.Version, runErr.Error()); err != nil {
			w.settleFailed(ctx, "failed to mark job dead", err, logger)
			break
		}
		if handler.OnExhausted != nil {
			handler.OnExhausted(ctx, job, runErr)
		}

	default:
		outcome = "retried"
		runAt := now.Add(w.RetryDelay(job.Attempts))
		logger.WarnContext(ctx, "job failed, retrying",
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts, "run_at", runAt, "error", runErr)
		if err := w.jobs.ScheduleRetry(ctx, job.ID, job.Version, runAt, runErr.Error()); err != nil {
			w.settleFailed(ctx, "failed to schedule retry", err, logger)
			break
		}
		w.schedule(ctx, job, runAt, logger)
	}

	w.metrics.JobFinished(string(job.Kind), outcome, took)
}

// park hands an interrupted job back without spending the attempt.
func (w *Worker) park(ctx context.Context, job *domain.Job, now time.Time, cause error, logger *slog.Logger) {
	if err := w.jobs.Defer(ctx, job.ID, job.Version, now, "interrupted: "+cause.Error()); err != nil {
		w.settleFailed(ctx, "failed to hand back interrupted job", err, logger)
		return
	}
	if err := w.queue.Push(ctx, job.ID.String()); err != nil {
		logger.ErrorContext(ctx, "failed to re-push interrupted job", "error", err)
	}
}

// settleFailed logs a failed settle. ErrJobClaimed means the lease was reaped
// and another worker owns the job now, so the outcome is dropped.
func (w *Worker) settleFailed(ctx context.Context, msg string, err error, logger *slog.Logger) {
	if errors.Is(err, domain.ErrJobClaimed) {
		logger.WarnContext(ctx, "job reclaimed by another worker, dropping outcome", "error", err)
		return
	}
	logger.ErrorContext(ctx, msg, "error", err)
}

func (w *Worker) schedule(ctx context.Context, job *domain.Job, runAt time.Time, logger *slog.Logger) {
	// The reaper re-pushes due jobs, so a failure here only delays the job.
	if err := w.queue.Schedule(ctx, job.ID.String(), runAt); err != nil {
		logger.ErrorContext(ctx, "failed to schedule job", "error", err)
	}
}

// Reap promotes due retries, requeues jobs whose worker vanished and
// re-pushes queued jobs that nobody picked up. It returns how many jobs
// were handed back to the queue.
func (w *Worker) Reap(ctx context.Context) (int, error) {
	now := w.clock.Now()

	// 1. Delayed ZSET -> pending list
	promoted, err := w.queue.PromoteDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("promote due jobs: %w", err)
	}
	total := promoted

	// 2. Expired leases (crashed workers)
	expired, err := w.jobs.FindExpiredLeases(ctx, now, w.cfg.ReapBatch)
	if err != nil {
		return total, fmt.Errorf("find expired leases: %w", err)
	}
	for _, job := range expired {
		if err := w.jobs.Requeue(ctx, job.ID, job.Version, now); err != nil {
			if !errors.Is(err, domain.ErrJobClaimed) {
				w.logger.ErrorContext(ctx, "failed to requeue job", "job_id", job.ID, "error", err)
			}
			continue
		}
		if err := w.queue.Push(ctx, job.ID.String()); err != nil {
			return total, err
		}
		w.logger.WarnContext(ctx, "requeued job with expired lease", "job_id", job.ID, "worker_id", job.WorkerID)
		total++
	}

	// 3. Queued jobs that should have run a while ago (lost pushes)
	stale, err := w.jobs.FindDueQueued(ctx, now.Add(-w.cfg.RepushAfter), w.cfg.ReapBatch)
	if err != nil {
		return total, fmt.Errorf("find stale jobs: %w", err)
	}
	for _, job := range stale {
		if err := w.queue.Push(ctx, job.ID.String()); err != nil {
			return total, err
		}
		total++
	}
	return total, nil
}

// StartPool launches the concurrent worker loops and the reaper and blocks
// until ctx is done.
func (w *Worker) StartPool(ctx context.Context) error {
	concurrency := max(w.cfg.Concurrency, 1)
	w.logger.InfoContext(ctx, "starting worker pool", "concurrency", concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := range concurrency {
		g.Go(func() error {
			w.logger.DebugContext(ctx, "worker thread started", "thread", i)
			for ctx.Err() == nil {
				w.ProcessNextJob(ctx)
			}
			w.logger.DebugContext(ctx, "worker thread shutting down", "thread", i)
			return nil
		})
	}
	g.Go(func() error {
		interval := w.cfg.ReapInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n, err := w.Reap(ctx); err != nil {
					if ctx.Err() == nil {
						w.logger.ErrorContext(ctx, "reaper pass failed", "error", err)
					}
				} else if n > 0 {
					w.logger.DebugContext(ctx, "reaper handed back jobs", "count", n)
				}
			}
		}
	})
	return g.Wait()
}
