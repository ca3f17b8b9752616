package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/domain"
)

// ErrInvalidSnapshot is returned for a start request that cannot run.
var ErrInvalidSnapshot = errors.New("invalid workflow snapshot")

type Config struct {
	StartMaxAttempts   int `yaml:"start_max_attempts"`
	CommentMaxAttempts int `yaml:"comment_max_attempts"`
}

func DefaultConfig() Config {
	return Config{
		StartMaxAttempts:   1,
		CommentMaxAttempts: 3,
	}
}

type WorkflowService interface {
	// StartWorkflow enqueues a start-workflow job and returns its id.
	StartWorkflow(ctx context.Context, snap domain.StartWorkflowPayload) (uuid.UUID, error)
	// StopWorkflow withdraws queued starts, marks the workflow stopped and
	// tells whichever worker hosts the run to stop it.
	StopWorkflow(ctx context.Context, workflowID uuid.UUID) error
}

// The Implementation
type workflowService struct {
	cfg       Config
	workflows ports.WorkflowRepository
	jobs      ports.JobRepository
	queue     ports.JobQueue
	bus       ports.EventBus
	logger    *slog.Logger
}

// Constructor
func NewWorkflowService(
	cfg Config,
	workflows ports.WorkflowRepository,
	jobs ports.JobRepository,
	queue ports.JobQueue,
	bus ports.EventBus,
	logger *slog.Logger,
) WorkflowService {
	if cfg.StartMaxAttempts < 1 {
		cfg.StartMaxAttempts = 1
	}
	return &workflowService{
		cfg:       cfg,
		workflows: workflows,
		jobs:      jobs,
		queue:     queue,
		bus:       bus,
		logger:    logger.With("module", "workflow_service"),
	}
}

func validateSnapshot(snap domain.StartWorkflowPayload) error {
	switch {
	case snap.ID == uuid.Nil:
		return fmt.Errorf("%w: missing workflow id", ErrInvalidSnapshot)
	case snap.AccountID == uuid.Nil:
		return fmt.Errorf("%w: missing account id", ErrInvalidSnapshot)
	case len(snap.ActiveNodes()) == 0:
		return fmt.Errorf("%w: no active nodes", ErrInvalidSnapshot)
	}
	for _, n := range snap.Nodes {
		if n.ID == uuid.Nil {
			return fmt.Errorf("%w: node without id", ErrInvalidSnapshot)
		}
		if !strings.HasPrefix(n.GroupURL, "http://") && !strings.HasPrefix(n.GroupURL, "https://") {
			return fmt.Errorf("%w: node %s has no absolute group url", ErrInvalidSnapshot, n.ID)
		}
	}
	return nil
}

func (s *workflowService) StartWorkflow(ctx context.Context, snap domain.StartWorkflowPayload) (uuid.UUID, error) {
	// 1. Validate before anything is written
	if err := validateSnapshot(snap); err != nil {
		return uuid.Nil, err
	}
	if snap.RequestedAt.IsZero() {
		snap.RequestedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode snapshot: %w", err)
	}

	// 2. Persist the job. Every trigger is its own job, the runner rejects
	// overlapping runs of one workflow.
	key := domain.StartJobKeyPrefix(snap.ID) + uuid.NewString()
	job := domain.NewJob(domain.JobStartWorkflow, key, payload, s.cfg.StartMaxAttempts)
	created, err := s.jobs.Enqueue(ctx, job)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue start-workflow: %w", err)
	}

	// 3. Wake a worker. A lost push is recovered by the reaper.
	if created {
		if err := s.queue.Push(ctx, job.ID.String()); err != nil {
			s.logger.WarnContext(ctx, "push failed, reaper will pick the job up", "job_id", job.ID, "error", err)
		}
	}
	s.logger.InfoContext(ctx, "workflow start enqueued", "workflow_id", snap.ID, "job_id", job.ID)
	return job.ID, nil
}

func (s *workflowService) StopWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	// 1. Starts nobody claimed yet never run
	cancelled, err := s.jobs.CancelQueued(ctx, domain.StartJobKeyPrefix(workflowID), "stopped before start")
	if err != nil {
		return fmt.Errorf("cancel queued starts: %w", err)
	}

	// 2. A workflow that never ran has no row yet
	if _, err := s.workflows.GetByID(ctx, workflowID); err != nil {
		if errors.Is(err, domain.ErrNotFound) && cancelled > 0 {
			s.logger.InfoContext(ctx, "queued workflow start cancelled", "workflow_id", workflowID, "jobs", cancelled)
			return nil
		}
		return err
	}
	if err := s.workflows.UpdateStatus(ctx, workflowID, domain.WorkflowStopped); err != nil {
		return err
	}

	// 3. Claimed starts see the stopped row, running ones get the signal
	if err := s.bus.PublishStopRequested(ctx, domain.WorkflowStopRequestedEvent{WorkflowID: workflowID}); err != nil {
		return fmt.Errorf("publish stop: %w", err)
	}
	s.logger.InfoContext(ctx, "workflow stop requested", "workflow_id", workflowID, "cancelled_jobs", cancelled)
	return nil
}
