package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/domain"
)

// ErrMissingComment means a ready_to_comment callback came without text.
var ErrMissingComment = errors.New("generated comment is required")

// CallbackResult tells the caller where the lead ended up.
type CallbackResult struct {
	Status   domain.LeadStatus
	JobID    uuid.UUID
	Enqueued bool
}

type LeadService interface {
	// ProcessCallback applies the reply generator's verdict for a lead.
	ProcessCallback(ctx context.Context, leadID uuid.UUID, generatedComment string, status domain.LeadStatus) (CallbackResult, error)
}

type leadService struct {
	cfg    Config
	leads  ports.LeadRepository
	jobs   ports.JobRepository
	queue  ports.JobQueue
	logger *slog.Logger
}

func NewLeadService(cfg Config, leads ports.LeadRepository, jobs ports.JobRepository, queue ports.JobQueue, logger *slog.Logger) LeadService {
	if cfg.CommentMaxAttempts < 1 {
		cfg.CommentMaxAttempts = 1
	}
	return &leadService{
		cfg:    cfg,
		leads:  leads,
		jobs:   jobs,
		queue:  queue,
		logger: logger.With("module", "lead_service"),
	}
}

// rank orders the non-terminal path of the lead lifecycle.
func rank(s domain.LeadStatus) int {
	switch s {
	case domain.LeadCaptured:
		return 0
	case domain.LeadProcessed:
		return 1
	case domain.LeadReadyToComment:
		return 2
	default:
		return 3
	}
}

func (s *leadService) ProcessCallback(ctx context.Context, leadID uuid.UUID, generatedComment string, status domain.LeadStatus) (CallbackResult, error) {
	if status != domain.LeadProcessed && status != domain.LeadReadyToComment {
		return CallbackResult{}, fmt.Errorf("%w: callback cannot set %s", domain.ErrInvalidTransition, status)
	}
	comment := strings.TrimSpace(generatedComment)
	if status == domain.LeadReadyToComment && comment == "" {
		return CallbackResult{}, ErrMissingComment
	}

	lead, err := s.leads.GetByID(ctx, leadID)
	if err != nil {
		return CallbackResult{}, err
	}
	logger := s.logger.With("lead_id", lead.ID)

	// 1. Walk forward one step at a time. A repeated callback finds the lead
	// already there and falls through to the idempotent enqueue.
	current := lead.Status
	if rank(current) > rank(status) && status == domain.LeadProcessed {
		return CallbackResult{}, fmt.Errorf("%w: lead %s is %s", domain.ErrInvalidTransition, lead.ID, current)
	}
	for rank(current) < rank(status) {
		next := domain.LeadProcessed
		update := domain.LeadUpdate{}
		if current == domain.LeadProcessed {
			next = domain.LeadReadyToComment
			update.Reply = &comment
		}
		if err := s.leads.Transition(ctx, lead.ID, current, next, update); err != nil {
			return CallbackResult{}, err
		}
		current = next
	}
	res := CallbackResult{Status: current}
	if status == domain.LeadProcessed {
		logger.InfoContext(ctx, "lead processed")
		return res, nil
	}

	// 2. Enqueue the comment job. The key makes a redelivered callback a no-op.
	payload, err := json.Marshal(domain.PostCommentPayload{
		LeadID:      lead.ID,
		PostURL:     lead.SourceURL,
		CommentText: comment,
	})
	if err != nil {
		return res, fmt.Errorf("encode post-comment: %w", err)
	}
	job := domain.NewJob(domain.JobPostComment, domain.CommentJobKey(lead.ID), payload, s.cfg.CommentMaxAttempts)
	created, err := s.jobs.Enqueue(ctx, job)
	if err != nil {
		return res, fmt.Errorf("enqueue post-comment: %w", err)
	}
	if !created {
		existing, err := s.jobs.FindByKey(ctx, job.IdempotencyKey)
		if err != nil {
			return res, err
		}
		res.JobID = existing.ID
		logger.InfoContext(ctx, "comment job already exists", "job_id", existing.ID)
		return res, nil
	}

	res.JobID = job.ID
	res.Enqueued = true
	if err := s.queue.Push(ctx, job.ID.String()); err != nil {
		logger.WarnContext(ctx, "push failed, reaper will pick the job up", "job_id", job.ID, "error", err)
	}
	logger.InfoContext(ctx, "comment job enqueued", "job_id", job.ID)
	return res, nil
}
