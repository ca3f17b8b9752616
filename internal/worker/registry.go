package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"go-groupwatch/internal/action"
	"go-groupwatch/internal/browser"
	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/domain"
	"go-groupwatch/internal/session"
)

// ErrReplyUnrecorded means the reply went out but the lead could not be
// marked commented. Such a job is never retried.
var ErrReplyUnrecorded = errors.New("reply posted but not recorded")

// JobHandler is the blueprint for any function that does work
type JobHandler func(ctx context.Context, job *domain.Job) error

// Handler pairs a JobHandler with what to do once the job is dead.
type Handler struct {
	Run JobHandler
	// OnExhausted, when set, runs once after the job was marked dead.
	OnExhausted func(ctx context.Context, job *domain.Job, cause error)
}

// Registry holds all our executable job kinds
type Registry map[domain.JobKind]Handler

type WorkflowStarter interface {
	Start(ctx context.Context, snap domain.StartWorkflowPayload) (*domain.WorkflowRun, error)
}

type SessionOpener interface {
	Open(ctx context.Context, tenantID, accountID uuid.UUID) (*session.Session, error)
}

type ReplyPoster interface {
	PostReply(ctx context.Context, page browser.Page, target action.Target, message string) (action.Result, error)
}

// InitRegistry wires up the actual business logic
func InitRegistry(starter WorkflowStarter, comments *CommentHandler) Registry {
	registry := make(Registry)

	registry[domain.JobStartWorkflow] = Handler{Run: StartWorkflowHandler(starter)}
	registry[domain.JobPostComment] = Handler{Run: comments.Handle, OnExhausted: comments.Exhausted}

	return registry
}

// StartWorkflowHandler runs the workflow in the payload to completion.
func StartWorkflowHandler(starter WorkflowStarter) JobHandler {
	return func(ctx context.Context, job *domain.Job) error {
		var snap domain.StartWorkflowPayload
		if err := json.Unmarshal(job.Payload, &snap); err != nil {
			return domain.Permanent(fmt.Errorf("decode start-workflow payload: %w", err))
		}
		if snap.ID == uuid.Nil || snap.AccountID == uuid.Nil {
			return domain.Permanent(errors.New("start-workflow payload without workflow or account id"))
		}
		_, err := starter.Start(ctx, snap)
		return err
	}
}

// CommentHandler posts the generated reply of a lead.
type CommentHandler struct {
	leads     ports.LeadRepository
	workflows ports.WorkflowRepository
	accounts  ports.AccountRepository
	sessions  SessionOpener
	poster    ReplyPoster
	logger    *slog.Logger
}

func NewCommentHandler(
	leads ports.LeadRepository,
	workflows ports.WorkflowRepository,
	accounts ports.AccountRepository,
	sessions SessionOpener,
	poster ReplyPoster,
	logger *slog.Logger,
) *CommentHandler {
	return &CommentHandler{
		leads:     leads,
		workflows: workflows,
		accounts:  accounts,
		sessions:  sessions,
		poster:    poster,
		logger:    logger.With("module", "comments"),
	}
}

func decodeComment(job *domain.Job) (domain.PostCommentPayload, error) {
	var p domain.PostCommentPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, domain.Permanent(fmt.Errorf("decode post-comment payload: %w", err))
	}
	if p.LeadID == uuid.Nil {
		return p, domain.Permanent(errors.New("post-comment payload without lead id"))
	}
	return p, nil
}

func (h *CommentHandler) Handle(ctx context.Context, job *domain.Job) error {
	p, err := decodeComment(job)
	if err != nil {
		return err
	}
	logger := h.logger.With("lead_id", p.LeadID, "job_id", job.ID)

	// 1. Lead state decides whether there is anything to do
	lead, err := h.leads.GetByID(ctx, p.LeadID)
	if err != nil {
		return err
	}
	switch lead.Status {
	case domain.LeadCommented:
		logger.InfoContext(ctx, "lead already commented, skipping")
		return nil
	case domain.LeadReadyToComment:
	default:
		return fmt.Errorf("%w: lead %s is %s", domain.ErrInvalidTransition, lead.ID, lead.Status)
	}

	message := p.CommentText
	if message == "" && lead.Reply != nil {
		message = *lead.Reply
	}
	if message == "" {
		return domain.Permanent(fmt.Errorf("lead %s has no reply text", lead.ID))
	}
	url := p.PostURL
	if url == "" {
		url = lead.SourceURL
	}

	// 2. Lead -> Node -> Workflow -> Account
	account, err := h.ownerOf(ctx, lead)
	if err != nil {
		return err
	}
	if !account.IsReady() {
		return fmt.Errorf("%w: account %s is %s", domain.ErrAccountNotReady, account.ID, account.Status)
	}

	// 3. Post through the account session
	sess, err := h.sessions.Open(ctx, account.TenantID, account.ID)
	if err != nil {
		return err
	}
	defer sess.Close()

	page, err := sess.NewPage(ctx)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	res, err := h.poster.PostReply(ctx, page, action.Target{URL: url}, message)
	if err != nil {
		return err
	}

	// 4. Record the result. From here on the job must not run again.
	err = h.leads.Transition(context.WithoutCancel(ctx), lead.ID, domain.LeadReadyToComment, domain.LeadCommented, domain.LeadUpdate{Reply: &message})
	if err != nil {
		logger.ErrorContext(ctx, "reply posted but lead not marked commented", "strategy", res.Strategy, "error", err)
		return domain.Permanent(fmt.Errorf("%w: %w", ErrReplyUnrecorded, err))
	}
	logger.InfoContext(ctx, "reply posted", "strategy", res.Strategy, "confirmed", res.Confirmed)
	return nil
}

func (h *CommentHandler) ownerOf(ctx context.Context, lead *domain.Lead) (*domain.Account, error) {
	node, err := h.workflows.NodeByID(ctx, lead.NodeID)
	if err != nil {
		return nil, err
	}
	workflow, err := h.workflows.GetByID(ctx, node.WorkflowID)
	if err != nil {
		return nil, err
	}
	return h.accounts.GetByID(ctx, workflow.AccountID)
}

// Exhausted marks the lead failed once its comment job is dead.
func (h *CommentHandler) Exhausted(ctx context.Context, job *domain.Job, cause error) {
	p, err := decodeComment(job)
	if err != nil {
		return
	}
	if errors.Is(cause, ErrReplyUnrecorded) {
		return
	}
	msg := cause.Error()
	err = h.leads.Transition(ctx, p.LeadID, domain.LeadReadyToComment, domain.LeadFailed, domain.LeadUpdate{LastError: &msg})
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrNotFound) {
		h.logger.ErrorContext(ctx, "failed to mark lead failed", "lead_id", p.LeadID, "error", err)
	}
}
