package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"go-groupwatch/internal/browser"
	"go-groupwatch/internal/domain"
)

// JobQueue carries job IDs. The jobs table is the source of truth, the queue
// only wakes workers up.
type JobQueue interface {
	// Push a Job UUID to the "To-Do" list
	Push(ctx context.Context, jobID string) error

	// Wait (Block) until a Job UUID is available. Returns "" and no error
	// when the wait timed out.
	Pop(ctx context.Context) (string, error)

	// Schedule parks a job until at. PromoteDue moves it back to the list.
	Schedule(ctx context.Context, jobID string, at time.Time) error
	PromoteDue(ctx context.Context, now time.Time) (int, error)
}

// EventBus represents the event bus operations
type EventBus interface {
	// Publish "lead X was captured" to Redis Pub/Sub
	PublishLeadCaptured(ctx context.Context, event domain.LeadCapturedEvent) error
	// Subscribe to captured leads (used by the coordinator)
	SubscribeLeadCaptured(ctx context.Context) (<-chan domain.LeadCapturedEvent, error)

	PublishStopRequested(ctx context.Context, event domain.WorkflowStopRequestedEvent) error
	SubscribeStopRequested(ctx context.Context) (<-chan domain.WorkflowStopRequestedEvent, error)
}

// SessionStore holds the serialized browsing session of each account.
type SessionStore interface {
	Get(ctx context.Context, tenantID, accountID uuid.UUID) (browser.StorageState, error)
	Put(ctx context.Context, tenantID, accountID uuid.UUID, state browser.StorageState) (string, error)
	Delete(ctx context.Context, tenantID, accountID uuid.UUID) error
}

type ArtifactStore interface {
	Put(ctx context.Context, key string, png []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// AccountRepository represents the account repository operations
type AccountRepository interface {
	Create(ctx context.Context, account *domain.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus) error

	// SetSession records a stored session, the identity it belongs to and
	// the resulting status in one update.
	SetSession(ctx context.Context, id uuid.UUID, identity, sessionKey *string, status domain.AccountStatus) error
	// ClearSession drops identity and session key and resets the status.
	ClearSession(ctx context.Context, id uuid.UUID) error

	// FindByIdentity lists the tenant's other accounts logged in as identity.
	FindByIdentity(ctx context.Context, tenantID uuid.UUID, identity string, excludeID uuid.UUID) ([]domain.Account, error)
}

// WorkflowRepository represents the workflow, node and run operations
type WorkflowRepository interface {
	Create(ctx context.Context, workflow *domain.Workflow) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.WorkflowStatus) error
	// CountRunning counts the account's workflows with a run in progress in
	// any process.
	CountRunning(ctx context.Context, accountID uuid.UUID) (int64, error)

	// SaveSnapshot makes the stored nodes match a start-workflow snapshot so
	// leads can be traced back to their node.
	SaveSnapshot(ctx context.Context, snapshot domain.StartWorkflowPayload) error
	NodeByID(ctx context.Context, nodeID uuid.UUID) (*domain.WorkflowNode, error)

	CreateRun(ctx context.Context, run *domain.WorkflowRun) error
	FinishRun(ctx context.Context, run *domain.WorkflowRun) error
	LatestRun(ctx context.Context, workflowID uuid.UUID) (*domain.WorkflowRun, error)
}

// LeadRepository represents the lead repository operations
type LeadRepository interface {
	// Create returns domain.ErrDuplicate when the source url is known.
	Create(ctx context.Context, lead *domain.Lead) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Lead, error)

	// Transition moves the lead from -> to only if it is still in from.
	// Returns domain.ErrInvalidTransition otherwise.
	Transition(ctx context.Context, id uuid.UUID, from, to domain.LeadStatus, update domain.LeadUpdate) error
}

// JobRepository represents the durable job operations
type JobRepository interface {
	// Enqueue inserts the job unless its idempotency key exists. The bool
	// reports whether a new row was written.
	Enqueue(ctx context.Context, job *domain.Job) (bool, error)
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	FindByKey(ctx context.Context, key string) (*domain.Job, error)

	// Claim (Optimistic Locking)
	// "Set Status=RUNNING WHERE ID=? AND Version=? AND Status=QUEUED"
	Claim(ctx context.Context, id uuid.UUID, workerID string, version int, leaseUntil time.Time) error
	ExtendLease(ctx context.Context, id uuid.UUID, workerID string, version int, leaseUntil time.Time) error

	// Settling. version is the one the caller's claim produced; a holder
	// whose lease was reaped gets ErrJobClaimed.
	Complete(ctx context.Context, id uuid.UUID, version int) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, version int, runAt time.Time, lastErr string) error
	// Defer puts the job back without spending an attempt.
	Defer(ctx context.Context, id uuid.UUID, version int, runAt time.Time, reason string) error
	MarkDead(ctx context.Context, id uuid.UUID, version int, lastErr string) error
	// CancelQueued withdraws the unclaimed jobs whose key starts with
	// keyPrefix and reports how many it cancelled.
	CancelQueued(ctx context.Context, keyPrefix, reason string) (int, error)

	// Recovery
	FindExpiredLeases(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
	Requeue(ctx context.Context, id uuid.UUID, version int, runAt time.Time) error
	FindDueQueued(ctx context.Context, before time.Time, limit int) ([]domain.Job, error)
}
