package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobKind string

const (
	JobStartWorkflow JobKind = "start-workflow"
	JobPostComment   JobKind = "post-comment"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobDead      JobStatus = "dead"
	// JobCancelled is a queued job withdrawn before any worker claimed it.
	JobCancelled JobStatus = "cancelled"
)

// Job is a durable unit of work. IdempotencyKey is unique, so a second
// enqueue with the same key never creates a second job.
type Job struct {
	ID             uuid.UUID      `gorm:"type:uuid;primary_key;"`
	Kind           JobKind        `gorm:"type:varchar(32);index;not null"`
	IdempotencyKey string         `gorm:"type:varchar(255);uniqueIndex;not null"`
	Payload        datatypes.JSON `gorm:"type:jsonb"`
	Status         JobStatus      `gorm:"type:varchar(20);index;default:'queued'"`
	Attempts       int            `gorm:"default:0"`
	MaxAttempts    int            `gorm:"default:3"`
	Deferrals      int            `gorm:"default:0"`
	LastError      string         `gorm:"type:text"`
	RunAt          time.Time      `gorm:"index"`
	WorkerID       *string        `gorm:"type:varchar(100);index"`
	LeaseExpiresAt *time.Time     `gorm:"index"`
	Version        int            `gorm:"default:1"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewJob(kind JobKind, key string, payload []byte, maxAttempts int) *Job {
	now := time.Now()
	return &Job{
		ID:             uuid.New(),
		Kind:           kind,
		IdempotencyKey: key,
		Payload:        datatypes.JSON(payload),
		Status:         JobQueued,
		MaxAttempts:    maxAttempts,
		RunAt:          now,
		Version:        1,
		CreatedAt:      now,
	}
}

// CanRetry reports whether another attempt is allowed after the current one
// failed. Attempts already counts the failed attempt.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// StartJobKeyPrefix prefixes the idempotency keys of every start-workflow job
// of workflowID. Each trigger appends its own suffix.
func StartJobKeyPrefix(workflowID uuid.UUID) string {
	return "start:" + workflowID.String() + ":"
}

// CommentJobKey is the idempotency key of the post-comment job for a lead.
func CommentJobKey(leadID uuid.UUID) string {
	return "comment:" + leadID.String()
}

// --- PAYLOADS ---

type NodeSnapshot struct {
	ID        uuid.UUID `json:"id"`
	GroupURL  string    `json:"group_url"`
	GroupName string    `json:"group_name"`
	Keywords  []string  `json:"keywords"`
	Prompt    string    `json:"prompt"`
	IsActive  bool      `json:"is_active"`
}

// StartWorkflowPayload carries a full workflow snapshot so the worker never
// has to re-read node configuration mid-run.
type StartWorkflowPayload struct {
	ID         uuid.UUID      `json:"id"`
	AccountID  uuid.UUID      `json:"account_id"`
	WebhookURL *string        `json:"webhook_url,omitempty"`
	Nodes      []NodeSnapshot `json:"nodes"`
	// RequestedAt is when the start was triggered. A stop recorded after it
	// cancels the run.
	RequestedAt time.Time `json:"requested_at,omitzero"`
}

func (p StartWorkflowPayload) ActiveNodes() []NodeSnapshot {
	active := make([]NodeSnapshot, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.IsActive {
			active = append(active, n)
		}
	}
	return active
}

type PostCommentPayload struct {
	LeadID      uuid.UUID `json:"leadId"`
	PostURL     string    `json:"postUrl"`
	CommentText string    `json:"commentText"`
}
