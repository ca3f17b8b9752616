package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type WorkflowStatus string

const (
	WorkflowCreated        WorkflowStatus = "created"
	WorkflowRunning        WorkflowStatus = "running"
	WorkflowPartialSuccess WorkflowStatus = "partial_success"
	WorkflowCompleted      WorkflowStatus = "completed"
	WorkflowFailed         WorkflowStatus = "failed"
	WorkflowStopped        WorkflowStatus = "stopped"
)

// MaxNodeKeywords bounds the keyword filter of a single node.
const MaxNodeKeywords = 20

type Workflow struct {
	ID         uuid.UUID      `gorm:"type:uuid;primary_key;"`
	AccountID  uuid.UUID      `gorm:"type:uuid;index;not null"`
	Name       string         `gorm:"type:varchar(100)"`
	Status     WorkflowStatus `gorm:"type:varchar(20);default:'created'"`
	WebhookURL *string        `gorm:"type:varchar(2048)"`

	// Note: nodes are loaded on demand, most callers only need the status.
	Nodes []WorkflowNode `gorm:"foreignKey:WorkflowID"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowNode is one monitored group.
type WorkflowNode struct {
	ID         uuid.UUID      `gorm:"type:uuid;primary_key;"`
	WorkflowID uuid.UUID      `gorm:"type:uuid;index;not null"`
	GroupURL   string         `gorm:"type:varchar(2048);not null"`
	GroupName  string         `gorm:"type:varchar(255)"`
	Prompt     string         `gorm:"type:text"`
	Keywords   datatypes.JSON `gorm:"type:jsonb"`
	IsActive   bool           `gorm:"default:true"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

type NodeOutcome string

const (
	NodeSucceeded NodeOutcome = "succeeded"
	NodeFailed    NodeOutcome = "failed"
	NodeStopped   NodeOutcome = "stopped"
)

// NodeResult is the per-node summary kept on a run so an operator can decide
// whether to retry without reading logs.
type NodeResult struct {
	NodeID    uuid.UUID   `json:"node_id"`
	Outcome   NodeOutcome `json:"outcome"`
	Leads     int         `json:"leads"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
}

type WorkflowRun struct {
	ID             uuid.UUID      `gorm:"type:uuid;primary_key;"`
	WorkflowID     uuid.UUID      `gorm:"type:uuid;index;not null"`
	Status         WorkflowStatus `gorm:"type:varchar(20);default:'running'"`
	NodesSucceeded int            `gorm:"default:0"`
	NodesFailed    int            `gorm:"default:0"`
	NodeResults    datatypes.JSON `gorm:"type:jsonb"`
	Error          string         `gorm:"type:text"`

	StartedAt  time.Time
	FinishedAt *time.Time
}

// --- FACTORY ---
func NewWorkflowRun(workflowID uuid.UUID, startedAt time.Time) *WorkflowRun {
	return &WorkflowRun{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		Status:     WorkflowRunning,
		StartedAt:  startedAt,
	}
}

// --- METHODS ---
func (w *Workflow) IsFinished() bool {
	switch w.Status {
	case WorkflowCompleted, WorkflowPartialSuccess, WorkflowFailed, WorkflowStopped:
		return true
	}
	return false
}

// NormalizeKeywords case-folds, trims and de-duplicates a keyword set,
// keeping at most MaxNodeKeywords entries in their original order.
func NormalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
		if len(out) == MaxNodeKeywords {
			break
		}
	}
	return out
}

// FinalRunStatus folds node outcomes into the run status.
func FinalRunStatus(succeeded, failed int) WorkflowStatus {
	switch {
	case failed == 0:
		return WorkflowCompleted
	case succeeded == 0:
		return WorkflowFailed
	default:
		return WorkflowPartialSuccess
	}
}
