package dto

import (
	"github.com/google/uuid"

	"go-groupwatch/internal/domain"
)

type NodeDTO struct {
	ID        uuid.UUID `json:"id"`
	GroupURL  string    `json:"group_url" binding:"required,url"`
	GroupName string    `json:"group_name"`
	Keywords  []string  `json:"keywords" binding:"max=20"`
	Prompt    string    `json:"prompt"`
	IsActive  bool      `json:"is_active"`
}

// StartWorkflowRequest is the full workflow snapshot handed to the worker.
type StartWorkflowRequest struct {
	ID         uuid.UUID `json:"id"`
	AccountID  uuid.UUID `json:"account_id"`
	WebhookURL *string   `json:"webhook_url" binding:"omitempty,url"`
	Nodes      []NodeDTO `json:"nodes" binding:"required,min=1,dive"`
}

func (r StartWorkflowRequest) Snapshot() domain.StartWorkflowPayload {
	nodes := make([]domain.NodeSnapshot, 0, len(r.Nodes))
	for _, n := range r.Nodes {
		nodes = append(nodes, domain.NodeSnapshot{
			ID:        n.ID,
			GroupURL:  n.GroupURL,
			GroupName: n.GroupName,
			Keywords:  n.Keywords,
			Prompt:    n.Prompt,
			IsActive:  n.IsActive,
		})
	}
	return domain.StartWorkflowPayload{
		ID:         r.ID,
		AccountID:  r.AccountID,
		WebhookURL: r.WebhookURL,
		Nodes:      nodes,
	}
}

// LeadCallbackRequest is what the reply generator posts back.
type LeadCallbackRequest struct {
	GeneratedComment string `json:"generated_comment"`
	Status           string `json:"status" binding:"required,oneof=processed ready_to_comment"`
}
