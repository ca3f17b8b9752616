package dto

import "github.com/google/uuid"

type StartWorkflowResponse struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	JobID      uuid.UUID `json:"job_id"`
}

type LeadCallbackResponse struct {
	LeadID   uuid.UUID  `json:"lead_id"`
	Status   string     `json:"status"`
	JobID    *uuid.UUID `json:"job_id,omitempty"`
	Enqueued bool       `json:"enqueued"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
