package domain

import (
	"github.com/google/uuid"
)

// LeadCapturedEvent is published to Redis Pub/Sub by the runner once a lead
// is persisted. The coordinator forwards it to the reply generator.
type LeadCapturedEvent struct {
	LeadID     uuid.UUID `json:"lead_id"`
	WorkflowID uuid.UUID `json:"workflow_id"`
	NodeID     uuid.UUID `json:"node_id"`
	RunID      uuid.UUID `json:"run_id"`
}

// WorkflowStopRequestedEvent asks whichever process hosts the run to stop it.
type WorkflowStopRequestedEvent struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
}
