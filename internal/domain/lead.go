package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type LeadStatus string

const (
	LeadCaptured       LeadStatus = "captured"
	LeadProcessed      LeadStatus = "processed"
	LeadReadyToComment LeadStatus = "ready_to_comment"
	LeadCommented      LeadStatus = "commented"
	LeadFailed         LeadStatus = "failed"
)

var leadTransitions = map[LeadStatus][]LeadStatus{
	LeadCaptured:       {LeadProcessed},
	LeadProcessed:      {LeadReadyToComment},
	LeadReadyToComment: {LeadCommented, LeadFailed},
}

// CanTransitionTo reports whether next directly follows s in the lead
// lifecycle. Terminal states have no successors.
func (s LeadStatus) CanTransitionTo(next LeadStatus) bool {
	for _, allowed := range leadTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s LeadStatus) IsTerminal() bool {
	return s == LeadCommented || s == LeadFailed
}

// Lead is one discovered post tracked through reply generation.
// SourceURL is unique: re-observing a post never creates a second lead.
type Lead struct {
	ID          uuid.UUID  `gorm:"type:uuid;primary_key;"`
	NodeID      uuid.UUID  `gorm:"type:uuid;index;not null"`
	RunID       uuid.UUID  `gorm:"type:uuid;index"`
	Fingerprint string     `gorm:"type:varchar(32);index;not null"`
	SourceURL   string     `gorm:"type:varchar(2048);uniqueIndex;not null"`
	Author      string     `gorm:"type:varchar(255)"`
	Snippet     string     `gorm:"type:text"`
	ArtifactKey string     `gorm:"type:varchar(512)"`
	Status      LeadStatus `gorm:"type:varchar(20);index;default:'captured'"`
	Reply       *string    `gorm:"type:text"`
	LastError   string     `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// --- FACTORY ---
func NewLead(nodeID, runID uuid.UUID, fingerprint, sourceURL string) *Lead {
	return &Lead{
		ID:          uuid.New(),
		NodeID:      nodeID,
		RunID:       runID,
		Fingerprint: fingerprint,
		SourceURL:   sourceURL,
		Status:      LeadCaptured,
		CreatedAt:   time.Now(),
	}
}

// LeadUpdate carries the optional columns written together with a status
// transition.
type LeadUpdate struct {
	Reply     *string
	LastError *string
}

// ArtifactKey is the blob path of a lead's screenshot.
func ArtifactKey(workflowID, runID uuid.UUID, fingerprint string) string {
	return fmt.Sprintf("workflows/%s/runs/%s/%s.png", workflowID, runID, fingerprint)
}
