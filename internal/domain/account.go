package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AccountStatus string

const (
	AccountNotReady      AccountStatus = "not_ready"
	AccountLoggingIn     AccountStatus = "logging_in"
	AccountReady         AccountStatus = "ready"
	AccountError         AccountStatus = "error"
	AccountConflict      AccountStatus = "conflict"
	AccountLoginRequired AccountStatus = "login_required"
)

// Account is one automation identity. It owns at most one browsing session.
type Account struct {
	ID       uuid.UUID     `gorm:"type:uuid;primary_key;"`
	TenantID uuid.UUID     `gorm:"type:uuid;index;not null"`
	Name     string        `gorm:"type:varchar(100)"`
	Status   AccountStatus `gorm:"type:varchar(20);index;default:'not_ready'"`

	// ExternalIdentity is the fingerprint of the site-side user the session
	// is logged in as. Nil until the first successful login.
	ExternalIdentity *string `gorm:"type:varchar(128);index"`
	SessionKey       *string `gorm:"type:varchar(255)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// --- FACTORY ---
func NewAccount(tenantID uuid.UUID, name string) *Account {
	return &Account{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		Status:    AccountNotReady,
		CreatedAt: time.Now(),
	}
}

// --- METHODS ---
func (a *Account) IsReady() bool {
	return a.Status == AccountReady
}

// SessionBlobKey is the blob-store path of the account's serialized session.
func SessionBlobKey(tenantID, accountID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/storage-state.json", tenantID, accountID)
}
