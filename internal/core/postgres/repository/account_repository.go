package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/domain"
)

type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new instance of AccountRepository
func NewAccountRepository(db *gorm.DB) ports.AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Create(ctx context.Context, account *domain.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *accountRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		return nil, notFound(err, "account", id)
	}
	return &account, nil
}

func (r *accountRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus) error {
	return r.updates(ctx, id, map[string]interface{}{"status": status})
}

func (r *accountRepository) SetSession(ctx context.Context, id uuid.UUID, identity, sessionKey *string, status domain.AccountStatus) error {
	return r.updates(ctx, id, map[string]interface{}{
		"external_identity": identity,
		"session_key":       sessionKey,
		"status":            status,
	})
}

func (r *accountRepository) ClearSession(ctx context.Context, id uuid.UUID) error {
	return r.updates(ctx, id, map[string]interface{}{
		"external_identity": nil,
		"session_key":       nil,
		"status":            domain.AccountNotReady,
	})
}

func (r *accountRepository) updates(ctx context.Context, id uuid.UUID, values map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ?", id).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "account", id)
	}
	return nil
}

func (r *accountRepository) FindByIdentity(ctx context.Context, tenantID uuid.UUID, identity string, excludeID uuid.UUID) ([]domain.Account, error) {
	var accounts []domain.Account
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND external_identity = ? AND id <> ?", tenantID, identity, excludeID).
		Find(&accounts).Error
	return accounts, err
}
