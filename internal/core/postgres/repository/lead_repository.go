package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/domain"
)

type leadRepository struct {
	db *gorm.DB
}

// NewLeadRepository creates a new instance of LeadRepository
func NewLeadRepository(db *gorm.DB) ports.LeadRepository {
	return &leadRepository{db: db}
}

func (r *leadRepository) Create(ctx context.Context, lead *domain.Lead) error {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(lead)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: lead %s", domain.ErrDuplicate, lead.SourceURL)
	}
	return nil
}

func (r *leadRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	var lead domain.Lead
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&lead).Error; err != nil {
		return nil, notFound(err, "lead", id)
	}
	return &lead, nil
}

// Transition is a compare-and-set on the status column, so two callers racing
// on the same lead cannot both move it.
func (r *leadRepository) Transition(ctx context.Context, id uuid.UUID, from, to domain.LeadStatus, update domain.LeadUpdate) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	values := map[string]interface{}{"status": to}
	if update.Reply != nil {
		values["reply"] = *update.Reply
	}
	if update.LastError != nil {
		values["last_error"] = *update.LastError
	}

	result := r.db.WithContext(ctx).
		Model(&domain.Lead{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: lead %s is %s, not %s", domain.ErrInvalidTransition, id, current.Status, from)
	}
	return nil
}
