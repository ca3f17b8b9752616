package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/domain"
)

type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new instance of JobRepository
func NewJobRepository(db *gorm.DB) ports.JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Enqueue(ctx context.Context, job *domain.Job) (bool, error) {
	job.RunAt = job.RunAt.UTC()
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(job)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *jobRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, notFound(err, "job", id)
	}
	return &job, nil
}

func (r *jobRepository) FindByKey(ctx context.Context, key string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&job).Error; err != nil {
		return nil, notFound(err, "job", key)
	}
	return &job, nil
}

// Claim bumps the version, so of two workers that read the same row only the
// first update matches.
func (r *jobRepository) Claim(ctx context.Context, id uuid.UUID, workerID string, version int, leaseUntil time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND version = ? AND status = ?", id, version, domain.JobQueued).
		Updates(map[string]interface{}{
			"status":           domain.JobRunning,
			"worker_id":        workerID,
			"version":          version + 1,
			"attempts":         gorm.Expr("attempts + 1"),
			"lease_expires_at": leaseUntil.UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobClaimed, id)
	}
	return nil
}

func (r *jobRepository) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, version int, leaseUntil time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND worker_id = ? AND version = ? AND status = ?", id, workerID, version, domain.JobRunning).
		Update("lease_expires_at", leaseUntil.UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: lease of %s lost", domain.ErrJobClaimed, id)
	}
	return nil
}

func (r *jobRepository) Complete(ctx context.Context, id uuid.UUID, version int) error {
	return r.finish(ctx, id, version, map[string]interface{}{
		"status":     domain.JobCompleted,
		"last_error": "",
	})
}

func (r *jobRepository) ScheduleRetry(ctx context.Context, id uuid.UUID, version int, runAt time.Time, lastErr string) error {
	return r.finish(ctx, id, version, map[string]interface{}{
		"status":     domain.JobQueued,
		"run_at":     runAt.UTC(),
		"last_error": lastErr,
		"worker_id":  nil,
	})
}

func (r *jobRepository) Defer(ctx context.Context, id uuid.UUID, version int, runAt time.Time, reason string) error {
	return r.finish(ctx, id, version, map[string]interface{}{
		"status":     domain.JobQueued,
		"run_at":     runAt.UTC(),
		"last_error": reason,
		"worker_id":  nil,
		"attempts":   gorm.Expr("attempts - 1"),
		"deferrals":  gorm.Expr("deferrals + 1"),
	})
}

func (r *jobRepository) MarkDead(ctx context.Context, id uuid.UUID, version int, lastErr string) error {
	return r.finish(ctx, id, version, map[string]interface{}{
		"status":     domain.JobDead,
		"last_error": lastErr,
	})
}

func (r *jobRepository) CancelQueued(ctx context.Context, keyPrefix, reason string) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("status = ? AND idempotency_key LIKE ?", domain.JobQueued, keyPrefix+"%").
		Updates(map[string]interface{}{
			"status":     domain.JobCancelled,
			"last_error": reason,
			"version":    gorm.Expr("version + 1"),
		})
	return int(result.RowsAffected), result.Error
}

// finish releases the lease and bumps the version along with values. Only
// the claim that produced version may settle the job.
func (r *jobRepository) finish(ctx context.Context, id uuid.UUID, version int, values map[string]interface{}) error {
	values["lease_expires_at"] = nil
	values["version"] = version + 1
	result := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND version = ? AND status = ?", id, version, domain.JobRunning).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s settled by a stale holder", domain.ErrJobClaimed, id)
	}
	return nil
}

func (r *jobRepository) FindExpiredLeases(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND lease_expires_at < ?", domain.JobRunning, now.UTC()).
		Order("lease_expires_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (r *jobRepository) Requeue(ctx context.Context, id uuid.UUID, version int, runAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND version = ? AND status = ?", id, version, domain.JobRunning).
		Updates(map[string]interface{}{
			"status":           domain.JobQueued,
			"run_at":           runAt.UTC(),
			"worker_id":        nil,
			"lease_expires_at": nil,
			"version":          version + 1,
			"last_error":       "lease expired",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobClaimed, id)
	}
	return nil
}

func (r *jobRepository) FindDueQueued(ctx context.Context, before time.Time, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", domain.JobQueued, before.UTC()).
		Order("run_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}
