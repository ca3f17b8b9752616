package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/domain"
)

type workflowRepository struct {
	db *gorm.DB
}

// NewWorkflowRepository creates a new instance of WorkflowRepository
func NewWorkflowRepository(db *gorm.DB) ports.WorkflowRepository {
	return &workflowRepository{db: db}
}

func (r *workflowRepository) Create(ctx context.Context, workflow *domain.Workflow) error {
	return r.db.WithContext(ctx).Create(workflow).Error
}

func (r *workflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error) {
	var workflow domain.Workflow
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&workflow).Error; err != nil {
		return nil, notFound(err, "workflow", id)
	}
	return &workflow, nil
}

func (r *workflowRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.WorkflowStatus) error {
	return r.db.WithContext(ctx).
		Model(&domain.Workflow{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (r *workflowRepository) CountRunning(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&domain.Workflow{}).
		Where("account_id = ? AND status = ?", accountID, domain.WorkflowRunning).
		Count(&n).Error
	return n, err
}

func (r *workflowRepository) SaveSnapshot(ctx context.Context, snapshot domain.StartWorkflowPayload) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. Workflow row: create on first sight, otherwise refresh the binding
		workflow := domain.Workflow{
			ID:         snapshot.ID,
			AccountID:  snapshot.AccountID,
			Status:     domain.WorkflowCreated,
			WebhookURL: snapshot.WebhookURL,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"account_id", "webhook_url", "updated_at"}),
		}).Create(&workflow).Error; err != nil {
			return err
		}

		// 2. Nodes: upsert every node of the snapshot
		for _, n := range snapshot.Nodes {
			keywords, err := json.Marshal(domain.NormalizeKeywords(n.Keywords))
			if err != nil {
				return err
			}
			node := domain.WorkflowNode{
				ID:         n.ID,
				WorkflowID: snapshot.ID,
				GroupURL:   n.GroupURL,
				GroupName:  n.GroupName,
				Prompt:     n.Prompt,
				Keywords:   datatypes.JSON(keywords),
				IsActive:   n.IsActive,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"group_url", "group_name", "prompt", "keywords", "is_active", "updated_at"}),
			}).Create(&node).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *workflowRepository) NodeByID(ctx context.Context, nodeID uuid.UUID) (*domain.WorkflowNode, error) {
	var node domain.WorkflowNode
	if err := r.db.WithContext(ctx).Where("id = ?", nodeID).First(&node).Error; err != nil {
		return nil, notFound(err, "workflow node", nodeID)
	}
	return &node, nil
}

func (r *workflowRepository) CreateRun(ctx context.Context, run *domain.WorkflowRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *workflowRepository) FinishRun(ctx context.Context, run *domain.WorkflowRun) error {
	finished := run.FinishedAt
	if finished == nil {
		now := time.Now().UTC()
		finished = &now
	}
	return r.db.WithContext(ctx).
		Model(&domain.WorkflowRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":          run.Status,
			"nodes_succeeded": run.NodesSucceeded,
			"nodes_failed":    run.NodesFailed,
			"node_results":    run.NodeResults,
			"error":           run.Error,
			"finished_at":     finished,
		}).Error
}

func (r *workflowRepository) LatestRun(ctx context.Context, workflowID uuid.UUID) (*domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("started_at DESC").
		First(&run).Error
	if err != nil {
		return nil, notFound(err, "run of workflow", workflowID)
	}
	return &run, nil
}
