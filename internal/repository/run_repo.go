package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// RunFilter narrows run ledger queries.
type RunFilter struct {
	Flow  string
	Limit int
}

// RunRepository persists the run ledger.
type RunRepository interface {
	Create(ctx context.Context, run *models.RunRecord) error
	Finish(ctx context.Context, run *models.RunRecord) error
	ListRecent(ctx context.Context, filter RunFilter) ([]models.RunRecord, error)
}

type runRepository struct {
	db *gorm.DB
}

// NewRunRepository constructs the run ledger repository.
func NewRunRepository(db *gorm.DB) RunRepository {
	return &runRepository{db: db}
}

func (r *runRepository) Create(ctx context.Context, run *models.RunRecord) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunStatusRunning
	}
	return r.db.WithContext(ctx).Create(run).Error
}

// Finish stores the final status, error and summary of a run.
func (r *runRepository) Finish(ctx context.Context, run *models.RunRecord) error {
	if run.FinishedAt == nil {
		finished := time.Now().UTC()
		run.FinishedAt = &finished
	}
	return r.db.WithContext(ctx).Model(&models.RunRecord{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":      run.Status,
			"error":       run.Error,
			"summary":     run.Summary,
			"finished_at": run.FinishedAt,
		}).Error
}

func (r *runRepository) ListRecent(ctx context.Context, filter RunFilter) ([]models.RunRecord, error) {
	query := r.db.WithContext(ctx).Model(&models.RunRecord{})
	if filter.Flow != "" {
		query = query.Where("flow = ?", filter.Flow)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var runs []models.RunRecord
	if err := query.Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}
