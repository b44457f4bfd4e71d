package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/movierec/internal/domain"
	"gorm.io/gorm"
)

// RunRepository tracks offline pipeline runs.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a new RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Start inserts a running record for stage.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - stage: pipeline stage name.
//   - version: model version the stage targets, may be empty.
// Returns:
//   - *domain.PipelineRun: the stored record.
//   - error: non-nil if the insert fails.
func (r *RunRepository) Start(ctx context.Context, stage, version string) (*domain.PipelineRun, error) {
	run := &domain.PipelineRun{
		ID:           uuid.New().String(),
		Stage:        stage,
		Status:       domain.JobStatusRunning,
		ModelVersion: version,
		StartedAt:    time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// Finish marks run completed, or failed when runErr is non-nil.
func (r *RunRepository) Finish(ctx context.Context, run *domain.PipelineRun, summary string, runErr error) error {
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Summary = summary
	run.Status = domain.JobStatusCompleted
	if runErr != nil {
		run.Status = domain.JobStatusFailed
		run.ErrorLog = runErr.Error()
	}
	return r.db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":       run.Status,
		"summary":      run.Summary,
		"error_log":    run.ErrorLog,
		"completed_at": run.CompletedAt,
	}).Error
}

// LastCompleted returns the most recent completed run of stage.
// Returns:
//   - *domain.PipelineRun: the run.
//   - error: NotFound if stage never completed.
func (r *RunRepository) LastCompleted(ctx context.Context, stage string) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	err := r.db.WithContext(ctx).
		Where("stage = ? AND status = ?", stage, domain.JobStatusCompleted).
		Order("started_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("last_run", "stage %s has no completed run", stage)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
