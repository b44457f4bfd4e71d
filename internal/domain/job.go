package domain

import "time"

// JobStatus represents the status of a pipeline run.
// Values include JobStatusRunning, JobStatusCompleted, and JobStatusFailed.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// PipelineRun records one invocation of an offline stage.
type PipelineRun struct {
	ID           string     `gorm:"type:text;primaryKey" json:"id"`
	Stage        string     `gorm:"type:text;not null;index" json:"stage"`
	Status       JobStatus  `gorm:"type:text;default:running" json:"status"`
	ModelVersion string     `gorm:"type:text" json:"model_version,omitempty"`
	Summary      string     `gorm:"type:text" json:"summary,omitempty"`
	ErrorLog     string     `gorm:"type:text" json:"error_log,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// TableName returns the database table name for PipelineRun.
func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

// Duration is the run time, zero while the run is in progress.
func (r *PipelineRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
