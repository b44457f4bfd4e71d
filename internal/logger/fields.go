package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Tracing Fields (Context level)
// Propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID identifies an offline run (sampling, training, publish)
	FieldJobID = "job_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldUserID is the user a request or recompute is for
	FieldUserID = "user_id"

	// FieldMovieID is the movie being rated, encoded or ranked
	FieldMovieID = "movie_id"

	// FieldModelVersion is the artifact version in use
	FieldModelVersion = "model_version"

	// FieldMode is the retrieval mode chosen for a request
	FieldMode = "mode"
)

// ============================================
// Metric Fields (Entry level)
// Used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldSize is the response size in bytes
	FieldSize = "size"

	// FieldEpoch is the training epoch
	FieldEpoch = "epoch"

	// FieldLoss is a training or validation loss value
	FieldLoss = "loss"
)
