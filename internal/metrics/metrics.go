package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecommendationRequests counts recommendation requests.
	// Labels:
	//   - mode: "coldstart", "personalized", "unknown"
	//   - outcome: "success", "not_found", "error"
	RecommendationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movierec_recommendation_requests_total",
			Help: "Total number of recommendation requests",
		},
		[]string{"mode", "outcome"},
	)

	// StageDuration measures each stage of the serving pipeline.
	// Labels:
	//   - stage: "retrieve", "rerank", "refresh", "hydrate"
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "movierec_stage_duration_seconds",
			Help:    "Duration of recommendation pipeline stages in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"stage"},
	)

	// EmbeddingRecomputes counts personalized embedding refreshes.
	// Labels:
	//   - result: "recomputed", "skipped", "lost_race", "error"
	EmbeddingRecomputes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movierec_embedding_recomputes_total",
			Help: "Total number of personalized user embedding refresh attempts",
		},
		[]string{"result"},
	)

	// RatingMutations counts rating writes.
	// Labels:
	//   - op: "insert", "update", "delete", "exclude"
	RatingMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movierec_rating_mutations_total",
			Help: "Total number of rating mutations",
		},
		[]string{"op"},
	)

	// EncoderRequests counts sentence encoder calls.
	EncoderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movierec_encoder_requests_total",
			Help: "Total number of sentence encoder requests",
		},
		[]string{"outcome"},
	)

	// TrainingLoss is the mean loss of the last completed epoch.
	TrainingLoss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "movierec_training_epoch_loss",
			Help: "Mean loss of the most recent training epoch",
		},
		[]string{"mode"},
	)

	// HTTPRequestDuration measures API requests.
	// Labels:
	//   - method: HTTP method
	//   - route: matched route pattern
	//   - status: response status code
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "movierec_http_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// ActiveModelInfo is 1 for the model version currently served.
	ActiveModelInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "movierec_active_model_info",
			Help: "Model version currently loaded for serving",
		},
		[]string{"version"},
	)
)

// RecordRecommendation records one finished recommendation request.
func RecordRecommendation(mode, outcome string) {
	RecommendationRequests.WithLabelValues(mode, outcome).Inc()
}

// ObserveStage records the latency of one pipeline stage.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// RecordRecompute records the result of one embedding refresh.
func RecordRecompute(result string) {
	EmbeddingRecomputes.WithLabelValues(result).Inc()
}

// RecordRatingMutation records one rating write.
func RecordRatingMutation(op string) {
	RatingMutations.WithLabelValues(op).Inc()
}

// RecordEncoderRequest records one encoder call.
func RecordEncoderRequest(err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	EncoderRequests.WithLabelValues(outcome).Inc()
}

// SetTrainingLoss publishes the latest epoch loss for mode.
func SetTrainingLoss(mode string, loss float64) {
	TrainingLoss.WithLabelValues(mode).Set(loss)
}

// SetActiveModel marks version as the served model.
func SetActiveModel(version string) {
	ActiveModelInfo.Reset()
	ActiveModelInfo.WithLabelValues(version).Set(1)
}

// ObserveHTTPRequest records one served API request.
func ObserveHTTPRequest(method, route, status string, start time.Time) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(time.Since(start).Seconds())
}
