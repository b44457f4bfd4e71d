package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRecompute(t *testing.T) {
	before := testutil.ToFloat64(EmbeddingRecomputes.WithLabelValues("skipped"))
	RecordRecompute("skipped")
	RecordRecompute("skipped")
	if got := testutil.ToFloat64(EmbeddingRecomputes.WithLabelValues("skipped")) - before; got != 2 {
		t.Errorf("skipped recomputes increased by %v, want 2", got)
	}
}

func TestRecordEncoderRequest(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome string
	}{
		{name: "success", outcome: "success"},
		{name: "failure", err: errors.New("timeout"), outcome: "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(EncoderRequests.WithLabelValues(tt.outcome))
			RecordEncoderRequest(tt.err)
			if got := testutil.ToFloat64(EncoderRequests.WithLabelValues(tt.outcome)) - before; got != 1 {
				t.Errorf("%s counter increased by %v, want 1", tt.outcome, got)
			}
		})
	}
}

func TestSetActiveModel(t *testing.T) {
	SetActiveModel("v1")
	SetActiveModel("v2")
	if got := testutil.ToFloat64(ActiveModelInfo.WithLabelValues("v2")); got != 1 {
		t.Errorf("v2 gauge = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(ActiveModelInfo); got != 1 {
		t.Errorf("active model series = %d, want 1", got)
	}
}

func TestObserveStage(t *testing.T) {
	ObserveStage("retrieve", time.Now().Add(-10*time.Millisecond))
	if got := testutil.CollectAndCount(StageDuration); got < 1 {
		t.Errorf("stage histogram series = %d, want at least 1", got)
	}
}
