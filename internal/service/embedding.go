package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/logger"
	"github.com/timmy/movierec/internal/metrics"
)

const embeddingsPath = "/v1/embeddings"

// Encoder turns sentences into fixed-width embeddings.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// SentenceEncoder calls an OpenAI-compatible embeddings endpoint. Requests are
// not retried; a run of failures opens the breaker and later calls fail fast
// until it half-opens again.
type SentenceEncoder struct {
	client     *resty.Client
	breaker    *gobreaker.CircuitBreaker[[][]float32]
	model      string
	dimensions int
	batchSize  int
}

// NewSentenceEncoder creates a SentenceEncoder from configuration.
func NewSentenceEncoder(cfg config.EncoderConfig) *SentenceEncoder {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0)
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker[[][]float32](gobreaker.Settings{
		Name:        "sentence-encoder",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	return &SentenceEncoder{
		client:     client,
		breaker:    breaker,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  batchSize,
	}
}

// Dimensions returns the embedding width the encoder is configured for.
func (s *SentenceEncoder) Dimensions() int {
	return s.dimensions
}

type embeddingsRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Detail string `json:"detail,omitempty"`
}

// Encode embeds texts in batches, preserving input order.
// Parameters:
//   - ctx: request context.
//   - texts: sentences to encode.
// Returns:
//   - [][]float32: one embedding per text.
//   - error: transport, status or shape failures, or gobreaker.ErrOpenState.
func (s *SentenceEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for lo := 0; lo < len(texts); lo += s.batchSize {
		hi := lo + s.batchSize
		if hi > len(texts) {
			hi = len(texts)
		}
		batch, err := s.breaker.Execute(func() ([][]float32, error) {
			return s.encodeBatch(ctx, texts[lo:hi])
		})
		metrics.RecordEncoderRequest(err)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (s *SentenceEncoder) encodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp embeddingsResponse
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(embeddingsRequest{Model: s.model, Input: texts}).
		SetResult(&resp).
		SetError(&resp).
		Post(embeddingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to call encoder: %w", err)
	}
	if httpResp.StatusCode() != http.StatusOK {
		if resp.Detail != "" {
			return nil, fmt.Errorf("encoder error: %s", resp.Detail)
		}
		return nil, fmt.Errorf("encoder error: status %d", httpResp.StatusCode())
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected number of embeddings: got %d, expected %d", len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(embeddings) {
			return nil, fmt.Errorf("encoder returned out-of-range index %d", item.Index)
		}
		if s.dimensions > 0 && len(item.Embedding) != s.dimensions {
			return nil, fmt.Errorf("encoder returned %d dims, expected %d", len(item.Embedding), s.dimensions)
		}
		embeddings[item.Index] = item.Embedding
	}
	for i, e := range embeddings {
		if e == nil {
			return nil, fmt.Errorf("encoder returned no embedding for input %d", i)
		}
	}
	return embeddings, nil
}
