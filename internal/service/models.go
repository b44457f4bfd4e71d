package service

import (
	"context"
	"sync/atomic"

	"github.com/timmy/movierec/internal/artifact"
	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
	"github.com/timmy/movierec/internal/metrics"
	"github.com/timmy/movierec/internal/rerank"
	"github.com/timmy/movierec/internal/tower"
)

// ServingModel is one loaded bundle plus the reranker built from it.
type ServingModel struct {
	Bundle   *artifact.Bundle
	Reranker *rerank.Reranker
}

// ModelService holds the model version being served. Swaps are atomic: a
// request sees either the old bundle or the new one, never a mix.
type ModelService struct {
	store   *artifact.Store
	dims    tower.Dims
	rerank  config.RerankConfig
	current atomic.Pointer[ServingModel]
}

// NewModelService creates a ModelService. Nothing is served until Load succeeds.
func NewModelService(store *artifact.Store, model config.ModelConfig, rerankCfg config.RerankConfig) *ModelService {
	return &ModelService{
		store: store,
		dims: tower.Dims{
			Title:     model.TitleDim,
			Metadata:  model.MetadataDim,
			Embedding: model.EmbeddingDim,
		},
		rerank: rerankCfg,
	}
}

// Serve installs an already loaded bundle.
func (s *ModelService) Serve(bundle *artifact.Bundle) {
	s.current.Store(&ServingModel{
		Bundle:   bundle,
		Reranker: rerank.NewReranker(bundle.Reranker, s.rerank),
	})
	metrics.SetActiveModel(bundle.Version)
}

// Load fetches version from the artifact store and serves it. The previous
// model stays in place when loading fails.
// Parameters:
//   - ctx: context for the downloads.
//   - version: version tag or artifact.LatestVersion.
// Returns:
//   - *ServingModel: the model now served.
//   - error: NotFound or Validation from the artifact store.
func (s *ModelService) Load(ctx context.Context, version string) (*ServingModel, error) {
	bundle, err := s.store.Load(ctx, version, s.dims)
	if err != nil {
		return nil, err
	}
	s.Serve(bundle)
	logger.With(logger.Fields{logger.FieldModelVersion: bundle.Version}).Info(ctx, "Serving model %s", bundle.Version)
	return s.current.Load(), nil
}

// Activate points the latest tag at version and serves it.
func (s *ModelService) Activate(ctx context.Context, version string) (*ServingModel, error) {
	if err := s.store.Activate(ctx, version); err != nil {
		return nil, err
	}
	return s.Load(ctx, version)
}

// Versions lists the bundles in the artifact store, newest first.
func (s *ModelService) Versions(ctx context.Context) ([]*artifact.Manifest, error) {
	if s.store == nil {
		return nil, domain.NotFound("models", "no artifact store configured")
	}
	return s.store.Versions(ctx)
}

// Current returns the served model.
func (s *ModelService) Current() (*ServingModel, error) {
	m := s.current.Load()
	if m == nil {
		return nil, domain.NotFound("model", "no model version loaded")
	}
	return m, nil
}

// Version returns the served version, or "" when none is loaded.
func (s *ModelService) Version() string {
	if m := s.current.Load(); m != nil {
		return m.Bundle.Version
	}
	return ""
}
