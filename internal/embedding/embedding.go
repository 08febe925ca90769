package embedding

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/cuidado/internal/llm"
	"github.com/danielpatrickdp/cuidado/internal/upstream"
)

// #region types
// Embedder turns texts into vectors, one per text in the same order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config selects the embedding host and model.
type Config struct {
	Host      string
	Model     string
	Timeout   time.Duration
	CacheSize int
}

// DefaultConfig returns nomic-embed-text on a local Ollama.
func DefaultConfig() Config {
	return Config{
		Host:      llm.DefaultConfig().Host,
		Model:     "nomic-embed-text",
		Timeout:   20 * time.Second,
		CacheSize: 512,
	}
}

// #endregion types

// #region ollama
// OllamaEmbedder calls Ollama's /api/embed endpoint.
type OllamaEmbedder struct {
	api     *api.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewOllamaEmbedder builds an embedder for cfg.Host.
func NewOllamaEmbedder(cfg Config, logger *zap.Logger) (*OllamaEmbedder, error) {
	base, err := llm.ParseHost(cfg.Host)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	return &OllamaEmbedder{
		api:     api.NewClient(base, http.DefaultClient),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Embed returns one vector per text. An empty input returns nil.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := e.api.Embed(ctx, &api.EmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, llm.WrapStatus(ctx, "embed", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, upstream.Malformed("ollama", "embed",
			fmt.Sprintf("got %d embeddings for %d texts", len(resp.Embeddings), len(texts)))
	}
	e.logger.Debug("embedded texts", zap.Int("count", len(texts)), zap.String("model", e.model))
	return resp.Embeddings, nil
}

// #endregion ollama
