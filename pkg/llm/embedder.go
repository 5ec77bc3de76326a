package llm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/xhad/lexqa/internal/logging"
	"github.com/xhad/lexqa/internal/types"
	"golang.org/x/time/rate"
)

// EmbedderConfig configures the embedding client.
type EmbedderConfig struct {
	Model   string
	BaseURL string // Ollama server URL
	// Dimension is the expected vector length. Zero learns it from the first response.
	Dimension int
	Timeout   time.Duration // per attempt
	RateLimit float64       // requests per second, 0 disables limiting
	Retry     RetryConfig
}

// EmbeddingProvider is the remote call behind the client. *ollama.LLM satisfies it.
type EmbeddingProvider interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder turns text into vectors of one fixed dimension.
type Embedder struct {
	config   EmbedderConfig
	provider EmbeddingProvider
	limiter  *rate.Limiter
	logger   *log.Logger
	dim      atomic.Int64
}

var _ types.Embedder = (*Embedder)(nil)

func (c *EmbedderConfig) applyDefaults() {
	if c.Model == "" {
		c.Model = "nomic-embed-text:latest" // Default Ollama model
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
}

// NewEmbedderWithConfig connects to Ollama using config.
func NewEmbedderWithConfig(config EmbedderConfig, logger *log.Logger) (*Embedder, error) {
	config.applyDefaults()

	emb, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding model: %w", err)
	}

	return NewEmbedder(emb, config, logger), nil
}

// NewEmbedder wraps an arbitrary provider.
func NewEmbedder(provider EmbeddingProvider, config EmbedderConfig, logger *log.Logger) *Embedder {
	config.applyDefaults()

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	e := &Embedder{
		config:   config,
		provider: provider,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logging.OrNop(logger),
	}
	e.dim.Store(int64(config.Dimension))
	return e
}

// Dimension returns the configured or learned vector length, 0 if not yet known.
func (e *Embedder) Dimension() int {
	return int(e.dim.Load())
}

// Embed returns the embedding of a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in one provider call.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var vectors [][]float32
	start := time.Now()
	err := retry(ctx, e.config.Retry, e.logger, "embed", func(ctx context.Context) error {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		out, err := e.provider.CreateEmbedding(callCtx, texts)
		if err != nil {
			return err
		}
		if len(out) != len(texts) {
			return fmt.Errorf("%w: got %d embeddings for %d texts", errEmptyResponse, len(out), len(texts))
		}
		if err := e.checkDimensions(out); err != nil {
			return err
		}
		vectors = out
		return nil
	})

	switch {
	case err == nil:
		e.logger.Trace().Int("texts", len(texts)).Dur("took", time.Since(start)).Msg("embedded")
		return vectors, nil
	case errors.Is(err, types.ErrDimensionMismatch):
		e.logger.Error().Err(err).Str("model", e.config.Model).Msg("embedding dimension mismatch")
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
}

func (e *Embedder) checkDimensions(vectors [][]float32) error {
	for _, v := range vectors {
		if len(v) == 0 {
			return errEmptyResponse
		}
		want := e.dim.Load()
		if want == 0 && e.dim.CompareAndSwap(0, int64(len(v))) {
			continue
		}
		if want = e.dim.Load(); int64(len(v)) != want {
			return fmt.Errorf("%w: model %s returned %d values, expected %d",
				types.ErrDimensionMismatch, e.config.Model, len(v), want)
		}
	}
	return nil
}

// HealthCheck embeds a short probe text.
func (e *Embedder) HealthCheck(ctx context.Context) error {
	_, err := e.Embed(ctx, "health check")
	return err
}
