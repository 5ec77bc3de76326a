// Package pipeline wires chunking, embedding, storage, memory, retrieval and
// generation into the two end-to-end operations: building the knowledge base
// and answering a question.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"github.com/xhad/lexqa/internal/logging"
	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/internal/types"
	"github.com/xhad/lexqa/pkg/processor"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWindowTurns      = 20 // 10 exchanges
	DefaultEmbedConcurrency = 4
	DefaultEmbedBatchSize   = 16
	appendTimeout           = 5 * time.Second
)

// BatchEmbedder is implemented by embedders that can embed several texts per call.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Config struct {
	WindowTurns int
	TopK        int
	// Filter scopes retrieval, e.g. {"source": "DV_Act_2005"}.
	Filter map[string]interface{}
	// SourceDocument is reported when no retrieved record names a source.
	SourceDocument   string
	EmbedConcurrency int
	EmbedBatchSize   int
}

func (c Config) withDefaults() Config {
	if c.WindowTurns <= 0 {
		c.WindowTurns = DefaultWindowTurns
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = DefaultEmbedConcurrency
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = DefaultEmbedBatchSize
	}
	return c
}

// Deps are the components a Pipeline drives.
type Deps struct {
	Processor *processor.Processor
	Embedder  types.Embedder
	Store     types.VectorStore
	Memory    types.SessionMemory
	Retriever types.Retriever
	Generator types.Generator
}

type Pipeline struct {
	deps   Deps
	config Config
	logger *log.Logger
}

func New(deps Deps, config Config, logger *log.Logger) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: pipeline needs a vector store", types.ErrInvalidConfig)
	case deps.Embedder == nil:
		return nil, fmt.Errorf("%w: pipeline needs an embedder", types.ErrInvalidConfig)
	}
	return &Pipeline{
		deps:   deps,
		config: config.withDefaults(),
		logger: logging.OrNop(logger),
	}, nil
}

// IngestReport describes one BuildKnowledgeBase run. On failure Embedded tells
// how far the run got before it stopped.
type IngestReport struct {
	Source   string        `json:"source"`
	Chunks   int           `json:"chunks"`
	Embedded int           `json:"embedded"`
	Stored   int           `json:"stored"`
	Replaced bool          `json:"replaced"`
	Duration time.Duration `json:"duration"`
}

// Progress is called after each embedded batch with the running total.
type Progress func(embedded, total int)

// BuildKnowledgeBase chunks doc, embeds the chunks in parallel and stores them.
// Rows previously stored for the same source are replaced. The first embedding
// failure cancels the remaining work and nothing is stored.
func (p *Pipeline) BuildKnowledgeBase(ctx context.Context, doc models.Document, onProgress Progress) (*IngestReport, error) {
	if p.deps.Processor == nil {
		return nil, fmt.Errorf("%w: pipeline has no chunker", types.ErrInvalidConfig)
	}

	start := time.Now()
	report := &IngestReport{Source: doc.Metadata.Source()}

	chunks, err := p.deps.Processor.Process(doc)
	if err != nil {
		return report, err
	}
	report.Chunks = len(chunks)

	p.logger.Info().
		Str("source", report.Source).
		Int("chunks", report.Chunks).
		Int("concurrency", p.config.EmbedConcurrency).
		Msg("ingestion started")

	embedded := make([]models.EmbeddedChunk, len(chunks))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.EmbedConcurrency)
	for lo := 0; lo < len(chunks); lo += p.config.EmbedBatchSize {
		hi := min(lo+p.config.EmbedBatchSize, len(chunks))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			vectors, err := p.embedBatch(gctx, chunks[lo:hi])
			if err != nil {
				return fmt.Errorf("chunk %d: %w", lo, err)
			}
			for i, v := range vectors {
				embedded[lo+i] = models.EmbeddedChunk{Chunk: chunks[lo+i], Embedding: v}
			}
			n := done.Add(int64(hi - lo))
			if onProgress != nil {
				onProgress(int(n), len(chunks))
			}
			return nil
		})
	}
	err = g.Wait()
	report.Embedded = int(done.Load())
	if err != nil {
		report.Duration = time.Since(start)
		p.logger.Error().Err(err).
			Str("source", report.Source).
			Int("embedded", report.Embedded).
			Int("chunks", report.Chunks).
			Msg("ingestion aborted")
		return report, err
	}

	if report.Source != "" {
		report.Stored, err = p.deps.Store.ReplaceSource(ctx, report.Source, embedded)
		report.Replaced = true
	} else {
		report.Stored, err = p.deps.Store.Upsert(ctx, embedded)
	}
	report.Duration = time.Since(start)
	if err != nil {
		p.logger.Error().Err(err).Str("source", report.Source).Msg("storing chunks failed")
		return report, err
	}

	p.logger.Info().
		Str("source", report.Source).
		Int("stored", report.Stored).
		Dur("took", report.Duration).
		Msg("ingestion finished")
	return report, nil
}

func (p *Pipeline) embedBatch(ctx context.Context, chunks []models.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	if be, ok := p.deps.Embedder.(BatchEmbedder); ok {
		return be.EmbedBatch(ctx, texts)
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := p.deps.Embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Answer runs one question for a session. The returned Answer is never nil:
// on failure it has Success false and a user-safe Error, and err carries the cause.
// The session log is only extended when the whole exchange succeeded.
func (p *Pipeline) Answer(ctx context.Context, question, sessionID string) (*models.Answer, error) {
	start := time.Now()
	question = strings.TrimSpace(question)
	sessionID = strings.TrimSpace(sessionID)

	answer, err := p.answer(ctx, question, sessionID)
	if err != nil {
		p.logger.Error().Err(err).
			Str("session_id", sessionID).
			Dur("took", time.Since(start)).
			Msg("answer failed")
		return &models.Answer{
			Success:   false,
			Question:  question,
			SessionID: sessionID,
			Timestamp: time.Now().UTC(),
			Error:     types.PublicMessage(err),
		}, err
	}

	p.logger.Info().
		Str("session_id", sessionID).
		Int("citations", len(answer.Citations)).
		Dur("took", time.Since(start)).
		Msg("answered")
	return answer, nil
}

func (p *Pipeline) answer(ctx context.Context, question, sessionID string) (*models.Answer, error) {
	switch {
	case question == "":
		return nil, fmt.Errorf("%w: question is required", types.ErrInvalidRequest)
	case sessionID == "":
		return nil, fmt.Errorf("%w: session_id is required", types.ErrInvalidRequest)
	case p.deps.Memory == nil || p.deps.Retriever == nil || p.deps.Generator == nil:
		return nil, fmt.Errorf("%w: pipeline is not configured for answering", types.ErrInvalidConfig)
	}

	history, err := p.deps.Memory.GetWindow(ctx, sessionID, p.config.WindowTurns)
	if err != nil {
		return nil, err
	}

	retrieved, err := p.deps.Retriever.Retrieve(ctx, question, p.config.TopK, p.config.Filter)
	if err != nil {
		return nil, err
	}

	gen, err := p.deps.Generator.Generate(ctx, types.GenerateRequest{
		Question:  question,
		Retrieved: retrieved,
		History:   history,
		Retrieve: func(ctx context.Context, query string) ([]models.ScoredRecord, error) {
			return p.deps.Retriever.Retrieve(ctx, query, p.config.TopK, p.config.Filter)
		},
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The exchange is complete; commit it even if the caller goes away now.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancel()

	now := time.Now().UTC()
	err = p.deps.Memory.Append(appendCtx, sessionID,
		models.SessionTurn{Role: models.RoleUser, Text: question, Timestamp: now},
		models.SessionTurn{Role: models.RoleAssistant, Text: gen.Text, Timestamp: now},
	)
	if err != nil {
		return nil, err
	}

	return &models.Answer{
		Success:        true,
		Question:       question,
		Answer:         gen.Text,
		SessionID:      sessionID,
		Timestamp:      now,
		SourceDocument: p.sourceDocument(gen, retrieved),
		Citations:      gen.Citations,
	}, nil
}

func (p *Pipeline) sourceDocument(gen *types.Generation, retrieved []models.ScoredRecord) string {
	for _, set := range [][]models.ScoredRecord{gen.Sources, retrieved} {
		for _, rec := range set {
			if src := rec.Metadata.Source(); src != "" {
				return src
			}
		}
	}
	if src, ok := p.config.Filter[models.MetaSource].(string); ok {
		return src
	}
	return p.config.SourceDocument
}

// History returns up to n of the session's most recent turns, oldest first.
func (p *Pipeline) History(ctx context.Context, sessionID string, n int) ([]models.SessionTurn, error) {
	if p.deps.Memory == nil {
		return nil, fmt.Errorf("%w: pipeline has no session memory", types.ErrInvalidConfig)
	}
	if n <= 0 {
		n = p.config.WindowTurns
	}
	return p.deps.Memory.GetWindow(ctx, sessionID, n)
}

// Ready checks that the store and the session memory respond.
func (p *Pipeline) Ready(ctx context.Context) error {
	var errs []error
	if err := p.deps.Store.Ping(ctx); err != nil {
		errs = append(errs, err)
	}
	if p.deps.Memory != nil {
		if err := p.deps.Memory.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
