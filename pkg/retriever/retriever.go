// Package retriever finds the stored chunks most relevant to a question.
package retriever

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/phuslu/log"
	"github.com/xhad/lexqa/internal/logging"
	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/internal/types"
)

const DefaultTopK = 4

// Retriever embeds a question and searches the vector store with it.
type Retriever struct {
	embedder types.Embedder
	store    types.VectorStore
	topK     int
	filter   map[string]interface{}
	logger   *log.Logger
}

var _ types.Retriever = (*Retriever)(nil)

// New returns a Retriever. topK <= 0 uses DefaultTopK; filter is the scope applied
// when a call passes none.
func New(embedder types.Embedder, store types.VectorStore, topK int, filter map[string]interface{}, logger *log.Logger) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{
		embedder: embedder,
		store:    store,
		topK:     topK,
		filter:   filter,
		logger:   logging.OrNop(logger),
	}
}

// Retrieve returns up to topK records, most similar first. Embedding and store
// errors are returned unchanged.
func (r *Retriever) Retrieve(ctx context.Context, question string, topK int, filter map[string]interface{}) ([]models.ScoredRecord, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", types.ErrInvalidRequest)
	}
	if topK <= 0 {
		topK = r.topK
	}
	if filter == nil {
		filter = r.filter
	}

	start := time.Now()
	vector, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}

	results, err := r.store.Search(ctx, vector, topK, filter)
	if err != nil {
		return nil, err
	}

	r.logger.Debug().
		Int("top_k", topK).
		Int("hits", len(results)).
		Dur("took", time.Since(start)).
		Msg("retrieved")
	return results, nil
}

// Func binds the retriever's defaults into a callback for the answer generator.
func (r *Retriever) Func() types.RetrieveFunc {
	return func(ctx context.Context, query string) ([]models.ScoredRecord, error) {
		return r.Retrieve(ctx, query, 0, nil)
	}
}
