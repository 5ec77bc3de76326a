package types

import (
	"context"

	"github.com/xhad/lexqa/internal/models"
)

// Core interfaces

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// VectorStore persists embedded chunks and answers similarity queries.
type VectorStore interface {
	Upsert(ctx context.Context, records []models.EmbeddedChunk) (int, error)
	ReplaceSource(ctx context.Context, source string, records []models.EmbeddedChunk) (int, error)
	DeleteBySource(ctx context.Context, source string) (int, error)
	Search(ctx context.Context, query []float32, k int, filter map[string]interface{}) ([]models.ScoredRecord, error)
	Count(ctx context.Context, filter map[string]interface{}) (int, error)
	Ping(ctx context.Context) error
	Close()
}

// SessionMemory keeps a bounded, ordered turn log per session.
// Append applies all given turns atomically: either every turn is stored or none.
type SessionMemory interface {
	Append(ctx context.Context, sessionID string, turns ...models.SessionTurn) error
	GetWindow(ctx context.Context, sessionID string, window int) ([]models.SessionTurn, error)
	Clear(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
}

// Retriever finds the chunks most relevant to a question.
type Retriever interface {
	Retrieve(ctx context.Context, question string, topK int, filter map[string]interface{}) ([]models.ScoredRecord, error)
}

// RetrieveFunc lets the generator call back into retrieval.
type RetrieveFunc func(ctx context.Context, query string) ([]models.ScoredRecord, error)

// GenerateRequest carries everything the answer generator needs for one question.
type GenerateRequest struct {
	Question  string
	Retrieved []models.ScoredRecord
	History   []models.SessionTurn
	Retrieve  RetrieveFunc
}

// Generation is the generator's output.
type Generation struct {
	Text      string
	Citations []string
	Sources   []models.ScoredRecord
}

// Generator produces a grounded answer.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Generation, error)
}
