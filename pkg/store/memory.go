package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/internal/types"
)

// MemoryStore is an exact, in-process vector store. It scans every record on
// Search, which is fine for a single statute of a few hundred chunks.
type MemoryStore struct {
	mu      sync.RWMutex
	dim     int
	nextID  int64
	records []models.StoredRecord
}

var _ types.VectorStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. dim 0 fixes the dimension on the first write.
func NewMemoryStore(dim int) *MemoryStore {
	return &MemoryStore{dim: dim}
}

func (m *MemoryStore) Dimension() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dim
}

func (m *MemoryStore) Upsert(ctx context.Context, records []models.EmbeddedChunk) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(records); err != nil {
		return 0, err
	}
	m.insertLocked(records)
	return len(records), nil
}

func (m *MemoryStore) ReplaceSource(ctx context.Context, source string, records []models.EmbeddedChunk) (int, error) {
	if source == "" {
		return 0, fmt.Errorf("%w: source must not be empty", types.ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(records); err != nil {
		return 0, err
	}
	m.deleteLocked(source)
	m.insertLocked(records)
	return len(records), nil
}

func (m *MemoryStore) DeleteBySource(ctx context.Context, source string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(source), nil
}

func (m *MemoryStore) Search(ctx context.Context, query []float32, k int, filter map[string]interface{}) ([]models.ScoredRecord, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be at least 1, got %d", types.ErrInvalidRequest, k)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.dim != 0 && len(query) != m.dim {
		return nil, fmt.Errorf("%w: query has %d values, store expects %d", types.ErrDimensionMismatch, len(query), m.dim)
	}

	var hits []models.ScoredRecord
	for _, rec := range m.records {
		if !rec.Metadata.Contains(filter) {
			continue
		}
		hits = append(hits, models.ScoredRecord{
			StoredRecord: models.StoredRecord{
				ID:       rec.ID,
				Content:  rec.Content,
				Metadata: rec.Metadata.Clone(),
			},
			Similarity: CosineSimilarity(query, rec.Embedding),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryStore) Count(ctx context.Context, filter map[string]interface{}) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, rec := range m.records {
		if rec.Metadata.Contains(filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) checkLocked(records []models.EmbeddedChunk) error {
	dim := m.dim
	for i, rec := range records {
		if dim == 0 {
			dim = len(rec.Embedding)
		}
		if len(rec.Embedding) == 0 || len(rec.Embedding) != dim {
			return fmt.Errorf("%w: record %d has %d values, store expects %d",
				types.ErrDimensionMismatch, i, len(rec.Embedding), dim)
		}
	}
	m.dim = dim
	return nil
}

func (m *MemoryStore) insertLocked(records []models.EmbeddedChunk) {
	for _, rec := range records {
		m.nextID++
		m.records = append(m.records, models.StoredRecord{
			ID:        m.nextID,
			Content:   rec.Content,
			Metadata:  rec.Metadata.Clone(),
			Embedding: append([]float32(nil), rec.Embedding...),
		})
	}
}

func (m *MemoryStore) deleteLocked(source string) int {
	kept := m.records[:0]
	deleted := 0
	for _, rec := range m.records {
		if rec.Metadata.Source() == source {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	clear(m.records[len(kept):])
	m.records = kept
	return deleted
}

// CosineSimilarity returns 1 - cosine distance, the score pgvector's <=> implies.
// Zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
