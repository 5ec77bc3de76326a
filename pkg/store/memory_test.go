package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/internal/types"
	"github.com/xhad/lexqa/pkg/store"
)

func chunk(source, content string, embedding ...float32) models.EmbeddedChunk {
	return models.EmbeddedChunk{
		Chunk: models.Chunk{
			Content: content,
			Metadata: models.Metadata{
				models.MetaSource:       source,
				models.MetaDocumentType: "statute",
				models.MetaYear:         2005,
			},
		},
		Embedding: embedding,
	}
}

func seeded(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore(3)
	n, err := s.Upsert(context.Background(), []models.EmbeddedChunk{
		chunk("DV_Act_2005", "Section 3 defines domestic violence.", 1, 0, 0),
		chunk("DV_Act_2005", "Section 18 protection orders.", 0.9, 0.1, 0),
		chunk("Other_Act", "Unrelated text.", 1, 0, 0),
		chunk("DV_Act_2005", "Section 19 residence orders.", 0, 1, 0),
	})
	require.NoError(t, err)
	require.Equal(t, 4, n)
	return s
}

func TestMemoryStoreSearchOrdering(t *testing.T) {
	s := seeded(t)

	hits, err := s.Search(context.Background(), []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 4)

	// Records 1 and 3 tie on similarity; the lower id comes first.
	assert.Equal(t, int64(1), hits[0].ID)
	assert.Equal(t, int64(3), hits[1].ID)
	assert.Equal(t, int64(2), hits[2].ID)
	assert.Equal(t, int64(4), hits[3].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-9)
	assert.InDelta(t, 0.0, hits[3].Similarity, 1e-9)

	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Similarity, hits[i].Similarity)
	}
}

func TestMemoryStoreSearchDeterministic(t *testing.T) {
	s := seeded(t)
	query := []float32{0.5, 0.5, 0.1}

	first, err := s.Search(context.Background(), query, 3, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := s.Search(context.Background(), query, 3, nil)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMemoryStoreFilter(t *testing.T) {
	s := seeded(t)

	hits, err := s.Search(context.Background(), []float32{1, 0, 0}, 10, map[string]interface{}{"source": "DV_Act_2005"})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	for _, h := range hits {
		assert.Equal(t, "DV_Act_2005", h.Metadata.Source())
	}

	// A year decoded from JSON is a float64 and still matches.
	hits, err = s.Search(context.Background(), []float32{1, 0, 0}, 10, map[string]interface{}{"year": float64(2005), "source": "Other_Act"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(3), hits[0].ID)

	hits, err = s.Search(context.Background(), []float32{1, 0, 0}, 10, map[string]interface{}{"source": "Missing"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryStoreTopK(t *testing.T) {
	s := seeded(t)

	hits, err := s.Search(context.Background(), []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	_, err = s.Search(context.Background(), []float32{1, 0, 0}, 0, nil)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestMemoryStoreDimensionMismatch(t *testing.T) {
	s := seeded(t)

	_, err := s.Search(context.Background(), []float32{1, 0}, 2, nil)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	_, err = s.Upsert(context.Background(), []models.EmbeddedChunk{chunk("x", "bad", 1, 2, 3, 4)})
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	n, err := s.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestMemoryStoreLearnsDimension(t *testing.T) {
	s := store.NewMemoryStore(0)
	_, err := s.Upsert(context.Background(), []models.EmbeddedChunk{chunk("a", "one", 1, 2)})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Dimension())

	_, err = s.Upsert(context.Background(), []models.EmbeddedChunk{chunk("a", "two", 1, 2, 3)})
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}

func TestMemoryStoreReplaceSource(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	n, err := s.ReplaceSource(ctx, "DV_Act_2005", []models.EmbeddedChunk{
		chunk("DV_Act_2005", "Section 3 amended.", 1, 0, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := s.Count(ctx, map[string]interface{}{"source": "DV_Act_2005"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 1, map[string]interface{}{"source": "DV_Act_2005"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(5), hits[0].ID)
	assert.Equal(t, "Section 3 amended.", hits[0].Content)
}

func TestMemoryStoreDeleteBySource(t *testing.T) {
	s := seeded(t)

	n, err := s.DeleteBySource(context.Background(), "DV_Act_2005")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := s.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryStoreResultsDoNotAlias(t *testing.T) {
	s := seeded(t)

	hits, err := s.Search(context.Background(), []float32{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	hits[0].Metadata["source"] = "tampered"

	again, err := s.Search(context.Background(), []float32{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "DV_Act_2005", again[0].Metadata.Source())
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, store.CosineSimilarity([]float32{1, 1}, []float32{2, 2}), 1e-9)
	assert.InDelta(t, -1.0, store.CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, store.CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}
