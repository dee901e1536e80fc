package search

import (
	"context"
	"math"
	"sync/atomic"
	"testing"

	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHashEmbedder(t *testing.T) {
	h := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := h.EmbedDocument(ctx, "the quick brown fox")
	require.NoError(t, err)
	require.Len(t, a, 64)

	var sum float64
	for _, v := range a {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)

	b, err := h.EmbedQuery(ctx, "the quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, a, b, "deterministic")

	_, err = h.EmbedQuery(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyText)

	punct, err := h.EmbedQuery(ctx, "!!!")
	require.NoError(t, err, "falls back to graphemes")
	assert.Len(t, punct, 64)
}

// countingEmbedder counts document embeddings.
type countingEmbedder struct {
	*HashEmbedder
	docs atomic.Int32
}

func (c *countingEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	c.docs.Add(1)
	return c.HashEmbedder.EmbedDocument(ctx, text)
}

func TestVectorIndex_SyncsIncrementally(t *testing.T) {
	emb := &countingEmbedder{HashEmbedder: NewHashEmbedder(128)}
	idx, err := NewVectorIndex(emb, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	entries := []memstore.Entry{
		entry("c", "fox", "the quick brown fox jumps"),
		entry("c", "db", "postgres connection pool settings"),
	}
	scores, err := idx.Query(ctx, "quick fox", entries)
	require.NoError(t, err)
	assert.Equal(t, int32(2), emb.docs.Load())
	assert.Greater(t, scores[0], scores[1])

	_, err = idx.Query(ctx, "quick fox", entries)
	require.NoError(t, err)
	assert.Equal(t, int32(2), emb.docs.Load(), "unchanged entries are not re-embedded")

	entries[1].Value = []byte("a quick fox again")
	_, err = idx.Query(ctx, "quick fox", entries)
	require.NoError(t, err)
	assert.Equal(t, int32(3), emb.docs.Load(), "rewritten entry is re-embedded")

	_, err = idx.Query(ctx, "quick fox", entries[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len(), "entries no longer live are removed")
}

func TestVectorIndex_EmptyInputs(t *testing.T) {
	idx, err := NewVectorIndex(NewHashEmbedder(32), nil)
	require.NoError(t, err)
	ctx := context.Background()

	scores, err := idx.Query(ctx, "anything", nil)
	require.NoError(t, err)
	assert.Empty(t, scores)

	scores, err = idx.Query(ctx, "  ", []memstore.Entry{entry("c", "k", "v")})
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestNewVectorIndex_RequiresEmbedder(t *testing.T) {
	_, err := NewVectorIndex(nil, nil)
	assert.Error(t, err)
}
