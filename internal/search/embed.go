package search

import (
	"context"
	"errors"
	"math"

	"github.com/cespare/xxhash/v2"
)

// ErrEmptyText is returned when text has nothing to embed.
var ErrEmptyText = errors.New("text has no embeddable content")

// Embedder turns text into a vector.
type Embedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// HashEmbedder maps text onto a fixed number of buckets by hashing word
// unigrams and character trigrams, then L2-normalizes. It needs no model
// files, so every node can run semantic search.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns an embedder producing dims-sized vectors.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims < 1 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Dimension implements Embedder.
func (h *HashEmbedder) Dimension() int { return h.dims }

// EmbedDocument implements Embedder.
func (h *HashEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return h.embed(ctx, text)
}

// EmbedQuery implements Embedder.
func (h *HashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return h.embed(ctx, text)
}

func (h *HashEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	features := words(text)
	if len(features) == 0 {
		for g := range graphemeSet(text) {
			features = append(features, g)
		}
	}
	if len(features) == 0 {
		return nil, ErrEmptyText
	}

	vec := make([]float32, h.dims)
	for _, w := range features {
		vec[xxhash.Sum64String("w:"+w)%uint64(h.dims)] += 1
		runes := []rune(w)
		for i := 0; i+3 <= len(runes); i++ {
			vec[xxhash.Sum64String("t:"+string(runes[i:i+3]))%uint64(h.dims)] += 0.5
		}
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}
