package search

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// VectorIndex keeps an in-memory chromem collection in step with a node's
// live entries. Sync embeds only entries whose text changed since the last
// sync and deletes entries no longer live.
type VectorIndex struct {
	embedder Embedder
	logger   *zap.Logger

	mu         sync.Mutex
	collection *chromem.Collection
	// fingerprints maps document id to a hash of the indexed text.
	fingerprints map[string]uint64
}

// NewVectorIndex creates an empty index.
func NewVectorIndex(embedder Embedder, logger *zap.Logger) (*VectorIndex, error) {
	if embedder == nil {
		return nil, errors.New("vector index requires an embedder")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db := chromem.NewDB()
	embed := chromem.EmbeddingFunc(func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	})
	collection, err := db.GetOrCreateCollection("entries", nil, embed)
	if err != nil {
		return nil, fmt.Errorf("creating vector collection: %w", err)
	}
	return &VectorIndex{
		embedder:     embedder,
		logger:       logger,
		collection:   collection,
		fingerprints: make(map[string]uint64),
	}, nil
}

func docID(context, key string) string {
	return context + "\x00" + key
}

// Len returns the number of indexed documents.
func (v *VectorIndex) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.collection.Count()
}

// Query syncs the index with entries and returns the cosine similarity of
// every entry that scored above zero, keyed by entry position in entries.
func (v *VectorIndex) Query(ctx context.Context, query string, entries []memstore.Entry) (map[int]float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	positions, err := v.syncLocked(ctx, entries)
	if err != nil {
		return nil, err
	}

	n := v.collection.Count()
	if n == 0 {
		return nil, nil
	}
	qvec, err := v.embedder.EmbedQuery(ctx, query)
	if errors.Is(err, ErrEmptyText) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	results, err := v.collection.QueryEmbedding(ctx, qvec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying vector index: %w", err)
	}

	scores := make(map[int]float64, len(results))
	for _, r := range results {
		if r.Similarity <= 0 {
			continue
		}
		if pos, ok := positions[r.ID]; ok {
			scores[pos] = float64(r.Similarity)
		}
	}
	return scores, nil
}

// syncLocked brings the collection in line with entries and returns the
// position of each indexed document id in entries.
func (v *VectorIndex) syncLocked(ctx context.Context, entries []memstore.Entry) (map[string]int, error) {
	positions := make(map[string]int, len(entries))
	added := 0
	for i, e := range entries {
		id := docID(e.Context, e.Key)
		text := Text(e)
		fp := xxhash.Sum64String(text)
		if old, ok := v.fingerprints[id]; ok && old == fp {
			positions[id] = i
			continue
		}

		vec, err := v.embedder.EmbedDocument(ctx, text)
		if errors.Is(err, ErrEmptyText) {
			v.logger.Debug("entry has no embeddable text", zap.String("context", e.Context), zap.String("key", e.Key))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("embedding %s/%s: %w", e.Context, e.Key, err)
		}
		if err := v.collection.AddDocument(ctx, chromem.Document{
			ID:        id,
			Content:   text,
			Embedding: vec,
		}); err != nil {
			return nil, fmt.Errorf("indexing %s/%s: %w", e.Context, e.Key, err)
		}
		v.fingerprints[id] = fp
		positions[id] = i
		added++
	}

	var stale []string
	for id := range v.fingerprints {
		if _, ok := positions[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := v.collection.Delete(ctx, nil, nil, stale...); err != nil {
			return nil, fmt.Errorf("removing stale vectors: %w", err)
		}
		for _, id := range stale {
			delete(v.fingerprints, id)
		}
	}

	if added > 0 || len(stale) > 0 {
		v.logger.Debug("vector index synced", zap.Int("embedded", added), zap.Int("removed", len(stale)))
	}
	return positions, nil
}
