package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"go.uber.org/zap"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Mode is used when a Request does not name one.
	Mode Mode

	// Lexical defaults to JaccardScorer.
	Lexical LexicalScorer

	// Embedder enables semantic and hybrid queries. Without it only
	// lexical queries are served.
	Embedder Embedder

	Logger *zap.Logger
}

// Engine scores one node's entries.
type Engine struct {
	mode    Mode
	lexical LexicalScorer
	vectors *VectorIndex
	logger  *zap.Logger
}

// NewEngine builds an engine. A semantic or hybrid default mode requires
// an Embedder.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Mode == "" {
		opts.Mode = ModeLexical
	}
	if opts.Lexical == nil {
		opts.Lexical = JaccardScorer{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	e := &Engine{mode: opts.Mode, lexical: opts.Lexical, logger: opts.Logger}
	if opts.Embedder != nil {
		idx, err := NewVectorIndex(opts.Embedder, opts.Logger)
		if err != nil {
			return nil, err
		}
		e.vectors = idx
	}
	if opts.Mode != ModeLexical && e.vectors == nil {
		return nil, fmt.Errorf("%w: %s mode needs an embedder", ErrModeUnavailable, opts.Mode)
	}
	return e, nil
}

// Mode returns the default mode.
func (e *Engine) Mode() Mode { return e.mode }

// Resolve fills in the default mode of req.
func (e *Engine) Resolve(req Request) Request {
	if req.Mode == "" {
		req.Mode = e.mode
	}
	return req
}

// Local scores entries against req.Query. Hits scoring zero on every
// component are dropped. For single-mode queries the hits are also
// filtered by threshold and cut to limit, since merging cannot raise a
// node's score. Hybrid hits are returned unfiltered because normalization
// needs the full per-set maxima.
func (e *Engine) Local(ctx context.Context, entries []memstore.Entry, req Request) ([]Hit, error) {
	req = e.Resolve(req)
	useLexical := req.Mode == ModeLexical || req.Mode == ModeHybrid
	useSemantic := req.Mode == ModeSemantic || req.Mode == ModeHybrid
	if req.Mode != ModeLexical && req.Mode != ModeSemantic && req.Mode != ModeHybrid {
		return nil, fmt.Errorf("unknown search mode %q", req.Mode)
	}
	if useSemantic && e.vectors == nil {
		return nil, fmt.Errorf("%w: %s", ErrModeUnavailable, req.Mode)
	}

	var lexical []float64
	if useLexical {
		lexical = e.lexical.Score(req.Query, entries)
	}
	var semantic map[int]float64
	if useSemantic {
		var err error
		semantic, err = e.vectors.Query(ctx, req.Query, entries)
		if err != nil {
			return nil, err
		}
	}

	hits := make([]Hit, 0)
	for i, entry := range entries {
		h := Hit{
			Context:   entry.Context,
			Key:       entry.Key,
			Value:     entry.Value,
			CreatedAt: entry.CreatedAt,
		}
		if lexical != nil && lexical[i] > 0 {
			h.Lexical, h.InLexical = lexical[i], true
		}
		if s, ok := semantic[i]; ok && s > 0 {
			h.Semantic, h.InSemantic = s, true
		}
		if h.InLexical || h.InSemantic {
			hits = append(hits, h)
		}
	}

	if req.Mode == ModeHybrid {
		return hits, nil
	}

	filtered := hits[:0]
	for _, h := range hits {
		if singleScore(h, req.Mode) >= req.Threshold {
			filtered = append(filtered, h)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return less(singleScore(filtered[i], req.Mode), singleScore(filtered[j], req.Mode), filtered[i], filtered[j])
	})
	if req.Limit > 0 && len(filtered) > req.Limit {
		filtered = filtered[:req.Limit]
	}
	return filtered, nil
}

func singleScore(h Hit, mode Mode) float64 {
	if mode == ModeSemantic {
		return h.Semantic
	}
	return h.Lexical
}

// less orders by score descending, then context and key ascending.
func less(si, sj float64, a, b Hit) bool {
	if si != sj {
		return si > sj
	}
	if a.Context != b.Context {
		return a.Context < b.Context
	}
	return a.Key < b.Key
}
