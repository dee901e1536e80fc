//go:build cgo

package search

import (
	"context"
	"fmt"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedConfig configures the ONNX embedder.
type FastEmbedConfig struct {
	// Model is a fastembed model name. Default BAAI/bge-small-en-v1.5.
	Model string

	// CacheDir holds downloaded model files.
	CacheDir string
}

var fastEmbedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

var fastEmbedDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGEBaseENV15:  768,
	fastembed.AllMiniLML6V2: 384,
}

// FastEmbedder runs a local ONNX embedding model.
type FastEmbedder struct {
	mu    sync.Mutex
	model *fastembed.FlagEmbedding
	dims  int
}

// NewFastEmbedder loads the configured model, downloading it to CacheDir
// on first use.
func NewFastEmbedder(cfg FastEmbedConfig) (*FastEmbedder, error) {
	if cfg.Model == "" {
		cfg.Model = "BAAI/bge-small-en-v1.5"
	}
	model, ok := fastEmbedModels[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("unsupported fastembed model %q", cfg.Model)
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "local_cache"
	}

	showProgress := false
	flag, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cfg.CacheDir,
		MaxLength:            512,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing fastembed: %w", err)
	}
	return &FastEmbedder{model: flag, dims: fastEmbedDimensions[model]}, nil
}

// Dimension implements Embedder.
func (f *FastEmbedder) Dimension() int { return f.dims }

// EmbedDocument implements Embedder.
func (f *FastEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, ErrEmptyText
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	vecs, err := f.model.PassageEmbed([]string{text}, 1)
	if err != nil {
		return nil, fmt.Errorf("fastembed passage: %w", err)
	}
	return vecs[0], nil
}

// EmbedQuery implements Embedder.
func (f *FastEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, ErrEmptyText
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	vec, err := f.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("fastembed query: %w", err)
	}
	return vec, nil
}

// Close releases the model.
func (f *FastEmbedder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.model == nil {
		return nil
	}
	err := f.model.Destroy()
	f.model = nil
	return err
}
