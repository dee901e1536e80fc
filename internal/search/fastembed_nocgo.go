//go:build !cgo

package search

import (
	"context"
	"errors"
)

// ErrFastEmbedUnavailable is returned by builds without cgo.
var ErrFastEmbedUnavailable = errors.New("fastembed: not available (binary built without cgo, use the hash embedder)")

// FastEmbedConfig configures the ONNX embedder.
type FastEmbedConfig struct {
	Model    string
	CacheDir string
}

// FastEmbedder is unavailable without cgo.
type FastEmbedder struct{}

// NewFastEmbedder always fails without cgo.
func NewFastEmbedder(FastEmbedConfig) (*FastEmbedder, error) {
	return nil, ErrFastEmbedUnavailable
}

func (*FastEmbedder) Dimension() int { return 0 }

func (*FastEmbedder) EmbedDocument(context.Context, string) ([]float32, error) {
	return nil, ErrFastEmbedUnavailable
}

func (*FastEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, ErrFastEmbedUnavailable
}

func (*FastEmbedder) Close() error { return nil }
