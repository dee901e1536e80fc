// Package search scores a node's live entries against a free-text query and
// merges per-node hits into one ranked list.
//
// Each node runs Engine.Local over its own entries and returns raw Hits.
// The coordinating node calls Merge on the hits from every node, then Rank,
// which applies the scoring mode, the threshold and the limit.
package search

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects how hits are scored.
type Mode string

const (
	// ModeLexical ranks by the lexical scorer alone.
	ModeLexical Mode = "lexical"
	// ModeSemantic ranks by vector cosine similarity alone.
	ModeSemantic Mode = "semantic"
	// ModeHybrid normalizes both score sets and combines them.
	ModeHybrid Mode = "hybrid"
)

// ErrModeUnavailable is returned for a semantic or hybrid query on an
// engine built without a vector index.
var ErrModeUnavailable = errors.New("search mode not available on this node")

// ParseMode validates a mode name. The empty string parses as ModeLexical.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeLexical:
		return ModeLexical, nil
	case ModeSemantic, ModeHybrid:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown search mode %q", s)
}

// Request is a query sent to every node.
type Request struct {
	Query     string  `json:"query"`
	Threshold float64 `json:"threshold"`
	Limit     int     `json:"limit"`
	Mode      Mode    `json:"mode,omitempty"`
}

// Hit is one entry's raw scores on one node.
type Hit struct {
	Context    string    `json:"context"`
	Key        string    `json:"key"`
	Value      []byte    `json:"value"`
	CreatedAt  time.Time `json:"created_at"`
	Lexical    float64   `json:"lexical,omitempty"`
	Semantic   float64   `json:"semantic,omitempty"`
	InLexical  bool      `json:"in_lexical,omitempty"`
	InSemantic bool      `json:"in_semantic,omitempty"`
}

// Result is a ranked search result.
type Result struct {
	Context string  `json:"context"`
	Key     string  `json:"key"`
	Value   []byte  `json:"value"`
	Score   float64 `json:"score"`
}

// Weights are the hybrid combination weights for keys present in both
// score sets.
type Weights struct {
	Semantic float64
	Lexical  float64
}

// DefaultWeights returns 0.7 semantic, 0.3 lexical.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.7, Lexical: 0.3}
}
