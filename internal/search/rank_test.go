package search

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_KeepsMaximumPerKey(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)

	nodeA := []Hit{
		{Context: "c", Key: "k", Value: []byte("old"), CreatedAt: older, Lexical: 0.4, InLexical: true},
		{Context: "c", Key: "only-a", Lexical: 0.2, InLexical: true},
	}
	nodeB := []Hit{
		{Context: "c", Key: "k", Value: []byte("new"), CreatedAt: newer, Lexical: 0.3, InLexical: true, Semantic: 0.9, InSemantic: true},
	}

	merged := Merge(nodeA, nodeB)
	require.Len(t, merged, 2)
	k := merged[0]
	assert.Equal(t, "k", k.Key)
	assert.Equal(t, 0.4, k.Lexical)
	assert.Equal(t, 0.9, k.Semantic)
	assert.True(t, k.InSemantic)
	assert.Equal(t, []byte("new"), k.Value)
}

func TestRank_Lexical(t *testing.T) {
	hits := []Hit{
		{Context: "c", Key: "low", Lexical: 0.1, InLexical: true},
		{Context: "c", Key: "high", Lexical: 0.9, InLexical: true},
		{Context: "c", Key: "mid", Lexical: 0.5, InLexical: true},
		{Context: "c", Key: "sem-only", Semantic: 0.99, InSemantic: true},
	}
	results := Rank(hits, ModeLexical, DefaultWeights(), 0.2, 10)
	require.Len(t, results, 2)
	assert.Equal(t, "high", results[0].Key)
	assert.Equal(t, "mid", results[1].Key)
}

func TestRank_Hybrid(t *testing.T) {
	hits := []Hit{
		{Context: "c", Key: "both", Lexical: 0.5, InLexical: true, Semantic: 0.8, InSemantic: true},
		{Context: "c", Key: "lex", Lexical: 1.0, InLexical: true},
		{Context: "c", Key: "sem", Semantic: 0.4, InSemantic: true},
	}
	results := Rank(hits, ModeHybrid, DefaultWeights(), 0, 0)
	require.Len(t, results, 3)

	assert.Equal(t, "lex", results[0].Key)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.Equal(t, "both", results[1].Key)
	assert.InDelta(t, 0.7*1.0+0.3*0.5, results[1].Score, 1e-9)
	assert.Equal(t, "sem", results[2].Key)
	assert.InDelta(t, 0.5, results[2].Score, 1e-9)
}

func TestRank_TiesBrokenByContextAndKey(t *testing.T) {
	hits := []Hit{
		{Context: "b", Key: "k", Lexical: 0.5, InLexical: true},
		{Context: "a", Key: "z", Lexical: 0.5, InLexical: true},
		{Context: "a", Key: "y", Lexical: 0.5, InLexical: true},
	}
	results := Rank(hits, ModeLexical, DefaultWeights(), 0, 0)
	got := []string{}
	for _, r := range results {
		got = append(got, r.Context+"/"+r.Key)
	}
	assert.Equal(t, []string{"a/y", "a/z", "b/k"}, got)
}

func TestRank_ThresholdLimitAndOrderProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	modes := []Mode{ModeLexical, ModeSemantic, ModeHybrid}

	for round := 0; round < 50; round++ {
		var hits []Hit
		for i := 0; i < 30; i++ {
			h := Hit{Context: "c", Key: fmt.Sprintf("k%d", i)}
			if rng.Intn(3) > 0 {
				h.Lexical, h.InLexical = rng.Float64(), true
			}
			if rng.Intn(3) > 0 {
				h.Semantic, h.InSemantic = rng.Float64(), true
			}
			hits = append(hits, h)
		}
		threshold := rng.Float64() * 0.8
		limit := rng.Intn(12)
		mode := modes[round%len(modes)]

		results := Rank(hits, mode, DefaultWeights(), threshold, limit)
		if limit > 0 {
			assert.LessOrEqual(t, len(results), limit)
		}
		for i, r := range results {
			assert.GreaterOrEqual(t, r.Score, threshold)
			if i > 0 {
				assert.LessOrEqual(t, r.Score, results[i-1].Score)
			}
		}
	}
}
