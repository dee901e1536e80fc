package search

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/rivo/uniseg"
)

// LexicalScorer scores a batch of entries against a query. The returned
// slice is parallel to entries.
type LexicalScorer interface {
	Name() string
	Score(query string, entries []memstore.Entry) []float64
}

// Text is the searchable text of an entry.
func Text(e memstore.Entry) string {
	return e.Key + " " + string(e.Value)
}

// graphemeSet splits the lowercased text into grapheme clusters, ignoring
// whitespace.
func graphemeSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	g := uniseg.NewGraphemes(strings.ToLower(s))
	for g.Next() {
		cluster := g.Str()
		if strings.TrimSpace(cluster) == "" {
			continue
		}
		set[cluster] = struct{}{}
	}
	return set
}

// words segments lowercased text into words, keeping only those with a
// letter or digit.
func words(s string) []string {
	var out []string
	rest := strings.ToLower(s)
	state := -1
	var word string
	for len(rest) > 0 {
		word, rest, state = uniseg.FirstWordInString(rest, state)
		if hasAlnum(word) {
			out = append(out, word)
		}
	}
	return out
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// JaccardScorer is |Q ∩ D| / |Q ∪ D| over grapheme cluster sets.
type JaccardScorer struct{}

// Name returns "jaccard".
func (JaccardScorer) Name() string { return "jaccard" }

// Score implements LexicalScorer.
func (JaccardScorer) Score(query string, entries []memstore.Entry) []float64 {
	scores := make([]float64, len(entries))
	q := graphemeSet(query)
	if len(q) == 0 {
		return scores
	}
	for i, e := range entries {
		scores[i] = jaccard(q, graphemeSet(Text(e)))
	}
	return scores
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// BM25Scorer ranks by Okapi BM25 with IDF computed over the scored batch.
type BM25Scorer struct {
	K1 float64
	B  float64
}

// NewBM25Scorer returns a scorer with k1=1.2 and b=0.75.
func NewBM25Scorer() BM25Scorer {
	return BM25Scorer{K1: 1.2, B: 0.75}
}

// Name returns "bm25".
func (BM25Scorer) Name() string { return "bm25" }

// Score implements LexicalScorer.
func (s BM25Scorer) Score(query string, entries []memstore.Entry) []float64 {
	scores := make([]float64, len(entries))
	terms := uniqueStrings(words(query))
	if len(terms) == 0 || len(entries) == 0 {
		return scores
	}

	tfs := make([]map[string]int, len(entries))
	lengths := make([]int, len(entries))
	df := make(map[string]int, len(terms))
	total := 0
	for i, e := range entries {
		tf := make(map[string]int)
		for _, w := range words(Text(e)) {
			tf[w]++
			lengths[i]++
		}
		tfs[i] = tf
		total += lengths[i]
		for _, t := range terms {
			if tf[t] > 0 {
				df[t]++
			}
		}
	}
	avgLen := float64(total) / float64(len(entries))
	if avgLen == 0 {
		return scores
	}

	n := float64(len(entries))
	for i := range entries {
		var score float64
		for _, t := range terms {
			f := float64(tfs[i][t])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[t])+0.5)/(float64(df[t])+0.5))
			norm := f + s.K1*(1-s.B+s.B*float64(lengths[i])/avgLen)
			score += idf * f * (s.K1 + 1) / norm
		}
		scores[i] = score
	}
	return scores
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// NewLexicalScorer returns the scorer named by name: jaccard or bm25.
func NewLexicalScorer(name string) (LexicalScorer, error) {
	switch name {
	case "", "jaccard":
		return JaccardScorer{}, nil
	case "bm25":
		return NewBM25Scorer(), nil
	}
	return nil, fmt.Errorf("unknown lexical scorer %q", name)
}
