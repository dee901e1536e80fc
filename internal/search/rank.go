package search

import (
	"sort"
)

type hitKey struct {
	context string
	key     string
}

// Merge combines hits from several nodes. Hits for the same (context, key)
// collapse into one holding the maximum of each score; the value is taken
// from the most recently created copy.
func Merge(sets ...[]Hit) []Hit {
	merged := make(map[hitKey]*Hit)
	var order []hitKey
	for _, set := range sets {
		for _, h := range set {
			k := hitKey{h.Context, h.Key}
			cur, ok := merged[k]
			if !ok {
				merged[k] = &h
				order = append(order, k)
				continue
			}
			if h.CreatedAt.After(cur.CreatedAt) {
				cur.Value = h.Value
				cur.CreatedAt = h.CreatedAt
			}
			if h.InLexical && (!cur.InLexical || h.Lexical > cur.Lexical) {
				cur.Lexical, cur.InLexical = h.Lexical, true
			}
			if h.InSemantic && (!cur.InSemantic || h.Semantic > cur.Semantic) {
				cur.Semantic, cur.InSemantic = h.Semantic, true
			}
		}
	}
	out := make([]Hit, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	return out
}

// Rank scores merged hits under mode, drops results below threshold, sorts
// by score descending and truncates to limit. A limit of zero or less
// keeps every result.
//
// In hybrid mode each score set is first divided by its own maximum. A hit
// present in both sets scores w.Semantic*semantic + w.Lexical*lexical; a
// hit present in one set keeps that set's normalized score.
func Rank(hits []Hit, mode Mode, w Weights, threshold float64, limit int) []Result {
	var maxLex, maxSem float64
	if mode == ModeHybrid {
		for _, h := range hits {
			if h.InLexical && h.Lexical > maxLex {
				maxLex = h.Lexical
			}
			if h.InSemantic && h.Semantic > maxSem {
				maxSem = h.Semantic
			}
		}
	}

	type scored struct {
		hit   Hit
		score float64
	}
	ranked := make([]scored, 0, len(hits))
	for _, h := range hits {
		var score float64
		switch mode {
		case ModeSemantic:
			if !h.InSemantic {
				continue
			}
			score = h.Semantic
		case ModeHybrid:
			var lex, sem float64
			if h.InLexical && maxLex > 0 {
				lex = h.Lexical / maxLex
			}
			if h.InSemantic && maxSem > 0 {
				sem = h.Semantic / maxSem
			}
			if h.InLexical && h.InSemantic {
				score = w.Semantic*sem + w.Lexical*lex
			} else {
				score = max(sem, lex)
			}
		default:
			if !h.InLexical {
				continue
			}
			score = h.Lexical
		}
		if score < threshold || score <= 0 {
			continue
		}
		ranked = append(ranked, scored{hit: h, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return less(ranked[i].score, ranked[j].score, ranked[i].hit, ranked[j].hit)
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]Result, len(ranked))
	for i, r := range ranked {
		out[i] = Result{Context: r.hit.Context, Key: r.hit.Key, Value: r.hit.Value, Score: r.score}
	}
	return out
}
