package retrieval

import (
	"sort"
	"strings"
)

const rrfOffset = 60

// fuseRRF combines the two ranked legs with reciprocal rank fusion:
// alpha/(60+rank_vec) + (1-alpha)/(60+rank_kw).
func fuseRRF(vec, kw []*Hit, alpha float64) []*Hit {
	merged := map[string]*Hit{}
	for rank, c := range vec {
		c.Score = alpha / float64(rrfOffset+rank+1)
		merged[c.Chunk.ChunkID] = c
	}
	for rank, c := range kw {
		score := (1 - alpha) / float64(rrfOffset+rank+1)
		if existing, ok := merged[c.Chunk.ChunkID]; ok {
			existing.Score += score
			existing.Source = "hybrid"
		} else {
			c.Score = score
			merged[c.Chunk.ChunkID] = c
		}
	}
	return sortCandidates(merged)
}

// fuseNorm min-max normalizes each leg then combines linearly.
func fuseNorm(vec, kw []*Hit, alpha float64) []*Hit {
	normalize(vec)
	normalize(kw)
	merged := map[string]*Hit{}
	for _, c := range vec {
		c.Score *= alpha
		merged[c.Chunk.ChunkID] = c
	}
	for _, c := range kw {
		score := c.Score * (1 - alpha)
		if existing, ok := merged[c.Chunk.ChunkID]; ok {
			existing.Score += score
			existing.Source = "hybrid"
		} else {
			c.Score = score
			merged[c.Chunk.ChunkID] = c
		}
	}
	return sortCandidates(merged)
}

func normalize(cands []*Hit) {
	if len(cands) == 0 {
		return
	}
	lo, hi := cands[0].Score, cands[0].Score
	for _, c := range cands {
		if c.Score < lo {
			lo = c.Score
		}
		if c.Score > hi {
			hi = c.Score
		}
	}
	span := hi - lo
	for _, c := range cands {
		if span == 0 {
			c.Score = 1
		} else {
			c.Score = (c.Score - lo) / span
		}
	}
}

func sortCandidates(merged map[string]*Hit) []*Hit {
	out := make([]*Hit, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chunk.ChunkID < out[j].Chunk.ChunkID
	})
	return out
}

// mmr greedily picks k candidates trading relevance against textual overlap
// with what is already selected: lambda*rel - (1-lambda)*maxJaccard.
func mmr(cands []*Hit, k int, lambda float64) []*Hit {
	if len(cands) <= k {
		return cands
	}
	pool := cands
	if len(pool) > 2*k {
		pool = pool[:2*k]
	}
	tokenSets := make([]map[string]bool, len(pool))
	for i, c := range pool {
		tokenSets[i] = tokenSet(c.Chunk.Text)
	}

	var selected []*Hit
	var selectedSets []map[string]bool
	picked := make([]bool, len(pool))
	for len(selected) < k {
		best, bestScore := -1, -1e18
		for i, c := range pool {
			if picked[i] {
				continue
			}
			maxSim := 0.0
			for _, s := range selectedSets {
				if sim := jaccard(tokenSets[i], s); sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*c.Score - (1-lambda)*maxSim
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			break
		}
		picked[best] = true
		selected = append(selected, pool[best])
		selectedSets = append(selectedSets, tokenSets[best])
	}
	return selected
}

// capPerDoc keeps at most n candidates per document, preserving order.
func capPerDoc(cands []*Hit, n int) []*Hit {
	if n <= 0 {
		return cands
	}
	counts := map[string]int{}
	var out []*Hit
	for _, c := range cands {
		if counts[c.Chunk.DocID] >= n {
			continue
		}
		counts[c.Chunk.DocID]++
		out = append(out, c)
	}
	return out
}

func tokenSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?()[]|\"'")
		if len(tok) >= 3 {
			set[tok] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for tok := range small {
		if large[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
