package generate

import (
	"fmt"
	"strings"

	"github.com/quarryhq/quarry/internal/chunk"
	"github.com/quarryhq/quarry/internal/retrieval"
)

const (
	minContextTokens    = 600
	promptOverhead      = 150
	blockOverhead       = 20
	stitchMaxChars      = 2000
	sourceMaxChars      = 8000
	defaultStitchPerDoc = 2
)

// Footnote records one emitted source block.
type Footnote struct {
	N         int      `json:"n"`
	DocID     string   `json:"doc_id"`
	ChunkID   string   `json:"chunk_id"`
	PageStart int      `json:"page_start"`
	PageEnd   int      `json:"page_end"`
	URI       string   `json:"uri,omitempty"`
	BlockIDs  []string `json:"block_ids,omitempty"`
	Score     float64  `json:"score"`
	OpenURL   string   `json:"open_url,omitempty"`
	DirectURL string   `json:"direct_url,omitempty"`
}

type packed struct {
	Context    string
	Footnotes  []*Footnote
	UsedChunks []string
}

// sourceBlock is one stitched run of hits from a single document.
type sourceBlock struct {
	hit       *retrieval.Hit
	text      string
	pageStart int
	pageEnd   int
	chunkIDs  []string
	blockIDs  []string
	score     float64
}

// packContext turns ranked hits into the footnoted source text fed to the
// LLM: tables and lists first for numeric queries, round-robin across
// documents, consecutive-page chunks stitched per document.
func packContext(hits []*retrieval.Hit, q string, numeric bool, tokenBudget, maxStitchPerDoc int) *packed {
	p := &packed{}
	if len(hits) == 0 {
		return p
	}
	if tokenBudget <= 0 {
		tokenBudget = 3500
	}
	if maxStitchPerDoc <= 0 {
		maxStitchPerDoc = defaultStitchPerDoc
	}
	budget := tokenBudget - (chunk.TokenCount(q) + promptOverhead)
	if budget < minContextTokens {
		budget = minContextTokens
	}

	ordered := orderForPacking(hits, numeric)
	queues := stitchByDoc(ordered, maxStitchPerDoc)

	var sb strings.Builder
	used := 0
	n := 0
	for emitted := true; emitted; {
		emitted = false
		for _, docID := range queues.order {
			blocks := queues.byDoc[docID]
			if len(blocks) == 0 {
				continue
			}
			b := blocks[0]
			queues.byDoc[docID] = blocks[1:]

			text := b.text
			if len(text) > sourceMaxChars {
				text = text[:sourceMaxChars]
			}
			cost := chunk.TokenCount(text) + blockOverhead
			if used+cost > budget && n > 0 {
				continue
			}
			used += cost
			n++
			emitted = true

			page := fmt.Sprintf("p%d", b.pageStart+1)
			if b.pageEnd > b.pageStart {
				page = fmt.Sprintf("p%d-%d", b.pageStart+1, b.pageEnd+1)
			}
			fmt.Fprintf(&sb, "Source ID: [^%d]\nDocument: %s\nPage: %s\nContent:\n%s\n---\n", n, b.hit.DocURI, page, text)

			p.Footnotes = append(p.Footnotes, &Footnote{
				N:         n,
				DocID:     b.hit.Chunk.DocID,
				ChunkID:   b.hit.Chunk.ChunkID,
				PageStart: b.pageStart,
				PageEnd:   b.pageEnd,
				URI:       b.hit.DocURI,
				BlockIDs:  b.blockIDs,
				Score:     b.score,
			})
			p.UsedChunks = append(p.UsedChunks, b.chunkIDs...)
		}
	}
	p.Context = sb.String()
	return p
}

// orderForPacking front-loads tables and lists when the query is numeric.
func orderForPacking(hits []*retrieval.Hit, numeric bool) []*retrieval.Hit {
	if !numeric {
		return hits
	}
	var structural, prose []*retrieval.Hit
	for _, h := range hits {
		types := metaStrings(h.Chunk.Meta, "types")
		if containsString(types, "table") || containsString(types, "list") {
			structural = append(structural, h)
		} else {
			prose = append(prose, h)
		}
	}
	return append(structural, prose...)
}

type docQueues struct {
	order []string
	byDoc map[string][]*sourceBlock
}

// stitchByDoc groups hits per document and merges runs on consecutive pages
// until the stitched text would pass the size limit.
func stitchByDoc(hits []*retrieval.Hit, maxStitchPerDoc int) *docQueues {
	q := &docQueues{byDoc: map[string][]*sourceBlock{}}
	stitches := map[string]int{}
	for _, h := range hits {
		docID := h.Chunk.DocID
		blocks := q.byDoc[docID]
		if len(blocks) == 0 {
			q.order = append(q.order, docID)
		}
		if len(blocks) > 0 {
			last := blocks[len(blocks)-1]
			consecutive := h.Chunk.PageStart <= last.pageEnd+1 && h.Chunk.PageStart >= last.pageStart
			if consecutive && stitches[docID] < maxStitchPerDoc &&
				len(last.text)+len(h.Chunk.Text)+2 <= stitchMaxChars {
				last.text += "\n\n" + h.Chunk.Text
				if h.Chunk.PageEnd > last.pageEnd {
					last.pageEnd = h.Chunk.PageEnd
				}
				last.chunkIDs = append(last.chunkIDs, h.Chunk.ChunkID)
				last.blockIDs = append(last.blockIDs, metaStrings(h.Chunk.Meta, "source_block_ids")...)
				stitches[docID]++
				continue
			}
		}
		q.byDoc[docID] = append(blocks, &sourceBlock{
			hit:       h,
			text:      h.Chunk.Text,
			pageStart: h.Chunk.PageStart,
			pageEnd:   h.Chunk.PageEnd,
			chunkIDs:  []string{h.Chunk.ChunkID},
			blockIDs:  metaStrings(h.Chunk.Meta, "source_block_ids"),
			score:     h.Score,
		})
	}
	return q
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func metaStrings(meta map[string]any, key string) []string {
	if meta == nil {
		return nil
	}
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
