package chunk

import (
	"strings"

	"github.com/quarryhq/quarry/internal/storage"
)

const (
	codeHeavyRatio     = 0.30
	listHeavyRatio     = 0.30
	denseOverlapRatio  = 0.70
	orphanTokens       = 50
	orphanMergeFactor  = 1.2
	oversizeWarnTokens = 1400
)

// draft is a chunk under construction.
type draft struct {
	text     string
	types    []string
	blockIDs []string
	headers  []string
	pages    [2]int
	spans    [2]int
}

// packer greedily packs narrative segments up to an adaptive token target.
type packer struct {
	target  int
	overlap int
}

// segment is one block rendered for packing.
type segment struct {
	text    string
	block   *storage.Block
	headers []string
}

// pack converts non-table blocks into drafts. Tables are handled by the
// caller, one chunk per table block.
func (p *packer) pack(blocks []*storage.Block) []draft {
	segments := p.segments(blocks)
	if len(segments) == 0 {
		return nil
	}
	target := p.adaptiveTarget(blocks)

	var drafts []draft
	var cur *draft
	for _, seg := range segments {
		for _, piece := range splitToTokenLimit(seg.text, target) {
			if cur != nil && TokenCount(cur.text)+TokenCount(piece) > target {
				drafts = append(drafts, *cur)
				if carry := p.overlapFor(cur, target); carry != "" {
					piece = carry + "\n\n" + piece
				}
				cur = nil
			}
			if cur == nil {
				cur = &draft{text: piece}
			} else {
				cur.text += "\n\n" + piece
			}
			p.attach(cur, seg)
		}
	}
	if cur != nil {
		drafts = append(drafts, *cur)
	}
	return mergeOrphans(drafts, target)
}

// segments renders each block as "header / path\n\ntext" with lists as
// bullet lines.
func (p *packer) segments(blocks []*storage.Block) []segment {
	var out []segment
	for _, b := range blocks {
		if b.Type == "table" || strings.TrimSpace(b.Text) == "" {
			continue
		}
		text := b.Text
		if b.Type == "list" && !strings.Contains(text, "• ") {
			var lines []string
			for _, line := range strings.Split(text, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					lines = append(lines, "• "+line)
				}
			}
			text = strings.Join(lines, "\n")
		}

		headers := metaStrings(b.Meta, "headers")
		path := headers
		if b.Type == "header" {
			path = append(append([]string(nil), headers...), b.Text)
		}
		if len(headers) > 0 {
			text = strings.Join(headers, " / ") + "\n\n" + text
		}
		out = append(out, segment{text: text, block: b, headers: path})
	}
	return out
}

// adaptiveTarget shrinks the base target for code-heavy and list-heavy
// documents, which fragment badly at full size.
func (p *packer) adaptiveTarget(blocks []*storage.Block) int {
	total, code, list := 0, 0, 0
	for _, b := range blocks {
		if b.Type == "table" {
			continue
		}
		total += len(b.Text)
		switch b.Type {
		case "code":
			code += len(b.Text)
		case "list":
			list += len(b.Text)
		}
	}
	target := float64(p.target)
	if total > 0 {
		if float64(code)/float64(total) > codeHeavyRatio {
			target *= 0.75
		} else if float64(list)/float64(total) > listHeavyRatio {
			target *= 0.875
		}
	}
	if target < 1 {
		target = 1
	}
	return int(target)
}

// overlapFor sizes the carried-over tail for the next chunk: half for
// list/header dominated chunks, 1.5x for dense prose near the target, the
// configured overlap otherwise.
func (p *packer) overlapFor(d *draft, target int) string {
	if p.overlap <= 0 {
		return ""
	}
	n := p.overlap
	switch {
	case dominatedBy(d.types, "list", "header"):
		n = n / 2
	case TokenCount(d.text) >= int(float64(target)*denseOverlapRatio):
		n = n * 3 / 2
	}
	return tailTokens(d.text, n)
}

func dominatedBy(types []string, wanted ...string) bool {
	if len(types) == 0 {
		return false
	}
	hits := 0
	for _, t := range types {
		for _, w := range wanted {
			if t == w {
				hits++
				break
			}
		}
	}
	return hits*2 > len(types)
}

// mergeOrphans folds every sliver into its predecessor while the combined
// chunk stays within 120% of the target. Consecutive slivers cascade into the
// same predecessor.
func mergeOrphans(drafts []draft, target int) []draft {
	if len(drafts) < 2 {
		return drafts
	}
	out := make([]draft, 0, len(drafts))
	prev := drafts[0]
	for _, cur := range drafts[1:] {
		combined := prev.text + "\n\n" + cur.text
		if TokenCount(cur.text) >= orphanTokens ||
			float64(TokenCount(combined)) > float64(target)*orphanMergeFactor {
			out = append(out, prev)
			prev = cur
			continue
		}
		prev.text = combined
		prev.types = append(prev.types, cur.types...)
		prev.blockIDs = append(prev.blockIDs, cur.blockIDs...)
		if cur.pages[1] > prev.pages[1] {
			prev.pages[1] = cur.pages[1]
		}
		if cur.spans[1] > prev.spans[1] {
			prev.spans[1] = cur.spans[1]
		}
	}
	return append(out, prev)
}

// attach attributes a segment's block to the draft.
func (p *packer) attach(d *draft, seg segment) {
	b := seg.block
	d.types = appendUnique(d.types, b.Type)
	d.blockIDs = appendUnique(d.blockIDs, b.BlockID)
	if len(seg.headers) > 0 {
		d.headers = seg.headers
	}
	if len(d.blockIDs) == 1 {
		d.pages = [2]int{b.Page, b.Page}
		d.spans = [2]int{b.SpanStart, b.SpanEnd}
		return
	}
	if b.Page < d.pages[0] {
		d.pages[0] = b.Page
	}
	if b.Page > d.pages[1] {
		d.pages[1] = b.Page
	}
	if b.SpanStart < d.spans[0] {
		d.spans[0] = b.SpanStart
	}
	if b.SpanEnd > d.spans[1] {
		d.spans[1] = b.SpanEnd
	}
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}
