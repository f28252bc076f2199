package chunk

import (
	"strings"
	"unicode/utf8"
)

// charsPerToken is the approximation used everywhere chunk sizes are
// budgeted; real tokenizers average close to 4 chars per token on English
// prose.
const charsPerToken = 4

// TokenCount estimates the token count of a text.
func TokenCount(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// separators tried in order when an oversized segment must be split
var separators = []string{"\n\n", "\n", ". ", "? ", "! ", "; ", ", ", " "}

// splitToTokenLimit breaks text into pieces of at most maxTokens, preferring
// natural boundaries and hard-slicing only as a last resort.
func splitToTokenLimit(text string, maxTokens int) []string {
	if TokenCount(text) <= maxTokens {
		return []string{text}
	}
	maxChars := maxTokens * charsPerToken

	for _, sep := range separators {
		parts := strings.SplitAfter(text, sep)
		if len(parts) < 2 {
			continue
		}
		var out []string
		var cur strings.Builder
		for _, part := range parts {
			if cur.Len() > 0 && cur.Len()+len(part) > maxChars {
				out = append(out, strings.TrimSpace(cur.String()))
				cur.Reset()
			}
			cur.WriteString(part)
		}
		if cur.Len() > 0 {
			out = append(out, strings.TrimSpace(cur.String()))
		}
		if fitsLimit(out, maxChars) {
			return out
		}
	}

	// hard slice, never inside a rune
	var out []string
	for len(text) > maxChars {
		cut := runeCut(text, maxChars)
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// runeCut returns the largest cut point at most max that lands on a rune
// boundary. Non-empty input never cuts at zero.
func runeCut(s string, max int) int {
	if max >= len(s) {
		return len(s)
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return cut
}

func fitsLimit(parts []string, maxChars int) bool {
	for _, p := range parts {
		if len(p) > maxChars {
			return false
		}
	}
	return true
}

// tailTokens returns roughly the last n tokens of a text, cut at a word
// boundary, for use as overlap.
func tailTokens(text string, n int) string {
	if n <= 0 {
		return ""
	}
	maxChars := n * charsPerToken
	if len(text) <= maxChars {
		return text
	}
	start := len(text) - maxChars
	for start < len(text) && !utf8.RuneStart(text[start]) {
		start++
	}
	tail := text[start:]
	if idx := strings.IndexAny(tail, " \n"); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return tail
}
