package generate

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	tokenOverlapWeight  = 0.4
	numberOverlapWeight = 0.6
	minGroundedTokenLen = 3
)

var (
	footnoteMarkRx = regexp.MustCompile(`\[\^(\d+)\]`)
	groundNumberRx = regexp.MustCompile(`[0-9][0-9,]*(?:\.[0-9]+)?`)
)

// groundedness scores how much of the answer is backed by the context:
// token-set overlap at 40%, number-set overlap at 60%.
func groundedness(answer, context string) float64 {
	aTokens := groundTokens(answer)
	cTokens := groundTokens(context)
	tokenScore := overlapRatio(aTokens, cTokens)

	aNums := numberSet(answer)
	if len(aNums) == 0 {
		// nothing numeric to verify, weight shifts to tokens
		return tokenScore
	}
	numScore := overlapRatio(aNums, numberSet(context))
	return tokenOverlapWeight*tokenScore + numberOverlapWeight*numScore
}

// overlapRatio is |a∩b| / |a|.
func overlapRatio(a, b map[string]bool) float64 {
	if len(a) == 0 {
		return 0
	}
	hits := 0
	for tok := range a {
		if b[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(a))
}

func groundTokens(text string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?()[]|\"'`*#")
		if len(tok) >= minGroundedTokenLen {
			set[tok] = true
		}
	}
	return set
}

func numberSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, m := range groundNumberRx.FindAllString(text, -1) {
		set[strings.ReplaceAll(m, ",", "")] = true
	}
	return set
}

// citationMarkers extracts footnote numbers referenced in the answer text.
func citationMarkers(answer string) []int {
	var ns []int
	seen := map[int]bool{}
	for _, m := range footnoteMarkRx.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		ns = append(ns, n)
	}
	return ns
}

// contextNumericSum sums the currency-looking numbers in the context when at
// least two are present. Used by the numeric guardrail.
func contextNumericSum(context string) (float64, bool) {
	var values []float64
	for _, m := range groundNumberRx.FindAllString(context, -1) {
		raw := strings.ReplaceAll(m, ",", "")
		if !strings.Contains(raw, ".") {
			continue
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			values = append(values, v)
		}
	}
	if len(values) < 2 {
		return 0, false
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum, true
}

func hasDigits(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
