package normalize

import "strings"

const langSampleBytes = 4096

// stopword profiles; cheap but good enough to tag the dominant language
var langProfiles = map[string][]string{
	"en": {"the", "and", "of", "to", "in", "is", "for", "on", "with", "that"},
	"es": {"el", "la", "de", "que", "y", "en", "los", "del", "se", "por"},
	"fr": {"le", "la", "de", "et", "les", "des", "en", "du", "une", "que"},
	"de": {"der", "die", "und", "das", "ist", "von", "mit", "den", "für", "nicht"},
}

// DetectLanguage guesses the language of a text sample by stopword hits.
// Returns "" when no profile scores at least 3 hits.
func DetectLanguage(text string) string {
	if len(text) > langSampleBytes {
		text = text[:langSampleBytes]
	}
	seen := make(map[string]int)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		seen[strings.Trim(tok, ".,;:!?()\"'")]++
	}

	best, bestScore := "", 0
	for code, words := range langProfiles {
		score := 0
		for _, w := range words {
			score += seen[w]
		}
		if score > bestScore {
			best, bestScore = code, score
		}
	}
	if bestScore < 3 {
		return ""
	}
	return best
}
