package structured

import (
	"regexp"
	"strings"

	"github.com/quarryhq/quarry/internal/storage"
)

var (
	partiesRx      = regexp.MustCompile(`(?i)between\s+(.+?)\s+(?:\(|,)?\s*and\s+(.+?)(?:\s*\(|,|\.|$)`)
	governingLawRx = regexp.MustCompile(`(?i)governed by(?: and construed in accordance with)? the laws of (?:the )?([A-Z][A-Za-z ,]+?)(?:\.|,|;|$)`)
)

// ExtractContract pulls parties, dates, and governing law from a contract's
// leading text blocks.
func ExtractContract(docID string, blocks []*storage.Block) *storage.Contract {
	c := &storage.Contract{ContractID: docID, Meta: map[string]any{}}

	for _, line := range headerLines(blocks) {
		lower := strings.ToLower(line)
		switch {
		case c.PartyA == "" && strings.Contains(lower, "between"):
			if m := partiesRx.FindStringSubmatch(line); m != nil {
				c.PartyA = trimParty(m[1])
				c.PartyB = trimParty(m[2])
			}
		case c.EffectiveDate == nil && hasAny(lower, "effective date", "effective as of", "commencement date", "dated"):
			c.EffectiveDate = findDate(afterLabel(line))
		case c.EndDate == nil && hasAny(lower, "end date", "expiration date", "expires on", "termination date", "terminates on"):
			c.EndDate = findDate(afterLabel(line))
		case c.RenewalDate == nil && hasAny(lower, "renewal date", "renews on"):
			c.RenewalDate = findDate(afterLabel(line))
		}
		if c.GoverningLaw == "" {
			if m := governingLawRx.FindStringSubmatch(line); m != nil {
				c.GoverningLaw = strings.TrimSpace(m[1])
			} else if i := strings.Index(lower, "governing law:"); i >= 0 {
				c.GoverningLaw = strings.TrimSpace(line[i+len("governing law:"):])
			}
		}
	}
	return c
}

func trimParty(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	if len(s) > labelMaxLen {
		s = s[:labelMaxLen]
	}
	return s
}
