package retrieval

import (
	"context"
	"regexp"
	"time"
)

var (
	numericHintRx = regexp.MustCompile(`(?i)\b(total|amount|due|sum|balance|qty|quantity|price|fee|fees|tax|subtotal|grand total)\b`)
	invoiceTokRx  = regexp.MustCompile(`\b[A-Z]{2,6}[-_/]?[0-9]{2,4}[-_/]?[0-9]{1,6}\b`)
	numberRx      = regexp.MustCompile(`[0-9][0-9,]*(?:\.[0-9]+)?`)
)

// IsNumericQuery reports whether the query is asking about amounts or counts.
func IsNumericQuery(q string) bool {
	return numericHintRx.MatchString(q) || numberRx.MatchString(q)
}

// enrich resolves date ranges and invoice-number tokens against the
// structured invoice rows, narrowing the doc_id filter before either leg
// runs. Returns false when a structured constraint matched nothing, in which
// case retrieval can only return empty.
func (s *Service) enrich(ctx context.Context, tenantID, q string, f *Filters) bool {
	if f.DateRange == nil {
		f.DateRange = ParseDateRange(q, time.Now())
	}
	if f.DateRange != nil && s.structured != nil {
		ids, err := s.structured.InvoiceDocIDsByDateRange(ctx, tenantID, f.DateRange.Start, f.DateRange.End)
		if err != nil {
			s.log.Warn().Err(err).Msg("invoice date-range lookup failed")
		} else if len(ids) > 0 {
			f.DocIDs = intersectOr(f.DocIDs, ids)
			if len(f.DocIDs) == 0 {
				return false
			}
		}
	}

	if s.structured != nil {
		for _, tok := range invoiceTokRx.FindAllString(q, -1) {
			ids, err := s.structured.InvoiceDocIDsByNumber(ctx, tenantID, tok)
			if err != nil {
				s.log.Warn().Err(err).Msg("invoice number lookup failed")
				continue
			}
			if len(ids) > 0 {
				f.DocIDs = intersectOr(f.DocIDs, ids)
				if len(f.DocIDs) == 0 {
					return false
				}
			}
		}
	}

	if numericHintRx.MatchString(q) && len(f.Types) == 0 {
		f.Types = []string{"table"}
	}
	if f.DateLastDays > 0 && f.DateRange == nil {
		now := time.Now().UTC()
		f.DateRange = &DateRange{Start: now.AddDate(0, 0, -f.DateLastDays), End: now}
	}
	return true
}

// intersectOr intersects two ID sets, treating an empty base as unconstrained.
func intersectOr(base, ids []string) []string {
	if len(base) == 0 {
		return ids
	}
	have := make(map[string]bool, len(ids))
	for _, id := range ids {
		have[id] = true
	}
	var out []string
	for _, id := range base {
		if have[id] {
			out = append(out, id)
		}
	}
	return out
}
