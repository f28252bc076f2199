// Package facts answers structured single-value lookups without the LLM:
// invoice totals by number and student fee amounts.
package facts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/storage"
)

const (
	structuredConfidence = 0.9
	chunkScanConfidence  = 0.7
	feesBaseConfidence   = 0.35
	feesMatchConfidence  = 0.45
	maxConfidence        = 0.95
	scanLimit            = 40

	labelWeight    = 2.0
	currencyWeight = 1.0
)

// Citation points at the chunk a fact came from.
type Citation struct {
	DocID     string `json:"doc_id"`
	ChunkID   string `json:"chunk_id,omitempty"`
	PageStart int    `json:"page_start,omitempty"`
	PageEnd   int    `json:"page_end,omitempty"`
}

// Result is one answered fact.
type Result struct {
	Answer     string     `json:"answer"`
	Value      *float64   `json:"value,omitempty"`
	Currency   string     `json:"currency,omitempty"`
	Confidence float64    `json:"confidence"`
	Source     string     `json:"source"`
	Citations  []Citation `json:"citations,omitempty"`
}

// InvoiceStore reads structured invoice rows.
type InvoiceStore interface {
	FindInvoiceByNumber(ctx context.Context, tenantID, number string) (*storage.Invoice, error)
}

// ChunkStore scans chunk text for fallback extraction.
type ChunkStore interface {
	ScanForFacts(ctx context.Context, tenantID string, needles []string, limit int) ([]*storage.Chunk, error)
}

// Service runs fact lookups.
type Service struct {
	invoices InvoiceStore
	chunks   ChunkStore
	log      *observability.Logger
}

// NewService creates a fact lookup service.
func NewService(invoices InvoiceStore, chunks ChunkStore, log *observability.Logger) *Service {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Service{invoices: invoices, chunks: chunks, log: log.WithComponent("facts")}
}

var (
	currencyAmountRx = regexp.MustCompile(`(?i)(USD|INR|EUR|GBP|JPY|AUD|CAD|[$₹€£¥])\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	totalLabelRx     = regexp.MustCompile(`(?i)\b(grand\s+total|total\s+due|amount\s+due|balance\s+due|total\s+amount|total|fees?\s+paid|net\s+payable)\b`)
	studentNameRx    = regexp.MustCompile(`(?i)student\s*name\s*[:\-]?\s*([A-Za-z][A-Za-z .'-]{1,60})`)
)

// InvoiceTotal answers "what is the total of invoice X". The structured row
// wins; chunk text is the fallback.
func (s *Service) InvoiceTotal(ctx context.Context, tenantID, number string) (*Result, error) {
	inv, err := s.invoices.FindInvoiceByNumber(ctx, tenantID, number)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("invoice lookup: %w", err)
	}
	if inv != nil && inv.Total != nil {
		return &Result{
			Answer:     fmt.Sprintf("Invoice %s total: %s", inv.InvoiceNumber, formatAmount(*inv.Total, inv.Currency)),
			Value:      inv.Total,
			Currency:   inv.Currency,
			Confidence: structuredConfidence,
			Source:     "structured",
			Citations:  []Citation{{DocID: inv.InvoiceID}},
		}, nil
	}
	return s.scanInvoiceTotal(ctx, tenantID, number)
}

// scanInvoiceTotal scores currency-labeled lines in chunks that mention the
// invoice number. A line with a total label outranks a bare currency match.
func (s *Service) scanInvoiceTotal(ctx context.Context, tenantID, number string) (*Result, error) {
	chunks, err := s.chunks.ScanForFacts(ctx, tenantID, []string{number}, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("chunk scan: %w", err)
	}

	var best *Result
	bestScore := 0.0
	for _, c := range chunks {
		for _, line := range strings.Split(c.Text, "\n") {
			m := currencyAmountRx.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			value := parseAmount(m[2])
			if value == nil {
				continue
			}
			score := currencyWeight
			if totalLabelRx.MatchString(line) {
				score = labelWeight
			}
			if score > bestScore {
				bestScore = score
				currency := normalizeCurrency(m[1])
				best = &Result{
					Answer:     fmt.Sprintf("Invoice %s total: %s", number, formatAmount(*value, currency)),
					Value:      value,
					Currency:   currency,
					Confidence: chunkScanConfidence,
					Source:     "chunk_scan",
					Citations:  []Citation{{DocID: c.DocID, ChunkID: c.ChunkID, PageStart: c.PageStart, PageEnd: c.PageEnd}},
				}
			}
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	return best, nil
}

// StudentFees scans for a student-name line plus a fee total near it.
func (s *Service) StudentFees(ctx context.Context, tenantID, name string) (*Result, error) {
	chunks, err := s.chunks.ScanForFacts(ctx, tenantID, []string{name}, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("chunk scan: %w", err)
	}

	needle := strings.ToLower(name)
	for _, c := range chunks {
		confidence := feesBaseConfidence
		nameMatched := false
		if m := studentNameRx.FindStringSubmatch(c.Text); m != nil {
			nameMatched = strings.Contains(strings.ToLower(m[1]), needle)
		}
		if !nameMatched && !strings.Contains(strings.ToLower(c.Text), needle) {
			continue
		}

		for _, line := range strings.Split(c.Text, "\n") {
			if !totalLabelRx.MatchString(line) {
				continue
			}
			m := currencyAmountRx.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			value := parseAmount(m[2])
			if value == nil {
				continue
			}
			if nameMatched {
				confidence += feesMatchConfidence
			}
			if confidence > maxConfidence {
				confidence = maxConfidence
			}
			currency := normalizeCurrency(m[1])
			return &Result{
				Answer:     fmt.Sprintf("Fees for %s: %s", name, formatAmount(*value, currency)),
				Value:      value,
				Currency:   currency,
				Confidence: confidence,
				Source:     "chunk_scan",
				Citations:  []Citation{{DocID: c.DocID, ChunkID: c.ChunkID, PageStart: c.PageStart, PageEnd: c.PageEnd}},
			}, nil
		}
	}
	return nil, storage.ErrNotFound
}

func parseAmount(s string) *float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

var symbolCurrencies = map[string]string{
	"$": "USD",
	"₹": "INR",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
}

func normalizeCurrency(s string) string {
	if code, ok := symbolCurrencies[s]; ok {
		return code
	}
	return strings.ToUpper(s)
}

func formatAmount(v float64, currency string) string {
	if currency == "" {
		return fmt.Sprintf("%.2f", v)
	}
	return fmt.Sprintf("%s %.2f", currency, v)
}
