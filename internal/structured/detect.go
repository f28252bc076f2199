// Package structured extracts invoice and contract entities from a
// document's blocks into relational rows.
package structured

import (
	"regexp"
	"strings"

	"github.com/quarryhq/quarry/internal/storage"
)

// Document kinds.
const (
	KindInvoice  = "invoice"
	KindContract = "contract"
	KindNone     = ""
)

const (
	detectBlockWindow = 30
	detectTextWindow  = 400
)

var contractCues = []string{"agreement", "party", "parties", "effective date", "term of", "termination"}

// DetectKind guesses whether a document is an invoice or a contract from its
// leading blocks. Invoices win ties; a table plus the word "invoice" is the
// strongest signal.
func DetectKind(blocks []*storage.Block) string {
	hasTable := false
	invoiceWord := false
	contractHits := 0

	for i, b := range blocks {
		if i >= detectBlockWindow {
			break
		}
		if b.Type == "table" {
			hasTable = true
		}
		text := strings.ToLower(b.Text)
		if len(text) > detectTextWindow {
			text = text[:detectTextWindow]
		}
		if strings.Contains(text, "invoice") {
			invoiceWord = true
		}
		for _, cue := range contractCues {
			if strings.Contains(text, cue) {
				contractHits++
			}
		}
	}

	switch {
	case invoiceWord && hasTable:
		return KindInvoice
	case invoiceWord:
		return KindInvoice
	case contractHits >= 2:
		return KindContract
	case hasTable:
		return KindInvoice
	}
	return KindNone
}

var (
	amountRx    = regexp.MustCompile(`([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	currencyRx  = regexp.MustCompile(`\b(USD|INR|EUR|GBP|JPY|AUD|CAD)\b`)
	invoiceNoRx = regexp.MustCompile(`\b[A-Z]{2,6}[-_/]?[0-9]{2,4}[-_/]?[0-9]{1,6}\b`)
)

var currencySymbols = map[string]string{
	"$": "USD",
	"₹": "INR",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
}
