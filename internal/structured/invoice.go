package structured

import (
	"strconv"
	"strings"
	"time"

	"github.com/quarryhq/quarry/internal/storage"
)

const headerBlockWindow = 30

// ExtractInvoice pulls invoice header fields from the leading text blocks and
// line items from the first table. Missing fields stay nil rather than
// failing the extraction.
func ExtractInvoice(docID string, blocks []*storage.Block) (*storage.Invoice, []*storage.InvoiceLineItem) {
	inv := &storage.Invoice{InvoiceID: docID, Meta: map[string]any{}}

	lines := headerLines(blocks)
	for _, line := range lines {
		lower := strings.ToLower(line)
		switch {
		case inv.InvoiceNumber == "" && hasAny(lower, "invoice number", "invoice no", "invoice #", "invoice#"):
			if m := invoiceNoRx.FindString(line); m != "" {
				inv.InvoiceNumber = m
			}
		case inv.DueDate == nil && hasAny(lower, "due date", "payment due", "due by"):
			inv.DueDate = findDate(afterLabel(line))
		case inv.InvoiceDate == nil && hasAny(lower, "invoice date", "date of issue", "issued", "date:"):
			inv.InvoiceDate = findDate(afterLabel(line))
		case hasAny(lower, "grand total", "total due", "amount due", "balance due"):
			if v := lastAmount(line); v != nil {
				inv.Total = v
			}
		case inv.Total == nil && strings.Contains(lower, "total"):
			inv.Total = lastAmount(line)
		}
		if inv.Currency == "" {
			inv.Currency = detectCurrency(line)
		}
	}

	if inv.InvoiceNumber == "" {
		for _, line := range lines {
			if m := invoiceNoRx.FindString(line); m != "" {
				inv.InvoiceNumber = m
				break
			}
		}
	}
	inv.Vendor = guessVendor(lines)

	items := extractLineItems(firstTable(blocks))
	if inv.Total == nil {
		inv.Total = sumItems(items)
	}
	return inv, items
}

// headerLines flattens the leading non-table blocks into trimmed lines.
func headerLines(blocks []*storage.Block) []string {
	var lines []string
	for i, b := range blocks {
		if i >= headerBlockWindow {
			break
		}
		if b.Type == "table" {
			continue
		}
		for _, line := range strings.Split(b.Text, "\n") {
			line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "•"))
			if line != "" {
				lines = append(lines, strings.TrimSpace(line))
			}
		}
	}
	return lines
}

// guessVendor takes the first line that is not invoice boilerplate.
func guessVendor(lines []string) string {
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "invoice") {
			continue
		}
		if len(line) > labelMaxLen {
			line = line[:labelMaxLen]
		}
		return line
	}
	return ""
}

const labelMaxLen = 120

func firstTable(blocks []*storage.Block) *storage.Block {
	for _, b := range blocks {
		if b.Type == "table" {
			return b
		}
	}
	return nil
}

// extractLineItems parses the pipe-joined table text produced by the block
// extractor, mapping columns by their header names.
func extractLineItems(table *storage.Block) []*storage.InvoiceLineItem {
	if table == nil {
		return nil
	}
	rows := tableRows(table.Text)
	if len(rows) < 2 {
		return nil
	}

	cols := map[string]int{}
	for i, h := range rows[0] {
		switch key := strings.ToLower(strings.TrimSpace(h)); {
		case hasAny(key, "description", "item", "service"):
			cols["description"] = i
		case hasAny(key, "qty", "quantity"):
			cols["qty"] = i
		case hasAny(key, "unit price", "price", "rate"):
			cols["unit_price"] = i
		case hasAny(key, "amount", "total"):
			cols["amount"] = i
		}
	}
	if _, ok := cols["description"]; !ok {
		return nil
	}

	var items []*storage.InvoiceLineItem
	for _, row := range rows[1:] {
		item := &storage.InvoiceLineItem{Description: cell(row, cols, "description")}
		if item.Description == "" {
			continue
		}
		if strings.Contains(strings.ToLower(item.Description), "total") {
			continue
		}
		item.Qty = parseAmount(cell(row, cols, "qty"))
		item.UnitPrice = parseAmount(cell(row, cols, "unit_price"))
		item.Amount = parseAmount(cell(row, cols, "amount"))
		items = append(items, item)
	}
	return items
}

func tableRows(text string) [][]string {
	var rows [][]string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Trim(line, "-| :") == "" {
			continue
		}
		cells := strings.Split(line, "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		rows = append(rows, cells)
	}
	return rows
}

func cell(row []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

// findDate scans short token windows so "Invoice Date: 15 Jan 2024" resolves
// even with trailing text on the line.
func findDate(s string) *time.Time {
	if t := ParseDate(s); t != nil {
		return t
	}
	fields := strings.Fields(s)
	for width := 3; width >= 1; width-- {
		for i := 0; i+width <= len(fields); i++ {
			candidate := strings.Trim(strings.Join(fields[i:i+width], " "), ",.;")
			if t := ParseDate(candidate); t != nil {
				return t
			}
		}
	}
	return nil
}

func afterLabel(line string) string {
	if i := strings.Index(line, ":"); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}

func lastAmount(line string) *float64 {
	matches := amountRx.FindAllString(line, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		if v := parseAmount(matches[i]); v != nil {
			return v
		}
	}
	return nil
}

func parseAmount(s string) *float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	s = strings.Trim(s, "$₹€£¥ ")
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func detectCurrency(line string) string {
	if m := currencyRx.FindString(line); m != "" {
		return m
	}
	for sym, code := range currencySymbols {
		if strings.Contains(line, sym) {
			return code
		}
	}
	return ""
}

func sumItems(items []*storage.InvoiceLineItem) *float64 {
	var sum float64
	found := false
	for _, item := range items {
		if item.Amount != nil {
			sum += *item.Amount
			found = true
		}
	}
	if !found {
		return nil
	}
	return &sum
}

func hasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
