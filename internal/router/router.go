// Package router classifies queries into execution plans: hybrid RAG,
// structured fact lookup, comparison, or summarization.
package router

import (
	"context"
	"regexp"
	"strings"

	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/retrieval"
)

// Intents.
const (
	IntentHybrid        = "HYBRID"
	IntentFactLookup    = "FACT_LOOKUP"
	IntentComparison    = "COMPARISON"
	IntentSummarization = "SUMMARIZATION"
)

// Answer flavors steer prompt selection downstream.
const (
	FlavorNumeric = "NUMERIC"
	FlavorList    = "LIST"
	FlavorClause  = "CLAUSE"
	FlavorDefault = "DEFAULT"
)

// Fact lookup kinds.
const (
	FactInvoiceTotal = "invoice_total"
	FactStudentFees  = "student_fees"
)

// Plan is the routed execution plan for one query.
type Plan struct {
	Intent        string             `json:"intent"`
	Query         string             `json:"query"`
	Queries       []string           `json:"queries,omitempty"`
	Filters       *retrieval.Filters `json:"filters,omitempty"`
	Flavor        string             `json:"flavor"`
	Reasoning     string             `json:"reasoning,omitempty"`
	FactType      string             `json:"fact_type,omitempty"`
	InvoiceNumber string             `json:"invoice_number,omitempty"`
	StudentName   string             `json:"student_name,omitempty"`
	Planner       string             `json:"planner"`
}

// Planner is the optional LLM stage.
type Planner interface {
	GenerateJSON(ctx context.Context, messages []llm.Message, dst any, opts ...llm.Option) error
}

// Router picks a plan per query, degrading from the LLM planner to regexes.
type Router struct {
	planner Planner
	log     *observability.Logger
}

// New creates a router. A nil planner means regex-only routing.
func New(planner Planner, log *observability.Logger) *Router {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Router{planner: planner, log: log.WithComponent("router")}
}

var (
	invoiceTokRx  = regexp.MustCompile(`\b[A-Z]{2,6}[-_/]?[0-9]{2,4}[-_/]?[0-9]{1,6}\b`)
	invoiceWordRx = regexp.MustCompile(`(?i)\binvoice\b`)
	totalWordRx   = regexp.MustCompile(`(?i)\b(total|amount|due|sum|balance|value)\b`)
	studentFeesRx = regexp.MustCompile(`(?i)\b(?:fees?|dues)\s+(?:for|of)\s+([A-Za-z][A-Za-z .'-]{1,60})`)
	studentWordRx = regexp.MustCompile(`(?i)\bstudent\b`)
	comparisonRx  = regexp.MustCompile(`(?i)\b(compare|comparison|versus|vs\.?|difference between)\b`)
	summaryRx     = regexp.MustCompile(`(?i)\b(summari[sz]e|summary|overview|tl;?dr)\b`)
	numericRx     = regexp.MustCompile(`(?i)\b(total|amount|due|sum|balance|qty|quantity|price|fee|fees|tax|subtotal|grand total|how much|how many)\b`)
	listRx        = regexp.MustCompile(`(?i)\b(list|enumerate|itemi[sz]e|what are (?:the|all))\b`)
	clauseRx      = regexp.MustCompile(`(?i)\b(clause|terms?|termination|liability|indemnif|governing law|warranty|obligations?)\b`)
)

const plannerSystemPrompt = `You route search queries over a document corpus.
Return ONLY a JSON object:
{"intent":"RETRIEVAL|FACT_LOOKUP|COMPARISON|SUMMARIZATION","queries":["..."],"filters":{"doc_ids":[],"types":[],"vendor_like":""},"reasoning":"..."}
Use FACT_LOOKUP only for single structured values like an invoice total.`

type plannerResponse struct {
	Intent    string             `json:"intent"`
	Queries   []string           `json:"queries"`
	Filters   *retrieval.Filters `json:"filters"`
	Reasoning string             `json:"reasoning"`
}

// Route plans the query. Planner failures fall back to the regex path.
func (r *Router) Route(ctx context.Context, q string) *Plan {
	if r.planner != nil {
		if plan := r.plannedRoute(ctx, q); plan != nil {
			return plan
		}
	}
	return r.regexRoute(q)
}

func (r *Router) plannedRoute(ctx context.Context, q string) *Plan {
	var resp plannerResponse
	err := r.planner.GenerateJSON(ctx, []llm.Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: q},
	}, &resp, llm.WithTemperature(0), llm.WithMaxTokens(300))
	if err != nil {
		r.log.Warn().Err(err).Msg("planner failed, using regex route")
		return nil
	}

	intent := normalizeIntent(resp.Intent)
	if intent == "" {
		return nil
	}
	plan := &Plan{
		Intent:    intent,
		Queries:   resp.Queries,
		Filters:   resp.Filters,
		Reasoning: resp.Reasoning,
		Flavor:    flavorOf(q),
		Planner:   "llm",
	}
	plan.Query = strings.TrimSpace(strings.Join(resp.Queries, " "))
	if plan.Query == "" {
		plan.Query = q
	}
	if intent == IntentFactLookup {
		// regexes still supply the structured arguments
		fillFactArgs(plan, q)
		if plan.FactType == "" {
			plan.Intent = IntentHybrid
		}
	}
	return plan
}

func (r *Router) regexRoute(q string) *Plan {
	plan := &Plan{Intent: IntentHybrid, Query: q, Flavor: flavorOf(q), Planner: "regex"}

	fillFactArgs(plan, q)
	if plan.FactType != "" {
		plan.Intent = IntentFactLookup
		return plan
	}
	switch {
	case comparisonRx.MatchString(q):
		plan.Intent = IntentComparison
	case summaryRx.MatchString(q):
		plan.Intent = IntentSummarization
	}
	return plan
}

// fillFactArgs detects invoice-total and student-fees lookups.
func fillFactArgs(plan *Plan, q string) {
	if tok := invoiceTokRx.FindString(q); tok != "" && invoiceWordRx.MatchString(q) && totalWordRx.MatchString(q) {
		plan.FactType = FactInvoiceTotal
		plan.InvoiceNumber = tok
		return
	}
	if m := studentFeesRx.FindStringSubmatch(q); m != nil && studentWordRx.MatchString(q) {
		plan.FactType = FactStudentFees
		plan.StudentName = strings.TrimSpace(m[1])
	}
}

func flavorOf(q string) string {
	switch {
	case numericRx.MatchString(q):
		return FlavorNumeric
	case listRx.MatchString(q):
		return FlavorList
	case clauseRx.MatchString(q):
		return FlavorClause
	}
	return FlavorDefault
}

func normalizeIntent(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RETRIEVAL", "HYBRID", "RAG":
		return IntentHybrid
	case "FACT_LOOKUP", "FACT":
		return IntentFactLookup
	case "COMPARISON", "COMPARE":
		return IntentComparison
	case "SUMMARIZATION", "SUMMARY", "SUMMARIZE":
		return IntentSummarization
	}
	return ""
}
