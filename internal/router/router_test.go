package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/llm"
)

type stubPlanner struct {
	response string
	err      error
	called   bool
}

func (s *stubPlanner) GenerateJSON(_ context.Context, _ []llm.Message, dst any, _ ...llm.Option) error {
	s.called = true
	if s.err != nil {
		return s.err
	}
	return json.Unmarshal([]byte(s.response), dst)
}

func TestRegexRouteInvoiceTotal(t *testing.T) {
	r := New(nil, nil)
	plan := r.Route(context.Background(), "what is the total for invoice INV-2024-001")

	assert.Equal(t, IntentFactLookup, plan.Intent)
	assert.Equal(t, FactInvoiceTotal, plan.FactType)
	assert.Equal(t, "INV-2024-001", plan.InvoiceNumber)
	assert.Equal(t, FlavorNumeric, plan.Flavor)
	assert.Equal(t, "regex", plan.Planner)
}

func TestRegexRouteStudentFees(t *testing.T) {
	r := New(nil, nil)
	plan := r.Route(context.Background(), "student fees for Priya Sharma")

	assert.Equal(t, IntentFactLookup, plan.Intent)
	assert.Equal(t, FactStudentFees, plan.FactType)
	assert.Equal(t, "Priya Sharma", plan.StudentName)
}

func TestRegexRouteFlavors(t *testing.T) {
	r := New(nil, nil)

	assert.Equal(t, IntentComparison, r.Route(context.Background(), "compare vendor A and vendor B pricing models").Intent)
	assert.Equal(t, IntentSummarization, r.Route(context.Background(), "summarize the onboarding document").Intent)

	assert.Equal(t, FlavorList, r.Route(context.Background(), "list the deliverables in the contract").Flavor)
	assert.Equal(t, FlavorClause, r.Route(context.Background(), "what does the termination section say").Flavor)
	assert.Equal(t, FlavorDefault, r.Route(context.Background(), "who signed the document").Flavor)
}

func TestPlannerRouteMergesQueries(t *testing.T) {
	p := &stubPlanner{response: `{
		"intent": "RETRIEVAL",
		"queries": ["vendor payment history", "acme invoices"],
		"filters": {"vendor_like": "acme"},
		"reasoning": "needs both angles"
	}`}
	r := New(p, nil)

	plan := r.Route(context.Background(), "how much have we paid acme")
	require.True(t, p.called)
	assert.Equal(t, IntentHybrid, plan.Intent)
	assert.Equal(t, "vendor payment history acme invoices", plan.Query)
	require.NotNil(t, plan.Filters)
	assert.Equal(t, "acme", plan.Filters.VendorLike)
	assert.Equal(t, "llm", plan.Planner)
	assert.Equal(t, FlavorNumeric, plan.Flavor)
}

func TestPlannerFailureFallsBackToRegex(t *testing.T) {
	p := &stubPlanner{err: errors.New("rate limited")}
	r := New(p, nil)

	plan := r.Route(context.Background(), "summarize last month's invoices")
	assert.Equal(t, "regex", plan.Planner)
	assert.Equal(t, IntentSummarization, plan.Intent)
}

func TestPlannerFactWithoutArgsDowngrades(t *testing.T) {
	p := &stubPlanner{response: `{"intent": "FACT_LOOKUP", "queries": []}`}
	r := New(p, nil)

	plan := r.Route(context.Background(), "what do we know about acme corp")
	assert.Equal(t, IntentHybrid, plan.Intent)
	assert.Empty(t, plan.FactType)
}

func TestNormalizeIntent(t *testing.T) {
	assert.Equal(t, IntentHybrid, normalizeIntent("retrieval"))
	assert.Equal(t, IntentFactLookup, normalizeIntent(" FACT_LOOKUP "))
	assert.Equal(t, "", normalizeIntent("nonsense"))
}
