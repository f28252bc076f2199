// Package generate produces grounded, cited answers over retrieved context.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/facts"
	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/objectstore"
	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/retrieval"
	"github.com/quarryhq/quarry/internal/router"
	"github.com/quarryhq/quarry/internal/storage"
)

const (
	noContextConfidence = 0.3
	fallbackConfidence  = 0.3
	metricHitScore      = 0.99
	presignTTL          = 15 * time.Minute

	noContextAnswer = "I couldn't find relevant information in your documents for that question."
	limitedNote     = "Note: Based on limited matching context; verify against the cited sources.\n\n"
)

// Answer is a complete generation response.
type Answer struct {
	Answer       string               `json:"answer"`
	Mode         string               `json:"mode"`
	Citations    []*Footnote          `json:"citations"`
	UsedChunks   []string             `json:"used_chunks,omitempty"`
	Confidence   float64              `json:"confidence"`
	Groundedness float64              `json:"groundedness"`
	Warnings     []string             `json:"warnings,omitempty"`
	DateRange    *retrieval.DateRange `json:"date_range,omitempty"`
}

// Planner routes queries.
type Planner interface {
	Route(ctx context.Context, q string) *router.Plan
}

// Retriever runs hybrid retrieval.
type Retriever interface {
	Search(ctx context.Context, tenantID, q string, k int, hybrid bool, filters *retrieval.Filters) (*retrieval.Result, error)
}

// FactService answers structured lookups.
type FactService interface {
	InvoiceTotal(ctx context.Context, tenantID, number string) (*facts.Result, error)
	StudentFees(ctx context.Context, tenantID, name string) (*facts.Result, error)
}

// Generator is the LLM surface generation needs.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, opts ...llm.Option) (string, error)
	GenerateJSON(ctx context.Context, messages []llm.Message, dst any, opts ...llm.Option) error
	Stream(ctx context.Context, messages []llm.Message, opts ...llm.Option) (*llm.Stream, error)
}

// SpendStore computes the total-spend metric over structured invoices.
type SpendStore interface {
	TotalSpend(ctx context.Context, tenantID string, start, end time.Time) (float64, int, error)
}

// DocumentStore resolves documents for citation links.
type DocumentStore interface {
	GetByID(ctx context.Context, docID string) (*storage.Document, error)
}

// Deps bundles the service's collaborators.
type Deps struct {
	Planner   Planner
	Retriever Retriever
	Facts     FactService
	LLM       Generator
	Spend     SpendStore
	Docs      DocumentStore
	Blobs     objectstore.Store
	RawBucket string
}

// Service generates answers.
type Service struct {
	planner   Planner
	retriever Retriever
	facts     FactService
	llm       Generator
	spend     SpendStore
	docs      DocumentStore
	blobs     objectstore.Store
	rawBucket string
	cfg       config.GenerationConfig
	log       *observability.Logger
}

// NewService creates a generation service.
func NewService(deps Deps, cfg config.GenerationConfig, log *observability.Logger) *Service {
	if log == nil {
		log = observability.NopLogger()
	}
	if cfg.GroundedMin <= 0 {
		cfg.GroundedMin = 0.18
	}
	if cfg.FactConfMin <= 0 {
		cfg.FactConfMin = 0.6
	}
	return &Service{
		planner:   deps.Planner,
		retriever: deps.Retriever,
		facts:     deps.Facts,
		llm:       deps.LLM,
		spend:     deps.Spend,
		docs:      deps.Docs,
		blobs:     deps.Blobs,
		rawBucket: deps.RawBucket,
		cfg:       cfg,
		log:       log.WithComponent("generate"),
	}
}

type llmAnswer struct {
	Answer    string `json:"answer"`
	Citations []struct {
		N int `json:"n"`
	} `json:"citations"`
	Confidence float64 `json:"confidence"`
}

// Ask answers one query end to end.
func (s *Service) Ask(ctx context.Context, tenantID, q string, k int) (*Answer, error) {
	if IsGreeting(q) {
		return &Answer{Answer: greetingReply, Mode: ModeGreeting, Confidence: 1}, nil
	}

	plan := s.planner.Route(ctx, q)
	if plan.Intent == router.IntentFactLookup && s.facts != nil {
		if ans := s.factAnswer(ctx, tenantID, plan); ans != nil {
			return ans, nil
		}
	}
	return s.answerRAG(ctx, tenantID, q, plan, k)
}

// AskWithin answers one query restricted to the given documents. The
// structured fact shortcut is skipped; scoped answers always read retrieved
// context.
func (s *Service) AskWithin(ctx context.Context, tenantID, q string, k int, docIDs []string) (*Answer, error) {
	if IsGreeting(q) {
		return &Answer{Answer: greetingReply, Mode: ModeGreeting, Confidence: 1}, nil
	}

	plan := s.planner.Route(ctx, q)
	if len(docIDs) > 0 {
		if plan.Filters == nil {
			plan.Filters = &retrieval.Filters{}
		}
		plan.Filters.DocIDs = docIDs
	}
	return s.answerRAG(ctx, tenantID, q, plan, k)
}

func (s *Service) answerRAG(ctx context.Context, tenantID, q string, plan *router.Plan, k int) (*Answer, error) {
	prep, err := s.prepare(ctx, tenantID, q, plan, k, false)
	if err != nil {
		return nil, err
	}
	if prep.NoContext {
		return &Answer{
			Answer:     noContextAnswer,
			Mode:       prep.Mode,
			Confidence: noContextConfidence,
			Warnings:   append(prep.Warnings, "no_context"),
			DateRange:  prep.DateRange,
		}, nil
	}

	la, warnings, err := s.generateStructured(ctx, prep.Messages)
	if err != nil {
		return nil, err
	}
	warnings = append(prep.Warnings, warnings...)
	return s.finalize(ctx, prep, la, warnings), nil
}

// factAnswer runs the structured path, returning nil when the fact is
// missing or under the confidence floor so RAG can take over.
func (s *Service) factAnswer(ctx context.Context, tenantID string, plan *router.Plan) *Answer {
	var res *facts.Result
	var err error
	switch plan.FactType {
	case router.FactInvoiceTotal:
		res, err = s.facts.InvoiceTotal(ctx, tenantID, plan.InvoiceNumber)
	case router.FactStudentFees:
		res, err = s.facts.StudentFees(ctx, tenantID, plan.StudentName)
	default:
		return nil
	}
	if err != nil || res == nil || res.Confidence < s.cfg.FactConfMin {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn().Err(err).Msg("fact lookup failed")
		}
		return nil
	}

	ans := &Answer{
		Answer:       res.Answer + " [^1]",
		Mode:         ModeFact,
		Confidence:   res.Confidence,
		Groundedness: res.Confidence,
	}
	for i, c := range res.Citations {
		fn := &Footnote{
			N: i + 1, DocID: c.DocID, ChunkID: c.ChunkID,
			PageStart: c.PageStart, PageEnd: c.PageEnd,
		}
		s.attachLinks(ctx, fn)
		ans.Citations = append(ans.Citations, fn)
		if c.ChunkID != "" {
			ans.UsedChunks = append(ans.UsedChunks, c.ChunkID)
		}
	}
	return ans
}

// generateStructured calls the LLM in JSON mode with one strict retry, then
// degrades to plain text.
func (s *Service) generateStructured(ctx context.Context, messages []llm.Message) (*llmAnswer, []string, error) {
	la := &llmAnswer{}
	if err := s.llm.GenerateJSON(ctx, messages, la, llm.WithTemperature(0.1)); err == nil && la.Answer != "" {
		return la, nil, nil
	}

	strict := append(append([]llm.Message{}, messages...), llm.Message{Role: "system", Content: strictRetryPrompt})
	la = &llmAnswer{}
	if err := s.llm.GenerateJSON(ctx, strict, la, llm.WithTemperature(0)); err == nil && la.Answer != "" {
		return la, []string{"schema_retry"}, nil
	}

	raw, err := s.llm.Generate(ctx, messages, llm.WithTemperature(0.1))
	if err != nil {
		return nil, nil, fmt.Errorf("generate: %w", err)
	}
	return &llmAnswer{Answer: raw, Confidence: fallbackConfidence}, []string{"schema_parse_failed"}, nil
}

// finalize repairs citations, applies the numeric guardrail, and scores
// groundedness and confidence.
func (s *Service) finalize(ctx context.Context, prep *StreamPrep, la *llmAnswer, warnings []string) *Answer {
	answer := strings.TrimSpace(la.Answer)

	var ns []int
	for _, c := range la.Citations {
		ns = append(ns, c.N)
	}
	if containsWarning(warnings, "schema_parse_failed") {
		ns = nil
	}
	if len(ns) == 0 {
		ns = citationMarkers(answer)
	}
	cited := selectFootnotes(prep.Footnotes, ns)
	if len(cited) == 0 && len(prep.Footnotes) > 0 {
		cited = prep.Footnotes
		if len(cited) > 2 {
			cited = cited[:2]
		}
	}

	if prep.Numeric && !hasDigits(answer) {
		if sum, ok := contextNumericSum(prep.Context); ok {
			answer = fmt.Sprintf("Total: %.2f [^1]\n\n%s", sum, answer)
			if len(cited) == 0 && len(prep.Footnotes) > 0 {
				cited = prep.Footnotes[:1]
			}
		}
	}

	grounded := groundedness(answer, prep.Context)
	if grounded < s.cfg.GroundedMin || len(cited) == 0 {
		answer = limitedNote + answer
		warnings = append(warnings, "low_groundedness")
	}

	for _, fn := range cited {
		s.attachLinks(ctx, fn)
	}

	return &Answer{
		Answer:       answer,
		Mode:         prep.Mode,
		Citations:    cited,
		UsedChunks:   prep.UsedChunks,
		Confidence:   0.5*clamp01(la.Confidence) + 0.5*grounded,
		Groundedness: grounded,
		Warnings:     warnings,
		DateRange:    prep.DateRange,
	}
}

// attachLinks adds the same-origin viewer URL and a best-effort presigned
// link to the raw blob.
func (s *Service) attachLinks(ctx context.Context, fn *Footnote) {
	if fn.DocID == "" || fn.DocID == metricDocID {
		return
	}
	fn.OpenURL = fmt.Sprintf("/ui/open/%s#p-%d", fn.DocID, fn.PageStart+1)
	if s.docs == nil || s.blobs == nil {
		return
	}
	doc, err := s.docs.GetByID(ctx, fn.DocID)
	if err != nil {
		return
	}
	url, err := s.blobs.PresignGet(ctx, s.rawBucket, objectstore.KeyForSHA256(doc.SHA256), presignTTL)
	if err != nil {
		s.log.Debug().Err(err).Str("doc_id", fn.DocID).Msg("presign failed")
		return
	}
	fn.DirectURL = url
}

func selectFootnotes(footnotes []*Footnote, ns []int) []*Footnote {
	byN := make(map[int]*Footnote, len(footnotes))
	for _, fn := range footnotes {
		byN[fn.N] = fn
	}
	var out []*Footnote
	seen := map[int]bool{}
	for _, n := range ns {
		if fn, ok := byN[n]; ok && !seen[n] {
			seen[n] = true
			out = append(out, fn)
		}
	}
	return out
}

func containsWarning(warnings []string, w string) bool {
	for _, v := range warnings {
		if v == w {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
