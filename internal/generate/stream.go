package generate

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/retrieval"
	"github.com/quarryhq/quarry/internal/router"
	"github.com/quarryhq/quarry/internal/storage"
)

const metricDocID = "metric"

// StreamPrep is everything needed to drive a token stream: the messages to
// send and the footnotes to expand once the stream completes.
type StreamPrep struct {
	Messages   []llm.Message
	Footnotes  []*Footnote
	UsedChunks []string
	Warnings   []string
	Mode       string
	Context    string
	Query      string
	Numeric    bool
	NoContext  bool
	DateRange  *retrieval.DateRange
}

// prepare runs routing-independent RAG setup shared by Ask and StreamAnswer.
func (s *Service) prepare(ctx context.Context, tenantID, q string, plan *router.Plan, k int, streaming bool) (*StreamPrep, error) {
	mode := selectMode(q)
	plainText := telegramRx.MatchString(q)

	res, err := s.retriever.Search(ctx, tenantID, plan.Query, k, true, plan.Filters)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	hits := res.Hits
	if mode == ModeNumericTotal && res.DateRange != nil && s.spend != nil {
		if metric := s.metricHit(ctx, tenantID, res.DateRange); metric != nil {
			hits = append([]*retrieval.Hit{metric}, hits...)
		}
	}

	prep := &StreamPrep{
		Mode:      mode,
		Query:     q,
		Numeric:   mode == ModeNumericTotal,
		Warnings:  res.Warnings,
		DateRange: res.DateRange,
	}
	pk := packContext(hits, q, prep.Numeric, s.cfg.TokenBudget, s.cfg.MaxStitchPerDoc)
	if len(pk.Footnotes) == 0 {
		prep.NoContext = true
		return prep, nil
	}
	prep.Footnotes = pk.Footnotes
	prep.UsedChunks = pk.UsedChunks
	prep.Context = pk.Context
	if streaming {
		prep.Messages = buildStreamMessages(q, pk.Context, mode, plainText)
	} else {
		prep.Messages = buildMessages(q, pk.Context, mode, plainText)
	}
	return prep, nil
}

// metricHit computes total spend over the detected date range and injects it
// as a top-scored synthetic source.
func (s *Service) metricHit(ctx context.Context, tenantID string, dr *retrieval.DateRange) *retrieval.Hit {
	total, count, err := s.spend.TotalSpend(ctx, tenantID, dr.Start, dr.End)
	if err != nil || count == 0 {
		return nil
	}
	text := fmt.Sprintf("Computed metric: total invoice spend %s to %s = %.2f across %d invoices.",
		dr.Start.Format("2006-01-02"), dr.End.Format("2006-01-02"), total, count)
	return &retrieval.Hit{
		Chunk:  &storage.Chunk{ChunkID: metricDocID, DocID: metricDocID, Text: text},
		Score:  metricHitScore,
		Source: "metric",
	}
}

const streamSystemPrompt = `You answer questions strictly from the provided sources.
Write the answer as plain prose for streaming. Cite sources inline with their
footnote markers, e.g. [^1]. Never invent facts that are not in the sources.`

func buildStreamMessages(q, context, mode string, plainText bool) []llm.Message {
	msgs := buildMessages(q, context, mode, plainText)
	msgs[0].Content = streamSystemPrompt
	return msgs
}

// PrepareForStream routes the query and returns the stream plan. The caller
// drives the token stream and sends the final meta afterwards.
func (s *Service) PrepareForStream(ctx context.Context, tenantID, q string, k int) (*StreamPrep, error) {
	if IsGreeting(q) {
		return &StreamPrep{Mode: ModeGreeting, Query: q, NoContext: true}, nil
	}
	plan := s.planner.Route(ctx, q)
	return s.prepare(ctx, tenantID, q, plan, k, true)
}

// StreamEvent is one SSE frame.
type StreamEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// SendFunc delivers one event to the client. Returning an error aborts the
// stream.
type SendFunc func(event string, data any) error

// StreamAnswer runs the full streaming contract:
// meta, chunk*, meta (final), done; or error.
func (s *Service) StreamAnswer(ctx context.Context, tenantID, q string, k int, send SendFunc) error {
	prep, err := s.PrepareForStream(ctx, tenantID, q, k)
	if err != nil {
		_ = send("error", map[string]any{"message": err.Error()})
		return err
	}

	if err := send("meta", map[string]any{
		"mode":     prep.Mode,
		"warnings": prep.Warnings,
	}); err != nil {
		return err
	}

	if prep.Mode == ModeGreeting || prep.NoContext {
		text := greetingReply
		warnings := prep.Warnings
		if prep.Mode != ModeGreeting {
			text = noContextAnswer
			warnings = append(warnings, "no_context")
		}
		if err := send("chunk", map[string]any{"text": text}); err != nil {
			return err
		}
		if err := send("meta", map[string]any{
			"final": true, "citations": []*Footnote{}, "warnings": warnings,
		}); err != nil {
			return err
		}
		return send("done", map[string]any{})
	}

	if !s.cfg.StreamTokens {
		return s.streamWhole(ctx, prep, send)
	}

	stream, err := s.llm.Stream(ctx, prep.Messages, llm.WithTemperature(0.1))
	if err != nil {
		_ = send("error", map[string]any{"message": err.Error()})
		return err
	}
	defer stream.Close()

	var full []byte
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		chunk, err := stream.Next()
		if err != nil {
			_ = send("error", map[string]any{"message": err.Error()})
			return err
		}
		if chunk.Content != "" {
			full = append(full, chunk.Content...)
			if err := send("chunk", map[string]any{"text": chunk.Content}); err != nil {
				return err
			}
			if s.cfg.StreamChunkDelay > 0 {
				time.Sleep(s.cfg.StreamChunkDelay)
			}
		}
		if chunk.Done {
			break
		}
	}

	ans := s.finalize(ctx, prep, &llmAnswer{Answer: string(full), Confidence: 0.5}, prep.Warnings)
	return s.sendFinal(ans, send)
}

// streamWhole generates the complete answer, then replays it as fixed
// windows. Used when token-level streaming is disabled.
func (s *Service) streamWhole(ctx context.Context, prep *StreamPrep, send SendFunc) error {
	la, warnings, err := s.generateStructured(ctx, prep.Messages)
	if err != nil {
		_ = send("error", map[string]any{"message": err.Error()})
		return err
	}
	ans := s.finalize(ctx, prep, la, append(prep.Warnings, warnings...))

	window := s.cfg.StreamChunkChars
	if window <= 0 {
		window = 64
	}
	text := ans.Answer
	for len(text) > 0 {
		cut := window
		if cut >= len(text) {
			cut = len(text)
		}
		// never cut inside a rune
		for cut < len(text) && !utf8.RuneStart(text[cut]) {
			cut++
		}
		if err := send("chunk", map[string]any{"text": text[:cut]}); err != nil {
			return err
		}
		text = text[cut:]
		if s.cfg.StreamChunkDelay > 0 {
			time.Sleep(s.cfg.StreamChunkDelay)
		}
	}
	return s.sendFinal(ans, send)
}

func (s *Service) sendFinal(ans *Answer, send SendFunc) error {
	if err := send("meta", map[string]any{
		"final":        true,
		"citations":    ans.Citations,
		"confidence":   ans.Confidence,
		"groundedness": ans.Groundedness,
		"warnings":     ans.Warnings,
		"mode":         ans.Mode,
	}); err != nil {
		return err
	}
	return send("done", map[string]any{})
}
