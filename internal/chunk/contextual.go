package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/storage"
)

const enrichConcurrency = 4

// Enricher produces a one-sentence situating prefix for a chunk.
type Enricher interface {
	Enrich(ctx context.Context, headerPath []string, text string) (string, error)
}

// LLMEnricher asks a chat model for the prefix.
type LLMEnricher struct {
	client *llm.Client
}

// NewLLMEnricher creates an enricher over a chat client.
func NewLLMEnricher(client *llm.Client) *LLMEnricher {
	return &LLMEnricher{client: client}
}

func (e *LLMEnricher) Enrich(ctx context.Context, headerPath []string, text string) (string, error) {
	sample := text
	if len(sample) > 1200 {
		sample = sample[:1200]
	}
	prompt := fmt.Sprintf(
		"Document section: %s\n\nPassage:\n%s\n\nWrite ONE short sentence situating this passage within the document. Reply with only the sentence.",
		strings.Join(headerPath, " / "), sample)
	out, err := e.client.Generate(ctx, []llm.Message{
		{Role: "system", Content: "You write terse one-sentence context prefixes for document passages."},
		{Role: "user", Content: prompt},
	}, llm.WithTemperature(0), llm.WithMaxTokens(80))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// enrich prepends a model-written context sentence to every chunk that has a
// header path, then recomputes tokens and checksum.
func (s *Service) enrich(ctx context.Context, chunks []*storage.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)

	for _, c := range chunks {
		c := c
		headers := metaStrings(c.Meta, "context_headers")
		if len(headers) == 0 || isTable(c) {
			continue
		}
		g.Go(func() error {
			prefix, err := s.enricher.Enrich(gctx, headers, c.Text)
			if err != nil {
				return err
			}
			if prefix == "" {
				return nil
			}
			c.Text = prefix + "\n\n" + c.Text
			c.Meta["tokens"] = TokenCount(c.Text)
			c.Meta["contextualized"] = true
			sum := sha256.Sum256([]byte(c.Text))
			c.Checksum = hex.EncodeToString(sum[:])
			return nil
		})
	}
	return g.Wait()
}
