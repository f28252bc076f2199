package parser

import (
	"context"
	"fmt"
	"html"
	"os"
	"strings"
)

// TextAdapter wraps plain text files in a single-page <pre> rendition.
type TextAdapter struct{}

// NewTextAdapter creates the plain text adapter.
func NewTextAdapter() *TextAdapter { return &TextAdapter{} }

func (a *TextAdapter) Name() string { return "text" }

func (a *TextAdapter) Supports(mime string) bool {
	return strings.HasPrefix(mime, "text/") || mime == "application/json"
}

func (a *TextAdapter) Parse(ctx context.Context, path, mime string, opts Options) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	text := strings.TrimSpace(string(data))

	manifest := &Manifest{
		ToolName:    "text",
		ToolVersion: "1",
		PageCount:   1,
		HTML: fmt.Sprintf("<html><body><section data-page=\"0\" id=\"p-0\"><pre data-artifact-id=\"00001\" id=\"a-00001\">%s</pre></section></body></html>",
			html.EscapeString(text)),
	}
	if text != "" {
		manifest.Artifacts = []Artifact{{
			ArtifactID: "00001",
			Type:       TypeText,
			Text:       text,
			PageIdx:    0,
		}}
	} else {
		manifest.AddWarning("no_artifacts_detected")
	}
	manifest.Stats = buildStats(manifest.Artifacts)
	return manifest, nil
}

// FallbackAdapter always succeeds with a minimal manifest so ingestion never
// leaves a document unparseable.
type FallbackAdapter struct{}

// NewFallbackAdapter creates the last-resort adapter.
func NewFallbackAdapter() *FallbackAdapter { return &FallbackAdapter{} }

func (a *FallbackAdapter) Name() string { return "fallback" }

func (a *FallbackAdapter) Supports(string) bool { return true }

func (a *FallbackAdapter) Parse(ctx context.Context, path, mime string, opts Options) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := &Manifest{
		ToolName:    "fallback",
		ToolVersion: "1",
		PageCount:   1,
		HTML:        "<html><body><section data-page=\"0\" id=\"p-0\"></section></body></html>",
	}
	m.AddWarning("advanced_parser_unavailable")
	return m, nil
}
