package parser

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// HTMLAdapter parses HTML files directly. Pages that already carry
// <section data-page> markers are walked as-is; generic web pages first go
// through readability to isolate the main content.
type HTMLAdapter struct{}

// NewHTMLAdapter creates the HTML adapter.
func NewHTMLAdapter() *HTMLAdapter { return &HTMLAdapter{} }

func (a *HTMLAdapter) Name() string { return "html" }

func (a *HTMLAdapter) Supports(mime string) bool {
	return strings.HasPrefix(mime, "text/html") || strings.HasPrefix(mime, "application/xhtml")
}

func (a *HTMLAdapter) Parse(ctx context.Context, path, mime string, opts Options) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read html: %w", err)
	}

	doc, err := ParseHTML(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	Sanitize(doc)

	manifest := &Manifest{ToolName: "html", ToolVersion: "1"}

	if len(findSections(doc)) == 0 {
		if extracted, ok := extractReadable(data); ok {
			doc = extracted
			Sanitize(doc)
			manifest.AddWarning("readability_extracted")
		}
	}

	artifacts, stats := Walk(doc)
	manifest.Artifacts = artifacts
	manifest.Stats = stats
	manifest.PageCount = stats.PagesDetected
	manifest.HTML = renderNode(doc)
	if len(artifacts) == 0 {
		manifest.AddWarning("no_artifacts_detected")
	}
	return manifest, nil
}

// extractReadable isolates the main content of a generic web page. Returns
// false when readability cannot find an article body worth keeping.
func extractReadable(data []byte) (*html.Node, bool) {
	pageURL, _ := url.Parse("http://localhost/")
	article, err := readability.FromReader(bytes.NewReader(data), pageURL)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		return nil, false
	}
	doc, err := ParseHTML(strings.NewReader(article.Content))
	if err != nil {
		return nil, false
	}
	return doc, true
}
