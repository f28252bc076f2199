package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/quarryhq/quarry/internal/config"
)

const externalTimeout = 2 * time.Minute

// ExternalAdapter shells out to a converter binary for PDF, Office, and image
// files. The binary prints a JSON manifest (including the rendered HTML body)
// on stdout.
type ExternalAdapter struct {
	command         string
	method          string
	autoOCR         bool
	sparseThreshold int
}

// NewExternalAdapter creates the external converter adapter.
func NewExternalAdapter(cfg config.ParserConfig) *ExternalAdapter {
	threshold := cfg.SparseTextThreshold
	if threshold <= 0 {
		threshold = 400
	}
	method := cfg.Method
	if method == "" {
		method = "auto"
	}
	return &ExternalAdapter{
		command:         cfg.Command,
		method:          method,
		autoOCR:         cfg.AutoOCRFallback,
		sparseThreshold: threshold,
	}
}

func (a *ExternalAdapter) Name() string { return "external" }

func (a *ExternalAdapter) Supports(mime string) bool {
	switch {
	case mime == "application/pdf":
		return true
	case strings.HasPrefix(mime, "application/vnd"):
		return true
	case mime == "application/msword":
		return true
	case strings.HasPrefix(mime, "image/"):
		return true
	}
	return false
}

func (a *ExternalAdapter) Parse(ctx context.Context, path, mime string, opts Options) (*Manifest, error) {
	method := opts.Method
	if method == "" {
		method = a.method
	}
	prefer := opts.Prefer
	if prefer == "" {
		prefer = "primary"
	}

	manifest, err := a.run(ctx, path, mime, method, prefer)
	if err != nil {
		return nil, err
	}

	// the secondary converter often recovers tables the primary missed
	if prefer == "primary" && (manifest.Stats.Tables == 0 || manifest.Stats.TextChars < 500) {
		if secondary, err := a.run(ctx, path, mime, method, "secondary"); err == nil {
			if secondary.Stats.Tables > manifest.Stats.Tables ||
				(secondary.Stats.Tables == manifest.Stats.Tables && secondary.Stats.TextChars > manifest.Stats.TextChars) {
				secondary.AddWarning("parser_cascade:secondary")
				manifest = secondary
			}
		}
	}

	if a.autoOCR && method == "auto" && manifest.Stats.TextChars < a.sparseThreshold {
		manifest.AddWarning("sparse_text")
		if ocr, err := a.run(ctx, path, mime, "ocr", prefer); err == nil && ocr.Stats.TextChars > manifest.Stats.TextChars {
			ocr.AddWarning("sparse_text")
			manifest = ocr
		}
	}
	if manifest.OCRPages > 0 {
		manifest.AddWarning(fmt.Sprintf("ocr_pages:%d", manifest.OCRPages))
	}
	return manifest, nil
}

// externalManifest is the converter's wire format; it carries the HTML body
// inline, which the in-memory Manifest keeps out of its JSON form.
type externalManifest struct {
	Manifest
	HTML string `json:"html"`
}

func (a *ExternalAdapter) run(ctx context.Context, path, mime, method, prefer string) (*Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, externalTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.command, path,
		"--mime", mime,
		"--method", method,
		"--prefer", prefer,
		"--format", "json")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("converter %s: %w: %s", a.command, err, truncate(stderr.String(), 300))
	}

	var wire externalManifest
	if err := json.Unmarshal(stdout.Bytes(), &wire); err != nil {
		return nil, fmt.Errorf("converter output: %w", err)
	}
	manifest := wire.Manifest
	manifest.HTML = wire.HTML
	if manifest.ToolName == "" {
		manifest.ToolName = "external"
	}
	manifest.FixPageCount()
	return &manifest, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
