package parser

import (
	"context"
	"fmt"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/observability"
)

// Options direct a single parse.
type Options struct {
	Method string // auto, text, ocr
	Prefer string // primary, secondary
}

// Adapter is one parser in the cascade. Parse returns (nil, nil) when the
// adapter declines the file; the manager then moves on.
type Adapter interface {
	Name() string
	Supports(mime string) bool
	Parse(ctx context.Context, path, mime string, opts Options) (*Manifest, error)
}

// Manager runs the adapter cascade; the first non-nil manifest wins.
type Manager struct {
	adapters []Adapter
	log      *observability.Logger
}

// NewManager builds the default cascade from configuration: external
// converter (if a command is configured), HTML, plain text, fallback.
func NewManager(cfg config.ParserConfig, log *observability.Logger) *Manager {
	if log == nil {
		log = observability.NopLogger()
	}
	var adapters []Adapter
	if cfg.Command != "" {
		adapters = append(adapters, NewExternalAdapter(cfg))
	}
	adapters = append(adapters, NewHTMLAdapter(), NewTextAdapter(), NewFallbackAdapter())
	return &Manager{adapters: adapters, log: log.WithComponent("parser")}
}

// NewManagerWith builds a manager over an explicit adapter list. Used in tests.
func NewManagerWith(log *observability.Logger, adapters ...Adapter) *Manager {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Manager{adapters: adapters, log: log.WithComponent("parser")}
}

// Parse tries each supporting adapter in order and returns the first manifest
// produced. Failures along the way are recorded as parser_cascade warnings on
// the winning manifest.
func (m *Manager) Parse(ctx context.Context, path, mime string, opts Options) (*Manifest, error) {
	var cascade []string
	for _, a := range m.adapters {
		if !a.Supports(mime) {
			continue
		}
		manifest, err := a.Parse(ctx, path, mime, opts)
		if err != nil {
			m.log.Warn().Str("adapter", a.Name()).Str("mime", mime).Err(err).Msg("adapter failed")
			cascade = append(cascade, fmt.Sprintf("parser_cascade:%s", a.Name()))
			continue
		}
		if manifest == nil {
			continue
		}
		for _, w := range cascade {
			manifest.AddWarning(w)
		}
		manifest.FixPageCount()
		return manifest, nil
	}
	return nil, fmt.Errorf("no parser produced a manifest for mime %q", mime)
}
