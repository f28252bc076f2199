package parser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	name     string
	supports bool
	manifest *Manifest
	err      error
}

func (s *stubAdapter) Name() string          { return s.name }
func (s *stubAdapter) Supports(string) bool  { return s.supports }
func (s *stubAdapter) Parse(context.Context, string, string, Options) (*Manifest, error) {
	return s.manifest, s.err
}

func TestManagerFirstManifestWins(t *testing.T) {
	m := NewManagerWith(nil,
		&stubAdapter{name: "skip", supports: false},
		&stubAdapter{name: "win", supports: true, manifest: &Manifest{ToolName: "win"}},
		&stubAdapter{name: "never", supports: true, manifest: &Manifest{ToolName: "never"}},
	)
	got, err := m.Parse(context.Background(), "f", "application/pdf", Options{})
	require.NoError(t, err)
	assert.Equal(t, "win", got.ToolName)
}

func TestManagerRecordsCascadeWarnings(t *testing.T) {
	m := NewManagerWith(nil,
		&stubAdapter{name: "broken", supports: true, err: errors.New("boom")},
		&stubAdapter{name: "win", supports: true, manifest: &Manifest{ToolName: "win"}},
	)
	got, err := m.Parse(context.Background(), "f", "application/pdf", Options{})
	require.NoError(t, err)
	assert.Contains(t, got.Warnings, "parser_cascade:broken")
}

func TestManagerNoAdapter(t *testing.T) {
	m := NewManagerWith(nil, &stubAdapter{name: "skip", supports: false})
	_, err := m.Parse(context.Background(), "f", "application/x-unknown", Options{})
	assert.Error(t, err)
}

func TestHTMLAdapterParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.html")
	require.NoError(t, os.WriteFile(path, []byte(sampleHTML), 0o644))

	a := NewHTMLAdapter()
	assert.True(t, a.Supports("text/html; charset=utf-8"))

	m, err := a.Parse(context.Background(), path, "text/html", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, m.PageCount)
	assert.Len(t, m.Artifacts, 7)
	assert.Contains(t, m.HTML, `id="p-1"`)
}

func TestTextAdapter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	m, err := NewTextAdapter().Parse(context.Background(), path, "text/plain", Options{})
	require.NoError(t, err)
	require.Len(t, m.Artifacts, 1)
	assert.Equal(t, TypeText, m.Artifacts[0].Type)
	assert.Equal(t, "hello world", m.Artifacts[0].Text)
	assert.Equal(t, 1, m.PageCount)
	assert.Contains(t, m.HTML, "<pre")
}

func TestFallbackAdapterAlwaysSucceeds(t *testing.T) {
	m, err := NewFallbackAdapter().Parse(context.Background(), "missing", "application/octet-stream", Options{})
	require.NoError(t, err)
	assert.Contains(t, m.Warnings, "advanced_parser_unavailable")
	assert.Empty(t, m.Artifacts)
}
