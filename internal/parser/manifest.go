// Package parser turns raw files into a canonical manifest: annotated HTML
// plus a typed artifact list with stats. Adapters are tried in a cascade and
// downstream stages only ever see a Manifest.
package parser

// Artifact types.
const (
	TypeHeader    = "header"
	TypeParagraph = "paragraph"
	TypeList      = "list"
	TypeTable     = "table"
	TypeCode      = "code"
	TypeImage     = "image"
	TypeText      = "text"
)

// Artifact is one typed fragment of a parsed document. Artifact IDs are
// opaque; they are only stable across reruns when the producing adapter is
// deterministic.
type Artifact struct {
	ArtifactID string         `json:"artifact_id"`
	Type       string         `json:"type"`
	Text       string         `json:"text"`
	PageIdx    int            `json:"page_idx"`
	Headers    []string       `json:"headers,omitempty"`
	Caption    string         `json:"caption,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RawPath    string         `json:"raw_path,omitempty"`
}

// Stats summarizes what a parse produced.
type Stats struct {
	ArtifactCounts map[string]int `json:"artifact_counts,omitempty"`
	TextChars      int            `json:"text_chars"`
	Tables         int            `json:"tables"`
	Images         int            `json:"images"`
	PagesDetected  int            `json:"pages_detected"`
}

// Manifest is the canonical description of a parsed document. HTML carries the
// annotated body in memory only; the persisted manifest.json references it by
// HTMLURI instead.
type Manifest struct {
	ToolName    string     `json:"tool_name"`
	ToolVersion string     `json:"tool_version"`
	PageCount   int        `json:"page_count"`
	OCRPages    int        `json:"ocr_pages"`
	Stats       Stats      `json:"stats"`
	Warnings    []string   `json:"warnings,omitempty"`
	Artifacts   []Artifact `json:"artifacts"`
	HTMLURI     string     `json:"html_uri,omitempty"`
	HTML        string     `json:"-"`
}

// AddWarning appends a warning, skipping exact duplicates.
func (m *Manifest) AddWarning(w string) {
	for _, have := range m.Warnings {
		if have == w {
			return
		}
	}
	m.Warnings = append(m.Warnings, w)
}

// FixPageCount derives page_count from the artifacts when the reported value
// is zero.
func (m *Manifest) FixPageCount() {
	if m.PageCount > 0 {
		return
	}
	maxIdx := -1
	for _, a := range m.Artifacts {
		if a.PageIdx > maxIdx {
			maxIdx = a.PageIdx
		}
	}
	if maxIdx >= 0 {
		m.PageCount = maxIdx + 1
	}
}
