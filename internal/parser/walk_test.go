package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHTML = `<html><body>
<section data-page="0">
  <h1>Invoice</h1>
  <p>Acme Corp bills monthly.</p>
  <h2>Line Items</h2>
  <table>
    <tr><th>Item</th><th>Amount</th></tr>
    <tr><td>Widgets</td><td>100.00</td></tr>
  </table>
  <ul><li>net 30</li><li>wire transfer</li></ul>
</section>
<section data-page="1">
  <h2>Terms</h2>
  <p>Late fees apply.</p>
</section>
</body></html>`

func TestWalkCollectsTypedArtifacts(t *testing.T) {
	doc, err := ParseHTML(strings.NewReader(sampleHTML))
	require.NoError(t, err)

	artifacts, stats := Walk(doc)
	require.Len(t, artifacts, 7)

	types := make([]string, len(artifacts))
	for i, a := range artifacts {
		types[i] = a.Type
	}
	assert.Equal(t, []string{"header", "paragraph", "header", "table", "list", "header", "paragraph"}, types)

	assert.Equal(t, 2, stats.PagesDetected)
	assert.Equal(t, 1, stats.Tables)
	assert.Equal(t, 3, stats.ArtifactCounts[TypeHeader])
	assert.Equal(t, 2, stats.ArtifactCounts[TypeParagraph])
	assert.Greater(t, stats.TextChars, 0)
}

func TestWalkHeaderStack(t *testing.T) {
	doc, err := ParseHTML(strings.NewReader(sampleHTML))
	require.NoError(t, err)
	artifacts, _ := Walk(doc)

	// paragraph under h1
	assert.Equal(t, []string{"Invoice"}, artifacts[1].Headers)
	// table under h1 > h2
	assert.Equal(t, []string{"Invoice", "Line Items"}, artifacts[3].Headers)
	// page 2 h2 replaces the previous h2, keeps h1
	assert.Equal(t, []string{"Invoice", "Terms"}, artifacts[6].Headers)
	// headers record the stack above them, not themselves
	assert.Equal(t, []string{"Invoice"}, artifacts[2].Headers)
}

func TestWalkTableShapeAndText(t *testing.T) {
	doc, err := ParseHTML(strings.NewReader(sampleHTML))
	require.NoError(t, err)
	artifacts, _ := Walk(doc)

	table := artifacts[3]
	assert.Equal(t, 2, table.Metadata["rows"])
	assert.Equal(t, 2, table.Metadata["cols"])
	assert.Contains(t, table.Text, "Item | Amount")
	assert.Contains(t, table.Text, "Widgets | 100.00")
	assert.Contains(t, table.Metadata["html"], "<table")
}

func TestWalkListBullets(t *testing.T) {
	doc, err := ParseHTML(strings.NewReader(sampleHTML))
	require.NoError(t, err)
	artifacts, _ := Walk(doc)

	assert.Equal(t, "• net 30\n• wire transfer", artifacts[4].Text)
}

func TestWalkAnnotatesDOM(t *testing.T) {
	doc, err := ParseHTML(strings.NewReader(sampleHTML))
	require.NoError(t, err)
	Walk(doc)

	rendered := renderNode(doc)
	assert.Contains(t, rendered, `id="p-0"`)
	assert.Contains(t, rendered, `id="p-1"`)
	assert.Contains(t, rendered, `data-artifact-id="00001"`)
	assert.Contains(t, rendered, `id="a-00001"`)
}

func TestWalkSkipsNestedContainers(t *testing.T) {
	raw := `<html><body><section data-page="0">
	<table><tr><td><p>inside cell</p></td></tr></table>
	</section></body></html>`
	doc, err := ParseHTML(strings.NewReader(raw))
	require.NoError(t, err)
	artifacts, _ := Walk(doc)

	require.Len(t, artifacts, 1)
	assert.Equal(t, TypeTable, artifacts[0].Type)
}

func TestSanitizeDropsScripts(t *testing.T) {
	raw := `<html><body><section data-page="0"><script>evil()</script><p>ok</p><style>p{}</style></section></body></html>`
	doc, err := ParseHTML(strings.NewReader(raw))
	require.NoError(t, err)
	Sanitize(doc)

	rendered := renderNode(doc)
	assert.NotContains(t, rendered, "script")
	assert.NotContains(t, rendered, "style")
	assert.Contains(t, rendered, "<p>ok</p>")
}

func TestFixPageCount(t *testing.T) {
	m := &Manifest{Artifacts: []Artifact{{PageIdx: 0}, {PageIdx: 4}}}
	m.FixPageCount()
	assert.Equal(t, 5, m.PageCount)

	m = &Manifest{PageCount: 3, Artifacts: []Artifact{{PageIdx: 9}}}
	m.FixPageCount()
	assert.Equal(t, 3, m.PageCount)
}
