package normalize

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/objectstore"
	"github.com/quarryhq/quarry/internal/parser"
	"github.com/quarryhq/quarry/internal/storage"
)

type fakeDocs struct {
	mu       sync.Mutex
	doc      *storage.Document
	blob     *storage.Blob
	norm     *storage.Normalization
	state    string
	versions map[string]string
}

func (f *fakeDocs) GetByID(_ context.Context, docID string) (*storage.Document, error) {
	if f.doc == nil || f.doc.DocID != docID {
		return nil, storage.ErrNotFound
	}
	return f.doc, nil
}

func (f *fakeDocs) GetBlob(_ context.Context, sha string) (*storage.Blob, error) {
	if f.blob == nil || f.blob.SHA256 != sha {
		return nil, storage.ErrNotFound
	}
	return f.blob, nil
}

func (f *fakeDocs) UpsertNormalization(_ context.Context, n *storage.Normalization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.norm = n
	return nil
}

func (f *fakeDocs) SetState(_ context.Context, _, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
	return nil
}

func (f *fakeDocs) SetPipelineVersion(_ context.Context, _, stage, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.versions == nil {
		f.versions = make(map[string]string)
	}
	f.versions[stage] = version
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*storage.Event
}

func (f *fakeEvents) Append(_ context.Context, e *storage.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

const rawHTML = `<html><body>
<section data-page="0">
<h1>Quarterly Report</h1>
<p>Revenue for the quarter was strong and the outlook is positive for the
remainder of the year, with growth in the core segments.</p>
<table><tr><th>Segment</th><th>Revenue</th></tr><tr><td>Cloud</td><td>42</td></tr></table>
<script>alert(1)</script>
</section>
</body></html>`

func newTestService(t *testing.T, raw []byte, mime string) (*Service, *fakeDocs, *fakeEvents, *objectstore.Memory) {
	t.Helper()
	store := objectstore.NewMemory()
	key := objectstore.KeyForSHA256("abcd1234")
	require.NoError(t, store.Put(context.Background(), "raw", key, raw, mime))

	docs := &fakeDocs{
		doc:  &storage.Document{DocID: "doc-1", TenantID: "t1", SHA256: "abcd1234", URI: "report.html", MIME: mime, State: storage.StateStored},
		blob: &storage.Blob{SHA256: "abcd1234", Location: key},
	}
	events := &fakeEvents{}
	storeCfg := config.ObjectStoreConfig{Bucket: "raw", CanonicalBucket: "canonical"}
	parserCfg := config.ParserConfig{Method: "auto"}
	mgr := parser.NewManagerWith(nil, parser.NewHTMLAdapter(), parser.NewTextAdapter(), parser.NewFallbackAdapter())
	return NewService(docs, events, store, storeCfg, mgr, parserCfg, nil), docs, events, store
}

func TestRunNormalizesHTMLDocument(t *testing.T) {
	svc, docs, events, store := newTestService(t, []byte(rawHTML), "text/html")

	norm, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)

	assert.Equal(t, storage.StateNormalized, docs.state)
	assert.Equal(t, "doc-1/v1/index.html", norm.CanonicalURI)
	assert.Equal(t, "doc-1/v1/manifest.json", norm.ManifestURI)
	assert.Equal(t, 1, norm.PageCount)

	html, err := store.Get(context.Background(), "canonical", norm.CanonicalURI)
	require.NoError(t, err)
	assert.Contains(t, string(html), `id="p-0"`)
	assert.Contains(t, string(html), `data-artifact-id=`)
	assert.NotContains(t, string(html), "<script>")

	raw, err := store.Get(context.Background(), "canonical", norm.ManifestURI)
	require.NoError(t, err)
	var manifest parser.Manifest
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Len(t, manifest.Artifacts, 3)
	assert.Equal(t, "doc-1/v1/index.html", manifest.HTMLURI)
	// the html body stays out of the persisted manifest
	assert.NotContains(t, string(raw), "Quarterly Report</h1>")

	require.NotEmpty(t, events.events)
	assert.Equal(t, "NORMALIZE", events.events[len(events.events)-1].Stage)
	assert.Equal(t, "normalize", keysOf(docs.versions)[0])
}

func TestRunDetectsLanguage(t *testing.T) {
	svc, _, _, _ := newTestService(t, []byte(rawHTML), "text/html")
	norm, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Contains(t, norm.Warnings, "lang:en")
}

func TestRunFlagsSparseDocuments(t *testing.T) {
	raw := `<html><body><section data-page="0"><p>tiny</p></section></body></html>`
	svc, _, _, _ := newTestService(t, []byte(raw), "text/html")

	norm, err := svc.Run(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Contains(t, norm.Warnings, "low_text_coverage")
}

func TestRunUnknownDocument(t *testing.T) {
	svc, _, _, _ := newTestService(t, []byte(rawHTML), "text/html")
	_, err := svc.Run(context.Background(), "missing")
	assert.Error(t, err)
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "en", DetectLanguage("the cat sat on the mat and looked at the dog that was in the garden"))
	assert.Equal(t, "es", DetectLanguage("el perro corre por la calle y los niños juegan en el parque de la ciudad"))
	assert.Equal(t, "fr", DetectLanguage("le chien et le chat sont dans la maison avec les enfants et des amis"))
	assert.Equal(t, "de", DetectLanguage("der Hund und die Katze sind in dem Haus mit den Kindern und der Familie"))
	assert.Equal(t, "", DetectLanguage("x1 z9 qq"))
}

func keysOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
