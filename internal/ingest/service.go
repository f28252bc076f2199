// Package ingest stores uploaded documents: policy gates, content-hash
// deduplication, blob upload, and the STORED document record.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/objectstore"
	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/storage"
)

const maxBatchWorkers = 8

// ErrBatchTooLarge rejects an entire batch uniformly.
var ErrBatchTooLarge = errors.New("batch exceeds max_files_per_request")

// DocumentStore is the slice of document persistence ingestion needs.
type DocumentStore interface {
	Create(ctx context.Context, doc *storage.Document) error
	GetBySHA256(ctx context.Context, tenantID, sha256 string) (*storage.Document, error)
	UpsertBlob(ctx context.Context, blob *storage.Blob) error
}

// EventStore records pipeline events.
type EventStore interface {
	Append(ctx context.Context, e *storage.Event) error
}

// Upload is one file in an ingestion batch.
type Upload struct {
	Filename     string
	DeclaredMIME string
	Reader       io.Reader
	SourceURI    string
	Source       string
}

// Result is the per-upload outcome. A rejected upload carries Error and no
// DocID; a duplicate carries the existing document's ID.
type Result struct {
	Filename  string   `json:"filename"`
	DocID     string   `json:"doc_id,omitempty"`
	SHA256    string   `json:"sha256,omitempty"`
	State     string   `json:"state,omitempty"`
	Duplicate bool     `json:"duplicate,omitempty"`
	Rejected  bool     `json:"rejected,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Service ingests uploads for a tenant.
type Service struct {
	docs   DocumentStore
	events EventStore
	store  objectstore.Store
	bucket string
	cfg    config.IngestionConfig
	log    *observability.Logger
}

// NewService creates an ingestion service writing raw blobs to bucket.
func NewService(docs DocumentStore, events EventStore, store objectstore.Store, bucket string, cfg config.IngestionConfig, log *observability.Logger) *Service {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Service{
		docs:   docs,
		events: events,
		store:  store,
		bucket: bucket,
		cfg:    cfg,
		log:    log.WithComponent("ingest"),
	}
}

// IngestBatch processes uploads in parallel, preserving input order in the
// results. An oversized batch is rejected before any upload is touched.
func (s *Service) IngestBatch(ctx context.Context, tenantID string, uploads []Upload) ([]Result, error) {
	if s.cfg.MaxFilesPerRequest > 0 && len(uploads) > s.cfg.MaxFilesPerRequest {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(uploads), s.cfg.MaxFilesPerRequest)
	}

	results := make([]Result, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	workers := len(uploads)
	if workers > maxBatchWorkers {
		workers = maxBatchWorkers
	}
	g.SetLimit(workers)

	for i := range uploads {
		i := i
		g.Go(func() error {
			results[i] = s.ingestOne(gctx, tenantID, uploads[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ingestOne never aborts the batch; failures come back as result items.
func (s *Service) ingestOne(ctx context.Context, tenantID string, up Upload) Result {
	res := Result{Filename: up.Filename}

	tmp, err := os.CreateTemp("", "quarry-upload-*")
	if err != nil {
		return s.storeFail(ctx, tenantID, res, fmt.Errorf("temp file: %w", err))
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	shaHash := sha256.New()
	crcHash := crc32.NewIEEE()
	size, err := io.Copy(io.MultiWriter(tmp, shaHash, crcHash), up.Reader)
	if err != nil {
		return s.storeFail(ctx, tenantID, res, fmt.Errorf("read upload: %w", err))
	}
	digest := hex.EncodeToString(shaHash.Sum(nil))
	res.SHA256 = digest

	mime := detectMIME(tmp.Name(), up.DeclaredMIME)

	violations := s.applyGates(up.Filename, mime, size)
	if len(violations) > 0 {
		s.emit(ctx, tenantID, nil, "POLICY_GATE", storage.StatusWarn, map[string]any{
			"filename":   up.Filename,
			"violations": violations,
		})
		rejected := s.cfg.StrictMode || hasFatal(violations)
		if rejected {
			res.Rejected = true
			res.Error = strings.Join(violations, "; ")
			return res
		}
		res.Warnings = append(res.Warnings, violations...)
	}

	existing, err := s.docs.GetBySHA256(ctx, tenantID, digest)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return s.storeFail(ctx, tenantID, res, fmt.Errorf("dedup lookup: %w", err))
	}
	if existing != nil {
		s.emit(ctx, tenantID, &existing.DocID, "DOC_DUPLICATE", storage.StatusInfo, map[string]any{
			"filename": up.Filename,
			"sha256":   digest,
		})
		res.DocID = existing.DocID
		res.State = existing.State
		res.Duplicate = true
		return res
	}

	key := objectstore.KeyForSHA256(digest)
	if err := s.store.PutFile(ctx, s.bucket, key, tmp.Name(), mime); err != nil {
		return s.storeFail(ctx, tenantID, res, fmt.Errorf("store blob: %w", err))
	}
	if err := s.docs.UpsertBlob(ctx, &storage.Blob{
		SHA256:   digest,
		Location: key,
		CRC32:    int64(crcHash.Sum32()),
	}); err != nil {
		return s.storeFail(ctx, tenantID, res, fmt.Errorf("upsert blob: %w", err))
	}

	doc := &storage.Document{
		DocID:     uuid.NewString(),
		TenantID:  tenantID,
		SHA256:    digest,
		URI:       up.Filename,
		MIME:      mime,
		SizeBytes: size,
		State:     storage.StateStored,
		Meta:      map[string]any{},
	}
	if up.SourceURI != "" {
		doc.Meta["source_uri"] = up.SourceURI
	}
	if up.Source != "" {
		doc.Meta["source"] = up.Source
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		return s.storeFail(ctx, tenantID, res, fmt.Errorf("create document: %w", err))
	}

	s.emit(ctx, tenantID, &doc.DocID, "DOC_STORED", storage.StatusOK, map[string]any{
		"filename": up.Filename,
		"sha256":   digest,
		"size":     size,
		"mime":     mime,
	})

	res.Warnings = append(res.Warnings, s.runCheckers(ctx, tenantID, doc, key, size)...)
	res.DocID = doc.DocID
	res.State = doc.State
	return res
}

// runCheckers flags suspicious but non-fatal conditions after storing.
func (s *Service) runCheckers(ctx context.Context, tenantID string, doc *storage.Document, key string, size int64) []string {
	var warnings []string

	ext := strings.ToLower(filepath.Ext(doc.URI))
	if ext != "" && !extensionMatchesMIME(ext, doc.MIME) {
		warnings = append(warnings, "mime_extension_mismatch")
	}
	if stored, err := s.store.Stat(ctx, s.bucket, key); err == nil && stored != size {
		warnings = append(warnings, "blob_size_mismatch")
	}

	for _, w := range warnings {
		s.emit(ctx, tenantID, &doc.DocID, "CHECKER", storage.StatusWarn, map[string]any{"warning": w})
	}
	return warnings
}

func (s *Service) storeFail(ctx context.Context, tenantID string, res Result, err error) Result {
	s.log.WithTenant(tenantID).Error().Str("filename", res.Filename).Err(err).Msg("ingest failed")
	s.emit(ctx, tenantID, nil, "DOC_STORE_FAIL", storage.StatusFail, map[string]any{
		"filename": res.Filename,
		"error":    err.Error(),
	})
	res.Error = err.Error()
	return res
}

// emit records an ingestion event under the STORED stage; the specific event
// name travels in the details.
func (s *Service) emit(ctx context.Context, tenantID string, docID *string, event, status string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["event"] = event
	e := &storage.Event{
		TenantID: tenantID,
		DocID:    docID,
		Stage:    storage.StateStored,
		Status:   status,
		Details:  details,
		TraceID:  observability.TraceIDFromContext(ctx),
	}
	if err := s.events.Append(ctx, e); err != nil {
		s.log.Warn().Str("event", event).Err(err).Msg("event append failed")
	}
}

// detectMIME sniffs the stored bytes, falling back to the declared type when
// detection is inconclusive.
func detectMIME(path, declared string) string {
	mtype, err := mimetype.DetectFile(path)
	if err == nil && mtype.String() != "application/octet-stream" {
		return mtype.String()
	}
	if declared != "" {
		return declared
	}
	if err == nil {
		return mtype.String()
	}
	return "application/octet-stream"
}

func extensionMatchesMIME(ext, mime string) bool {
	byExt := mimetype.Lookup(mime)
	if byExt == nil {
		return true
	}
	for m := byExt; m != nil; m = m.Parent() {
		if m.Extension() == ext {
			return true
		}
	}
	// common aliases the tree walk misses
	switch ext {
	case ".htm", ".html":
		return strings.HasPrefix(mime, "text/html")
	case ".txt", ".md", ".csv":
		return strings.HasPrefix(mime, "text/")
	case ".jpeg", ".jpg":
		return mime == "image/jpeg"
	}
	return false
}
