// Package retrieval implements hybrid vector plus keyword search with
// rank fusion, graph expansion, and diversity controls.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quarryhq/quarry/internal/cache"
	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/storage"
	"github.com/quarryhq/quarry/internal/vectorindex"
)

const (
	recencyDayBoost    = 0.05
	recencyWeekBoost   = 0.02
	headerTokenBoost   = 0.05
	headerBoostCap     = 0.15
	tableNumericBoost  = 0.03
	boostTypeBonus     = 0.05
	graphScoreFactor   = 0.6
	graphNeighborLimit = 32
	safetyTextScore    = 0.005
	safetyTableScore   = 0.01
	windowTopN         = 5
	queryCacheTTL      = 5 * time.Minute
)

// Filters narrows a search beyond the tenant scope.
type Filters struct {
	DocIDs       []string   `json:"doc_ids,omitempty"`
	Types        []string   `json:"types,omitempty"`
	MIMEAny      []string   `json:"mime_any,omitempty"`
	DateLastDays int        `json:"date_last_days,omitempty"`
	URILike      string     `json:"uri_like,omitempty"`
	FilenameLike string     `json:"filename_like,omitempty"`
	VendorLike   string     `json:"vendor_like,omitempty"`
	BoostTypes   []string   `json:"boost_types,omitempty"`
	DateRange    *DateRange `json:"date_range,omitempty"`
}

// Hit is one retrieved chunk with its fused score and provenance.
type Hit struct {
	Chunk          *storage.Chunk `json:"chunk"`
	DocURI         string         `json:"doc_uri,omitempty"`
	DocMIME        string         `json:"doc_mime,omitempty"`
	CollectedAt    time.Time      `json:"collected_at,omitempty"`
	Score          float64        `json:"score"`
	Source         string         `json:"source"`
	WindowExpanded bool           `json:"window_expanded,omitempty"`
}

// Result is a retrieval response.
type Result struct {
	Hits      []*Hit     `json:"hits"`
	Warnings  []string   `json:"warnings,omitempty"`
	DateRange *DateRange `json:"date_range,omitempty"`
}

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkStore is the chunk persistence retrieval reads from.
type ChunkStore interface {
	KeywordSearch(ctx context.Context, tenantID, query string, limit int, filters *storage.KeywordFilters) ([]*storage.KeywordHit, error)
	GetByIDs(ctx context.Context, ids []string) ([]*storage.Chunk, error)
	ListByDoc(ctx context.Context, docID string) ([]*storage.Chunk, error)
	ByBlockIDs(ctx context.Context, docID string, blockIDs []string) ([]*storage.Chunk, error)
	LongestChunks(ctx context.Context, tenantID string, limit int, tablesFirst bool) ([]*storage.Chunk, error)
}

// DocumentStore backfills document fields onto hits.
type DocumentStore interface {
	GetByID(ctx context.Context, docID string) (*storage.Document, error)
}

// GraphStore walks the structural graph for neighbor expansion.
type GraphStore interface {
	NodesForBlocks(ctx context.Context, docID string, blockIDs []string) ([]*storage.GraphNode, error)
	Neighbors(ctx context.Context, docID string, nodeIDs []string, limit int) ([]*storage.GraphNode, error)
}

// InvoiceLookup resolves structured invoice constraints during enrichment.
type InvoiceLookup interface {
	InvoiceDocIDsByNumber(ctx context.Context, tenantID, number string) ([]string, error)
	InvoiceDocIDsByDateRange(ctx context.Context, tenantID string, start, end time.Time) ([]string, error)
}

// EventStore records retrieval events.
type EventStore interface {
	Append(ctx context.Context, e *storage.Event) error
}

// Generator produces the HyDE expansion passage.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, opts ...llm.Option) (string, error)
}

// Reranker scores query/passage pairs with a cross-encoder.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}

// Deps bundles the service's collaborators.
type Deps struct {
	Embedder   Embedder
	Index      vectorindex.Index
	Chunks     ChunkStore
	Docs       DocumentStore
	Graph      GraphStore
	Structured InvoiceLookup
	Events     EventStore
	Cache      cache.Client
	HyDE       Generator
	Rerank     Reranker
}

// Service runs hybrid retrieval.
type Service struct {
	embedder   Embedder
	index      vectorindex.Index
	chunks     ChunkStore
	docs       DocumentStore
	graph      GraphStore
	structured InvoiceLookup
	events     EventStore
	cache      cache.Client
	hyde       Generator
	reranker   Reranker
	cfg        config.RetrievalConfig
	breaker    *breaker
	log        *observability.Logger

	mu        sync.Mutex
	docChunks map[string][]*storage.Chunk
}

// NewService creates a retrieval service with config defaults filled in.
func NewService(deps Deps, cfg config.RetrievalConfig, log *observability.Logger) *Service {
	if log == nil {
		log = observability.NopLogger()
	}
	if cfg.VectorTopN <= 0 {
		cfg.VectorTopN = 50
	}
	if cfg.KeywordTopN <= 0 {
		cfg.KeywordTopN = 50
	}
	if cfg.HybridAlpha <= 0 || cfg.HybridAlpha > 1 {
		cfg.HybridAlpha = 0.5
	}
	if cfg.HybridMode == "" {
		cfg.HybridMode = "rrf"
	}
	if cfg.MMRLambda <= 0 || cfg.MMRLambda > 1 {
		cfg.MMRLambda = 0.7
	}
	if cfg.DocCapPerDoc <= 0 {
		cfg.DocCapPerDoc = 3
	}
	if cfg.RerankTopN <= 0 {
		cfg.RerankTopN = 50
	}
	return &Service{
		embedder:   deps.Embedder,
		index:      deps.Index,
		chunks:     deps.Chunks,
		docs:       deps.Docs,
		graph:      deps.Graph,
		structured: deps.Structured,
		events:     deps.Events,
		cache:      deps.Cache,
		hyde:       deps.HyDE,
		reranker:   deps.Rerank,
		cfg:        cfg,
		breaker:    newBreaker(),
		log:        log.WithComponent("retrieval"),
		docChunks:  map[string][]*storage.Chunk{},
	}
}

// Search runs the hybrid pipeline for one query.
func (s *Service) Search(ctx context.Context, tenantID, q string, k int, hybrid bool, filters *Filters) (*Result, error) {
	started := time.Now()
	if k <= 0 {
		k = 8
	}
	if filters == nil {
		filters = &Filters{}
	}

	// key is derived from the caller's filters before enrichment mutates them
	var cacheKey string
	if s.cfg.CacheResults && s.cache != nil {
		cacheKey = cache.QueryCacheKey(tenantID, q, fingerprint(k, hybrid, filters))
		if cached := s.cachedResult(ctx, cacheKey); cached != nil {
			return cached, nil
		}
	}

	res := &Result{}
	if !s.enrich(ctx, tenantID, q, filters) {
		res.Warnings = append(res.Warnings, "filters_matched_no_documents")
		res.DateRange = filters.DateRange
		s.emit(ctx, tenantID, storage.StatusWarn, started, map[string]any{"hits": 0, "reason": "filters_matched_no_documents"})
		return res, nil
	}
	res.DateRange = filters.DateRange
	numeric := IsNumericQuery(q)

	vec, vecWarn := s.vectorLeg(ctx, tenantID, q, k, filters, numeric)
	res.Warnings = append(res.Warnings, vecWarn...)
	vec = append(vec, s.expandGraph(ctx, vec, k, q, numeric)...)

	var kw []*Hit
	if hybrid {
		var err error
		if kw, err = s.keywordLeg(ctx, tenantID, q, filters); err != nil {
			s.log.Warn().Err(err).Msg("keyword leg failed")
			res.Warnings = append(res.Warnings, "keyword_leg_failed")
		}
	}

	var fused []*Hit
	switch {
	case !hybrid:
		fused = sortHits(vec)
	case s.cfg.HybridMode == "norm":
		fused = fuseNorm(vec, kw, s.cfg.HybridAlpha)
	default:
		fused = fuseRRF(vec, kw, s.cfg.HybridAlpha)
	}

	for _, h := range fused {
		if typesIntersect(metaStrings(h.Chunk.Meta, "types"), filters.BoostTypes) {
			h.Score += boostTypeBonus
		}
	}
	fused = sortHits(fused)
	fused = s.rerank(ctx, q, fused, k)
	fused = mmr(fused, k, s.cfg.MMRLambda)
	fused = capPerDoc(fused, s.cfg.DocCapPerDoc)
	if len(fused) > k {
		fused = fused[:k]
	}

	if len(fused) == 0 && s.cfg.SafetyNetEnabled {
		fused = s.safetyNet(ctx, tenantID, k, numeric)
		if len(fused) > 0 {
			res.Warnings = append(res.Warnings, "safety_net")
		}
	}

	s.expandWindows(ctx, fused)
	s.backfill(ctx, fused)
	res.Hits = fused

	s.storeResult(ctx, cacheKey, res)
	s.emit(ctx, tenantID, storage.StatusOK, started, map[string]any{
		"hits": len(res.Hits), "hybrid": hybrid, "numeric": numeric,
	})
	return res, nil
}

func (s *Service) vectorLeg(ctx context.Context, tenantID, q string, k int, f *Filters, numeric bool) ([]*Hit, []string) {
	if !s.breaker.allow() {
		s.emit(ctx, tenantID, storage.StatusWarn, time.Now(), map[string]any{"reason": "vector_breaker_open"})
		return nil, []string{"vector_breaker_open"}
	}

	text := q
	if s.cfg.HyDEEnabled && s.hyde != nil {
		if passage, err := s.hypothetical(ctx, q); err == nil && passage != "" {
			text = passage
		}
	}

	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil || len(vectors) == 0 {
		s.breaker.failure()
		s.log.Warn().Err(err).Msg("query embed failed")
		return nil, []string{"vector_leg_failed"}
	}

	filter := vectorindex.Filter{TenantID: tenantID, DocIDs: f.DocIDs, Types: f.Types}
	if len(f.MIMEAny) == 1 {
		filter.MIME = f.MIMEAny[0]
	}
	limit := s.cfg.VectorTopN
	if k > limit {
		limit = k
	}
	found, err := s.index.Search(ctx, vectors[0], limit, filter)
	if err != nil {
		s.breaker.failure()
		s.log.Warn().Err(err).Msg("vector search failed")
		return nil, []string{"vector_leg_failed"}
	}
	s.breaker.success()

	hits := s.resolve(ctx, found)
	qTokens := tokenSet(q)
	for _, h := range hits {
		h.Score += s.recencyBoost(h.CollectedAt)
		h.Score += headerBoost(qTokens, metaStrings(h.Chunk.Meta, "context_headers"))
		if numeric && containsString(metaStrings(h.Chunk.Meta, "types"), "table") {
			h.Score += tableNumericBoost
		}
	}
	return sortHits(hits), nil
}

// resolve backfills chunk rows and document fields for raw index hits,
// skipping ids whose chunks have since been deleted.
func (s *Service) resolve(ctx context.Context, found []vectorindex.Hit) []*Hit {
	ids := make([]string, 0, len(found))
	scores := make(map[string]float64, len(found))
	for _, h := range found {
		ids = append(ids, h.ID)
		scores[h.ID] = float64(h.Score)
	}
	rows, err := s.chunks.GetByIDs(ctx, ids)
	if err != nil {
		s.log.Warn().Err(err).Msg("chunk backfill failed")
		return nil
	}
	hits := make([]*Hit, 0, len(rows))
	for _, c := range rows {
		hits = append(hits, &Hit{Chunk: c, Score: scores[c.ChunkID], Source: "vector"})
	}
	return hits
}

func (s *Service) keywordLeg(ctx context.Context, tenantID, q string, f *Filters) ([]*Hit, error) {
	kf := &storage.KeywordFilters{
		DocIDs:       f.DocIDs,
		URILike:      f.URILike,
		FilenameLike: f.FilenameLike,
		VendorLike:   f.VendorLike,
		Types:        f.Types,
	}
	rows, err := s.chunks.KeywordSearch(ctx, tenantID, q, s.cfg.KeywordTopN, kf)
	if err != nil {
		return nil, err
	}
	hits := make([]*Hit, 0, len(rows))
	for _, r := range rows {
		c := r.Chunk
		hits = append(hits, &Hit{Chunk: &c, Score: r.Score, Source: "keyword"})
	}
	return hits, nil
}

// rerank reorders the strongest fused candidates by cross-encoder relevance,
// keeping their fused scores. A failed call leaves the fused order untouched.
func (s *Service) rerank(ctx context.Context, q string, hits []*Hit, k int) []*Hit {
	if !s.cfg.RerankEnabled || s.reranker == nil || len(hits) < 2 {
		return hits
	}
	top := s.cfg.RerankTopN
	if top < k*4 {
		top = k * 4
	}
	if top > len(hits) {
		top = len(hits)
	}

	docs := make([]string, top)
	for i, h := range hits[:top] {
		docs[i] = h.Chunk.Text
	}
	scores, err := s.reranker.Rerank(ctx, q, docs)
	if err != nil || len(scores) != top {
		s.log.Warn().Err(err).Msg("rerank failed")
		return hits
	}

	order := make([]int, top)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	out := make([]*Hit, 0, len(hits))
	for _, i := range order {
		out = append(out, hits[i])
	}
	return append(out, hits[top:]...)
}

// expandGraph pulls structurally adjacent chunks for the strongest vector
// hits and scores them relative to their seed.
func (s *Service) expandGraph(ctx context.Context, hits []*Hit, k int, q string, numeric bool) []*Hit {
	if s.graph == nil || len(hits) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		seen[h.Chunk.ChunkID] = true
	}

	top := len(hits)
	if k < top {
		top = k
	}
	qTokens := tokenSet(q)

	var out []*Hit
	for _, seed := range hits[:top] {
		blockIDs := metaStrings(seed.Chunk.Meta, "source_block_ids")
		if len(blockIDs) == 0 {
			continue
		}
		nodes, err := s.graph.NodesForBlocks(ctx, seed.Chunk.DocID, blockIDs)
		if err != nil || len(nodes) == 0 {
			continue
		}
		nodeIDs := make([]string, len(nodes))
		for i, n := range nodes {
			nodeIDs[i] = n.NodeID
		}
		neighbors, err := s.graph.Neighbors(ctx, seed.Chunk.DocID, nodeIDs, graphNeighborLimit)
		if err != nil {
			continue
		}
		var neighborBlocks []string
		for _, n := range neighbors {
			if id, ok := n.Meta["source_block_id"].(string); ok && id != "" {
				neighborBlocks = append(neighborBlocks, id)
			}
		}
		chunks, err := s.chunks.ByBlockIDs(ctx, seed.Chunk.DocID, neighborBlocks)
		if err != nil {
			continue
		}
		for _, c := range chunks {
			if seen[c.ChunkID] {
				continue
			}
			seen[c.ChunkID] = true
			score := graphScoreFactor * seed.Score
			score += headerBoost(qTokens, metaStrings(c.Meta, "context_headers"))
			if numeric && containsString(metaStrings(c.Meta, "types"), "table") {
				score += tableNumericBoost
			}
			out = append(out, &Hit{Chunk: c, Score: score, Source: "graph"})
		}
	}
	return out
}

// safetyNet returns the tenant's longest chunks at a floor score so callers
// always have something to ground on.
func (s *Service) safetyNet(ctx context.Context, tenantID string, k int, numeric bool) []*Hit {
	rows, err := s.chunks.LongestChunks(ctx, tenantID, k, numeric)
	if err != nil {
		s.log.Warn().Err(err).Msg("safety net failed")
		return nil
	}
	hits := make([]*Hit, 0, len(rows))
	for _, c := range rows {
		score := safetyTextScore
		if containsString(metaStrings(c.Meta, "types"), "table") {
			score = safetyTableScore
		}
		hits = append(hits, &Hit{Chunk: c, Score: score, Source: "safety_net"})
	}
	return hits
}

// expandWindows stitches each top hit with its span neighbors from the same
// document.
func (s *Service) expandWindows(ctx context.Context, hits []*Hit) {
	top := len(hits)
	if top > windowTopN {
		top = windowTopN
	}
	for _, h := range hits[:top] {
		siblings, err := s.chunksForDoc(ctx, h.Chunk.DocID)
		if err != nil || len(siblings) < 2 {
			continue
		}
		idx := -1
		for i, c := range siblings {
			if c.ChunkID == h.Chunk.ChunkID {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		stitched := *h.Chunk
		if idx > 0 {
			prev := siblings[idx-1]
			stitched.Text = prev.Text + "\n\n" + stitched.Text
			stitched.SpanStart = prev.SpanStart
			stitched.PageStart = prev.PageStart
		}
		if idx+1 < len(siblings) {
			next := siblings[idx+1]
			stitched.Text = stitched.Text + "\n\n" + next.Text
			stitched.SpanEnd = next.SpanEnd
			stitched.PageEnd = next.PageEnd
		}
		if stitched.Text != h.Chunk.Text {
			h.Chunk = &stitched
			h.WindowExpanded = true
		}
	}
}

// chunksForDoc memoizes per-document chunk lists, span ordered. The cache
// lives for the process; pipeline reruns start fresh on restart.
func (s *Service) chunksForDoc(ctx context.Context, docID string) ([]*storage.Chunk, error) {
	s.mu.Lock()
	cached, ok := s.docChunks[docID]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}
	rows, err := s.chunks.ListByDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SpanStart < rows[j].SpanStart })
	s.mu.Lock()
	s.docChunks[docID] = rows
	s.mu.Unlock()
	return rows, nil
}

// InvalidateDoc drops the memoized chunk list after a re-chunk.
func (s *Service) InvalidateDoc(docID string) {
	s.mu.Lock()
	delete(s.docChunks, docID)
	s.mu.Unlock()
}

func (s *Service) backfill(ctx context.Context, hits []*Hit) {
	docs := map[string]*storage.Document{}
	for _, h := range hits {
		doc, ok := docs[h.Chunk.DocID]
		if !ok {
			var err error
			if doc, err = s.docs.GetByID(ctx, h.Chunk.DocID); err != nil {
				continue
			}
			docs[h.Chunk.DocID] = doc
		}
		h.DocURI = doc.URI
		h.DocMIME = doc.MIME
		h.CollectedAt = doc.CollectedAt
	}
}

func (s *Service) recencyBoost(collected time.Time) float64 {
	if collected.IsZero() {
		return 0
	}
	age := time.Since(collected)
	switch {
	case age < 24*time.Hour:
		return recencyDayBoost
	case age < 7*24*time.Hour:
		return recencyWeekBoost
	}
	return 0
}

func (s *Service) hypothetical(ctx context.Context, q string) (string, error) {
	return s.hyde.Generate(ctx, []llm.Message{
		{Role: "system", Content: "Write a short factual passage that would answer the question. No preamble."},
		{Role: "user", Content: q},
	}, llm.WithTemperature(0), llm.WithMaxTokens(160))
}

func (s *Service) cachedResult(ctx context.Context, key string) *Result {
	raw, err := s.cache.Get(ctx, key)
	if err != nil || raw == nil {
		return nil
	}
	res := &Result{}
	if err := json.Unmarshal(raw, res); err != nil {
		return nil
	}
	return res
}

func (s *Service) storeResult(ctx context.Context, key string, res *Result) {
	if key == "" {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, queryCacheTTL); err != nil {
		s.log.Debug().Err(err).Msg("query cache store failed")
	}
}

func fingerprint(k int, hybrid bool, f *Filters) string {
	raw, _ := json.Marshal(f)
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%t|%s", k, hybrid, raw))
	return hex.EncodeToString(sum[:8])
}

func (s *Service) emit(ctx context.Context, tenantID, status string, started time.Time, details map[string]any) {
	if s.events == nil {
		return
	}
	latency := float64(time.Since(started).Milliseconds())
	e := &storage.Event{
		TenantID:  tenantID,
		Stage:     "RETRIEVE",
		Status:    status,
		LatencyMS: &latency,
		Details:   details,
		TraceID:   observability.TraceIDFromContext(ctx),
	}
	if err := s.events.Append(ctx, e); err != nil {
		s.log.Warn().Err(err).Msg("event append failed")
	}
}

func sortHits(hits []*Hit) []*Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.ChunkID < hits[j].Chunk.ChunkID
	})
	return hits
}

func headerBoost(qTokens map[string]bool, headers []string) float64 {
	boost := 0.0
	for _, h := range headers {
		for tok := range tokenSet(h) {
			if qTokens[tok] {
				boost += headerTokenBoost
			}
		}
	}
	if boost > headerBoostCap {
		boost = headerBoostCap
	}
	return boost
}

func typesIntersect(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func metaStrings(meta map[string]any, key string) []string {
	if meta == nil {
		return nil
	}
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
