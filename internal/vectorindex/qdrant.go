package vectorindex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/quarryhq/quarry/internal/config"
)

// QdrantIndex implements Index against a Qdrant collection.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimension  uint64
	distance   qdrant.Distance
}

// NewQdrantIndex connects to Qdrant using the gRPC client.
func NewQdrantIndex(cfg config.VectorConfig) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant client: %w", err)
	}

	distance := qdrant.Distance_Cosine
	if cfg.Distance == "dot" {
		distance = qdrant.Distance_Dot
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dimension:  uint64(cfg.Dimension),
		distance:   distance,
	}, nil
}

func parseQdrantURL(raw string) (host string, port int, useTLS bool, err error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, fmt.Errorf("parse qdrant url: %w", err)
	}
	host = u.Hostname()
	port = 6334
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, false, fmt.Errorf("parse qdrant port: %w", err)
		}
	}
	return host, port, u.Scheme == "https", nil
}

// EnsureCollection creates the collection if missing.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dimension,
			Distance: q.distance,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", q.collection, err)
	}
	return nil
}

// Upsert writes points, waiting for durability.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		if uint64(len(p.Vector)) != q.dimension {
			return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(p.Vector), q.dimension)
		}
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(payloadMap(p.Payload)),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("upsert points: %w", err)
	}
	return nil
}

// Search runs a filtered nearest-neighbor query.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]Hit, error) {
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		Filter:         buildFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		hits = append(hits, Hit{
			ID:      sp.GetId().GetUuid(),
			Score:   sp.GetScore(),
			Payload: payloadFromValues(sp.GetPayload()),
		})
	}
	return hits, nil
}

// ExistingChecksums drains the document's points via scroll and returns
// chunk_id -> checksum.
func (q *QdrantIndex) ExistingChecksums(ctx context.Context, docID string) (map[string]string, error) {
	out := make(map[string]string)
	var offset *qdrant.PointId
	const pageSize = 256
	for {
		points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Filter: &qdrant.Filter{Must: []*qdrant.Condition{
				qdrant.NewMatch("doc_id", docID),
			}},
			Limit:       qdrant.PtrOf(uint32(pageSize)),
			Offset:      offset,
			WithPayload: qdrant.NewWithPayloadInclude("chunk_id", "checksum"),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll points: %w", err)
		}
		for _, p := range points {
			payload := p.GetPayload()
			chunkID := payload["chunk_id"].GetStringValue()
			if chunkID == "" {
				chunkID = p.GetId().GetUuid()
			}
			out[chunkID] = payload["checksum"].GetStringValue()
		}
		if len(points) < pageSize {
			return out, nil
		}
		offset = points[len(points)-1].GetId()
	}
}

// DeletePoints removes points by chunk ID.
func (q *QdrantIndex) DeletePoints(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	return err
}

// DeleteByDoc removes every point of a document.
func (q *QdrantIndex) DeleteByDoc(ctx context.Context, docID string) error {
	return q.deleteByFilter(ctx, &qdrant.Filter{Must: []*qdrant.Condition{
		qdrant.NewMatch("doc_id", docID),
	}})
}

// DeleteByTenant removes every point of a tenant.
func (q *QdrantIndex) DeleteByTenant(ctx context.Context, tenantID string) error {
	return q.deleteByFilter(ctx, &qdrant.Filter{Must: []*qdrant.Condition{
		qdrant.NewMatch("tenant_id", tenantID),
	}})
}

func (q *QdrantIndex) deleteByFilter(ctx context.Context, filter *qdrant.Filter) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	return err
}

// Count returns the number of points in the collection.
func (q *QdrantIndex) Count(ctx context.Context) (uint64, error) {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Ping checks connectivity.
func (q *QdrantIndex) Ping(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func buildFilter(f Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	if f.TenantID != "" {
		must = append(must, qdrant.NewMatch("tenant_id", f.TenantID))
	}
	if len(f.DocIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords("doc_id", f.DocIDs...))
	}
	if f.MIME != "" {
		must = append(must, qdrant.NewMatch("mime", f.MIME))
	}
	if len(f.Types) > 0 {
		must = append(must, qdrant.NewMatchKeywords("types", f.Types...))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func payloadMap(p Payload) map[string]any {
	return map[string]any{
		"tenant_id":        p.TenantID,
		"doc_id":           p.DocID,
		"chunk_id":         p.ChunkID,
		"plan_id":          p.PlanID,
		"page_start":       int64(p.PageStart),
		"page_end":         int64(p.PageEnd),
		"span_start":       int64(p.SpanStart),
		"span_end":         int64(p.SpanEnd),
		"types":            toAnySlice(p.Types),
		"source_block_ids": toAnySlice(p.SourceBlockIDs),
		"context_headers":  toAnySlice(p.ContextHeaders),
		"uri":              p.URI,
		"mime":             p.MIME,
		"checksum":         p.Checksum,
		"model":            p.Model,
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func payloadFromValues(values map[string]*qdrant.Value) Payload {
	return Payload{
		TenantID:       values["tenant_id"].GetStringValue(),
		DocID:          values["doc_id"].GetStringValue(),
		ChunkID:        values["chunk_id"].GetStringValue(),
		PlanID:         values["plan_id"].GetStringValue(),
		PageStart:      int(values["page_start"].GetIntegerValue()),
		PageEnd:        int(values["page_end"].GetIntegerValue()),
		SpanStart:      int(values["span_start"].GetIntegerValue()),
		SpanEnd:        int(values["span_end"].GetIntegerValue()),
		Types:          stringList(values["types"]),
		SourceBlockIDs: stringList(values["source_block_ids"]),
		ContextHeaders: stringList(values["context_headers"]),
		URI:            values["uri"].GetStringValue(),
		MIME:           values["mime"].GetStringValue(),
		Checksum:       values["checksum"].GetStringValue(),
		Model:          values["model"].GetStringValue(),
	}
}

func stringList(v *qdrant.Value) []string {
	list := v.GetListValue()
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		out = append(out, item.GetStringValue())
	}
	return out
}
