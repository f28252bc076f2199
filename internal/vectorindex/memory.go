package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Memory is an in-process Index used by tests and the hash-embedding dev mode.
// Scores are cosine similarity.
type Memory struct {
	mu        sync.RWMutex
	dimension int
	points    map[string]Point
}

// NewMemory creates an empty in-memory index with a fixed dimension.
func NewMemory(dimension int) *Memory {
	return &Memory{dimension: dimension, points: make(map[string]Point)}
}

func (m *Memory) EnsureCollection(context.Context) error { return nil }

func (m *Memory) Upsert(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		if len(p.Vector) != m.dimension {
			return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(p.Vector), m.dimension)
		}
		m.points[p.ID] = p
	}
	return nil
}

func (m *Memory) Search(_ context.Context, vector []float32, limit int, filter Filter) ([]Hit, error) {
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(vector), m.dimension)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	for _, p := range m.points {
		if !matchesFilter(p.Payload, filter) {
			continue
		}
		hits = append(hits, Hit{ID: p.ID, Score: cosine(vector, p.Vector), Payload: p.Payload})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *Memory) ExistingChecksums(_ context.Context, docID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for id, p := range m.points {
		if p.Payload.DocID == docID {
			out[id] = p.Payload.Checksum
		}
	}
	return out, nil
}

func (m *Memory) DeletePoints(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *Memory) DeleteByDoc(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if p.Payload.DocID == docID {
			delete(m.points, id)
		}
	}
	return nil
}

func (m *Memory) DeleteByTenant(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if p.Payload.TenantID == tenantID {
			delete(m.points, id)
		}
	}
	return nil
}

func (m *Memory) Count(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.points)), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func matchesFilter(p Payload, f Filter) bool {
	if f.TenantID != "" && p.TenantID != f.TenantID {
		return false
	}
	if len(f.DocIDs) > 0 {
		found := false
		for _, id := range f.DocIDs {
			if p.DocID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MIME != "" && p.MIME != f.MIME {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, want := range f.Types {
			for _, have := range p.Types {
				if want == have {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
