package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func point(id, tenant, doc, checksum string, vec []float32, types ...string) Point {
	return Point{
		ID:     id,
		Vector: vec,
		Payload: Payload{
			TenantID: tenant,
			DocID:    doc,
			ChunkID:  id,
			Checksum: checksum,
			Types:    types,
		},
	}
}

func TestMemorySearchTenantIsolation(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(3)
	require.NoError(t, idx.Upsert(ctx, []Point{
		point("c1", "t1", "d1", "x", []float32{1, 0, 0}),
		point("c2", "t2", "d2", "x", []float32{1, 0, 0}),
	}))

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 10, Filter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].ID)
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-6)
}

func TestMemorySearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(3)
	require.NoError(t, idx.Upsert(ctx, []Point{
		point("near", "t1", "d1", "x", []float32{1, 0.1, 0}),
		point("far", "t1", "d1", "x", []float32{0, 1, 0}),
	}))

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 2, Filter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestMemoryDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(3)
	err := idx.Upsert(ctx, []Point{point("c1", "t1", "d1", "x", []float32{1, 0})})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = idx.Search(ctx, []float32{1}, 1, Filter{})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestMemoryChecksumDelta(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(2)
	require.NoError(t, idx.Upsert(ctx, []Point{
		point("c1", "t1", "d1", "aaa", []float32{1, 0}),
		point("c2", "t1", "d1", "bbb", []float32{0, 1}),
		point("c3", "t1", "d2", "ccc", []float32{1, 1}),
	}))

	sums, err := idx.ExistingChecksums(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c1": "aaa", "c2": "bbb"}, sums)

	require.NoError(t, idx.DeletePoints(ctx, []string{"c1"}))
	sums, err = idx.ExistingChecksums(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c2": "bbb"}, sums)
}

func TestMemoryDeleteByDocAndTenant(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(2)
	require.NoError(t, idx.Upsert(ctx, []Point{
		point("c1", "t1", "d1", "x", []float32{1, 0}),
		point("c2", "t1", "d2", "x", []float32{0, 1}),
		point("c3", "t2", "d3", "x", []float32{1, 1}),
	}))

	require.NoError(t, idx.DeleteByDoc(ctx, "d1"))
	n, _ := idx.Count(ctx)
	assert.EqualValues(t, 2, n)

	require.NoError(t, idx.DeleteByTenant(ctx, "t1"))
	n, _ = idx.Count(ctx)
	assert.EqualValues(t, 1, n)
}

func TestMemoryTypeFilter(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory(2)
	require.NoError(t, idx.Upsert(ctx, []Point{
		point("tbl", "t1", "d1", "x", []float32{1, 0}, "table"),
		point("par", "t1", "d1", "x", []float32{1, 0}, "paragraph"),
	}))

	hits, err := idx.Search(ctx, []float32{1, 0}, 10, Filter{TenantID: "t1", Types: []string{"table"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "tbl", hits[0].ID)
}
