package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyForSHA256(t *testing.T) {
	digest := "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"
	assert.Equal(t, "sha256/ab/12/"+digest, KeyForSHA256(digest))
	assert.Equal(t, "sha256/ab", KeyForSHA256("ab"))
}

func TestCanonicalKeys(t *testing.T) {
	assert.Equal(t, "d1/v1/index.html", CanonicalHTMLKey("d1"))
	assert.Equal(t, "d1/v1/manifest.json", ManifestKey("d1"))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.EnsureBucket(ctx, "blobs"))
	require.NoError(t, store.Put(ctx, "blobs", "a/b", []byte("hello"), "text/plain"))

	data, err := store.Get(ctx, "blobs", "a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	size, err := store.Stat(ctx, "blobs", "a/b")
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)

	_, err = store.Get(ctx, "blobs", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRemovePrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.Put(ctx, "canonical", "doc1/v1/index.html", []byte("<html>"), "text/html"))
	require.NoError(t, store.Put(ctx, "canonical", "doc1/v1/manifest.json", []byte("{}"), "application/json"))
	require.NoError(t, store.Put(ctx, "canonical", "doc2/v1/index.html", []byte("<html>"), "text/html"))

	require.NoError(t, store.RemovePrefix(ctx, "canonical", "doc1/"))

	_, err := store.Get(ctx, "canonical", "doc1/v1/index.html")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "canonical", "doc2/v1/index.html")
	assert.NoError(t, err)
}
