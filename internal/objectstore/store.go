// Package objectstore provides content-addressed blob storage and the
// canonical-rendition store on top of S3-compatible backends.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the object storage interface used by the pipeline.
type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutFile(ctx context.Context, bucket, key, path, contentType string) error
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	FetchToTemp(ctx context.Context, bucket, key string) (string, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Stat(ctx context.Context, bucket, key string) (int64, error)
	Remove(ctx context.Context, bucket, key string) error
	RemovePrefix(ctx context.Context, bucket, prefix string) error
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
	Ping(ctx context.Context) error
}

// KeyForSHA256 builds the fan-out key for a raw blob: sha256/aa/bb/<hex>.
func KeyForSHA256(hexDigest string) string {
	if len(hexDigest) < 4 {
		return "sha256/" + hexDigest
	}
	return fmt.Sprintf("sha256/%s/%s/%s", hexDigest[:2], hexDigest[2:4], hexDigest)
}

// CanonicalHTMLKey is the canonical rendition key for a document.
func CanonicalHTMLKey(docID string) string {
	return docID + "/v1/index.html"
}

// ManifestKey is the artifact manifest key for a document.
func ManifestKey(docID string) string {
	return docID + "/v1/manifest.json"
}

// Memory is an in-memory Store for tests.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string][]byte)}
}

func (m *Memory) EnsureBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

func (m *Memory) PutFile(ctx context.Context, bucket, key, path, contentType string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return m.Put(ctx, bucket, key, data, contentType)
}

func (m *Memory) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string][]byte)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.buckets[bucket][key] = buf
	return nil
}

func (m *Memory) FetchToTemp(ctx context.Context, bucket, key string) (string, error) {
	data, err := m.Get(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "objectstore-*"+filepath.Ext(key))
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func (m *Memory) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, ErrNotFound
	}
	data, ok := b[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) Stat(_ context.Context, bucket, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.buckets[bucket]; ok {
		if data, ok := b[key]; ok {
			return int64(len(data)), nil
		}
	}
	return 0, ErrNotFound
}

func (m *Memory) Remove(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[bucket]; ok {
		delete(b, key)
	}
	return nil
}

func (m *Memory) RemovePrefix(_ context.Context, bucket, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[bucket]; ok {
		for k := range b {
			if strings.HasPrefix(k, prefix) {
				delete(b, k)
			}
		}
	}
	return nil
}

func (m *Memory) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "memory://" + bucket + "/" + key, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
