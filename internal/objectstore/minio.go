package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/quarryhq/quarry/internal/config"
)

// MinioStore implements Store against MinIO or any S3-compatible endpoint.
// Presigned links are signed through presign, which points at the public
// endpoint when one is configured so browsers can reach them.
type MinioStore struct {
	client  *minio.Client
	presign *minio.Client
}

// NewMinioStore connects to the configured endpoint.
func NewMinioStore(cfg config.ObjectStoreConfig) (*MinioStore, error) {
	client, err := newClient(cfg, cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	presign := client
	if cfg.PublicEndpoint != "" && cfg.PublicEndpoint != cfg.Endpoint {
		if presign, err = newClient(cfg, cfg.PublicEndpoint); err != nil {
			return nil, err
		}
	}
	return &MinioStore{client: client, presign: presign}, nil
}

func newClient(cfg config.ObjectStoreConfig, endpoint string) (*minio.Client, error) {
	secure := cfg.UseSSL
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse s3 endpoint: %w", err)
		}
		secure = u.Scheme == "https"
		endpoint = u.Host
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return client, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		// racing creators are fine
		if exists, e2 := s.client.BucketExists(ctx, bucket); e2 == nil && exists {
			return nil
		}
		return fmt.Errorf("make bucket %s: %w", bucket, err)
	}
	return nil
}

// PutFile uploads a local file.
func (s *MinioStore) PutFile(ctx context.Context, bucket, key, path, contentType string) error {
	_, err := s.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Put uploads bytes.
func (s *MinioStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// FetchToTemp downloads an object into a temp file and returns its path.
// The caller removes the file.
func (s *MinioStore) FetchToTemp(ctx context.Context, bucket, key string) (string, error) {
	f, err := os.CreateTemp("", "objectstore-*"+filepath.Ext(key))
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()
	if err := s.client.FGetObject(ctx, bucket, key, path, minio.GetObjectOptions{}); err != nil {
		os.Remove(path)
		return "", mapErr(err)
	}
	return path, nil
}

// Get downloads an object into memory.
func (s *MinioStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapErr(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapErr(err)
	}
	return data, nil
}

// Stat returns the stored size of an object.
func (s *MinioStore) Stat(ctx context.Context, bucket, key string) (int64, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, mapErr(err)
	}
	return info.Size, nil
}

// Remove deletes an object.
func (s *MinioStore) Remove(ctx context.Context, bucket, key string) error {
	return s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

// RemovePrefix deletes every object under a prefix.
func (s *MinioStore) RemovePrefix(ctx context.Context, bucket, prefix string) error {
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return obj.Err
		}
		if err := s.client.RemoveObject(ctx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// PresignGet returns a time-limited direct download URL.
func (s *MinioStore) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	u, err := s.presign.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Ping verifies the endpoint is reachable.
func (s *MinioStore) Ping(ctx context.Context) error {
	_, err := s.client.ListBuckets(ctx)
	return err
}

func mapErr(err error) error {
	if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return ErrNotFound
	}
	return err
}
