package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "rrf", cfg.Retrieval.HybridMode)
	assert.Equal(t, 3072, cfg.Vector.Dimension)
	assert.Equal(t, 800, cfg.Chunking.TargetTokens)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9000
chunking:
  target_tokens: 600
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("CHUNK_TARGET_TOKENS", "700")
	t.Setenv("HYBRID_MODE", "norm")
	t.Setenv("HEALTHZ_TTL_SECONDS", "3.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	// env wins over file
	assert.Equal(t, 700, cfg.Chunking.TargetTokens)
	assert.Equal(t, "norm", cfg.Retrieval.HybridMode)
	assert.Equal(t, 3500*time.Millisecond, cfg.Server.HealthzTTL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad hybrid mode", func(c *Config) { c.Retrieval.HybridMode = "mixed" }},
		{"bad alpha", func(c *Config) { c.Retrieval.HybridAlpha = 1.5 }},
		{"bad distance", func(c *Config) { c.Vector.Distance = "euclid" }},
		{"hash engine in prod", func(c *Config) { c.AppEnv = "prod"; c.Embedding.Engine = "hash" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DefaultConfig()
	dsn := cfg.Database.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "dbname=quarry")
	assert.Contains(t, dsn, "sslmode=disable")
}

func TestEnvKeyAliases(t *testing.T) {
	t.Setenv("APP_VERSION", "1.2.3")
	t.Setenv("REGION", "eu-west-1")
	t.Setenv("TENANT_ID", "acme")
	t.Setenv("MAX_CHUNKS_PER_DOC", "250")
	t.Setenv("OBJECT_ROOT_USER", "rootuser")
	t.Setenv("OBJECT_ROOT_PASSWORD", "rootpass")
	t.Setenv("ALLOWED_MIME_PREFIXES", "application/pdf,text/")
	t.Setenv("GEN_STREAM_TOKENS", "true")
	t.Setenv("RERANK_ENABLED", "true")
	t.Setenv("RERANK_TOPN", "30")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "1.2.3", cfg.AppVersion)
	assert.Equal(t, "eu-west-1", cfg.ObjectStore.Region)
	assert.Equal(t, "acme", cfg.Tenancy.DefaultTenant)
	assert.Equal(t, 250, cfg.Chunking.MaxChunksPerDoc)
	assert.Equal(t, "rootuser", cfg.ObjectStore.AccessKey)
	assert.Equal(t, "rootpass", cfg.ObjectStore.SecretKey)
	assert.Equal(t, []string{"application/pdf", "text/"}, cfg.Ingestion.AllowedMIMEPrefixes)
	assert.True(t, cfg.Generation.StreamTokens)
	assert.True(t, cfg.Retrieval.RerankEnabled)
	assert.Equal(t, 30, cfg.Retrieval.RerankTopN)
}

func TestS3CredentialKeysWinOverRootAliases(t *testing.T) {
	t.Setenv("OBJECT_ROOT_USER", "rootuser")
	t.Setenv("S3_ACCESS_KEY", "s3user")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3user", cfg.ObjectStore.AccessKey)
}

func TestCSVOverrides(t *testing.T) {
	t.Setenv("INGEST_DISALLOWED_EXTS", ".exe, .sh")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{".exe", ".sh"}, cfg.Ingestion.DisallowedExts)
}
