// Package config provides unified configuration loading for Quarry.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Quarry backend.
type Config struct {
	AppEnv        string              `yaml:"app_env"`
	AppVersion    string              `yaml:"app_version"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	ObjectStore   ObjectStoreConfig   `yaml:"object_store"`
	Vector        VectorConfig        `yaml:"vector"`
	Cache         CacheConfig         `yaml:"cache"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Parser        ParserConfig        `yaml:"parser"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Generation    GenerationConfig    `yaml:"generation"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	Tenancy       TenancyConfig       `yaml:"tenancy"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	CORSAllowOrigins []string      `yaml:"cors_allow_origins"`
	HealthzTTL       time.Duration `yaml:"healthz_ttl"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN returns the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

// ObjectStoreConfig holds S3/MinIO settings. PublicEndpoint, when set, is the
// browser-reachable endpoint presigned links are signed against.
type ObjectStoreConfig struct {
	Endpoint        string `yaml:"endpoint"`
	PublicEndpoint  string `yaml:"public_endpoint"`
	Region          string `yaml:"region"`
	AccessKey       string `yaml:"access_key"`
	SecretKey       string `yaml:"secret_key"`
	Bucket          string `yaml:"bucket"`
	CanonicalBucket string `yaml:"canonical_bucket"`
	UseSSL          bool   `yaml:"use_ssl"`
}

// VectorConfig holds Qdrant settings.
type VectorConfig struct {
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"api_key"`
	Collection    string        `yaml:"collection"`
	Dimension     int           `yaml:"dimension"`
	Distance      string        `yaml:"distance"` // cosine or dot
	HealthTimeout time.Duration `yaml:"health_timeout"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver string        `yaml:"driver"` // memory or redis
	TTL    time.Duration `yaml:"ttl"`
	Redis  RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// IngestionConfig holds upload policy settings.
type IngestionConfig struct {
	MaxFilesPerRequest  int      `yaml:"max_files_per_request"`
	MaxFileMB           int      `yaml:"max_file_mb"`
	MaxFilenameLen      int      `yaml:"max_filename_len"`
	DisallowedExts      []string `yaml:"disallowed_exts"`
	AllowedMIMEPrefixes []string `yaml:"allowed_mime_prefixes"`
	StrictMode          bool     `yaml:"strict_mode"`
	RateLimitPerMin     int      `yaml:"rate_limit_per_min"`
}

// ParserConfig holds document parser settings.
type ParserConfig struct {
	Command             string `yaml:"command"` // external converter binary, empty disables
	Method              string `yaml:"method"`  // auto, text, ocr
	AutoOCRFallback     bool   `yaml:"auto_ocr_fallback"`
	SparseTextThreshold int    `yaml:"sparse_text_threshold"`
}

// ExtractionConfig holds block extraction settings.
type ExtractionConfig struct {
	StripRepeatedHeaders bool `yaml:"strip_repeated_headers"`
}

// ChunkingConfig holds chunking settings.
type ChunkingConfig struct {
	TargetTokens      int  `yaml:"target_tokens"`
	OverlapTokens     int  `yaml:"overlap_tokens"`
	MaxChunksPerDoc   int  `yaml:"max_chunks_per_doc"`
	ContextualEnabled bool `yaml:"contextual_enabled"`
}

// EmbeddingConfig holds embedding engine settings.
type EmbeddingConfig struct {
	Engine    string `yaml:"engine"` // openai, hash
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
}

// RetrievalConfig holds hybrid retrieval settings.
type RetrievalConfig struct {
	VectorTopN       int     `yaml:"vector_top_n"`
	KeywordTopN      int     `yaml:"keyword_top_n"`
	HybridAlpha      float64 `yaml:"hybrid_alpha"`
	HybridMode       string  `yaml:"hybrid_mode"` // rrf or norm
	MMRLambda        float64 `yaml:"mmr_lambda"`
	DocCapPerDoc     int     `yaml:"doc_cap_per_doc"`
	SafetyNetEnabled bool    `yaml:"safety_net_enabled"`
	HyDEEnabled      bool    `yaml:"hyde_enabled"`
	CacheResults     bool    `yaml:"cache_results"`
	RerankEnabled    bool    `yaml:"rerank_enabled"`
	RerankModel      string  `yaml:"rerank_model"`
	RerankTopN       int     `yaml:"rerank_topn"`
	RerankBaseURL    string  `yaml:"rerank_base_url"`
	RerankAPIKey     string  `yaml:"rerank_api_key"`
}

// GenerationConfig holds LLM generation settings.
type GenerationConfig struct {
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	Model            string        `yaml:"model"`
	TokenBudget      int           `yaml:"token_budget"`
	MaxStitchPerDoc  int           `yaml:"max_stitch_per_doc"`
	GroundedMin      float64       `yaml:"grounded_min"`
	FactConfMin      float64       `yaml:"fact_conf_min"`
	StreamTokens     bool          `yaml:"stream_tokens"`
	StreamChunkDelay time.Duration `yaml:"stream_chunk_delay"`
	StreamChunkChars int           `yaml:"stream_chunk_chars"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json or console
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"api_key"` // empty disables the key check
}

// TenancyConfig holds multi-tenancy settings.
type TenancyConfig struct {
	DefaultTenant string `yaml:"default_tenant"`
}

// Load reads configuration from a YAML file and applies environment overrides.
// A .env file in the working directory is loaded first, without clobbering
// variables already set.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		AppEnv: "dev",
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8088,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
			CORSAllowOrigins: []string{"*"},
			HealthzTTL:       2 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "quarry",
			User:            "quarry",
			Password:        "quarry",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:        "localhost:9000",
			Region:          "local",
			AccessKey:       "minioadmin",
			SecretKey:       "minioadmin",
			Bucket:          "rag-blobs",
			CanonicalBucket: "rag-canonical",
			UseSSL:          false,
		},
		Vector: VectorConfig{
			URL:           "http://localhost:6334",
			Collection:    "chunks_te3large_v1",
			Dimension:     3072,
			Distance:      "cosine",
			HealthTimeout: 2 * time.Second,
		},
		Cache: CacheConfig{
			Driver: "memory",
			TTL:    5 * time.Minute,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Ingestion: IngestionConfig{
			MaxFilesPerRequest:  10,
			MaxFileMB:           50,
			MaxFilenameLen:      200,
			DisallowedExts:      []string{".js", ".exe", ".sh", ".bat", ".dll", ".msi", ".apk", ".bin"},
			AllowedMIMEPrefixes: []string{"application/pdf", "text/", "image/", "application/vnd", "application/msword", "application/json", "text/html"},
			StrictMode:          false,
			RateLimitPerMin:     120,
		},
		Parser: ParserConfig{
			Method:              "auto",
			AutoOCRFallback:     true,
			SparseTextThreshold: 400,
		},
		Extraction: ExtractionConfig{
			StripRepeatedHeaders: true,
		},
		Chunking: ChunkingConfig{
			TargetTokens:      800,
			OverlapTokens:     120,
			MaxChunksPerDoc:   5000,
			ContextualEnabled: false,
		},
		Embedding: EmbeddingConfig{
			Engine:    "openai",
			BaseURL:   "https://api.openai.com/v1",
			Model:     "text-embedding-3-large",
			Dimension: 3072,
			BatchSize: 64,
		},
		Retrieval: RetrievalConfig{
			VectorTopN:       60,
			KeywordTopN:      100,
			HybridAlpha:      0.7,
			HybridMode:       "rrf",
			MMRLambda:        0.65,
			DocCapPerDoc:     3,
			SafetyNetEnabled: true,
			HyDEEnabled:      false,
			CacheResults:     true,
			RerankEnabled:    false,
			RerankModel:      "jina-reranker-v2-base-multilingual",
			RerankTopN:       50,
			RerankBaseURL:    "https://api.jina.ai/v1",
		},
		Generation: GenerationConfig{
			BaseURL:          "https://api.openai.com/v1",
			Model:            "gpt-4o-mini",
			TokenBudget:      3500,
			MaxStitchPerDoc:  2,
			GroundedMin:      0.18,
			FactConfMin:      0.6,
			StreamChunkDelay: 70 * time.Millisecond,
			StreamChunkChars: 64,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "console",
		},
		Tenancy: TenancyConfig{
			DefaultTenant: "dev",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}
	if c.Vector.Dimension < 1 {
		return fmt.Errorf("invalid vector dimension: %d", c.Vector.Dimension)
	}
	if c.Vector.Distance != "cosine" && c.Vector.Distance != "dot" {
		return fmt.Errorf("invalid vector distance: %s", c.Vector.Distance)
	}
	if c.Retrieval.HybridMode != "rrf" && c.Retrieval.HybridMode != "norm" {
		return fmt.Errorf("invalid hybrid mode: %s", c.Retrieval.HybridMode)
	}
	if c.Retrieval.HybridAlpha < 0 || c.Retrieval.HybridAlpha > 1 {
		return fmt.Errorf("hybrid_alpha must be in [0,1]")
	}
	if c.Chunking.TargetTokens < 50 {
		return fmt.Errorf("chunking target_tokens too small: %d", c.Chunking.TargetTokens)
	}
	if c.Embedding.Engine != "openai" && c.Embedding.Engine != "hash" {
		return fmt.Errorf("invalid embedding engine: %s", c.Embedding.Engine)
	}
	if c.Embedding.Engine == "hash" && !c.IsDevelopment() {
		return fmt.Errorf("hash embedding engine is only allowed in dev/test environments")
	}
	if c.Ingestion.MaxFilesPerRequest < 1 {
		return fmt.Errorf("max_files_per_request must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in a non-production environment.
func (c *Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "test", "local":
		return true
	}
	return false
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envCSV(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func envSeconds(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	envString("APP_ENV", &cfg.AppEnv)
	envString("APP_VERSION", &cfg.AppVersion)

	envString("SERVER_HOST", &cfg.Server.Host)
	envInt("SERVER_PORT", &cfg.Server.Port)
	envCSV("CORS_ALLOW_ORIGINS", &cfg.Server.CORSAllowOrigins)
	envSeconds("HEALTHZ_TTL_SECONDS", &cfg.Server.HealthzTTL)

	envString("DB_HOST", &cfg.Database.Host)
	envInt("DB_PORT", &cfg.Database.Port)
	envString("DB_NAME", &cfg.Database.Name)
	envString("DB_USER", &cfg.Database.User)
	envString("DB_PASSWORD", &cfg.Database.Password)
	envString("DB_SSLMODE", &cfg.Database.SSLMode)

	envString("S3_ENDPOINT", &cfg.ObjectStore.Endpoint)
	envString("S3_PUBLIC_ENDPOINT", &cfg.ObjectStore.PublicEndpoint)
	envString("REGION", &cfg.ObjectStore.Region)
	// MinIO root credentials double as the object store credentials; the
	// S3_* names take precedence when both are set.
	envString("OBJECT_ROOT_USER", &cfg.ObjectStore.AccessKey)
	envString("OBJECT_ROOT_PASSWORD", &cfg.ObjectStore.SecretKey)
	envString("S3_ACCESS_KEY", &cfg.ObjectStore.AccessKey)
	envString("S3_SECRET_KEY", &cfg.ObjectStore.SecretKey)
	envString("S3_BUCKET", &cfg.ObjectStore.Bucket)
	envString("S3_CANONICAL_BUCKET", &cfg.ObjectStore.CanonicalBucket)
	envBool("S3_USE_SSL", &cfg.ObjectStore.UseSSL)

	envString("QDRANT_URL", &cfg.Vector.URL)
	envString("QDRANT_API_KEY", &cfg.Vector.APIKey)
	envString("QDRANT_COLLECTION", &cfg.Vector.Collection)
	envInt("EMBEDDING_DIM", &cfg.Vector.Dimension)
	envString("QDRANT_DISTANCE", &cfg.Vector.Distance)
	envSeconds("QDRANT_HEALTH_TIMEOUT", &cfg.Vector.HealthTimeout)

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = v
	}
	envString("REDIS_PASSWORD", &cfg.Cache.Redis.Password)
	envInt("REDIS_DB", &cfg.Cache.Redis.DB)

	envInt("MAX_FILES_PER_REQUEST", &cfg.Ingestion.MaxFilesPerRequest)
	envInt("MAX_FILE_MB", &cfg.Ingestion.MaxFileMB)
	envInt("INGEST_MAX_FILENAME_LEN", &cfg.Ingestion.MaxFilenameLen)
	envCSV("INGEST_DISALLOWED_EXTS", &cfg.Ingestion.DisallowedExts)
	envCSV("ALLOWED_MIME_PREFIXES", &cfg.Ingestion.AllowedMIMEPrefixes)
	envCSV("INGEST_ALLOWED_MIME_PREFIXES", &cfg.Ingestion.AllowedMIMEPrefixes)
	envBool("INGEST_STRICT_MODE", &cfg.Ingestion.StrictMode)
	envInt("INGEST_RATE_LIMIT_PER_MIN", &cfg.Ingestion.RateLimitPerMin)

	envString("PARSER_COMMAND", &cfg.Parser.Command)
	envString("PARSE_METHOD", &cfg.Parser.Method)
	envBool("PARSE_AUTO_OCR_FALLBACK", &cfg.Parser.AutoOCRFallback)
	envInt("PARSE_SPARSE_TEXT_THRESHOLD", &cfg.Parser.SparseTextThreshold)

	envBool("EXTRACT_STRIP_HEADERS", &cfg.Extraction.StripRepeatedHeaders)

	envInt("CHUNK_TARGET_TOKENS", &cfg.Chunking.TargetTokens)
	envInt("CHUNK_OVERLAP_TOKENS", &cfg.Chunking.OverlapTokens)
	envInt("MAX_CHUNKS_PER_DOC", &cfg.Chunking.MaxChunksPerDoc)
	envInt("CHUNK_MAX_CHUNKS_PER_DOC", &cfg.Chunking.MaxChunksPerDoc)
	envBool("CONTEXTUAL_CHUNKING_ENABLED", &cfg.Chunking.ContextualEnabled)

	envString("EMBED_ENGINE", &cfg.Embedding.Engine)
	envString("EMBED_BASE_URL", &cfg.Embedding.BaseURL)
	envString("EMBED_API_KEY", &cfg.Embedding.APIKey)
	envString("EMBED_MODEL", &cfg.Embedding.Model)
	envInt("EMBED_BATCH_SIZE", &cfg.Embedding.BatchSize)
	cfg.Embedding.Dimension = cfg.Vector.Dimension

	envInt("VECTOR_TOPN", &cfg.Retrieval.VectorTopN)
	envInt("KEYWORD_TOPN", &cfg.Retrieval.KeywordTopN)
	envFloat("HYBRID_ALPHA", &cfg.Retrieval.HybridAlpha)
	envString("HYBRID_MODE", &cfg.Retrieval.HybridMode)
	envFloat("MMR_LAMBDA", &cfg.Retrieval.MMRLambda)
	envInt("DOC_CAP_PER_DOC", &cfg.Retrieval.DocCapPerDoc)
	envBool("RETR_SAFETY_NET", &cfg.Retrieval.SafetyNetEnabled)
	envBool("HYDE_ENABLED", &cfg.Retrieval.HyDEEnabled)
	envBool("RERANK_ENABLED", &cfg.Retrieval.RerankEnabled)
	envString("RERANK_MODEL", &cfg.Retrieval.RerankModel)
	envInt("RERANK_TOPN", &cfg.Retrieval.RerankTopN)
	envString("RERANK_BASE_URL", &cfg.Retrieval.RerankBaseURL)
	envString("RERANK_API_KEY", &cfg.Retrieval.RerankAPIKey)

	envString("GEN_BASE_URL", &cfg.Generation.BaseURL)
	envString("GEN_API_KEY", &cfg.Generation.APIKey)
	envString("GEN_MODEL", &cfg.Generation.Model)
	envInt("GEN_TOKEN_BUDGET", &cfg.Generation.TokenBudget)
	envInt("GEN_MAX_STITCH_PER_DOC", &cfg.Generation.MaxStitchPerDoc)
	envFloat("GEN_GROUNDED_MIN", &cfg.Generation.GroundedMin)
	envFloat("FACT_CONF_MIN", &cfg.Generation.FactConfMin)
	envBool("GEN_STREAM_TOKENS", &cfg.Generation.StreamTokens)
	if v := os.Getenv("STREAM_CHUNK_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Generation.StreamChunkDelay = time.Duration(n) * time.Millisecond
		}
	}
	envInt("STREAM_CHUNK_CHARS", &cfg.Generation.StreamChunkChars)

	envString("LOG_LEVEL", &cfg.Observability.LogLevel)
	envString("LOG_FORMAT", &cfg.Observability.LogFormat)

	envString("IDP_API_KEY", &cfg.Auth.APIKey)
	envString("TENANT_ID", &cfg.Tenancy.DefaultTenant)
	envString("DEFAULT_TENANT", &cfg.Tenancy.DefaultTenant)
}
