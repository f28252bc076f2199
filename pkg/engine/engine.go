// Package engine wires configuration into the full Quarry service graph:
// storage, object store, vector index, cache, and every pipeline service.
// Both binaries and integration tests build from here.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/internal/cache"
	"github.com/quarryhq/quarry/internal/chunk"
	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/embed"
	"github.com/quarryhq/quarry/internal/extract"
	"github.com/quarryhq/quarry/internal/facts"
	"github.com/quarryhq/quarry/internal/generate"
	"github.com/quarryhq/quarry/internal/graph"
	"github.com/quarryhq/quarry/internal/ingest"
	"github.com/quarryhq/quarry/internal/jobs"
	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/normalize"
	"github.com/quarryhq/quarry/internal/objectstore"
	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/internal/parser"
	"github.com/quarryhq/quarry/internal/ratelimit"
	"github.com/quarryhq/quarry/internal/rerank"
	"github.com/quarryhq/quarry/internal/retrieval"
	"github.com/quarryhq/quarry/internal/router"
	"github.com/quarryhq/quarry/internal/storage"
	"github.com/quarryhq/quarry/internal/structured"
	"github.com/quarryhq/quarry/internal/vectorindex"
)

// Version is reported by healthz and the CLI.
const Version = "0.4.0"

// Engine is the assembled service graph.
type Engine struct {
	Cfg   *config.Config
	Log   *observability.Logger
	DB    *sql.DB
	Cache cache.Client
	Blobs objectstore.Store
	Index vectorindex.Index

	Docs       *storage.DocumentRepository
	Blocks     *storage.BlockRepository
	Chunks     *storage.ChunkRepository
	Graphs     *storage.GraphRepository
	Events     *storage.EventRepository
	JobQueue   *storage.JobRepository
	Structured *storage.StructuredRepository
	Admin      *storage.AdminRepository

	Ingest    *ingest.Service
	Normalize *normalize.Service
	Extract   *extract.Service
	Chunk     *chunk.Service
	Graph     *graph.Service
	Embed     *embed.Service
	Struct    *structured.Service
	Retrieval *retrieval.Service
	Router    *router.Router
	Facts     *facts.Service
	Generate  *generate.Service
	Pipeline  *jobs.Pipeline
	RateLimit *ratelimit.Limiter
	GenClient *llm.Client
	StartedAt time.Time
}

// New builds the engine from config: opens Postgres and runs migrations,
// connects MinIO, Qdrant and Redis (falling back to in-memory drivers when
// unconfigured), then wires every service.
func New(ctx context.Context, cfg *config.Config, log *observability.Logger) (*Engine, error) {
	if log == nil {
		log = observability.NopLogger()
	}
	e := &Engine{Cfg: cfg, Log: log, StartedAt: time.Now()}

	db, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e.DB = db

	if err := e.connectInfra(ctx); err != nil {
		db.Close()
		return nil, err
	}

	e.buildRepositories()
	e.buildServices()
	return e, nil
}

func (e *Engine) connectInfra(ctx context.Context) error {
	cfg := e.Cfg

	if cfg.ObjectStore.Endpoint != "" {
		store, err := objectstore.NewMinioStore(cfg.ObjectStore)
		if err != nil {
			return fmt.Errorf("object store: %w", err)
		}
		e.Blobs = store
	} else {
		e.Log.Warn().Msg("no object store endpoint, using in-memory blobs")
		e.Blobs = objectstore.NewMemory()
	}
	for _, bucket := range []string{cfg.ObjectStore.Bucket, cfg.ObjectStore.CanonicalBucket} {
		if err := e.Blobs.EnsureBucket(ctx, bucket); err != nil {
			return fmt.Errorf("ensure bucket %s: %w", bucket, err)
		}
	}

	if cfg.Vector.URL != "" {
		idx, err := vectorindex.NewQdrantIndex(cfg.Vector)
		if err != nil {
			return fmt.Errorf("vector index: %w", err)
		}
		e.Index = idx
	} else {
		e.Log.Warn().Msg("no vector index URL, using in-memory index")
		e.Index = vectorindex.NewMemory(cfg.Embedding.Dimension)
	}
	if err := e.Index.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	if cfg.Cache.Driver == "redis" {
		c, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		e.Cache = c
	} else {
		e.Cache = cache.NewMemoryClient(4096)
	}
	return nil
}

func (e *Engine) buildRepositories() {
	e.Docs = storage.NewDocumentRepository(e.DB)
	e.Blocks = storage.NewBlockRepository(e.DB)
	e.Chunks = storage.NewChunkRepository(e.DB)
	e.Graphs = storage.NewGraphRepository(e.DB)
	e.Events = storage.NewEventRepository(e.DB)
	e.JobQueue = storage.NewJobRepository(e.DB)
	e.Structured = storage.NewStructuredRepository(e.DB)
	e.Admin = storage.NewAdminRepository(e.DB)
}

func (e *Engine) buildServices() {
	cfg := e.Cfg
	log := e.Log

	e.Ingest = ingest.NewService(e.Docs, e.Events, e.Blobs, cfg.ObjectStore.Bucket, cfg.Ingestion, log)

	parsers := parser.NewManager(cfg.Parser, log)
	e.Normalize = normalize.NewService(e.Docs, e.Events, e.Blobs, cfg.ObjectStore, parsers, cfg.Parser, log)
	e.Extract = extract.NewService(e.Docs, e.Blocks, e.Events, e.Blobs, cfg.ObjectStore, cfg.Extraction, log)

	e.GenClient = llm.NewClient(cfg.Generation.BaseURL, cfg.Generation.APIKey, cfg.Generation.Model)

	var enricher chunk.Enricher
	if cfg.Chunking.ContextualEnabled && cfg.Generation.APIKey != "" {
		enricher = chunk.NewLLMEnricher(e.GenClient)
	}
	e.Chunk = chunk.NewService(e.Docs, e.Blocks, e.Chunks, e.Events, cfg.Chunking, enricher, log)
	e.Graph = graph.NewService(e.Docs, e.Blocks, e.Graphs, e.Events, log)

	embedder := e.embedEngine()
	e.Embed = embed.NewService(e.Index, embedder, log)
	e.Struct = structured.NewService(e.Docs, e.Blocks, e.Structured, e.Events, log)

	var hyde retrieval.Generator
	if cfg.Retrieval.HyDEEnabled && cfg.Generation.APIKey != "" {
		hyde = e.GenClient
	}
	var queryCache cache.Client
	if cfg.Retrieval.CacheResults {
		queryCache = e.Cache
	}
	var reranker retrieval.Reranker
	if cfg.Retrieval.RerankEnabled && cfg.Retrieval.RerankAPIKey != "" {
		rr, err := rerank.NewClient(rerank.Config{
			APIKey:  cfg.Retrieval.RerankAPIKey,
			Model:   cfg.Retrieval.RerankModel,
			BaseURL: cfg.Retrieval.RerankBaseURL,
		})
		if err != nil {
			log.Warn().Err(err).Msg("rerank client init failed, rerank disabled")
		} else {
			reranker = rr
		}
	}
	e.Retrieval = retrieval.NewService(retrieval.Deps{
		Embedder:   embedder,
		Index:      e.Index,
		Chunks:     e.Chunks,
		Docs:       e.Docs,
		Graph:      e.Graphs,
		Structured: e.Structured,
		Events:     e.Events,
		Cache:      queryCache,
		HyDE:       hyde,
		Rerank:     reranker,
	}, cfg.Retrieval, log)

	var planner router.Planner
	if cfg.Generation.APIKey != "" {
		planner = e.GenClient
	}
	e.Router = router.New(planner, log)
	e.Facts = facts.NewService(e.Structured, e.Chunks, log)

	e.Generate = generate.NewService(generate.Deps{
		Planner:   e.Router,
		Retriever: e.Retrieval,
		Facts:     e.Facts,
		LLM:       e.GenClient,
		Spend:     e.Structured,
		Docs:      e.Docs,
		Blobs:     e.Blobs,
		RawBucket: cfg.ObjectStore.Bucket,
	}, cfg.Generation, log)

	e.Pipeline = jobs.NewPipeline(jobs.PipelineDeps{
		Normalize:  e.Normalize,
		Extract:    e.Extract,
		Chunk:      e.Chunk,
		Graph:      e.Graph,
		Embed:      e.Embed,
		Structured: e.Struct,
		Docs:       e.Docs,
		Events:     e.Events,
		Caches:     e.Retrieval,
	}, log)

	if cfg.Ingestion.RateLimitPerMin > 0 {
		e.RateLimit = ratelimit.New(e.Cache, cfg.Ingestion.RateLimitPerMin, time.Minute)
	}
}

// embedEngine picks the configured embedding backend, falling back to the
// deterministic hash engine when no API key is present.
func (e *Engine) embedEngine() embed.Embedder {
	cfg := e.Cfg.Embedding
	if cfg.Engine == "hash" || cfg.APIKey == "" {
		if cfg.Engine != "hash" {
			e.Log.Warn().Msg("no embedding API key, using hash engine")
		}
		return embed.NewHashEngine(cfg.Dimension)
	}
	client, err := embed.NewClient(embed.Config{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		Dimension: cfg.Dimension,
	})
	if err != nil {
		e.Log.Warn().Err(err).Msg("embedding client init failed, using hash engine")
		return embed.NewHashEngine(cfg.Dimension)
	}
	return client
}

// NewWorker builds the polling worker with the pipeline handler registered.
func (e *Engine) NewWorker() *jobs.Worker {
	w := jobs.NewWorker(e.JobQueue, e.Log)
	w.Register(jobs.JobPipelineProcessDoc, jobs.PipelineHandler(e.Pipeline))
	return w
}

// Close releases every held connection.
func (e *Engine) Close() {
	if e.Cache != nil {
		_ = e.Cache.Close()
	}
	if e.Index != nil {
		_ = e.Index.Close()
	}
	if e.DB != nil {
		_ = e.DB.Close()
	}
}
