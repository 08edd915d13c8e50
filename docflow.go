// Package docflow provides a top-level convenience entry point for the
// document retrieval core with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/docflow"
//
//	engine, err := docflow.New(nil,
//		docflow.WithEmbeddingProvider(embedder),
//		docflow.WithChatProvider(chat))
//	result, err := engine.Retrieve(ctx, "how do refunds work?", nil, rag.RetrieveOptions{})
//
// Passing a nil config uses [config.DefaultConfig] with an in-memory store.
package docflow

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/docflow/config"
	"github.com/BaSui01/docflow/llm"
	"github.com/BaSui01/docflow/llm/embedding"
	"github.com/BaSui01/docflow/llm/tokenizer"
	"github.com/BaSui01/docflow/rag"
)

// Engine bundles the full retrieval stack behind a small API surface.
type Engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     rag.Store
	tokenizer tokenizer.Tokenizer
	chunker   *rag.SemanticChunker
	builder   *rag.HierarchyBuilder
	embedder  *rag.EmbeddingGenerator
	pipeline  *rag.Pipeline
}

// Option configures the engine created by [New].
type Option func(*engineOptions)

type engineOptions struct {
	logger            *zap.Logger
	chatProvider      llm.ChatProvider
	embeddingProvider embedding.Provider
	store             rag.Store
	cache             rag.ExpansionCache
	metrics           *rag.Metrics
}

// WithLogger sets a custom zap logger. Defaults to a logger built from cfg.Log.
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithChatProvider sets the completion provider used for query expansion and
// reranking. Without one, both stages are skipped gracefully.
func WithChatProvider(p llm.ChatProvider) Option {
	return func(o *engineOptions) { o.chatProvider = p }
}

// WithEmbeddingProvider sets the embedding provider. Defaults to an OpenAI
// provider built from cfg.Embedding.
func WithEmbeddingProvider(p embedding.Provider) Option {
	return func(o *engineOptions) { o.embeddingProvider = p }
}

// WithStore sets a pre-built store, overriding cfg.Store.
func WithStore(s rag.Store) Option {
	return func(o *engineOptions) { o.store = s }
}

// WithExpansionCache sets the query expansion cache, overriding cfg.Redis.
func WithExpansionCache(c rag.ExpansionCache) Option {
	return func(o *engineOptions) { o.cache = c }
}

// WithMetrics sets the metrics collector. Without one, no metrics are recorded.
func WithMetrics(m *rag.Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// New assembles an engine from configuration plus options.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = buildLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}

	embedProvider := o.embeddingProvider
	if embedProvider == nil {
		embedProvider = embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:  cfg.Embedding.APIKey,
			BaseURL: cfg.Embedding.BaseURL,
			Model:   cfg.Embedding.Model,
		})
	}

	store := o.store
	if store == nil {
		var err error
		store, err = buildStore(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	cache := o.cache
	if cache == nil && cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = rag.NewRedisExpansionCache(client, cfg.Redis.TTL)
	}

	var expander *rag.QueryExpander
	var reranker *rag.Reranker
	if o.chatProvider != nil {
		expander = rag.NewQueryExpander(cfg.Retrieval, o.chatProvider, cache, o.metrics, logger)
		reranker = rag.NewReranker(o.chatProvider, o.metrics, logger)
	}

	searcher := rag.NewHybridSearcher(cfg.Retrieval, embedProvider, store, logger)

	// Chunk sizing always uses the character-based estimate so stored token
	// counts stay stable across embedding models. The model tokenizer is kept
	// separately for budget checks; it prefers exact tiktoken counts and falls
	// back to the estimate for models tiktoken does not know.
	var tok tokenizer.Tokenizer
	if tt, err := tokenizer.NewTiktokenTokenizer(cfg.Embedding.Model); err == nil {
		tok = tt
	} else {
		tok = tokenizer.NewEstimatorTokenizer(cfg.Embedding.Model, 0)
	}

	return &Engine{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "docflow")),
		store:     store,
		tokenizer: tok,
		chunker:   rag.NewSemanticChunker(cfg.Chunking, logger),
		builder:   rag.NewHierarchyBuilder(logger),
		embedder:  rag.NewEmbeddingGenerator(cfg.Embedding, embedProvider, store, o.metrics, logger),
		pipeline:  rag.NewPipeline(cfg.Retrieval, expander, searcher, reranker, store, o.metrics, logger),
	}, nil
}

// Retrieve runs the full retrieval pipeline for one query.
func (e *Engine) Retrieve(ctx context.Context, query string, documentIDs []string, opts rag.RetrieveOptions) (*rag.RetrievalResult, error) {
	return e.pipeline.Retrieve(ctx, query, documentIDs, opts)
}

// CountTokens reports the token count of text under the configured embedding
// model, for callers budgeting prompts or context windows. Falls back to the
// character-based estimate when the model tokenizer cannot encode the text.
func (e *Engine) CountTokens(text string) int {
	n, err := e.tokenizer.CountTokens(text)
	if err != nil {
		return rag.EstimateTokens(text)
	}
	return n
}

// Document is the ingestion input: extracted sections plus metadata.
type Document struct {
	ID       string
	Title    string
	FullText string
	Sections []rag.Section
}

// Ingest chunks the document, builds and persists its hierarchy, then
// generates embeddings for every chunk. Partial embedding failures are
// reported through the returned EmbedResult, not as an error.
func (e *Engine) Ingest(ctx context.Context, doc Document, onProgress rag.ProgressFunc) (rag.EmbedResult, error) {
	if doc.ID == "" {
		return rag.EmbedResult{}, fmt.Errorf("document id must not be empty")
	}

	chunks := e.chunker.ChunkSections(doc.ID, doc.Sections)
	hierarchy := e.builder.Build(doc.ID, doc.Title, doc.FullText, doc.Sections, chunks)

	if err := e.store.InsertNodes(ctx, hierarchy.Flatten()); err != nil {
		return rag.EmbedResult{}, fmt.Errorf("persist hierarchy: %w", err)
	}

	result, err := e.embedder.GenerateForDocument(ctx, doc.ID, onProgress)
	if err != nil {
		return rag.EmbedResult{}, err
	}

	e.logger.Info("document ingested",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)),
		zap.Int("embedded", result.ProcessedCount),
		zap.Int("failed", result.FailedCount))

	return result, nil
}

// EmbedDocument backfills embeddings for chunks that still lack one.
// Safe to call repeatedly; it performs no service calls when nothing is missing.
func (e *Engine) EmbedDocument(ctx context.Context, documentID string, onProgress rag.ProgressFunc) (rag.EmbedResult, error) {
	return e.embedder.GenerateForDocument(ctx, documentID, onProgress)
}

// EmbedDocumentAsync runs EmbedDocument on a detached context in a goroutine,
// so a caller's request context cancellation does not abort the backfill.
// The done callback may be nil.
func (e *Engine) EmbedDocumentAsync(documentID string, onProgress rag.ProgressFunc, done func(rag.EmbedResult, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Retrieval.BulkTimeout)
		defer cancel()

		result, err := e.embedder.GenerateForDocument(ctx, documentID, onProgress)
		if err != nil {
			e.logger.Warn("async embedding failed",
				zap.String("document_id", documentID),
				zap.Error(err))
		}
		if done != nil {
			done(result, err)
		}
	}()
}

func buildStore(cfg *config.Config, logger *zap.Logger) (rag.Store, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return rag.NewMemoryStore(cfg.Retrieval), nil
	case "postgres":
		return rag.NewPostgresStore(cfg.Store.DSN, cfg.Retrieval, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
