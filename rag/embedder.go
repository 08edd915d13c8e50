package rag

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/docflow/config"
	"github.com/BaSui01/docflow/llm/embedding"
	"github.com/BaSui01/docflow/llm/retry"
)

// ProgressFunc 在每批完成后收到累计进度百分比（0-100）。
type ProgressFunc func(percent int)

// EmbeddingGenerator 为块批量生成嵌入向量并回填到存储。
// 部分失败通过 EmbedResult.FailedCount 表达，永不因单批失败中断整个作业。
type EmbeddingGenerator struct {
	cfg      config.EmbeddingConfig
	provider embedding.Provider
	store    EmbeddingStore
	retryer  retry.Retryer
	limiter  *rate.Limiter
	metrics  *Metrics
	logger   *zap.Logger
}

// NewEmbeddingGenerator 创建嵌入生成器。
// cfg.RatePerSecond > 0 时对批请求施加频率限制。
func NewEmbeddingGenerator(cfg config.EmbeddingConfig, provider embedding.Provider, store EmbeddingStore, metrics *Metrics, logger *zap.Logger) *EmbeddingGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "embedding_generator"))

	policy := &retry.Policy{
		MaxAttempts: cfg.MaxRetries,
		Delays:      cfg.BackoffDelays,
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return &EmbeddingGenerator{
		cfg:      cfg,
		provider: provider,
		store:    store,
		retryer:  retry.NewRetryer(policy, logger),
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
	}
}

// Generate 分批为 chunks 生成嵌入并逐个回填存储。
// 单批请求在重试耗尽后整批计为失败，继续处理后续批次；
// 单块回填失败仅累计该块。onProgress 可为 nil。
func (g *EmbeddingGenerator) Generate(ctx context.Context, chunks []Chunk, onProgress ProgressFunc) EmbedResult {
	if len(chunks) == 0 {
		return EmbedResult{Success: true}
	}

	batchSize := g.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	total := len(chunks)
	processed := 0
	failed := 0

	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}
		batch := chunks[start:end]

		p, f := g.processBatch(ctx, batch)
		processed += p
		failed += f

		if onProgress != nil {
			onProgress((start + len(batch)) * 100 / total)
		}
	}

	g.logger.Info("embedding generation finished",
		zap.Int("total", total),
		zap.Int("processed", processed),
		zap.Int("failed", failed))

	return EmbedResult{
		Success:        failed == 0,
		ProcessedCount: processed,
		FailedCount:    failed,
	}
}

// GenerateForDocument 只为文档内尚无向量的块生成嵌入。
// 所有块均已有向量时不发起任何服务调用，可安全重复执行。
func (g *EmbeddingGenerator) GenerateForDocument(ctx context.Context, documentID string, onProgress ProgressFunc) (EmbedResult, error) {
	missing, err := g.store.MissingEmbeddings(ctx, documentID)
	if err != nil {
		return EmbedResult{}, fmt.Errorf("list missing embeddings: %w", err)
	}
	if len(missing) == 0 {
		g.logger.Debug("no missing embeddings", zap.String("document_id", documentID))
		return EmbedResult{Success: true}, nil
	}
	return g.Generate(ctx, missing, onProgress), nil
}

// processBatch 对单批执行限流、带重试的嵌入请求与逐块回填。
// 返回 (成功数, 失败数)。
func (g *EmbeddingGenerator) processBatch(ctx context.Context, batch []Chunk) (int, int) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.logger.Warn("rate limiter wait aborted", zap.Error(err))
			return 0, len(batch)
		}
	}

	inputs := make([]string, len(batch))
	for i, ch := range batch {
		inputs[i] = ch.Content
	}

	var vectors [][]float64
	err := g.retryer.Do(ctx, func() error {
		var embedErr error
		vectors, embedErr = g.provider.EmbedDocuments(ctx, inputs)
		return embedErr
	})
	if err != nil {
		g.logger.Warn("embedding batch failed",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		g.metrics.ObserveEmbeddingBatch(false)
		return 0, len(batch)
	}
	g.metrics.ObserveEmbeddingBatch(true)

	if len(vectors) != len(batch) {
		g.logger.Warn("embedding count mismatch",
			zap.Int("expected", len(batch)),
			zap.Int("got", len(vectors)))
		return 0, len(batch)
	}

	processed := 0
	failed := 0
	for i, ch := range batch {
		if err := g.store.StoreEmbedding(ctx, ch.ID, vectors[i]); err != nil {
			g.logger.Warn("store embedding failed",
				zap.String("chunk_id", ch.ID),
				zap.Error(err))
			failed++
			continue
		}
		processed++
	}
	g.metrics.AddEmbeddedChunks(processed, failed)

	return processed, failed
}
