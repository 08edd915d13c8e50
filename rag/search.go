package rag

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/docflow/config"
	"github.com/BaSui01/docflow/llm/embedding"
)

// HybridSearcher 把单条查询文本变成混合排序的候选列表：
// 先嵌入查询，再委托存储执行向量 + 关键词混合检索。
type HybridSearcher struct {
	cfg      config.RetrievalConfig
	provider embedding.Provider
	store    HybridStore
	logger   *zap.Logger
}

// NewHybridSearcher 创建混合检索器。
func NewHybridSearcher(cfg config.RetrievalConfig, provider embedding.Provider, store HybridStore, logger *zap.Logger) *HybridSearcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridSearcher{
		cfg:      cfg,
		provider: provider,
		store:    store,
		logger:   logger.With(zap.String("component", "hybrid_searcher")),
	}
}

// Search 执行一次混合检索。
// matchCount <= 0 时使用配置的 InitialLimit；documentIDs 为空表示不过滤。
// 嵌入失败或存储失败都向上传播，零结果不是错误。
func (s *HybridSearcher) Search(ctx context.Context, query string, matchCount int, documentIDs []string) ([]Candidate, error) {
	if matchCount <= 0 {
		matchCount = s.cfg.InitialLimit
	}

	vector, err := s.provider.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	candidates, err := s.store.HybridQuery(ctx, HybridQueryInput{
		Embedding:   vector,
		QueryText:   query,
		MatchCount:  matchCount,
		Threshold:   s.cfg.SimilarityThreshold,
		DocumentIDs: documentIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("hybrid query: %w", err)
	}

	s.logger.Debug("hybrid search done",
		zap.String("query", query),
		zap.Int("candidates", len(candidates)))

	return candidates, nil
}
