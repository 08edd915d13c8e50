package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/docflow/config"
	"github.com/BaSui01/docflow/llm"
)

const expansionPromptTemplate = `You are a search query expansion assistant.
Given a user query, produce up to %d alternative phrasings that would help
retrieve relevant documents: one synonym-based rephrasing, one more specific
variant, and one more general variant.

Respond with JSON only, in the form: {"variants": ["...", "..."]}

Query: %s`

// QueryExpander 用 LLM 把单条查询扩展为若干检索变体。
// 任何失败（调用、解析、空结果）都降级为仅原查询，扩展永不阻断检索。
type QueryExpander struct {
	cfg      config.RetrievalConfig
	provider llm.ChatProvider
	cache    ExpansionCache
	metrics  *Metrics
	logger   *zap.Logger
}

// NewQueryExpander 创建查询扩展器。cache 可为 nil。
func NewQueryExpander(cfg config.RetrievalConfig, provider llm.ChatProvider, cache ExpansionCache, metrics *Metrics, logger *zap.Logger) *QueryExpander {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryExpander{
		cfg:      cfg,
		provider: provider,
		cache:    cache,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "query_expander")),
	}
}

type expansionPayload struct {
	Variants []string `json:"variants"`
}

// Expand 返回以原查询开头的查询列表，后随至多 MaxVariants 个去重变体。
// 扩展失败时返回仅含原查询的单元素列表，不返回错误。
func (e *QueryExpander) Expand(ctx context.Context, query string) []string {
	queries := []string{query}

	if e.provider == nil {
		return queries
	}

	if cached, ok := e.cacheGet(ctx, query); ok {
		return cached
	}

	maxVariants := e.cfg.MaxVariants
	if maxVariants <= 0 {
		maxVariants = 3
	}

	prompt := fmt.Sprintf(expansionPromptTemplate, maxVariants, query)
	raw, err := e.provider.Complete(ctx, prompt)
	if err != nil {
		e.logger.Warn("query expansion failed, using original query only", zap.Error(err))
		e.metrics.IncExpansionFallback()
		return queries
	}

	var payload expansionPayload
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &payload); err != nil {
		e.logger.Warn("query expansion response unparseable",
			zap.String("response", raw),
			zap.Error(err))
		e.metrics.IncExpansionFallback()
		return queries
	}

	seen := map[string]bool{normalizeQuery(query): true}
	for _, v := range payload.Variants {
		v = strings.TrimSpace(v)
		if v == "" || seen[normalizeQuery(v)] {
			continue
		}
		seen[normalizeQuery(v)] = true
		queries = append(queries, v)
		if len(queries) > maxVariants {
			break
		}
	}

	e.cachePut(ctx, query, queries)

	e.logger.Debug("query expanded",
		zap.String("query", query),
		zap.Int("variants", len(queries)-1))

	return queries
}

func (e *QueryExpander) cacheGet(ctx context.Context, query string) ([]string, bool) {
	if e.cache == nil {
		return nil, false
	}
	cached, ok, err := e.cache.Get(ctx, query)
	if err != nil {
		e.logger.Debug("expansion cache read failed", zap.Error(err))
		return nil, false
	}
	return cached, ok
}

func (e *QueryExpander) cachePut(ctx context.Context, query string, queries []string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Put(ctx, query, queries); err != nil {
		e.logger.Debug("expansion cache write failed", zap.Error(err))
	}
}

// stripCodeFences 去除 LLM 响应中包裹 JSON 的 Markdown 代码围栏。
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}
