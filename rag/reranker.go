package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/docflow/llm"
)

const (
	// rerankMinCandidates 候选数小于等于该值时跳过 LLM 重排。
	rerankMinCandidates = 5

	// rerankSnippetLimit 每个候选提交给 LLM 的内容截断长度。
	rerankSnippetLimit = 200

	// rerankDefaultScore 缺失或越界评分的兜底值（0-10 刻度）。
	rerankDefaultScore = 5
)

// Reranker 用 LLM 按与查询的相关性对候选重新打分排序。
// 任何失败都降级：RerankScore 取 CombinedScore、保持原序，重排永不阻断检索。
type Reranker struct {
	provider llm.ChatProvider
	metrics  *Metrics
	logger   *zap.Logger
}

// NewReranker 创建重排器。
func NewReranker(provider llm.ChatProvider, metrics *Metrics, logger *zap.Logger) *Reranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reranker{
		provider: provider,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "reranker")),
	}
}

// Rerank 返回按 RerankScore 降序的候选副本。
// 候选数 <= 5 时不调用 LLM，RerankScore 直接取 CombinedScore 并保持原序。
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)

	if len(out) <= rerankMinCandidates || r.provider == nil {
		for i := range out {
			out[i].RerankScore = out[i].CombinedScore
		}
		return out
	}

	scores, err := r.scoreWithLLM(ctx, query, out)
	if err != nil {
		r.logger.Warn("rerank failed, falling back to combined scores", zap.Error(err))
		r.metrics.IncRerankFallback()
		for i := range out {
			out[i].RerankScore = out[i].CombinedScore
		}
		return out
	}

	for i := range out {
		out[i].RerankScore = scores[i]
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].RerankScore > out[b].RerankScore
	})

	return out
}

// scoreWithLLM 构造编号提示词、调用 LLM 并解析 0-10 整数评分，
// 返回与候选对齐的归一化（÷10）评分切片。
func (r *Reranker) scoreWithLLM(ctx context.Context, query string, candidates []Candidate) ([]float64, error) {
	var sb strings.Builder
	sb.WriteString("Rate the relevance of each passage to the query on an integer scale of 0-10.\n")
	sb.WriteString("Respond with JSON only: {\"scores\": [n1, n2, ...]} with one score per passage, in order.\n\n")
	fmt.Fprintf(&sb, "Query: %s\n\n", query)
	for i, c := range candidates {
		fmt.Fprintf(&sb, "Passage %d: %s\n", i+1, truncateContent(c.Content, rerankSnippetLimit))
	}

	raw, err := r.provider.Complete(ctx, sb.String())
	if err != nil {
		return nil, fmt.Errorf("rerank completion: %w", err)
	}

	parsed, err := parseRerankScores(raw)
	if err != nil {
		return nil, fmt.Errorf("parse rerank scores: %w", err)
	}

	scores := make([]float64, len(candidates))
	for i := range scores {
		v := rerankDefaultScore
		if i < len(parsed) {
			v = parsed[i]
		}
		if v < 0 || v > 10 {
			v = rerankDefaultScore
		}
		scores[i] = float64(v) / 10
	}
	return scores, nil
}

// parseRerankScores 解析 {"scores": [...]} 或裸数组两种响应形态。
func parseRerankScores(raw string) ([]int, error) {
	cleaned := stripCodeFences(raw)

	var wrapped struct {
		Scores []int `json:"scores"`
	}
	if err := json.Unmarshal([]byte(cleaned), &wrapped); err == nil && wrapped.Scores != nil {
		return wrapped.Scores, nil
	}

	var bare []int
	if err := json.Unmarshal([]byte(cleaned), &bare); err == nil {
		return bare, nil
	}

	return nil, fmt.Errorf("response is neither a scores object nor an array: %q", raw)
}

func truncateContent(content string, limit int) string {
	if len(content) <= limit {
		return content
	}
	return content[:limit]
}
