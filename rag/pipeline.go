package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/docflow/config"
)

// documentTitleLimit 富集阶段文档标题的截断长度。
const documentTitleLimit = 100

// RetrieveOptions 单次检索的可选覆盖项，零值表示沿用配置。
type RetrieveOptions struct {
	// TopK 覆盖最终返回的候选数（<=0 沿用配置）。
	TopK int

	// ExpandQueries / UseReranking 为 nil 时沿用配置。
	ExpandQueries *bool
	UseReranking  *bool
}

// Pipeline 串联检索全流程：
// 查询扩展 → 并发变体混合检索 → 合并去重 → LLM 重排 → MMR 多样化 → 父级上下文富集。
type Pipeline struct {
	cfg      config.RetrievalConfig
	expander *QueryExpander
	searcher *HybridSearcher
	reranker *Reranker
	store    HierarchyStore
	metrics  *Metrics
	logger   *zap.Logger
}

// NewPipeline 创建检索管线。expander、reranker、store 均可为 nil，
// 对应阶段将被跳过（富集阶段需要 store）。
func NewPipeline(cfg config.RetrievalConfig, expander *QueryExpander, searcher *HybridSearcher, reranker *Reranker, store HierarchyStore, metrics *Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		expander: expander,
		searcher: searcher,
		reranker: reranker,
		store:    store,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "retrieval_pipeline")),
	}
}

// Retrieve 执行一次完整检索。
// ctx 无截止时间时施加配置的 Timeout。仅当所有变体检索都失败时返回错误，
// 扩展、重排与富集的失败都只降级。
func (p *Pipeline) Retrieve(ctx context.Context, query string, documentIDs []string, opts RetrieveOptions) (*RetrievalResult, error) {
	started := time.Now()

	if _, ok := ctx.Deadline(); !ok && p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	result, err := p.retrieve(ctx, query, documentIDs, opts)
	p.metrics.ObserveRetrieval(err, time.Since(started))
	return result, err
}

func (p *Pipeline) retrieve(ctx context.Context, query string, documentIDs []string, opts RetrieveOptions) (*RetrievalResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = p.cfg.TopK
	}

	variants := p.expandQueries(ctx, query, opts)

	merged, total, err := p.searchVariants(ctx, variants, documentIDs)
	if err != nil {
		return nil, err
	}
	p.metrics.ObserveMergedCandidates(total)

	ranked := p.rerankCandidates(ctx, query, merged, opts)
	selected := p.diversify(ranked, topK)
	p.enrich(ctx, selected)

	p.logger.Info("retrieval done",
		zap.String("query", query),
		zap.Int("variants", len(variants)),
		zap.Int("total_candidates", total),
		zap.Int("returned", len(selected)))

	return &RetrievalResult{
		Chunks:          selected,
		QueryVariants:   variants,
		TotalCandidates: total,
	}, nil
}

func (p *Pipeline) expandQueries(ctx context.Context, query string, opts RetrieveOptions) []string {
	expand := p.cfg.ExpandQueries
	if opts.ExpandQueries != nil {
		expand = *opts.ExpandQueries
	}
	if !expand || p.expander == nil {
		return []string{query}
	}
	return p.expander.Expand(ctx, query)
}

// searchVariants 并发检索全部变体并合并去重。
// 单个变体失败只贡献空结果集；所有变体都失败时传播第一个错误。
func (p *Pipeline) searchVariants(ctx context.Context, variants []string, documentIDs []string) ([]Candidate, int, error) {
	results := make([][]Candidate, len(variants))
	errs := make([]error, len(variants))

	g, gctx := errgroup.WithContext(ctx)
	for i, variant := range variants {
		g.Go(func() error {
			candidates, err := p.searcher.Search(gctx, variant, 0, documentIDs)
			if err != nil {
				p.logger.Warn("variant search failed",
					zap.String("variant", variant),
					zap.Error(err))
				errs[i] = err
				return nil
			}
			results[i] = candidates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(variants) {
		return nil, 0, fmt.Errorf("all %d variant searches failed: %w", len(variants), errs[0])
	}

	merged := mergeCandidates(results)
	return merged, len(merged), nil
}

// mergeCandidates 跨变体结果集按 ID 去重：保留最高 CombinedScore 的版本，
// 累计 VariantHits，最终按 CombinedScore 降序。
func mergeCandidates(results [][]Candidate) []Candidate {
	byID := make(map[string]int)
	merged := make([]Candidate, 0)

	for _, candidates := range results {
		for _, c := range candidates {
			if idx, ok := byID[c.ID]; ok {
				if c.CombinedScore > merged[idx].CombinedScore {
					hits := merged[idx].VariantHits
					merged[idx] = c
					merged[idx].VariantHits = hits
				}
				merged[idx].VariantHits++
				continue
			}
			c.VariantHits = 1
			byID[c.ID] = len(merged)
			merged = append(merged, c)
		}
	}

	sort.SliceStable(merged, func(a, b int) bool {
		return merged[a].CombinedScore > merged[b].CombinedScore
	})
	return merged
}

func (p *Pipeline) rerankCandidates(ctx context.Context, query string, candidates []Candidate, opts RetrieveOptions) []Candidate {
	rerank := p.cfg.UseReranking
	if opts.UseReranking != nil {
		rerank = *opts.UseReranking
	}
	if !rerank || p.reranker == nil {
		out := make([]Candidate, len(candidates))
		copy(out, candidates)
		for i := range out {
			out[i].RerankScore = out[i].CombinedScore
		}
		return out
	}
	// 重排始终针对原始查询，而非扩展变体。
	return p.reranker.Rerank(ctx, query, candidates)
}

// diversify 用 MMR 从重排结果中选出 topK 个彼此差异较大的候选。
// 首个取 RerankScore 最高者；此后每轮取
// adjusted = RerankScore - DiversityFactor × 与已选集合的最大词集重叠
// 最高者，平手取更靠前的候选。候选数不超过 topK 时原样返回。
func (p *Pipeline) diversify(candidates []Candidate, topK int) []Candidate {
	if len(candidates) <= topK {
		return candidates
	}

	tokenSets := make([]map[string]struct{}, len(candidates))
	for i, c := range candidates {
		tokenSets[i] = wordSet(c.Content)
	}

	selected := make([]Candidate, 0, topK)
	selectedSets := make([]map[string]struct{}, 0, topK)
	used := make([]bool, len(candidates))

	// 首个选择只看相关性。
	first := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].RerankScore > candidates[first].RerankScore {
			first = i
		}
	}
	selected = append(selected, candidates[first])
	selectedSets = append(selectedSets, tokenSets[first])
	used[first] = true

	for len(selected) < topK {
		best := -1
		bestScore := 0.0
		for i, c := range candidates {
			if used[i] {
				continue
			}
			maxOverlap := 0.0
			for _, s := range selectedSets {
				if ov := wordOverlap(tokenSets[i], s); ov > maxOverlap {
					maxOverlap = ov
				}
			}
			adjusted := c.RerankScore - p.cfg.DiversityFactor*maxOverlap
			if best == -1 || adjusted > bestScore {
				best = i
				bestScore = adjusted
			}
		}
		if best == -1 {
			break
		}
		selected = append(selected, candidates[best])
		selectedSets = append(selectedSets, tokenSets[best])
		used[best] = true
	}

	return selected
}

// wordSet 返回内容的小写空白分词集合。
func wordSet(content string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(content))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// wordOverlap 返回两个词集的重叠度：交集大小 ÷ 较大集合大小。
func wordOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	intersect := 0
	for w := range small {
		if _, ok := large[w]; ok {
			intersect++
		}
	}
	larger := len(a)
	if len(b) > larger {
		larger = len(b)
	}
	return float64(intersect) / float64(larger)
}

// enrich 并发为每个候选回溯祖先链并填充父级上下文。
// 任何失败都静默降级（节点缺失记 Debug，存储错误记 Warn），不改变候选顺序。
func (p *Pipeline) enrich(ctx context.Context, candidates []Candidate) {
	if p.store == nil || len(candidates) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range candidates {
		g.Go(func() error {
			chain, err := p.store.AncestorChain(gctx, candidates[i].ID)
			if err != nil {
				if errors.Is(err, ErrNodeNotFound) {
					p.logger.Debug("candidate has no hierarchy node",
						zap.String("chunk_id", candidates[i].ID))
				} else {
					p.logger.Warn("ancestor lookup failed",
						zap.String("chunk_id", candidates[i].ID),
						zap.Error(err))
				}
				return nil
			}
			for _, node := range chain {
				switch node.Level {
				case LevelDocument:
					// 文档标题取摘要前缀，摘要为空时退回节点标题
					title := node.Summary
					if title == "" {
						title = node.Title
					}
					candidates[i].DocumentTitle = truncateContent(title, documentTitleLimit)
				case LevelSection:
					candidates[i].ParentSummary = node.Summary
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}
