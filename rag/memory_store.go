package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/docflow/config"
)

// BM25 参数。
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// MemoryStore 是 Store 的内存实现：余弦相似度 + BM25 关键词得分，
// 经 min-max 归一化后按配置权重合成 combined_score。
// 适用于测试与小规模嵌入式场景，所有操作并发安全。
type MemoryStore struct {
	mu    sync.RWMutex
	cfg   config.RetrievalConfig
	nodes map[string]*Node
	order []string // 插入顺序，保证遍历确定性
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore(cfg config.RetrievalConfig) *MemoryStore {
	return &MemoryStore{
		cfg:   cfg,
		nodes: make(map[string]*Node),
	}
}

// InsertNodes 实现 HierarchyStore.InsertNodes。
// 要求父节点先于子节点出现（或已存在）。
func (s *MemoryStore) InsertNodes(_ context.Context, nodes []Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, node := range nodes {
		if node.ID == "" {
			return fmt.Errorf("node without id")
		}
		if node.ParentID != "" {
			if _, ok := s.nodes[node.ParentID]; !ok {
				return fmt.Errorf("parent %s of node %s not found", node.ParentID, node.ID)
			}
		}
		n := node
		if _, exists := s.nodes[n.ID]; !exists {
			s.order = append(s.order, n.ID)
		}
		s.nodes[n.ID] = &n
	}
	return nil
}

// AncestorChain 实现 HierarchyStore.AncestorChain。
// 返回从节点自身到根的链；节点不存在时返回 ErrNodeNotFound。
func (s *MemoryStore) AncestorChain(_ context.Context, id string) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}

	chain := []Node{*node}
	for node.ParentID != "" {
		parent, ok := s.nodes[node.ParentID]
		if !ok {
			return nil, fmt.Errorf("broken chain at %s: %w", node.ParentID, ErrNodeNotFound)
		}
		chain = append(chain, *parent)
		node = parent
	}
	return chain, nil
}

// StoreEmbedding 实现 EmbeddingStore.StoreEmbedding。
func (s *MemoryStore) StoreEmbedding(_ context.Context, chunkID string, vector []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[chunkID]
	if !ok {
		return ErrNodeNotFound
	}
	node.Embedding = append([]float64(nil), vector...)
	return nil
}

// MissingEmbeddings 实现 EmbeddingStore.MissingEmbeddings。
func (s *MemoryStore) MissingEmbeddings(_ context.Context, documentID string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	missing := make([]Chunk, 0)
	for _, id := range s.order {
		node := s.nodes[id]
		if node.Level != LevelChunk || node.DocumentID != documentID {
			continue
		}
		if len(node.Embedding) == 0 {
			missing = append(missing, nodeToChunk(node))
		}
	}
	return missing, nil
}

// HybridQuery 实现 HybridStore.HybridQuery。
// 对全部含向量的块节点算余弦相似度与 BM25 关键词得分，
// 低于阈值的排除，两路得分 min-max 归一化后按权重合成，降序取前 MatchCount。
func (s *MemoryStore) HybridQuery(_ context.Context, input HybridQueryInput) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docFilter := make(map[string]bool, len(input.DocumentIDs))
	for _, id := range input.DocumentIDs {
		docFilter[id] = true
	}

	chunks := make([]*Node, 0)
	for _, id := range s.order {
		node := s.nodes[id]
		if node.Level != LevelChunk || len(node.Embedding) == 0 {
			continue
		}
		if len(docFilter) > 0 && !docFilter[node.DocumentID] {
			continue
		}
		chunks = append(chunks, node)
	}
	if len(chunks) == 0 {
		return []Candidate{}, nil
	}

	keywordScores := s.bm25Scores(input.QueryText, chunks)

	type scored struct {
		node       *Node
		similarity float64
		keyword    float64
	}
	hits := make([]scored, 0, len(chunks))
	for i, node := range chunks {
		sim := cosineSimilarity(input.Embedding, node.Embedding)
		if sim < input.Threshold {
			continue
		}
		hits = append(hits, scored{node: node, similarity: sim, keyword: keywordScores[i]})
	}
	if len(hits) == 0 {
		return []Candidate{}, nil
	}

	simN := make([]float64, len(hits))
	kwN := make([]float64, len(hits))
	for i, h := range hits {
		simN[i] = h.similarity
		kwN[i] = h.keyword
	}
	minMaxNormalize(simN)
	minMaxNormalize(kwN)

	vw, kw := s.cfg.VectorWeight, s.cfg.KeywordWeight
	if vw+kw <= 0 {
		vw, kw = 0.7, 0.3
	}

	candidates := make([]Candidate, len(hits))
	for i, h := range hits {
		candidates[i] = Candidate{
			ID:            h.node.ID,
			DocumentID:    h.node.DocumentID,
			Content:       h.node.Content,
			PageNumber:    h.node.PageNumber,
			SectionHeader: h.node.SectionHeader,
			Similarity:    h.similarity,
			KeywordScore:  h.keyword,
			CombinedScore: vw*simN[i] + kw*kwN[i],
		}
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].CombinedScore > candidates[b].CombinedScore
	})

	if input.MatchCount > 0 && len(candidates) > input.MatchCount {
		candidates = candidates[:input.MatchCount]
	}
	return candidates, nil
}

// bm25Scores 对给定块集合按查询词算 BM25 得分，与 chunks 下标对齐。
func (s *MemoryStore) bm25Scores(query string, chunks []*Node) []float64 {
	terms := strings.Fields(strings.ToLower(query))
	scores := make([]float64, len(chunks))
	if len(terms) == 0 {
		return scores
	}

	docWords := make([][]string, len(chunks))
	totalLen := 0
	for i, node := range chunks {
		docWords[i] = strings.Fields(strings.ToLower(node.Content))
		totalLen += len(docWords[i])
	}
	avgLen := float64(totalLen) / float64(len(chunks))
	if avgLen == 0 {
		return scores
	}

	// 每个查询词的文档频率
	docFreq := make(map[string]int, len(terms))
	for _, words := range docWords {
		seen := make(map[string]bool)
		for _, w := range words {
			seen[w] = true
		}
		for _, t := range terms {
			if seen[t] {
				docFreq[t]++
			}
		}
	}

	n := float64(len(chunks))
	for i, words := range docWords {
		tf := make(map[string]int)
		for _, w := range words {
			tf[w]++
		}
		dl := float64(len(words))
		for _, t := range terms {
			f := float64(tf[t])
			if f == 0 {
				continue
			}
			df := float64(docFreq[t])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			scores[i] += idf * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*dl/avgLen))
		}
	}
	return scores
}

func nodeToChunk(node *Node) Chunk {
	return Chunk{
		ID:            node.ID,
		DocumentID:    node.DocumentID,
		Content:       node.Content,
		SectionHeader: node.SectionHeader,
		PageNumber:    node.PageNumber,
		ChunkIndex:    node.ChunkIndex,
		TokenCount:    node.TokenCount,
		ParentID:      node.ParentID,
		Embedding:     node.Embedding,
	}
}

// cosineSimilarity 返回两向量的余弦相似度；维度不一致或零向量返回 0。
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// minMaxNormalize 把切片就地归一化到 [0,1]；所有值相同时全部置 1。
func minMaxNormalize(values []float64) {
	if len(values) == 0 {
		return
	}
	minV, maxV := values[0], values[0]
	for _, v := range values[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	if maxV == minV {
		for i := range values {
			values[i] = 1
		}
		return
	}
	for i := range values {
		values[i] = (values[i] - minV) / (maxV - minV)
	}
}
