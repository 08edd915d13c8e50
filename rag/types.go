package rag

import (
	"context"
	"errors"
)

// NodeLevel 层级节点类型
type NodeLevel string

const (
	LevelDocument NodeLevel = "document" // 文档节点（全文 + 摘要）
	LevelSection  NodeLevel = "section"  // 章节节点（单个逻辑节 + 摘要）
	LevelChunk    NodeLevel = "chunk"    // 叶子块节点（仅内容，无摘要）
)

// Chunk 是最小的可检索文本单元。
type Chunk struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	Content       string    `json:"content"`
	SectionHeader string    `json:"section_header,omitempty"`
	PageNumber    int       `json:"page_number,omitempty"` // 0 表示未知
	ChunkIndex    int       `json:"chunk_index"`
	TokenCount    int       `json:"token_count"`
	ParentID      string    `json:"parent_id,omitempty"`
	Embedding     []float64 `json:"embedding,omitempty"` // 生成前为空
}

// Section 是摄取侧的一个逻辑节（由上游格式抽取器产出）。
type Section struct {
	Header     string `json:"header,omitempty"`
	Content    string `json:"content"`
	PageNumber int    `json:"page_number,omitempty"`
}

// Node 是三级层级树中的一个节点。
// level 为判别字段：summary 仅存在于 document/section，
// page_number 仅对 chunk 有意义。
type Node struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	Level         NodeLevel `json:"level"`
	Title         string    `json:"title,omitempty"`
	Content       string    `json:"content"`
	Summary       string    `json:"summary,omitempty"`
	SectionHeader string    `json:"section_header,omitempty"`
	PageNumber    int       `json:"page_number,omitempty"`
	ChunkIndex    int       `json:"chunk_index,omitempty"`
	TokenCount    int       `json:"token_count,omitempty"`
	ParentID      string    `json:"parent_id,omitempty"`
	Embedding     []float64 `json:"embedding,omitempty"`
}

// Candidate 是在检索管线中流转的候选单元。
type Candidate struct {
	ID            string  `json:"id"`
	DocumentID    string  `json:"document_id"`
	Content       string  `json:"content"`
	Summary       string  `json:"summary,omitempty"`
	PageNumber    int     `json:"page_number,omitempty"`
	SectionHeader string  `json:"section_header,omitempty"`
	Similarity    float64 `json:"similarity"`
	KeywordScore  float64 `json:"keyword_score"`
	CombinedScore float64 `json:"combined_score"`
	RerankScore   float64 `json:"rerank_score,omitempty"`

	// VariantHits 记录该候选出现在多少个变体结果集中（合并阶段填充，
	// 供评估使用，不参与排序）。
	VariantHits int `json:"variant_hits,omitempty"`

	// 父级上下文富集字段（管线最后一步填充，失败时保持为空）。
	DocumentTitle string `json:"document_title,omitempty"`
	ParentSummary string `json:"parent_summary,omitempty"`
}

// RetrievalResult 是管线的输出：有序候选集 + 观测信息。
// 每次请求创建，从不持久化。
type RetrievalResult struct {
	Chunks          []Candidate `json:"chunks"`
	QueryVariants   []string    `json:"query_variants"`
	TotalCandidates int         `json:"total_candidates"` // 去重合并后、多样化前的候选总数
}

// EmbedResult 是一次嵌入批处理作业的结果。
// Success 仅当零失败时为 true；部分失败通过 FailedCount 表达，不抛错。
type EmbedResult struct {
	Success        bool `json:"success"`
	ProcessedCount int  `json:"processed_count"`
	FailedCount    int  `json:"failed_count"`
}

// ====== 外部协作者契约 ======

// ErrNodeNotFound 表示层级存储中不存在请求的节点。
var ErrNodeNotFound = errors.New("hierarchy node not found")

// HybridQueryInput 是混合排序存储的查询输入。
type HybridQueryInput struct {
	Embedding   []float64 // 查询向量
	QueryText   string    // 原始查询文本（关键词匹配用）
	MatchCount  int       // 结果数上限
	Threshold   float64   // 相似度下限，低于则排除
	DocumentIDs []string  // 可选的文档 ID 白名单
}

// HybridStore 定义混合排序存储契约：向量余弦相似度与关键词得分
// 由存储侧按配置权重合成 combined_score。零结果不是错误。
type HybridStore interface {
	HybridQuery(ctx context.Context, input HybridQueryInput) ([]Candidate, error)
}

// HierarchyStore 定义层级存储契约。
// InsertNodes 的调用方保证父节点先于子节点出现在切片中。
// AncestorChain 返回从节点自身到根的完整祖先链；
// 节点不存在时返回 ErrNodeNotFound。
type HierarchyStore interface {
	InsertNodes(ctx context.Context, nodes []Node) error
	AncestorChain(ctx context.Context, id string) ([]Node, error)
}

// EmbeddingStore 定义嵌入回填契约。
type EmbeddingStore interface {
	// StoreEmbedding 为单个块节点回填向量。
	StoreEmbedding(ctx context.Context, chunkID string, vector []float64) error

	// MissingEmbeddings 返回指定文档下尚无向量的叶子块。
	MissingEmbeddings(ctx context.Context, documentID string) ([]Chunk, error)
}

// Store 聚合检索核心需要的全部存储能力。
type Store interface {
	HybridStore
	HierarchyStore
	EmbeddingStore
}

// EstimateTokens 按内容长度估算 token 数（长度 ÷ 4，向上取整）。
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + 3) / 4
}
