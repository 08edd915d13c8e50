package rag

import (
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	documentSummaryLimit = 500
	sectionSummaryLimit  = 300
	sectionMinContent    = 200
)

// Hierarchy 一次构建产出的三层节点树，按层分组并含扁平化视图。
type Hierarchy struct {
	Document Node
	Sections []Node
	Chunks   []Node
}

// HierarchyBuilder 把文档的节与块组织成 document/section/chunk 三层树，
// 供检索后回溯父级上下文使用。
type HierarchyBuilder struct {
	logger *zap.Logger
}

// NewHierarchyBuilder 创建层级构建器。
func NewHierarchyBuilder(logger *zap.Logger) *HierarchyBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HierarchyBuilder{
		logger: logger.With(zap.String("component", "hierarchy_builder")),
	}
}

// Build 从节与块构建层级树。
// 文档节点摘要取全文前 500 字符（词边界截断）；
// 仅当节有 header 或内容超过 200 字符时生成节节点（摘要 300 字符）；
// 块通过 SectionHeader 精确匹配挂到对应节节点，匹配不到则直接挂文档节点。
func (b *HierarchyBuilder) Build(documentID, title, fullText string, sections []Section, chunks []Chunk) Hierarchy {
	doc := Node{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Level:      LevelDocument,
		Title:      title,
		Summary:    truncateAtWord(fullText, documentSummaryLimit),
	}

	sectionNodes := make([]Node, 0, len(sections))
	byHeader := make(map[string]string) // header -> 第一个匹配节节点 ID

	for _, sec := range sections {
		if sec.Header == "" && len(sec.Content) <= sectionMinContent {
			continue
		}
		node := Node{
			ID:         uuid.NewString(),
			DocumentID: documentID,
			Level:      LevelSection,
			Title:      sec.Header,
			Summary:    truncateAtWord(sec.Content, sectionSummaryLimit),
			PageNumber: sec.PageNumber,
			ParentID:   doc.ID,
		}
		sectionNodes = append(sectionNodes, node)
		if sec.Header != "" {
			if _, ok := byHeader[sec.Header]; !ok {
				byHeader[sec.Header] = node.ID
			}
		}
	}

	chunkNodes := make([]Node, 0, len(chunks))
	for _, ch := range chunks {
		parentID := doc.ID
		if id, ok := byHeader[ch.SectionHeader]; ok {
			parentID = id
		}
		chunkNodes = append(chunkNodes, Node{
			ID:            ch.ID,
			DocumentID:    documentID,
			Level:         LevelChunk,
			Content:       ch.Content,
			SectionHeader: ch.SectionHeader,
			PageNumber:    ch.PageNumber,
			ChunkIndex:    ch.ChunkIndex,
			TokenCount:    ch.TokenCount,
			ParentID:      parentID,
			Embedding:     ch.Embedding,
		})
	}

	b.logger.Debug("hierarchy built",
		zap.String("document_id", documentID),
		zap.Int("sections", len(sectionNodes)),
		zap.Int("chunks", len(chunkNodes)))

	return Hierarchy{Document: doc, Sections: sectionNodes, Chunks: chunkNodes}
}

// Flatten 返回父节点先于子节点的节点序列：文档、各节、各块。
// 按此顺序插入存储可满足父节点先存在的约束。
func (h Hierarchy) Flatten() []Node {
	out := make([]Node, 0, 1+len(h.Sections)+len(h.Chunks))
	out = append(out, h.Document)
	out = append(out, h.Sections...)
	out = append(out, h.Chunks...)
	return out
}

// truncateAtWord 在 limit 字符内按词边界截断并追加省略号；
// 无空白可退让时硬截断。
func truncateAtWord(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if idx := strings.LastIndexAny(cut, " \t\n"); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "..."
}
