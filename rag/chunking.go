package rag

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/docflow/config"
	"github.com/BaSui01/docflow/llm/tokenizer"
)

var (
	paragraphSplitRe = regexp.MustCompile(`\n\s*\n`)
	sentenceEndRe    = regexp.MustCompile(`[.!?]\s+`)
)

// SemanticChunker 在段落/句子边界处把节文本切成带重叠的、大小受限的块。
type SemanticChunker struct {
	cfg       config.ChunkingConfig
	tokenizer tokenizer.Tokenizer
	logger    *zap.Logger
}

// NewSemanticChunker 创建分块器，token 数按字符长度估算。
func NewSemanticChunker(cfg config.ChunkingConfig, logger *zap.Logger) *SemanticChunker {
	return NewSemanticChunkerWithTokenizer(cfg, nil, logger)
}

// NewSemanticChunkerWithTokenizer 创建使用精确分词器计数的分块器。
// tok 为 nil 时退回字符长度估算。
func NewSemanticChunkerWithTokenizer(cfg config.ChunkingConfig, tok tokenizer.Tokenizer, logger *zap.Logger) *SemanticChunker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemanticChunker{
		cfg:       cfg,
		tokenizer: tok,
		logger:    logger.With(zap.String("component", "semantic_chunker")),
	}
}

// countTokens 优先使用分词器，失败或未配置时退回估算。
func (c *SemanticChunker) countTokens(content string) int {
	if c.tokenizer != nil {
		if n, err := c.tokenizer.CountTokens(content); err == nil {
			return n
		}
	}
	return EstimateTokens(content)
}

// Chunk 把一段节文本切成有序块序列。
// 空白输入产生零块；短于 TargetSize 的文本恰好产生一个块。
// 块内容不超过 MaxSize（仅节末尾残块可例外）。
func (c *SemanticChunker) Chunk(text, sectionHeader string, pageNumber int) []Chunk {
	chunks := c.chunkText(text)
	for i := range chunks {
		chunks[i].SectionHeader = sectionHeader
		chunks[i].PageNumber = pageNumber
		chunks[i].ChunkIndex = i
	}
	return chunks
}

// ChunkSections 对每个输入节应用分块，并跨所有节分配全局递增的 ChunkIndex。
// 每个节的 header/页码保留在其产出块上。
func (c *SemanticChunker) ChunkSections(documentID string, sections []Section) []Chunk {
	all := make([]Chunk, 0)
	index := 0

	for _, sec := range sections {
		chunks := c.chunkText(sec.Content)
		for i := range chunks {
			chunks[i].DocumentID = documentID
			chunks[i].SectionHeader = sec.Header
			chunks[i].PageNumber = sec.PageNumber
			chunks[i].ChunkIndex = index
			index++
		}
		all = append(all, chunks...)
	}

	c.logger.Debug("sections chunked",
		zap.String("document_id", documentID),
		zap.Int("sections", len(sections)),
		zap.Int("chunks", len(all)))

	return all
}

// chunkText 核心累积算法：
// 按段落边界分割；只有一个段落时回退到句子边界。
// 片段（保留原分隔符）累积进缓冲区：即将超过 MaxSize 时先发出当前缓冲区，
// 达到 TargetSize 时提前发出；新缓冲区以上一块的尾部重叠内容起始。
func (c *SemanticChunker) chunkText(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return []Chunk{}
	}

	segments := c.splitSegments(text)
	chunks := make([]Chunk, 0)

	buf := ""
	hasNew := false // 缓冲区在上次发出后是否收到新片段（纯重叠残留不发出）

	emit := func() {
		content := strings.TrimSpace(buf)
		if content == "" {
			return
		}
		chunks = append(chunks, c.newChunk(content))
		buf = overlapTail(content, c.cfg.Overlap)
		hasNew = false
	}

	for _, seg := range segments {
		if len(buf)+len(seg) > c.cfg.MaxSize && hasNew && strings.TrimSpace(buf) != "" {
			emit()
		}

		buf += seg
		hasNew = true

		if len(buf) >= c.cfg.TargetSize && len(buf) <= c.cfg.MaxSize {
			emit()
		}
	}

	if hasNew && strings.TrimSpace(buf) != "" {
		chunks = append(chunks, c.newChunk(strings.TrimSpace(buf)))
	}

	return chunks
}

// splitSegments 按段落边界（\n\s*\n）分割，片段保留其尾随分隔符，
// 保证片段拼接能还原原文。只有一个段落时回退到句子分割。
func (c *SemanticChunker) splitSegments(text string) []string {
	segments := splitKeepingSeparators(text, paragraphSplitRe)

	nonEmpty := 0
	for _, s := range segments {
		if strings.TrimSpace(s) != "" {
			nonEmpty++
		}
	}
	if nonEmpty > 1 {
		return segments
	}

	return splitKeepingSeparators(text, sentenceEndRe)
}

// splitKeepingSeparators 在正则匹配的边界后切分，分隔符保留在前一片段尾部。
func splitKeepingSeparators(text string, re *regexp.Regexp) []string {
	matches := re.FindAllStringIndex(text, -1)
	segments := make([]string, 0, len(matches)+1)

	start := 0
	for _, m := range matches {
		segments = append(segments, text[start:m[1]])
		start = m[1]
	}
	if start < len(text) {
		segments = append(segments, text[start:])
	}

	return segments
}

// overlapTail 返回已发出内容的尾部 overlap 个字符，作为下一块的起始内容。
func overlapTail(content string, overlap int) string {
	if overlap <= 0 || len(content) <= overlap {
		return content
	}
	return content[len(content)-overlap:]
}

func (c *SemanticChunker) newChunk(content string) Chunk {
	return Chunk{
		ID:         uuid.NewString(),
		Content:    content,
		TokenCount: c.countTokens(content),
	}
}
