package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer 为 OpenAI 系列模型封装 tiktoken.
type TiktokenTokenizer struct {
	model     string
	encoding  string
	maxTokens int
	enc       *tiktoken.Tiktoken
	once      sync.Once
	initErr   error
}

// modelEncodings 将模型名称映射到其 tiktoken 编码和上下文大小。
var modelEncodings = map[string]struct {
	encoding  string
	maxTokens int
}{
	"gpt-4o":                 {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4o-mini":            {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4":                  {encoding: "cl100k_base", maxTokens: 8192},
	"gpt-3.5-turbo":          {encoding: "cl100k_base", maxTokens: 16385},
	"text-embedding-3-large": {encoding: "cl100k_base", maxTokens: 8191},
	"text-embedding-3-small": {encoding: "cl100k_base", maxTokens: 8191},
}

// NewTiktokenTokenizer 为给定模型创建基于 tiktoken 的分词器.
func NewTiktokenTokenizer(model string) (*TiktokenTokenizer, error) {
	info, ok := modelEncodings[model]
	if !ok {
		// 尝试前缀匹配。
		for prefix, i := range modelEncodings {
			if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
				info = i
				ok = true
				break
			}
		}
	}

	if !ok {
		// 默认 cl100k_base。
		info = struct {
			encoding  string
			maxTokens int
		}{encoding: "cl100k_base", maxTokens: 8192}
	}

	return &TiktokenTokenizer{
		model:     model,
		encoding:  info.encoding,
		maxTokens: info.maxTokens,
	}, nil
}

// init 延迟初始化 tiktoken 编码（首次使用时可能下载编码数据）.
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	tokens := t.enc.Encode(text, nil, nil)
	return len(tokens), nil
}

func (t *TiktokenTokenizer) Encode(text string) ([]int, error) {
	if err := t.init(); err != nil {
		return nil, err
	}
	return t.enc.Encode(text, nil, nil), nil
}

func (t *TiktokenTokenizer) Model() string  { return t.model }
func (t *TiktokenTokenizer) MaxTokens() int { return t.maxTokens }
