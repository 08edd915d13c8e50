// Package tokenizer 提供 token 计数能力（tiktoken 精确计数 + CJK 感知估算）。
package tokenizer

// Tokenizer 定义统一的 token 计数接口。
type Tokenizer interface {
	// CountTokens 返回文本的 token 数。
	CountTokens(text string) (int, error)

	// Encode 将文本转换为 token ID 列表。
	Encode(text string) ([]int, error)

	// Model 返回分词器对应的模型名。
	Model() string

	// MaxTokens 返回模型上下文长度。
	MaxTokens() int
}
