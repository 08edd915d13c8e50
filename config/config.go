package config

import "time"

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 DocFlow 检索核心的完整配置结构
type Config struct {
	// Retrieval 检索管线配置
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Chunking 分块配置
	Chunking ChunkingConfig `yaml:"chunking" env:"CHUNKING"`

	// Embedding 嵌入生成配置
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// Store 后端存储配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// LLM 补全服务配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`
}

// RetrievalConfig 检索管线配置
type RetrievalConfig struct {
	// SimilarityThreshold 向量相似度下限，低于该值的候选被排除
	SimilarityThreshold float64 `yaml:"similarity_threshold" env:"SIMILARITY_THRESHOLD"`

	// InitialLimit 每个查询变体的初始候选上限
	InitialLimit int `yaml:"initial_limit" env:"INITIAL_LIMIT"`

	// VectorWeight / KeywordWeight 混合打分权重（存储侧执行混合）
	VectorWeight  float64 `yaml:"vector_weight" env:"VECTOR_WEIGHT"`
	KeywordWeight float64 `yaml:"keyword_weight" env:"KEYWORD_WEIGHT"`

	// TopK 最终返回的候选数
	TopK int `yaml:"top_k" env:"TOP_K"`

	// DiversityFactor MMR 多样性因子（0 纯相关性，越大越多样）
	DiversityFactor float64 `yaml:"diversity_factor" env:"DIVERSITY_FACTOR"`

	// ExpandQueries 是否启用查询扩展
	ExpandQueries bool `yaml:"expand_queries" env:"EXPAND_QUERIES"`

	// MaxVariants 查询扩展生成的最大变体数（不含原查询）
	MaxVariants int `yaml:"max_variants" env:"MAX_VARIANTS"`

	// UseReranking 是否启用 LLM 重排
	UseReranking bool `yaml:"use_reranking" env:"USE_RERANKING"`

	// Timeout 单次检索的总体超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`

	// BulkTimeout 批量评估运行的超时
	BulkTimeout time.Duration `yaml:"bulk_timeout" env:"BULK_TIMEOUT"`
}

// ChunkingConfig 分块配置
type ChunkingConfig struct {
	// TargetSize 目标块大小（字符）
	TargetSize int `yaml:"target_size" env:"TARGET_SIZE"`

	// MaxSize 块大小上限（字符），仅节末尾残块可超出
	MaxSize int `yaml:"max_size" env:"MAX_SIZE"`

	// Overlap 相邻块之间的重叠字符数
	Overlap int `yaml:"overlap" env:"OVERLAP"`
}

// EmbeddingConfig 嵌入生成配置
type EmbeddingConfig struct {
	// BatchSize 每批提交给嵌入服务的文本数
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`

	// MaxRetries 每批最大尝试次数（含首次）
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`

	// BackoffDelays 重试退避表
	BackoffDelays []time.Duration `yaml:"backoff_delays" env:"-"`

	// RatePerSecond 批请求频率上限（0 表示不限流）
	RatePerSecond float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`

	// Model / BaseURL / APIKey 嵌入服务连接信息
	Model   string `yaml:"model" env:"MODEL"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	APIKey  string `yaml:"api_key" env:"API_KEY"`
}

// StoreConfig 后端存储配置
type StoreConfig struct {
	// Backend 存储后端：memory | postgres
	Backend string `yaml:"backend" env:"BACKEND"`

	// DSN Postgres 连接串（backend=postgres 时必填）
	DSN string `yaml:"dsn" env:"DSN"`
}

// RedisConfig Redis 缓存配置
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// LLMConfig 补全服务配置
type LLMConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" env:"FORMAT"` // json | console
}

// =============================================================================
// 🧩 默认值
// =============================================================================

// DefaultConfig 返回生产级默认配置
func DefaultConfig() *Config {
	return &Config{
		Retrieval: DefaultRetrievalConfig(),
		Chunking:  DefaultChunkingConfig(),
		Embedding: DefaultEmbeddingConfig(),
		Store: StoreConfig{
			Backend: "memory",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     30 * time.Minute,
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com",
			Model:   "gpt-4o-mini",
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultRetrievalConfig 返回默认检索配置
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		SimilarityThreshold: 0.3,
		InitialLimit:        20,
		VectorWeight:        0.7,
		KeywordWeight:       0.3,
		TopK:                8,
		DiversityFactor:     0.3,
		ExpandQueries:       true,
		MaxVariants:         3,
		UseReranking:        true,
		Timeout:             30 * time.Second,
		BulkTimeout:         5 * time.Minute,
	}
}

// DefaultChunkingConfig 返回默认分块配置
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		TargetSize: 1000,
		MaxSize:    1500,
		Overlap:    200,
	}
}

// DefaultEmbeddingConfig 返回默认嵌入配置
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		BatchSize:  100,
		MaxRetries: 3,
		BackoffDelays: []time.Duration{
			1 * time.Second,
			5 * time.Second,
			15 * time.Second,
		},
		Model:   "text-embedding-3-small",
		BaseURL: "https://api.openai.com",
	}
}
