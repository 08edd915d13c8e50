// Copyright 2025-2026 DocFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package llm 定义检索核心依赖的外部模型服务契约。

该包不包含任何具体提供者实现，只提供：

  - ChatProvider — 补全服务的最小接口（查询扩展 / 重排使用）
  - Error / ErrorCode — 统一错误类型，携带可重试标记
  - IsRateLimited / IsTimeout / IsRetryable — 错误分类辅助函数

子包：

  - embedding — 嵌入提供者接口和 OpenAI 兼容实现
  - retry — 按错误分类的有界重试策略
  - tokenizer — token 计数（tiktoken / 估算器）
*/
package llm
