// Copyright 2025-2026 DocFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

Package rag 实现 DocFlow 的文档检索核心：从原始文本到可检索的
三级层级结构，再到面向 LLM 消费的高相关、多样化候选集。

# 主要能力

  - 语义分块：段落/句子边界切分 + 尾部重叠（SemanticChunker）
  - 层级构建：document/section/chunk 三级树 + 父级摘要（HierarchyBuilder）
  - 嵌入生成：批量提交、分类重试、部分失败不中断（EmbeddingGenerator）
  - 混合检索：向量相似度 + 关键词得分加权合成（HybridSearcher）
  - 查询扩展：LLM 生成检索变体，失败降级为原查询（QueryExpander）
  - LLM 重排：0-10 整数评分归一化排序，失败降级（Reranker）
  - 检索管线：扩展 → 并发变体检索 → 合并去重 → 重排 → MMR 多样化 →
    父级上下文富集（Pipeline）

# 存储

Store 接口聚合混合检索、层级与嵌入回填三类能力，提供两个实现：
MemoryStore（内存，测试与嵌入式场景）和 PostgresStore（pgvector +
ts_rank，生产场景）。

# 失败语义

只有混合检索本身的失败是致命的；查询扩展、重排与父级富集的失败
一律降级，保证检索主路径可用。
*/
package rag
