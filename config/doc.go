// Copyright 2025-2026 DocFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package config 提供 DocFlow 的统一配置：检索管线、分块、嵌入、存储、
Redis 缓存与日志。

加载优先级为 默认值 → YAML 文件 → 环境变量（前缀 DOCFLOW）：

	cfg, err := config.NewLoader().
	    WithConfigPath("config.yaml").
	    Load()

所有子配置都有生产级默认值（DefaultConfig / DefaultRetrievalConfig 等），
Validate 在装配前检查取值范围。
*/
package config
