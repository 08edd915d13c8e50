package rag

import (
	"context"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/docflow/config"
)

// nodeModel 是层级节点的持久化模型。
// 向量列固定 1536 维（text-embedding-3-small）。
type nodeModel struct {
	ID            string           `gorm:"primaryKey;type:uuid"`
	DocumentID    string           `gorm:"index;not null"`
	Level         string           `gorm:"index;not null"`
	Title         string
	Content       string           `gorm:"type:text"`
	Summary       string           `gorm:"type:text"`
	SectionHeader string
	PageNumber    int
	ChunkIndex    int
	TokenCount    int
	ParentID      *string          `gorm:"type:uuid;index"`
	Embedding     *pgvector.Vector `gorm:"type:vector(1536)"`
}

func (nodeModel) TableName() string { return "docflow_nodes" }

// PostgresStore 是 Store 的 Postgres + pgvector 实现。
// 混合打分在 SQL 内完成：余弦相似度与 ts_rank 关键词得分按配置权重合成。
type PostgresStore struct {
	db     *gorm.DB
	cfg    config.RetrievalConfig
	logger *zap.Logger
}

// NewPostgresStore 连接数据库、启用 vector 扩展并迁移表结构。
func NewPostgresStore(dsn string, cfg config.RetrievalConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("enable pgvector extension: %w", err)
	}
	if err := db.AutoMigrate(&nodeModel{}); err != nil {
		return nil, fmt.Errorf("migrate node table: %w", err)
	}

	return &PostgresStore{
		db:     db,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "postgres_store")),
	}, nil
}

// InsertNodes 实现 HierarchyStore.InsertNodes，整批在单事务内写入。
func (s *PostgresStore) InsertNodes(ctx context.Context, nodes []Node) error {
	if len(nodes) == 0 {
		return nil
	}

	models := make([]nodeModel, len(nodes))
	for i, n := range nodes {
		models[i] = toNodeModel(n)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(models, 200).Error
	})
	if err != nil {
		return fmt.Errorf("insert nodes: %w", err)
	}
	return nil
}

// AncestorChain 实现 HierarchyStore.AncestorChain，逐级回溯 ParentID。
func (s *PostgresStore) AncestorChain(ctx context.Context, id string) ([]Node, error) {
	chain := make([]Node, 0, 3)
	next := id

	for next != "" {
		var m nodeModel
		err := s.db.WithContext(ctx).First(&m, "id = ?", next).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if len(chain) == 0 {
				return nil, ErrNodeNotFound
			}
			return nil, fmt.Errorf("broken chain at %s: %w", next, ErrNodeNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("load node %s: %w", next, err)
		}
		chain = append(chain, fromNodeModel(m))
		if m.ParentID == nil {
			break
		}
		next = *m.ParentID
	}
	return chain, nil
}

// StoreEmbedding 实现 EmbeddingStore.StoreEmbedding。
func (s *PostgresStore) StoreEmbedding(ctx context.Context, chunkID string, vector []float64) error {
	v := pgvector.NewVector(vecToFloat32(vector))
	res := s.db.WithContext(ctx).
		Model(&nodeModel{}).
		Where("id = ?", chunkID).
		Update("embedding", v)
	if res.Error != nil {
		return fmt.Errorf("store embedding: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// MissingEmbeddings 实现 EmbeddingStore.MissingEmbeddings。
func (s *PostgresStore) MissingEmbeddings(ctx context.Context, documentID string) ([]Chunk, error) {
	var models []nodeModel
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND level = ? AND embedding IS NULL", documentID, string(LevelChunk)).
		Order("chunk_index").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list missing embeddings: %w", err)
	}

	chunks := make([]Chunk, len(models))
	for i, m := range models {
		n := fromNodeModel(m)
		chunks[i] = nodeToChunk(&n)
	}
	return chunks, nil
}

// hybridRow 是混合检索 SQL 的扫描目标。
type hybridRow struct {
	ID            string
	DocumentID    string
	Content       string
	SectionHeader string
	PageNumber    int
	Similarity    float64
	KeywordScore  float64
	CombinedScore float64
}

// HybridQuery 实现 HybridStore.HybridQuery。
// 相似度用 pgvector 余弦距离（1 - (embedding <=> query)），
// 关键词得分用 ts_rank，合成权重来自配置。
func (s *PostgresStore) HybridQuery(ctx context.Context, input HybridQueryInput) ([]Candidate, error) {
	vw, kw := s.cfg.VectorWeight, s.cfg.KeywordWeight
	if vw+kw <= 0 {
		vw, kw = 0.7, 0.3
	}

	queryVec := pgvector.NewVector(vecToFloat32(input.Embedding))

	sql := `
SELECT id, document_id, content, section_header, page_number,
       1 - (embedding <=> ?) AS similarity,
       ts_rank(to_tsvector('english', content), plainto_tsquery('english', ?)) AS keyword_score,
       ? * (1 - (embedding <=> ?)) +
       ? * ts_rank(to_tsvector('english', content), plainto_tsquery('english', ?)) AS combined_score
FROM docflow_nodes
WHERE level = 'chunk'
  AND embedding IS NOT NULL
  AND 1 - (embedding <=> ?) >= ?`
	args := []any{
		queryVec, input.QueryText,
		vw, queryVec,
		kw, input.QueryText,
		queryVec, input.Threshold,
	}

	if len(input.DocumentIDs) > 0 {
		sql += "\n  AND document_id IN ?"
		args = append(args, input.DocumentIDs)
	}

	matchCount := input.MatchCount
	if matchCount <= 0 {
		matchCount = s.cfg.InitialLimit
	}
	sql += "\nORDER BY combined_score DESC\nLIMIT ?"
	args = append(args, matchCount)

	var rows []hybridRow
	if err := s.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("hybrid query: %w", err)
	}

	candidates := make([]Candidate, len(rows))
	for i, r := range rows {
		candidates[i] = Candidate{
			ID:            r.ID,
			DocumentID:    r.DocumentID,
			Content:       r.Content,
			SectionHeader: r.SectionHeader,
			PageNumber:    r.PageNumber,
			Similarity:    r.Similarity,
			KeywordScore:  r.KeywordScore,
			CombinedScore: r.CombinedScore,
		}
	}
	return candidates, nil
}

func toNodeModel(n Node) nodeModel {
	m := nodeModel{
		ID:            n.ID,
		DocumentID:    n.DocumentID,
		Level:         string(n.Level),
		Title:         n.Title,
		Content:       n.Content,
		Summary:       n.Summary,
		SectionHeader: n.SectionHeader,
		PageNumber:    n.PageNumber,
		ChunkIndex:    n.ChunkIndex,
		TokenCount:    n.TokenCount,
	}
	if n.ParentID != "" {
		pid := n.ParentID
		m.ParentID = &pid
	}
	if len(n.Embedding) > 0 {
		v := pgvector.NewVector(vecToFloat32(n.Embedding))
		m.Embedding = &v
	}
	return m
}

func fromNodeModel(m nodeModel) Node {
	n := Node{
		ID:            m.ID,
		DocumentID:    m.DocumentID,
		Level:         NodeLevel(m.Level),
		Title:         m.Title,
		Content:       m.Content,
		Summary:       m.Summary,
		SectionHeader: m.SectionHeader,
		PageNumber:    m.PageNumber,
		ChunkIndex:    m.ChunkIndex,
		TokenCount:    m.TokenCount,
	}
	if m.ParentID != nil {
		n.ParentID = *m.ParentID
	}
	if m.Embedding != nil {
		n.Embedding = vecToFloat64(m.Embedding.Slice())
	}
	return n
}

// pgvector 存 float32，检索契约用 float64，读写时互转。
func vecToFloat32(v []float64) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func vecToFloat64(v []float32) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
