package rag

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/docflow/config"
)

// 需要带 pgvector 扩展的 Postgres 实例：
//
//	DOCFLOW_TEST_PG_DSN="host=localhost user=postgres dbname=docflow_test" go test ./rag -run Postgres
func newIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("DOCFLOW_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("DOCFLOW_TEST_PG_DSN not set")
	}

	store, err := NewPostgresStore(dsn, config.DefaultRetrievalConfig(), zap.NewNop())
	require.NoError(t, err)
	return store
}

func seedPostgres(t *testing.T, store *PostgresStore, documentID string) (docID, secID, chunkID string) {
	t.Helper()
	ctx := context.Background()

	docID = uuid.NewString()
	secID = uuid.NewString()
	chunkID = uuid.NewString()

	embedding := make([]float64, 1536)
	embedding[0] = 1

	nodes := []Node{
		{ID: docID, DocumentID: documentID, Level: LevelDocument, Title: "Integration Doc", Summary: "summary"},
		{ID: secID, DocumentID: documentID, Level: LevelSection, Title: "Section", Summary: "section summary", ParentID: docID},
		{ID: chunkID, DocumentID: documentID, Level: LevelChunk, Content: "retrieval core integration content", ParentID: secID, Embedding: embedding},
	}
	require.NoError(t, store.InsertNodes(ctx, nodes))
	return docID, secID, chunkID
}

func TestPostgresRoundTrip(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	documentID := uuid.NewString()

	docID, secID, chunkID := seedPostgres(t, store, documentID)

	chain, err := store.AncestorChain(ctx, chunkID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, chunkID, chain[0].ID)
	require.Equal(t, secID, chain[1].ID)
	require.Equal(t, docID, chain[2].ID)
}

func TestPostgresHybridQuery(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	documentID := uuid.NewString()

	_, _, chunkID := seedPostgres(t, store, documentID)

	queryVec := make([]float64, 1536)
	queryVec[0] = 1

	candidates, err := store.HybridQuery(ctx, HybridQueryInput{
		Embedding:   queryVec,
		QueryText:   "integration content",
		MatchCount:  5,
		Threshold:   0.3,
		DocumentIDs: []string{documentID},
	})
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	require.Equal(t, chunkID, candidates[0].ID)
	require.InDelta(t, 1.0, candidates[0].Similarity, 1e-3)
}

func TestPostgresMissingEmbeddings(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	documentID := uuid.NewString()

	docID := uuid.NewString()
	bare := uuid.NewString()
	nodes := []Node{
		{ID: docID, DocumentID: documentID, Level: LevelDocument, Title: "Doc"},
		{ID: bare, DocumentID: documentID, Level: LevelChunk, Content: fmt.Sprintf("chunk %s", bare), ParentID: docID},
	}
	require.NoError(t, store.InsertNodes(ctx, nodes))

	missing, err := store.MissingEmbeddings(ctx, documentID)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, bare, missing[0].ID)

	vec := make([]float64, 1536)
	vec[0] = 0.5
	require.NoError(t, store.StoreEmbedding(ctx, bare, vec))

	missing, err = store.MissingEmbeddings(ctx, documentID)
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestPostgresStoreEmbeddingUnknownChunk(t *testing.T) {
	store := newIntegrationStore(t)

	err := store.StoreEmbedding(context.Background(), uuid.NewString(), make([]float64, 1536))
	require.ErrorIs(t, err, ErrNodeNotFound)
}
