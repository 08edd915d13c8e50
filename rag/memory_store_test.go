package rag

import (
	"context"
	"errors"
	"testing"

	"github.com/BaSui01/docflow/config"
)

func seedStore(t *testing.T, store *MemoryStore) {
	t.Helper()

	nodes := []Node{
		{ID: "doc", DocumentID: "d1", Level: LevelDocument, Title: "Handbook", Summary: "employee handbook covering policies"},
		{ID: "sec", DocumentID: "d1", Level: LevelSection, Title: "Leave", Summary: "leave policy details", ParentID: "doc"},
		{ID: "c1", DocumentID: "d1", Level: LevelChunk, Content: "annual leave is twenty five days", ParentID: "sec", Embedding: []float64{1, 0, 0}},
		{ID: "c2", DocumentID: "d1", Level: LevelChunk, Content: "sick leave requires a doctor note", ParentID: "sec", Embedding: []float64{0.9, 0.1, 0}},
		{ID: "c3", DocumentID: "d2", Level: LevelChunk, Content: "expense reports are due monthly", Embedding: []float64{0, 1, 0}},
	}
	if err := store.InsertNodes(context.Background(), nodes); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func TestInsertNodesRejectsMissingParent(t *testing.T) {
	store := NewMemoryStore(config.DefaultRetrievalConfig())

	err := store.InsertNodes(context.Background(), []Node{
		{ID: "orphan", Level: LevelChunk, ParentID: "nope"},
	})
	if err == nil {
		t.Fatal("expected error for missing parent")
	}
}

func TestAncestorChain(t *testing.T) {
	store := NewMemoryStore(config.DefaultRetrievalConfig())
	seedStore(t, store)

	chain, err := store.AncestorChain(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("expected chain of 3, got %d", len(chain))
	}
	if chain[0].ID != "c1" || chain[1].ID != "sec" || chain[2].ID != "doc" {
		t.Errorf("unexpected chain order: %s %s %s", chain[0].ID, chain[1].ID, chain[2].ID)
	}
}

func TestAncestorChainNotFound(t *testing.T) {
	store := NewMemoryStore(config.DefaultRetrievalConfig())

	_, err := store.AncestorChain(context.Background(), "ghost")
	if !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestStoreEmbeddingAndMissing(t *testing.T) {
	store := NewMemoryStore(config.DefaultRetrievalConfig())
	ctx := context.Background()

	nodes := []Node{
		{ID: "doc", DocumentID: "d1", Level: LevelDocument},
		{ID: "c1", DocumentID: "d1", Level: LevelChunk, Content: "one", ParentID: "doc"},
		{ID: "c2", DocumentID: "d1", Level: LevelChunk, Content: "two", ParentID: "doc"},
	}
	if err := store.InsertNodes(ctx, nodes); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	missing, err := store.MissingEmbeddings(ctx, "d1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(missing) != 2 {
		t.Fatalf("expected 2 missing, got %d", len(missing))
	}

	if err := store.StoreEmbedding(ctx, "c1", []float64{0.1, 0.2}); err != nil {
		t.Fatalf("store embedding failed: %v", err)
	}

	missing, _ = store.MissingEmbeddings(ctx, "d1")
	if len(missing) != 1 || missing[0].ID != "c2" {
		t.Errorf("expected only c2 missing, got %v", missing)
	}

	if err := store.StoreEmbedding(ctx, "ghost", []float64{1}); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound for unknown chunk, got %v", err)
	}
}

func TestHybridQueryRanking(t *testing.T) {
	store := NewMemoryStore(config.DefaultRetrievalConfig())
	seedStore(t, store)

	candidates, err := store.HybridQuery(context.Background(), HybridQueryInput{
		Embedding:  []float64{1, 0, 0},
		QueryText:  "annual leave",
		MatchCount: 10,
		Threshold:  0.3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) == 0 {
		t.Fatal("expected candidates")
	}
	if candidates[0].ID != "c1" {
		t.Errorf("expected c1 ranked first, got %s", candidates[0].ID)
	}
	for i := 1; i < len(candidates); i++ {
		if candidates[i].CombinedScore > candidates[i-1].CombinedScore {
			t.Errorf("candidates not sorted by combined score at %d", i)
		}
	}
}

func TestHybridQueryThresholdFilters(t *testing.T) {
	store := NewMemoryStore(config.DefaultRetrievalConfig())
	seedStore(t, store)

	// c3 与查询向量正交，应被阈值排除
	candidates, err := store.HybridQuery(context.Background(), HybridQueryInput{
		Embedding:  []float64{1, 0, 0},
		QueryText:  "leave",
		MatchCount: 10,
		Threshold:  0.5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range candidates {
		if c.ID == "c3" {
			t.Error("c3 should be excluded by similarity threshold")
		}
		if c.Similarity < 0.5 {
			t.Errorf("candidate %s below threshold: %f", c.ID, c.Similarity)
		}
	}
}

func TestHybridQueryDocumentFilter(t *testing.T) {
	store := NewMemoryStore(config.DefaultRetrievalConfig())
	seedStore(t, store)

	candidates, err := store.HybridQuery(context.Background(), HybridQueryInput{
		Embedding:   []float64{0, 1, 0},
		QueryText:   "expense",
		MatchCount:  10,
		Threshold:   0,
		DocumentIDs: []string{"d2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != "c3" {
		t.Errorf("expected only c3 from d2, got %v", candidates)
	}
}

func TestHybridQueryMatchCountCap(t *testing.T) {
	store := NewMemoryStore(config.DefaultRetrievalConfig())
	seedStore(t, store)

	candidates, err := store.HybridQuery(context.Background(), HybridQueryInput{
		Embedding:  []float64{1, 0, 0},
		QueryText:  "leave",
		MatchCount: 1,
		Threshold:  0,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 {
		t.Errorf("expected 1 candidate, got %d", len(candidates))
	}
}

func TestHybridQueryEmptyStore(t *testing.T) {
	store := NewMemoryStore(config.DefaultRetrievalConfig())

	candidates, err := store.HybridQuery(context.Background(), HybridQueryInput{
		Embedding: []float64{1, 0, 0},
		QueryText: "anything",
	})
	if err != nil {
		t.Fatalf("zero results should not be an error: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("expected no candidates, got %d", len(candidates))
	}
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		a, b []float64
		want float64
	}{
		{[]float64{1, 0}, []float64{1, 0}, 1},
		{[]float64{1, 0}, []float64{0, 1}, 0},
		{[]float64{1, 0}, []float64{1, 0, 0}, 0}, // 维度不一致
		{[]float64{0, 0}, []float64{1, 0}, 0},    // 零向量
	}
	for i, c := range cases {
		got := cosineSimilarity(c.a, c.b)
		if diff := got - c.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("case %d: got %f, want %f", i, got, c.want)
		}
	}
}

func TestMinMaxNormalize(t *testing.T) {
	values := []float64{2, 4, 6}
	minMaxNormalize(values)
	want := []float64{0, 0.5, 1}
	for i := range want {
		if values[i] != want[i] {
			t.Errorf("index %d: got %f, want %f", i, values[i], want[i])
		}
	}

	same := []float64{3, 3, 3}
	minMaxNormalize(same)
	for i, v := range same {
		if v != 1 {
			t.Errorf("uniform values should normalize to 1, index %d got %f", i, v)
		}
	}
}
