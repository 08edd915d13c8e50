package rag

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/BaSui01/docflow/config"
)

// capturingHybridStore 记录收到的查询输入
type capturingHybridStore struct {
	input  HybridQueryInput
	result []Candidate
	err    error
}

func (s *capturingHybridStore) HybridQuery(_ context.Context, input HybridQueryInput) ([]Candidate, error) {
	s.input = input
	return s.result, s.err
}

func TestSearchUsesConfigDefaults(t *testing.T) {
	cfg := config.DefaultRetrievalConfig()
	store := &capturingHybridStore{result: []Candidate{{ID: "a"}}}
	searcher := NewHybridSearcher(cfg, &fakeEmbedProvider{}, store, zap.NewNop())

	candidates, err := searcher.Search(context.Background(), "some query", 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected passthrough of store result, got %d", len(candidates))
	}
	if store.input.MatchCount != cfg.InitialLimit {
		t.Errorf("expected default match count %d, got %d", cfg.InitialLimit, store.input.MatchCount)
	}
	if store.input.Threshold != cfg.SimilarityThreshold {
		t.Errorf("expected threshold %f, got %f", cfg.SimilarityThreshold, store.input.Threshold)
	}
	if store.input.QueryText != "some query" {
		t.Errorf("expected query text forwarded, got %q", store.input.QueryText)
	}
	if len(store.input.Embedding) == 0 {
		t.Error("expected query embedding to be set")
	}
}

func TestSearchExplicitMatchCount(t *testing.T) {
	store := &capturingHybridStore{}
	searcher := NewHybridSearcher(config.DefaultRetrievalConfig(), &fakeEmbedProvider{}, store, zap.NewNop())

	_, err := searcher.Search(context.Background(), "q", 7, []string{"d1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.input.MatchCount != 7 {
		t.Errorf("expected match count 7, got %d", store.input.MatchCount)
	}
	if len(store.input.DocumentIDs) != 1 || store.input.DocumentIDs[0] != "d1" {
		t.Errorf("expected document filter forwarded, got %v", store.input.DocumentIDs)
	}
}

func TestSearchEmbedFailurePropagates(t *testing.T) {
	provider := &failingQueryEmbedder{err: fmt.Errorf("embedding down")}
	searcher := NewHybridSearcher(config.DefaultRetrievalConfig(), provider, &capturingHybridStore{}, zap.NewNop())

	_, err := searcher.Search(context.Background(), "q", 0, nil)
	if err == nil {
		t.Fatal("expected error when query embedding fails")
	}
}

func TestSearchStoreFailurePropagates(t *testing.T) {
	store := &capturingHybridStore{err: fmt.Errorf("db down")}
	searcher := NewHybridSearcher(config.DefaultRetrievalConfig(), &fakeEmbedProvider{}, store, zap.NewNop())

	_, err := searcher.Search(context.Background(), "q", 0, nil)
	if err == nil {
		t.Fatal("expected error when hybrid query fails")
	}
}

// failingQueryEmbedder 仅查询嵌入失败的提供者
type failingQueryEmbedder struct {
	fakeEmbedProvider
	err error
}

func (f *failingQueryEmbedder) EmbedQuery(_ context.Context, _ string) ([]float64, error) {
	return nil, f.err
}
