package rag

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/docflow/config"
	"github.com/BaSui01/docflow/llm"
	"github.com/BaSui01/docflow/llm/embedding"
)

// fakeEmbedProvider 可编程的嵌入提供者：按调用序返回预设错误
type fakeEmbedProvider struct {
	mu        sync.Mutex
	calls     int
	failures  []error // 第 n 次调用返回 failures[n-1]，越界则成功
	dimension int
}

func (f *fakeEmbedProvider) Embed(_ context.Context, req *embedding.EmbeddingRequest) (*embedding.EmbeddingResponse, error) {
	return nil, fmt.Errorf("not used in tests")
}

func (f *fakeEmbedProvider) EmbedQuery(_ context.Context, _ string) ([]float64, error) {
	return make([]float64, f.dims()), nil
}

func (f *fakeEmbedProvider) EmbedDocuments(_ context.Context, documents []string) ([][]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= len(f.failures) && f.failures[f.calls-1] != nil {
		return nil, f.failures[f.calls-1]
	}
	out := make([][]float64, len(documents))
	for i := range out {
		out[i] = make([]float64, f.dims())
	}
	return out, nil
}

func (f *fakeEmbedProvider) Name() string      { return "fake" }
func (f *fakeEmbedProvider) Dimensions() int   { return f.dims() }
func (f *fakeEmbedProvider) MaxBatchSize() int { return 100 }

func (f *fakeEmbedProvider) dims() int {
	if f.dimension == 0 {
		return 4
	}
	return f.dimension
}

func (f *fakeEmbedProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeEmbedStore 记录回填调用的嵌入存储
type fakeEmbedStore struct {
	mu       sync.Mutex
	stored   map[string]int // chunkID -> 回填次数
	missing  []Chunk
	storeErr map[string]error
}

func newFakeEmbedStore() *fakeEmbedStore {
	return &fakeEmbedStore{stored: make(map[string]int), storeErr: make(map[string]error)}
}

func (s *fakeEmbedStore) StoreEmbedding(_ context.Context, chunkID string, _ []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.storeErr[chunkID]; ok {
		return err
	}
	s.stored[chunkID]++
	return nil
}

func (s *fakeEmbedStore) MissingEmbeddings(_ context.Context, _ string) ([]Chunk, error) {
	return s.missing, nil
}

func testEmbeddingConfig() config.EmbeddingConfig {
	cfg := config.DefaultEmbeddingConfig()
	cfg.BackoffDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return cfg
}

func makeChunks(n int) []Chunk {
	chunks := make([]Chunk, n)
	for i := range chunks {
		chunks[i] = Chunk{ID: fmt.Sprintf("chunk-%d", i), Content: "content"}
	}
	return chunks
}

func TestGenerateBatching(t *testing.T) {
	provider := &fakeEmbedProvider{}
	store := newFakeEmbedStore()
	gen := NewEmbeddingGenerator(testEmbeddingConfig(), provider, store, nil, zap.NewNop())

	result := gen.Generate(context.Background(), makeChunks(150), nil)

	if provider.callCount() != 2 {
		t.Errorf("expected 2 batch calls for 150 chunks, got %d", provider.callCount())
	}
	if !result.Success || result.ProcessedCount != 150 || result.FailedCount != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestGenerateRetriesRateLimit(t *testing.T) {
	rateLimited := &llm.Error{Code: llm.ErrRateLimited, Retryable: true, Message: "rate limited"}
	provider := &fakeEmbedProvider{failures: []error{rateLimited, rateLimited}}
	store := newFakeEmbedStore()
	gen := NewEmbeddingGenerator(testEmbeddingConfig(), provider, store, nil, zap.NewNop())

	result := gen.Generate(context.Background(), makeChunks(150), nil)

	// 第一批重试两次后成功，第二批直接成功
	if provider.callCount() != 4 {
		t.Errorf("expected 4 provider calls, got %d", provider.callCount())
	}
	if !result.Success || result.ProcessedCount != 150 {
		t.Errorf("unexpected result: %+v", result)
	}

	// 重试不应造成重复回填
	for id, n := range store.stored {
		if n != 1 {
			t.Errorf("chunk %s stored %d times", id, n)
		}
	}
}

func TestGenerateNonRetryableFailsBatch(t *testing.T) {
	badRequest := &llm.Error{Code: llm.ErrInvalidRequest, Retryable: false, Message: "bad request"}
	provider := &fakeEmbedProvider{failures: []error{badRequest}}
	store := newFakeEmbedStore()
	gen := NewEmbeddingGenerator(testEmbeddingConfig(), provider, store, nil, zap.NewNop())

	result := gen.Generate(context.Background(), makeChunks(150), nil)

	// 第一批不重试直接失败，继续处理第二批
	if provider.callCount() != 2 {
		t.Errorf("expected 2 provider calls, got %d", provider.callCount())
	}
	if result.Success {
		t.Error("expected Success=false with a failed batch")
	}
	if result.ProcessedCount != 50 || result.FailedCount != 100 {
		t.Errorf("unexpected counts: %+v", result)
	}
}

func TestGenerateRetryExhaustion(t *testing.T) {
	rateLimited := &llm.Error{Code: llm.ErrRateLimited, Retryable: true, Message: "rate limited"}
	provider := &fakeEmbedProvider{failures: []error{rateLimited, rateLimited, rateLimited}}
	store := newFakeEmbedStore()
	gen := NewEmbeddingGenerator(testEmbeddingConfig(), provider, store, nil, zap.NewNop())

	result := gen.Generate(context.Background(), makeChunks(50), nil)

	if provider.callCount() != 3 {
		t.Errorf("expected 3 attempts, got %d", provider.callCount())
	}
	if result.Success || result.FailedCount != 50 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestGenerateStoreFailureCountsChunk(t *testing.T) {
	provider := &fakeEmbedProvider{}
	store := newFakeEmbedStore()
	store.storeErr["chunk-3"] = fmt.Errorf("disk full")
	gen := NewEmbeddingGenerator(testEmbeddingConfig(), provider, store, nil, zap.NewNop())

	result := gen.Generate(context.Background(), makeChunks(10), nil)

	if result.Success {
		t.Error("expected Success=false with a store failure")
	}
	if result.ProcessedCount != 9 || result.FailedCount != 1 {
		t.Errorf("unexpected counts: %+v", result)
	}
}

func TestGenerateProgressReporting(t *testing.T) {
	provider := &fakeEmbedProvider{}
	store := newFakeEmbedStore()
	gen := NewEmbeddingGenerator(testEmbeddingConfig(), provider, store, nil, zap.NewNop())

	var reported []int
	gen.Generate(context.Background(), makeChunks(250), func(p int) {
		reported = append(reported, p)
	})

	want := []int{40, 80, 100}
	if len(reported) != len(want) {
		t.Fatalf("expected %d progress callbacks, got %v", len(want), reported)
	}
	for i := range want {
		if reported[i] != want[i] {
			t.Errorf("progress %d: got %d, want %d", i, reported[i], want[i])
		}
	}
}

func TestGenerateForDocumentIdempotent(t *testing.T) {
	provider := &fakeEmbedProvider{}
	store := newFakeEmbedStore() // 无缺失块
	gen := NewEmbeddingGenerator(testEmbeddingConfig(), provider, store, nil, zap.NewNop())

	result, err := gen.GenerateForDocument(context.Background(), "doc-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.callCount() != 0 {
		t.Errorf("expected zero service calls, got %d", provider.callCount())
	}
	if !result.Success || result.ProcessedCount != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestGenerateForDocumentOnlyMissing(t *testing.T) {
	provider := &fakeEmbedProvider{}
	store := newFakeEmbedStore()
	store.missing = makeChunks(5)
	gen := NewEmbeddingGenerator(testEmbeddingConfig(), provider, store, nil, zap.NewNop())

	result, err := gen.GenerateForDocument(context.Background(), "doc-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProcessedCount != 5 {
		t.Errorf("expected 5 processed, got %d", result.ProcessedCount)
	}
}
