package rag

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/docflow/config"
	"github.com/BaSui01/docflow/llm"
)

func newTestExpander(provider llm.ChatProvider, cache ExpansionCache) *QueryExpander {
	return NewQueryExpander(config.DefaultRetrievalConfig(), provider, cache, nil, zap.NewNop())
}

func TestExpandReturnsOriginalFirst(t *testing.T) {
	provider := llm.CompletionFunc(func(_ context.Context, _ string) (string, error) {
		return `{"variants": ["variant one", "variant two", "variant three"]}`, nil
	})
	expander := newTestExpander(provider, nil)

	queries := expander.Expand(context.Background(), "original query")

	if len(queries) != 4 {
		t.Fatalf("expected 4 queries, got %d: %v", len(queries), queries)
	}
	if queries[0] != "original query" {
		t.Errorf("expected original query first, got %q", queries[0])
	}
}

func TestExpandStripsCodeFences(t *testing.T) {
	provider := llm.CompletionFunc(func(_ context.Context, _ string) (string, error) {
		return "```json\n{\"variants\": [\"fenced variant\"]}\n```", nil
	})
	expander := newTestExpander(provider, nil)

	queries := expander.Expand(context.Background(), "q")
	if len(queries) != 2 || queries[1] != "fenced variant" {
		t.Errorf("expected fenced JSON to parse, got %v", queries)
	}
}

func TestExpandDeduplicatesAgainstOriginal(t *testing.T) {
	provider := llm.CompletionFunc(func(_ context.Context, _ string) (string, error) {
		return `{"variants": ["My Query", "my query", "different phrasing"]}`, nil
	})
	expander := newTestExpander(provider, nil)

	queries := expander.Expand(context.Background(), "my query")
	if len(queries) != 2 {
		t.Fatalf("expected dedupe to leave 2 queries, got %v", queries)
	}
	if queries[1] != "different phrasing" {
		t.Errorf("expected the distinct variant, got %q", queries[1])
	}
}

func TestExpandFallbackOnError(t *testing.T) {
	provider := llm.CompletionFunc(func(_ context.Context, _ string) (string, error) {
		return "", fmt.Errorf("service unavailable")
	})
	expander := newTestExpander(provider, nil)

	queries := expander.Expand(context.Background(), "q")
	if len(queries) != 1 || queries[0] != "q" {
		t.Errorf("expected fallback to original query, got %v", queries)
	}
}

func TestExpandFallbackOnMalformedResponse(t *testing.T) {
	provider := llm.CompletionFunc(func(_ context.Context, _ string) (string, error) {
		return "sure! here are some ideas:", nil
	})
	expander := newTestExpander(provider, nil)

	queries := expander.Expand(context.Background(), "q")
	if len(queries) != 1 || queries[0] != "q" {
		t.Errorf("expected fallback to original query, got %v", queries)
	}
}

func TestExpandNilProvider(t *testing.T) {
	expander := newTestExpander(nil, nil)

	queries := expander.Expand(context.Background(), "q")
	if len(queries) != 1 || queries[0] != "q" {
		t.Errorf("expected original query only, got %v", queries)
	}
}

func TestExpandRedisCacheHit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisExpansionCache(client, time.Minute)

	calls := 0
	provider := llm.CompletionFunc(func(_ context.Context, _ string) (string, error) {
		calls++
		return `{"variants": ["cached variant"]}`, nil
	})
	expander := newTestExpander(provider, cache)

	first := expander.Expand(context.Background(), "cache me")
	second := expander.Expand(context.Background(), "cache me")

	if calls != 1 {
		t.Errorf("expected 1 LLM call with cache, got %d", calls)
	}
	if len(first) != len(second) {
		t.Fatalf("cache returned different shape: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("cache mismatch at %d: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestExpandCacheFailureIsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisExpansionCache(client, time.Minute)
	mr.Close() // 模拟缓存不可用

	provider := llm.CompletionFunc(func(_ context.Context, _ string) (string, error) {
		return `{"variants": ["variant"]}`, nil
	})
	expander := newTestExpander(provider, cache)

	queries := expander.Expand(context.Background(), "q")
	if len(queries) != 2 {
		t.Errorf("expected expansion to proceed despite cache failure, got %v", queries)
	}
}
