package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

func testRequest(prompt string) domain.Request {
	return domain.Request{
		Prompt:      prompt,
		UserID:      "u1",
		MaxTokens:   50,
		Temperature: 0.7,
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := testRequest("Hello")
	b := testRequest("Hello")
	b.UserID = "someone-else"
	b.SessionID = "other-session"

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("fingerprint should ignore user identity")
	}

	c := testRequest("Hello")
	c.MaxTokens = 51
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("fingerprint should cover max_tokens")
	}

	d := testRequest("Hello")
	d.Temperature = 0.8
	if Fingerprint(a) == Fingerprint(d) {
		t.Error("fingerprint should cover temperature")
	}

	e := testRequest("Goodbye")
	if Fingerprint(a) == Fingerprint(e) {
		t.Error("fingerprint should cover the prompt")
	}
}

func TestGetMarksCachedAndPreservesLatency(t *testing.T) {
	store := NewInMemoryStore(10)
	ctx := context.Background()
	req := testRequest("Hello")

	resp := &domain.Response{Content: "hi", LatencyMs: 123}
	if err := store.Set(ctx, req, resp, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := store.Get(ctx, req)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if !got.Cached {
		t.Error("hit should be marked cached")
	}
	if got.LatencyMs != 123 {
		t.Errorf("latency = %d, want original 123", got.LatencyMs)
	}
	if got.Content != "hi" {
		t.Errorf("content = %q", got.Content)
	}

	// The returned copy must not alias the stored entry.
	got.Content = "mutated"
	again, _ := store.Get(ctx, req)
	if again.Content != "hi" {
		t.Error("cached entry was mutated through the returned copy")
	}
}

func TestGetMissAndExpiry(t *testing.T) {
	store := NewInMemoryStore(10)
	ctx := context.Background()

	if _, ok := store.Get(ctx, testRequest("nothing")); ok {
		t.Error("expected miss on empty cache")
	}

	req := testRequest("short-lived")
	store.Set(ctx, req, &domain.Response{Content: "x"}, time.Nanosecond)
	time.Sleep(time.Millisecond)
	if _, ok := store.Get(ctx, req); ok {
		t.Error("expected expired entry to miss")
	}
}

func TestStreamRequestsBypassCache(t *testing.T) {
	store := NewInMemoryStore(10)
	ctx := context.Background()

	req := testRequest("streamed")
	req.Stream = true

	if err := store.Set(ctx, req, &domain.Response{Content: "x"}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	req.Stream = false
	if _, ok := store.Get(ctx, req); ok {
		t.Error("stream request should never be written to the cache")
	}
}

func TestEvictionDropsColdestEntries(t *testing.T) {
	store := NewInMemoryStore(20)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		req := testRequest(fmt.Sprintf("prompt-%d", i))
		store.Set(ctx, req, &domain.Response{Content: fmt.Sprintf("r%d", i)}, time.Minute)
	}

	// Heat up everything except prompts 0 and 1.
	for i := 2; i < 20; i++ {
		if _, ok := store.Get(ctx, testRequest(fmt.Sprintf("prompt-%d", i))); !ok {
			t.Fatalf("expected hit for prompt-%d", i)
		}
	}

	// Capacity insert evicts the bottom 10% (2 of 20): the cold entries.
	store.Set(ctx, testRequest("prompt-new"), &domain.Response{Content: "new"}, time.Minute)

	if _, ok := store.Get(ctx, testRequest("prompt-0")); ok {
		t.Error("cold entry prompt-0 should have been evicted")
	}
	if _, ok := store.Get(ctx, testRequest("prompt-1")); ok {
		t.Error("cold entry prompt-1 should have been evicted")
	}
	if _, ok := store.Get(ctx, testRequest("prompt-new")); !ok {
		t.Error("new entry should be present")
	}
	if _, ok := store.Get(ctx, testRequest("prompt-5")); !ok {
		t.Error("hot entry prompt-5 should have survived eviction")
	}
}

func TestStats(t *testing.T) {
	store := NewInMemoryStore(10)
	ctx := context.Background()
	req := testRequest("hello")

	store.Get(ctx, req)
	store.Set(ctx, req, &domain.Response{Content: "x"}, time.Minute)
	store.Get(ctx, req)

	stats := store.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("hit rate = %f, want 0.5", stats.HitRate)
	}
	if stats.Size != 1 || stats.MaxSize != 10 {
		t.Errorf("size=%d max=%d", stats.Size, stats.MaxSize)
	}
}

func TestTTLFor(t *testing.T) {
	cfg := domain.CachingConfig{
		DefaultTTL:   120,
		TaskTypeTTLs: map[string]int{"analysis": 600},
	}

	if got := TTLFor(cfg, "analysis"); got != 600*time.Second {
		t.Errorf("task-type TTL = %v", got)
	}
	if got := TTLFor(cfg, "chat"); got != 120*time.Second {
		t.Errorf("default TTL = %v", got)
	}
	if got := TTLFor(domain.CachingConfig{}, "chat"); got != DefaultTTL {
		t.Errorf("fallback TTL = %v", got)
	}
}
