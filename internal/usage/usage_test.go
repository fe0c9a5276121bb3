package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/metrics"
)

func record(id string, at time.Time) domain.UsageRecord {
	return domain.UsageRecord{
		RequestID:  id,
		UserID:     "u1",
		ModelUsed:  "m1",
		Provider:   "openai",
		TokensUsed: 10,
		CostUSD:    0.01,
		Success:    true,
		Timestamp:  at,
	}
}

type failingSink struct{ calls int }

func (s *failingSink) WriteBatch(context.Context, []domain.UsageRecord) error {
	s.calls++
	return errors.New("sink down")
}

func TestLoggerFlushesOnBatchSize(t *testing.T) {
	sink := NewMemorySink()
	l := NewLogger(sink, 3, 100, nil)

	now := time.Now()
	l.Record(record("r1", now))
	l.Record(record("r2", now))
	if sink.Len() != 0 {
		t.Fatalf("premature flush: %d records", sink.Len())
	}

	l.Record(record("r3", now))

	// The batch flush is asynchronous.
	deadline := time.Now().Add(time.Second)
	for sink.Len() != 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.Len() != 3 {
		t.Errorf("flushed %d records, want 3", sink.Len())
	}
	if l.Buffered() != 0 {
		t.Errorf("buffer not drained: %d", l.Buffered())
	}
}

func TestLoggerExplicitFlush(t *testing.T) {
	sink := NewMemorySink()
	l := NewLogger(sink, 100, 100, nil)

	l.Record(record("r1", time.Now()))
	l.Flush(context.Background())

	if sink.Len() != 1 {
		t.Errorf("flushed %d records, want 1", sink.Len())
	}
}

func TestLoggerDropsOldestOnOverflow(t *testing.T) {
	sink := NewMemorySink()
	l := NewLogger(sink, 100, 3, nil)

	droppedBefore := testutil.ToFloat64(metrics.UsageRecordsDropped)
	for i := 0; i < 5; i++ {
		l.Record(record(fmt.Sprintf("r%d", i), time.Now()))
	}

	if l.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", l.Dropped())
	}
	if got := testutil.ToFloat64(metrics.UsageRecordsDropped) - droppedBefore; got != 2 {
		t.Errorf("dropped metric delta = %v, want 2", got)
	}

	l.Flush(context.Background())
	records, _ := sink.Query(context.Background(), time.Time{}, "")
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	// The two oldest were dropped.
	if records[0].RequestID != "r2" {
		t.Errorf("oldest surviving record = %s, want r2", records[0].RequestID)
	}
}

func TestLoggerSinkFailureDoesNotPanic(t *testing.T) {
	sink := &failingSink{}
	l := NewLogger(sink, 100, 100, nil)

	l.Record(record("r1", time.Now()))
	l.Flush(context.Background())

	if sink.calls != 1 {
		t.Errorf("sink calls = %d, want 1", sink.calls)
	}
	// Records handed to a failing sink are not retried.
	if l.Buffered() != 0 {
		t.Errorf("buffer = %d, want 0", l.Buffered())
	}
}

func TestLoggerConcurrentRecord(t *testing.T) {
	sink := NewMemorySink()
	l := NewLogger(sink, 10, 10000, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Record(record(fmt.Sprintf("g%d-r%d", n, j), time.Now()))
			}
		}(i)
	}
	wg.Wait()
	l.Flush(context.Background())

	deadline := time.Now().Add(time.Second)
	for sink.Len() != 500 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.Len() != 500 {
		t.Errorf("recorded %d, want 500", sink.Len())
	}
}

func TestMemorySinkQueryFilters(t *testing.T) {
	sink := NewMemorySink()
	now := time.Now()

	old := record("old", now.Add(-2*time.Hour))
	mine := record("mine", now)
	theirs := record("theirs", now)
	theirs.UserID = "u2"
	sink.WriteBatch(context.Background(), []domain.UsageRecord{old, mine, theirs})

	got, err := sink.Query(context.Background(), now.Add(-time.Hour), "u1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].RequestID != "mine" {
		t.Errorf("query result = %+v, want only 'mine'", got)
	}
}

func TestAnalyticsSummarize(t *testing.T) {
	sink := NewMemorySink()
	now := time.Now()

	records := []domain.UsageRecord{
		{RequestID: "r1", UserID: "u1", ModelUsed: "m1", TokensUsed: 100, CostUSD: 0.10, LatencyMs: 100, Success: true, Timestamp: now},
		{RequestID: "r2", UserID: "u1", ModelUsed: "m1", TokensUsed: 0, CostUSD: 0, LatencyMs: 10, Success: true, Cached: true, Timestamp: now},
		{RequestID: "r3", UserID: "u1", ModelUsed: "m2", TokensUsed: 50, CostUSD: 0.05, LatencyMs: 250, Success: false, Timestamp: now},
		{RequestID: "r4", UserID: "u2", ModelUsed: "m2", TokensUsed: 80, CostUSD: 0.08, LatencyMs: 40, Success: true, Timestamp: now},
	}
	sink.WriteBatch(context.Background(), records)

	a := NewAnalytics(sink)
	sum, err := a.Summarize(context.Background(), now.Add(-time.Minute), "")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	if sum.TotalRequests != 4 || sum.Successes != 3 || sum.Failures != 1 {
		t.Errorf("counts = %d/%d/%d", sum.TotalRequests, sum.Successes, sum.Failures)
	}
	if sum.TotalTokens != 230 {
		t.Errorf("tokens = %d, want 230", sum.TotalTokens)
	}
	if sum.AvgLatencyMs != 100 {
		t.Errorf("avg latency = %f, want 100", sum.AvgLatencyMs)
	}
	if sum.CacheHitRate != 0.25 {
		t.Errorf("cache hit rate = %f, want 0.25", sum.CacheHitRate)
	}
	if len(sum.TopModels) != 2 || sum.TopModels[0].ModelID != "m1" {
		t.Errorf("top models = %+v", sum.TopModels)
	}

	// User filter.
	sum, err = a.Summarize(context.Background(), now.Add(-time.Minute), "u2")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.TotalRequests != 1 {
		t.Errorf("filtered requests = %d, want 1", sum.TotalRequests)
	}
}
