// Package usage buffers per-request accounting records and flushes them to
// an analytics sink in batches. Sink failures never fail the request path.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/metrics"
)

const (
	// DefaultFlushBatch is the number of buffered records that triggers a flush.
	DefaultFlushBatch = 100
	// DefaultBufferSize bounds the in-memory buffer. When full, the oldest
	// record is dropped and the drop counter incremented.
	DefaultBufferSize = 10000
	// DefaultFlushInterval is the cadence of the background flush loop.
	DefaultFlushInterval = 10 * time.Second
)

// Sink receives batches of usage records.
type Sink interface {
	WriteBatch(ctx context.Context, records []domain.UsageRecord) error
}

// Logger accumulates usage records and hands them to the sink in batches.
type Logger struct {
	mu         sync.Mutex
	buffer     []domain.UsageRecord
	dropped    uint64
	sink       Sink
	batchSize  int
	bufferSize int
	logger     *slog.Logger
}

func NewLogger(sink Sink, batchSize, bufferSize int, logger *slog.Logger) *Logger {
	if batchSize <= 0 {
		batchSize = DefaultFlushBatch
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		buffer:     make([]domain.UsageRecord, 0, batchSize),
		sink:       sink,
		batchSize:  batchSize,
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Record buffers one usage record. When the buffer reaches the batch size
// the batch is flushed asynchronously; Record never blocks on the sink.
func (l *Logger) Record(rec domain.UsageRecord) {
	var batch []domain.UsageRecord

	l.mu.Lock()
	if len(l.buffer) >= l.bufferSize {
		l.buffer = l.buffer[1:]
		l.dropped++
		metrics.UsageRecordsDropped.Inc()
	}
	l.buffer = append(l.buffer, rec)
	if len(l.buffer) >= l.batchSize {
		batch = l.takeLocked()
	}
	l.mu.Unlock()

	if len(batch) > 0 {
		go l.write(context.Background(), batch)
	}
}

// Flush writes all buffered records to the sink synchronously.
func (l *Logger) Flush(ctx context.Context) {
	l.mu.Lock()
	batch := l.takeLocked()
	l.mu.Unlock()

	if len(batch) > 0 {
		l.write(ctx, batch)
	}
}

func (l *Logger) takeLocked() []domain.UsageRecord {
	batch := l.buffer
	l.buffer = make([]domain.UsageRecord, 0, l.batchSize)
	return batch
}

func (l *Logger) write(ctx context.Context, batch []domain.UsageRecord) {
	if err := l.sink.WriteBatch(ctx, batch); err != nil {
		l.logger.Error("usage flush failed", "records", len(batch), "error", err)
	}
}

// Dropped reports how many records were discarded to buffer overflow.
func (l *Logger) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Buffered reports the current buffer depth.
func (l *Logger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// RunFlushLoop flushes on a fixed interval until stop is closed, then
// performs a final flush.
func (l *Logger) RunFlushLoop(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Flush(context.Background())
		case <-stop:
			l.Flush(context.Background())
			return
		}
	}
}
