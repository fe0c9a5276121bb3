package usage

import (
	"context"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// MemorySink holds records in process memory. It backs single-node
// deployments and tests, and serves analytics queries directly.
type MemorySink struct {
	mu      sync.RWMutex
	records []domain.UsageRecord
}

func NewMemorySink() *MemorySink {
	return &MemorySink{records: make([]domain.UsageRecord, 0)}
}

func (s *MemorySink) WriteBatch(_ context.Context, records []domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// Query returns records at or after since, newest last. An empty userID
// matches every user.
func (s *MemorySink) Query(_ context.Context, since time.Time, userID string) ([]domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.UsageRecord
	for _, rec := range s.records {
		if rec.Timestamp.Before(since) {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Len reports the number of stored records.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
