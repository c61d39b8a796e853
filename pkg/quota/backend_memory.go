package quota

import (
	"context"
	"sync"

	"pdfpage/pkg/domain"
)

// MemoryBackend keeps records in process memory. It is the default ephemeral
// backend for anonymous sessions when Redis is not configured.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]domain.UsageRecord
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]domain.UsageRecord)}
}

func (m *MemoryBackend) LoadUsage(_ context.Context, key string) (domain.UsageRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok, nil
}

func (m *MemoryBackend) SaveUsage(_ context.Context, rec domain.UsageRecord) error {
	m.mu.Lock()
	m.records[rec.Key] = rec
	m.mu.Unlock()
	return nil
}
