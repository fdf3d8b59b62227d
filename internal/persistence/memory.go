package persistence

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process, non-durable Backend used by tests and by
// deployments that intentionally run without persistence.
type MemoryBackend struct {
	mu       sync.Mutex
	tokens   []TokenRecord
	features []FeatureRecord
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) LoadTokens(ctx context.Context) ([]TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TokenRecord(nil), m.tokens...), nil
}

func (m *MemoryBackend) SaveTokens(ctx context.Context, records []TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append([]TokenRecord(nil), records...)
	return nil
}

func (m *MemoryBackend) LoadFeatures(ctx context.Context) ([]FeatureRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FeatureRecord(nil), m.features...), nil
}

func (m *MemoryBackend) SaveFeatures(ctx context.Context, records []FeatureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features = append([]FeatureRecord(nil), records...)
	return nil
}
