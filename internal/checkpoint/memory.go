package checkpoint

import (
	"context"
	"sync"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

// Memory keeps checkpoints in process memory.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]Checkpoint
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]Checkpoint)}
}

// Save stores a copy of cp.
func (m *Memory) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[cp.JobID] = clone(cp)
	return nil
}

// Load returns a copy of the latest checkpoint for jobID.
func (m *Memory) Load(_ context.Context, jobID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.jobs[jobID]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return clone(cp), nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

func clone(cp Checkpoint) Checkpoint {
	cp.Signatures = append([]crawler.PatternSignature(nil), cp.Signatures...)
	cp.Committed = append([]string(nil), cp.Committed...)
	cp.PendingFrontier = append([]crawler.FrontierEntry(nil), cp.PendingFrontier...)
	return cp
}
