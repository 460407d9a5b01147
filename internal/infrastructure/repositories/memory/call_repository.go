package memory

import (
	"context"
	"fmt"
	"sync"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
)

type MemoryCallRepository struct {
	calls map[domain.CallID]*domain.CallRecord
	mu    sync.RWMutex
}

func NewMemoryCallRepository() ports.CallRepository {
	return &MemoryCallRepository{
		calls: make(map[domain.CallID]*domain.CallRecord),
	}
}

func (r *MemoryCallRepository) Create(ctx context.Context, record *domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[record.Sid]; exists {
		return fmt.Errorf("call record already exists: %s", record.Sid)
	}

	clone := *record
	r.calls[record.Sid] = &clone
	return nil
}

func (r *MemoryCallRepository) GetBySid(ctx context.Context, sid domain.CallID) (*domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.calls[sid]
	if !exists {
		return nil, domain.ErrCallNotFound
	}

	clone := *record
	return &clone, nil
}

func (r *MemoryCallRepository) Update(ctx context.Context, record *domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[record.Sid]; !exists {
		return domain.ErrCallNotFound
	}

	clone := *record
	r.calls[record.Sid] = &clone
	return nil
}

func (r *MemoryCallRepository) Mutate(ctx context.Context, sid domain.CallID, fn func(*domain.CallRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.calls[sid]
	if !exists {
		return domain.ErrCallNotFound
	}

	clone := *record
	fn(&clone)
	r.calls[sid] = &clone
	return nil
}

func (r *MemoryCallRepository) Delete(ctx context.Context, sid domain.CallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[sid]; !exists {
		return domain.ErrCallNotFound
	}

	delete(r.calls, sid)
	return nil
}

func (r *MemoryCallRepository) ListActive(ctx context.Context) ([]*domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*domain.CallRecord
	for _, record := range r.calls {
		if record.Active() {
			clone := *record
			active = append(active, &clone)
		}
	}
	return active, nil
}
