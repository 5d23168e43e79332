package repository

import (
	"context"
	"sync"

	"session-control-plane/internal/audit/domain"
)

// MemoryRepository is an in-memory Repository for tests and for running
// without a database. Safe for concurrent use.
type MemoryRepository struct {
	mu     sync.Mutex
	events []*domain.SecurityEvent
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Create(_ context.Context, e *domain.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.events = append(r.events, &cp)
	return nil
}

func (r *MemoryRepository) ListByUser(_ context.Context, userID string, limit, offset int32) ([]*domain.SecurityEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*domain.SecurityEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].UserID == userID {
			cp := *r.events[i]
			matched = append(matched, &cp)
		}
	}
	if int(offset) >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if int(limit) < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// All returns every recorded event, oldest first. Test helper.
func (r *MemoryRepository) All() []*domain.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.SecurityEvent, len(r.events))
	copy(out, r.events)
	return out
}

var _ Repository = (*MemoryRepository)(nil)
