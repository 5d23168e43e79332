package repository

import (
	"context"

	"session-control-plane/internal/audit/domain"
)

// Repository defines persistence for security events.
type Repository interface {
	Create(ctx context.Context, e *domain.SecurityEvent) error
	ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*domain.SecurityEvent, error)
}
