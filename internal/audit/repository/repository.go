package repository

import (
	"context"

	"consent-agent/internal/audit/domain"
)

// Repository defines persistence for handshake events.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.HandshakeEvent, error)
	ListBySubject(ctx context.Context, subjectID string, limit, offset int32) ([]*domain.HandshakeEvent, error)
	Create(ctx context.Context, e *domain.HandshakeEvent) error
}
