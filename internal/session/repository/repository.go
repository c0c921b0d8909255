package repository

import (
	"context"

	"consent-agent/internal/session/domain"
)

// Repository defines durable persistence for sessions.
type Repository interface {
	Save(ctx context.Context, s *domain.Session) error
	Get(ctx context.Context, subjectID string) (*domain.Session, error)
	Delete(ctx context.Context, subjectID string) error
}
