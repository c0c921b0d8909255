package repository

import (
	"context"

	"consent-agent/internal/telemetry/domain"
)

// Repository defines persistence for telemetry events.
type Repository interface {
	Save(ctx context.Context, e *domain.Event) error
	GetByID(ctx context.Context, id int64) (*domain.Event, error)
	ListBySubject(ctx context.Context, subjectID string, limit, offset int32) ([]*domain.Event, error)
}
