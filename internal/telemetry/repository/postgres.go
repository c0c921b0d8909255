package repository

import (
	"context"
	"database/sql"
	"errors"

	"consent-agent/internal/telemetry/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a telemetry repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Save persists the event and fills in its generated id.
func (r *PostgresRepository) Save(ctx context.Context, e *domain.Event) error {
	var meta []byte
	if len(e.Metadata) > 0 {
		meta = e.Metadata
	}
	return r.db.QueryRowContext(ctx, `
		INSERT INTO telemetry_events (subject_id, requester, platform, event_type, source, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.SubjectID, e.Requester, e.Platform, e.EventType, e.Source, meta, e.CreatedAt).Scan(&e.ID)
}

// GetByID returns the event for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*domain.Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, subject_id, requester, platform, event_type, source, metadata, created_at
		FROM telemetry_events WHERE id = $1`, id)
	var e domain.Event
	var meta []byte
	err := row.Scan(&e.ID, &e.SubjectID, &e.Requester, &e.Platform, &e.EventType, &e.Source, &meta, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.Metadata = meta
	return &e, nil
}

// ListBySubject returns events for the given subject, newest first, paginated by limit and offset.
func (r *PostgresRepository) ListBySubject(ctx context.Context, subjectID string, limit, offset int32) ([]*domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, subject_id, requester, platform, event_type, source, metadata, created_at
		FROM telemetry_events WHERE subject_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, subjectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		var e domain.Event
		var meta []byte
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.Requester, &e.Platform, &e.EventType, &e.Source, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Metadata = meta
		out = append(out, &e)
	}
	return out, rows.Err()
}
