package repository

import (
	"context"
	"database/sql"
	"errors"

	"consent-agent/internal/audit/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a handshake event repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the event for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.HandshakeEvent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, subject_id, requester, action, resource, origin, metadata, created_at
		FROM handshake_events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// ListBySubject returns events for the given subject, newest first, paginated
// by limit and offset.
func (r *PostgresRepository) ListBySubject(ctx context.Context, subjectID string, limit, offset int32) ([]*domain.HandshakeEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, subject_id, requester, action, resource, origin, metadata, created_at
		FROM handshake_events WHERE subject_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, subjectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.HandshakeEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Create persists the event. The event must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, e *domain.HandshakeEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO handshake_events (id, subject_id, requester, action, resource, origin, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.SubjectID, e.Requester, e.Action, e.Resource, e.Origin, e.Metadata, e.CreatedAt)
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEvent(row scannable) (*domain.HandshakeEvent, error) {
	var e domain.HandshakeEvent
	err := row.Scan(&e.ID, &e.SubjectID, &e.Requester, &e.Action, &e.Resource, &e.Origin, &e.Metadata, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
