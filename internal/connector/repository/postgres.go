package repository

import (
	"context"
	"database/sql"
	"time"

	"consent-agent/internal/connector"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a connection repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// SaveConnection upserts the connection record keyed by subject and platform.
func (r *PostgresRepository) SaveConnection(ctx context.Context, subjectID string, conn connector.Connection) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO platform_connections (subject_id, platform_id, status, transport, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_id, platform_id) DO UPDATE SET
			status = EXCLUDED.status,
			transport = EXCLUDED.transport,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`,
		subjectID, conn.PlatformID, string(conn.Status), string(conn.Transport), conn.LastError, time.Now().UTC())
	return err
}

// ListConnections returns every connection record for the subject.
func (r *PostgresRepository) ListConnections(ctx context.Context, subjectID string) ([]connector.Connection, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT platform_id, status, transport, last_error
		FROM platform_connections WHERE subject_id = $1
		ORDER BY platform_id`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []connector.Connection
	for rows.Next() {
		var conn connector.Connection
		var status, transport string
		if err := rows.Scan(&conn.PlatformID, &status, &transport, &conn.LastError); err != nil {
			return nil, err
		}
		conn.Status = connector.Status(status)
		conn.Transport = connector.Transport(transport)
		out = append(out, conn)
	}
	return out, rows.Err()
}

// DeleteConnection removes one connection row. Deleting a missing row is not an error.
func (r *PostgresRepository) DeleteConnection(ctx context.Context, subjectID, platformID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM platform_connections WHERE subject_id = $1 AND platform_id = $2`,
		subjectID, platformID)
	return err
}
