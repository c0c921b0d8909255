package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"consent-agent/internal/session/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Save upserts the session keyed by subject id.
func (r *PostgresRepository) Save(ctx context.Context, s *domain.Session) error {
	accounts, err := json.Marshal(s.ConnectedAccounts)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (subject_id, bearer_token, issued_at, expires_at, onboarding_complete, pin_created, connected_accounts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_id) DO UPDATE SET
			bearer_token = EXCLUDED.bearer_token,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			onboarding_complete = EXCLUDED.onboarding_complete,
			pin_created = EXCLUDED.pin_created,
			connected_accounts = EXCLUDED.connected_accounts`,
		s.SubjectID, s.BearerToken, s.IssuedAt, s.ExpiresAt, s.OnboardingComplete, s.PinCreated, accounts)
	return err
}

// Get returns the session for subjectID, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) Get(ctx context.Context, subjectID string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT subject_id, bearer_token, issued_at, expires_at, onboarding_complete, pin_created, connected_accounts
		FROM sessions WHERE subject_id = $1`, subjectID)
	var s domain.Session
	var accounts []byte
	err := row.Scan(&s.SubjectID, &s.BearerToken, &s.IssuedAt, &s.ExpiresAt, &s.OnboardingComplete, &s.PinCreated, &accounts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(accounts) > 0 {
		if err := json.Unmarshal(accounts, &s.ConnectedAccounts); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// Delete removes the session for subjectID. Deleting a missing row is not an error.
func (r *PostgresRepository) Delete(ctx context.Context, subjectID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE subject_id = $1`, subjectID)
	return err
}
