package consent

import (
	"context"
	"database/sql"
)

// PostgresPolicySource loads custom requester policies from the
// requester_policies table.
type PostgresPolicySource struct {
	db *sql.DB
}

// NewPostgresPolicySource returns a policy source backed by the given db.
func NewPostgresPolicySource(db *sql.DB) *PostgresPolicySource {
	return &PostgresPolicySource{db: db}
}

// PoliciesForRequester returns the enabled Rego modules for the requester,
// oldest first. An empty result selects the default policy.
func (s *PostgresPolicySource) PoliciesForRequester(ctx context.Context, requester string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rules FROM requester_policies
		WHERE requester = $1 AND enabled = TRUE
		ORDER BY created_at`, requester)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var rules string
		if err := rows.Scan(&rules); err != nil {
			return nil, err
		}
		if rules != "" {
			out = append(out, rules)
		}
	}
	return out, rows.Err()
}
