// seed inserts development sample data for local testing.
// Idempotent: skips inserts if the dev requester policy already exists.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"consent-agent/internal/config"
	"consent-agent/internal/db"
)

// devRequesterPolicy allows the dev requester a slightly higher grant ceiling
// than the built-in default in internal/consent/policy.go.
const devRequesterPolicy = `package consentagent.requester

default allow = false
default max_grants = 48

allow if {
	input.grant.requester != ""
	input.grant.data_category != ""
	count(input.granted) < max_grants
}
`

const devRequester = "dev-requester"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
		os.Exit(1)
	}

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var exists bool
	err = database.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM requester_policies WHERE requester = $1)`, devRequester,
	).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		log.Fatalf("seed: check existing policy: %v", err)
	}
	if exists {
		log.Printf("seed: policy for %s already present, nothing to do", devRequester)
		return
	}

	_, err = database.ExecContext(ctx,
		`INSERT INTO requester_policies (requester, rules, enabled, created_at) VALUES ($1, $2, TRUE, $3)`,
		devRequester, devRequesterPolicy, time.Now().UTC(),
	)
	if err != nil {
		log.Fatalf("seed: insert policy: %v", err)
	}
	log.Printf("seed: inserted requester policy for %s", devRequester)
}
