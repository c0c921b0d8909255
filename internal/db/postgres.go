// Package db owns the agent's Postgres handle and the embedded schema
// migrations for sessions, platform connections, handshake events, telemetry
// events, and requester policies.
package db

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens and ping-checks a Postgres pool for the given DSN. The caller
// owns the handle and must Close it.
func Open(dsn string) (*sql.DB, error) {
	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return pool, nil
}
