package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DB wraps the Postgres connection pool shared by the repositories.
type DB struct {
	*sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS job_artifacts (
	id         BIGSERIAL PRIMARY KEY,
	job_id     TEXT NOT NULL,
	type       TEXT NOT NULL,
	uri        TEXT NOT NULL,
	meta_json  TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS job_artifacts_weights_once
	ON job_artifacts (job_id) WHERE type = 'weights';
CREATE TABLE IF NOT EXISTS job_events (
	id        BIGSERIAL PRIMARY KEY,
	job_id    TEXT NOT NULL,
	at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	reason    TEXT NOT NULL,
	meta_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS job_events_job_id ON job_events (job_id, at DESC);
`

// NewDB opens a Postgres connection pool and makes sure the ledger tables exist.
func NewDB(ctx context.Context, databaseURL string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{DB: sqlDB}, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
