package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"
)

// NewPostgresStore connects to Postgres at databaseURL and initializes the schema.
// The embedding column is a pgvector vector of the given dimensions.
func NewPostgresStore(ctx context.Context, databaseURL string, dimensions int) (*SQLStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is required for postgres")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", dimensions)
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initPostgresSchema(ctx, db, dimensions); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLStore{db: db, d: postgresDialect{}}, nil
}

func initPostgresSchema(ctx context.Context, db *sql.DB, dimensions int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS ingestion_jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			source TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			metadata JSONB,
			nugget_count INTEGER,
			error_message TEXT,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON ingestion_jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_org_created ON ingestion_jobs(organization_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS watched_folders (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			path TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			file_types JSONB NOT NULL DEFAULT '[]',
			recursive BOOLEAN NOT NULL DEFAULT FALSE,
			auto_process BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS monitored_urls (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			url TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			check_interval INTEGER NOT NULL DEFAULT 5,
			last_checked TIMESTAMPTZ,
			last_modified TIMESTAMPTZ,
			etag TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS nuggets (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL,
			status TEXT NOT NULL,
			image_url TEXT,
			embedding vector(` + strconv.Itoa(dimensions) + `),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nuggets_org ON nuggets(organization_id)`,
		`CREATE TABLE IF NOT EXISTS nugget_sources (
			id TEXT PRIMARY KEY,
			nugget_id TEXT NOT NULL REFERENCES nuggets(id) ON DELETE CASCADE,
			source_type TEXT NOT NULL,
			source_path TEXT NOT NULL,
			ingestion_job_id TEXT NOT NULL REFERENCES ingestion_jobs(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sources_job ON nugget_sources(ingestion_job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sources_nugget ON nugget_sources(nugget_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type postgresDialect struct{}

// rebind rewrites ? placeholders as $1, $2, ...
func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) vectorSelect(column string) string { return column + "::text" }

func (postgresDialect) vectorArg(v []float32) (any, error) {
	return pgvector.NewVector(v), nil
}

func (postgresDialect) parseVector(raw []byte) ([]float32, error) {
	var v pgvector.Vector
	if err := v.Scan(raw); err != nil {
		return nil, err
	}
	return v.Slice(), nil
}
