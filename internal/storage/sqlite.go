package storage

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLStore{db: db, d: sqliteDialect{}}, nil
}

func initSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ingestion_jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		metadata TEXT,
		nugget_count INTEGER,
		error_message TEXT,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON ingestion_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_org_created ON ingestion_jobs(organization_id, created_at);

	CREATE TABLE IF NOT EXISTS watched_folders (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		path TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		file_types TEXT NOT NULL DEFAULT '[]',
		recursive BOOLEAN NOT NULL DEFAULT 0,
		auto_process BOOLEAN NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS monitored_urls (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		url TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		check_interval INTEGER NOT NULL DEFAULT 5,
		last_checked TIMESTAMP,
		last_modified TIMESTAMP,
		etag TEXT
	);

	CREATE TABLE IF NOT EXISTS nuggets (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT NOT NULL,
		status TEXT NOT NULL,
		image_url TEXT,
		embedding BLOB,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nuggets_org ON nuggets(organization_id);

	CREATE TABLE IF NOT EXISTS nugget_sources (
		id TEXT PRIMARY KEY,
		nugget_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		source_path TEXT NOT NULL,
		ingestion_job_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (nugget_id) REFERENCES nuggets(id) ON DELETE CASCADE,
		FOREIGN KEY (ingestion_job_id) REFERENCES ingestion_jobs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sources_job ON nugget_sources(ingestion_job_id);
	CREATE INDEX IF NOT EXISTS idx_sources_nugget ON nugget_sources(nugget_id);
	`
	_, err := db.Exec(schema)
	return err
}

type sqliteDialect struct{}

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) vectorSelect(column string) string { return column }

// vectorArg encodes v as little-endian float32s.
func (sqliteDialect) vectorArg(v []float32) (any, error) {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf, nil
}

func (sqliteDialect) parseVector(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(raw))
	}
	v := make([]float32, len(raw)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return v, nil
}
