package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperjump/nuggetize/internal/config"
	"github.com/hyperjump/nuggetize/internal/models"
)

// dialect hides the differences between the SQL backends.
type dialect interface {
	// rebind rewrites ? placeholders into the backend's form.
	rebind(query string) string
	// vectorArg encodes an embedding for insertion.
	vectorArg(v []float32) (any, error)
	// vectorSelect is the select expression that yields the embedding as bytes or text.
	vectorSelect(column string) string
	parseVector(raw []byte) ([]float32, error)
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// Open opens the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, dimensions int) (*SQLStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		return NewSQLiteStore(cfg.DatabasePath)
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg.DatabaseURL, dimensions)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(query), args...)
}

type scanner interface {
	Scan(dest ...any) error
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// requireRow turns a zero-row update into ErrNotFound.
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	return string(data), nil
}

// ---- ingestion jobs ----

const jobColumns = `id, kind, source, organization_id, status, metadata, nugget_count,
	error_message, started_at, completed_at, created_at`

func scanJob(row scanner) (*models.IngestionJob, error) {
	var (
		job          models.IngestionJob
		metadataJSON sql.NullString
		nuggetCount  sql.NullInt64
		errMsg       sql.NullString
		started      sql.NullTime
		completed    sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.Kind, &job.Source, &job.OrganizationID, &job.Status,
		&metadataJSON, &nuggetCount, &errMsg, &started, &completed, &job.CreatedAt); err != nil {
		return nil, err
	}
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job metadata: %w", err)
		}
	}
	if nuggetCount.Valid {
		n := int(nuggetCount.Int64)
		job.NuggetCount = &n
	}
	job.ErrorMessage = stringPtr(errMsg)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	return &job, nil
}

// CreateJob inserts a job. Status defaults to pending and CreatedAt to now.
func (s *SQLStore) CreateJob(ctx context.Context, job *models.IngestionJob) error {
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.CreatedAt = job.CreatedAt.UTC()
	metadataJSON, err := marshalJSON(job.Metadata)
	if err != nil {
		return err
	}
	var nuggetCount sql.NullInt64
	if job.NuggetCount != nil {
		nuggetCount = sql.NullInt64{Int64: int64(*job.NuggetCount), Valid: true}
	}
	var errMsg sql.NullString
	if job.ErrorMessage != nil {
		errMsg = sql.NullString{String: *job.ErrorMessage, Valid: true}
	}
	_, err = s.exec(ctx,
		`INSERT INTO ingestion_jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Kind), job.Source, job.OrganizationID, string(job.Status), metadataJSON,
		nuggetCount, errMsg, nullTime(job.StartedAt), nullTime(job.CompletedAt), job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by ID.
func (s *SQLStore) GetJob(ctx context.Context, id string) (*models.IngestionJob, error) {
	job, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM ingestion_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("job", id)
	}
	return job, err
}

func (s *SQLStore) listJobs(ctx context.Context, query string, args ...any) ([]*models.IngestionJob, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.IngestionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListJobs returns jobs matching filter, newest first.
func (s *SQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.IngestionJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	q := `SELECT ` + jobColumns + ` FROM ingestion_jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.listJobs(ctx, q, args...)
}

// ListJobsByStatus returns every job in status across organizations, oldest first.
func (s *SQLStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.IngestionJob, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs WHERE status = ? ORDER BY created_at ASC`,
		string(status))
}

// MarkJobProcessing claims a pending job.
func (s *SQLStore) MarkJobProcessing(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE ingestion_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(models.JobProcessing), startedAt, id, string(models.JobPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// CompleteJob records a successful run.
func (s *SQLStore) CompleteJob(ctx context.Context, id string, nuggetCount int, completedAt time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE ingestion_jobs SET status = ?, nugget_count = ?, completed_at = ?, error_message = NULL
		 WHERE id = ?`,
		string(models.JobCompleted), nuggetCount, completedAt, id)
	if err != nil {
		return err
	}
	return requireRow(res, "job", id)
}

// FailJob records a terminal failure.
func (s *SQLStore) FailJob(ctx context.Context, id string, message string, completedAt time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE ingestion_jobs SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
		string(models.JobFailed), message, completedAt, id)
	if err != nil {
		return err
	}
	return requireRow(res, "job", id)
}

// ResetJob makes a failed job pending again.
func (s *SQLStore) ResetJob(ctx context.Context, id string) error {
	res, err := s.exec(ctx,
		`UPDATE ingestion_jobs
		 SET status = ?, error_message = NULL, nugget_count = NULL, started_at = NULL, completed_at = NULL
		 WHERE id = ? AND status = ?`,
		string(models.JobPending), id, string(models.JobFailed))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", id, job.Status, ErrInvalidTransition)
}

// ---- watched folders ----

const folderColumns = `id, organization_id, path, enabled, file_types, recursive, auto_process`

func scanFolder(row scanner) (*models.WatchedFolder, error) {
	var (
		f         models.WatchedFolder
		fileTypes sql.NullString
	)
	if err := row.Scan(&f.ID, &f.OrganizationID, &f.Path, &f.Enabled, &fileTypes, &f.Recursive, &f.AutoProcess); err != nil {
		return nil, err
	}
	if fileTypes.Valid && fileTypes.String != "" {
		if err := json.Unmarshal([]byte(fileTypes.String), &f.FileTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal file types: %w", err)
		}
	}
	if f.FileTypes == nil {
		f.FileTypes = []string{}
	}
	return &f, nil
}

// UpsertFolder inserts or replaces a folder by ID. File types are stored lower-case without dots.
func (s *SQLStore) UpsertFolder(ctx context.Context, f *models.WatchedFolder) error {
	f.FileTypes = models.NormalizeFileTypes(f.FileTypes)
	fileTypes, err := marshalJSON(f.FileTypes)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO watched_folders (`+folderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			organization_id = excluded.organization_id,
			path = excluded.path,
			enabled = excluded.enabled,
			file_types = excluded.file_types,
			recursive = excluded.recursive,
			auto_process = excluded.auto_process`,
		f.ID, f.OrganizationID, f.Path, f.Enabled, fileTypes, f.Recursive, f.AutoProcess)
	if err != nil {
		return fmt.Errorf("failed to upsert folder: %w", err)
	}
	return nil
}

// GetFolder returns a folder by ID.
func (s *SQLStore) GetFolder(ctx context.Context, id string) (*models.WatchedFolder, error) {
	f, err := scanFolder(s.queryRow(ctx, `SELECT `+folderColumns+` FROM watched_folders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("folder", id)
	}
	return f, err
}

// ListFolders returns folders ordered by ID.
func (s *SQLStore) ListFolders(ctx context.Context, enabledOnly bool) ([]*models.WatchedFolder, error) {
	q := `SELECT ` + folderColumns + ` FROM watched_folders`
	var args []any
	if enabledOnly {
		q += ` WHERE enabled = ?`
		args = append(args, true)
	}
	rows, err := s.query(ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []*models.WatchedFolder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// DeleteFolder removes a folder.
func (s *SQLStore) DeleteFolder(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM watched_folders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "folder", id)
}

// ---- monitored URLs ----

const urlColumns = `id, organization_id, url, enabled, check_interval, last_checked, last_modified, etag`

func scanURL(row scanner) (*models.MonitoredURL, error) {
	var (
		u            models.MonitoredURL
		lastChecked  sql.NullTime
		lastModified sql.NullTime
		etag         sql.NullString
	)
	if err := row.Scan(&u.ID, &u.OrganizationID, &u.URL, &u.Enabled, &u.CheckInterval,
		&lastChecked, &lastModified, &etag); err != nil {
		return nil, err
	}
	u.LastChecked = timePtr(lastChecked)
	u.LastModified = timePtr(lastModified)
	u.ETag = stringPtr(etag)
	return &u, nil
}

// UpsertURL inserts a URL or updates its configuration. Poll state is kept on update.
func (s *SQLStore) UpsertURL(ctx context.Context, u *models.MonitoredURL) error {
	var etag sql.NullString
	if u.ETag != nil {
		etag = sql.NullString{String: *u.ETag, Valid: true}
	}
	_, err := s.exec(ctx,
		`INSERT INTO monitored_urls (`+urlColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			organization_id = excluded.organization_id,
			url = excluded.url,
			enabled = excluded.enabled,
			check_interval = excluded.check_interval`,
		u.ID, u.OrganizationID, u.URL, u.Enabled, u.CheckInterval,
		nullTime(u.LastChecked), nullTime(u.LastModified), etag)
	if err != nil {
		return fmt.Errorf("failed to upsert url: %w", err)
	}
	return nil
}

// GetURL returns a monitored URL by ID.
func (s *SQLStore) GetURL(ctx context.Context, id string) (*models.MonitoredURL, error) {
	u, err := scanURL(s.queryRow(ctx, `SELECT `+urlColumns+` FROM monitored_urls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("url", id)
	}
	return u, err
}

// ListURLs returns monitored URLs ordered by ID.
func (s *SQLStore) ListURLs(ctx context.Context, enabledOnly bool) ([]*models.MonitoredURL, error) {
	q := `SELECT ` + urlColumns + ` FROM monitored_urls`
	var args []any
	if enabledOnly {
		q += ` WHERE enabled = ?`
		args = append(args, true)
	}
	rows, err := s.query(ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var urls []*models.MonitoredURL
	for rows.Next() {
		u, err := scanURL(rows)
		if err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// UpdateURLCheck records the outcome of one poll.
func (s *SQLStore) UpdateURLCheck(ctx context.Context, id string, checkedAt time.Time, v *URLValidators) error {
	var (
		res sql.Result
		err error
	)
	if v == nil {
		res, err = s.exec(ctx, `UPDATE monitored_urls SET last_checked = ? WHERE id = ?`, checkedAt, id)
	} else {
		var etag sql.NullString
		if v.ETag != nil {
			etag = sql.NullString{String: *v.ETag, Valid: true}
		}
		res, err = s.exec(ctx,
			`UPDATE monitored_urls SET last_checked = ?, etag = ?, last_modified = ? WHERE id = ?`,
			checkedAt, etag, nullTime(v.LastModified), id)
	}
	if err != nil {
		return err
	}
	return requireRow(res, "url", id)
}

// ---- nuggets ----

func (s *SQLStore) nuggetColumns(prefix string) string {
	cols := []string{"id", "organization_id", "content", "metadata", "status", "image_url"}
	for i, c := range cols {
		cols[i] = prefix + c
	}
	cols = append(cols, s.d.vectorSelect(prefix+"embedding"), prefix+"created_at", prefix+"updated_at")
	return strings.Join(cols, ", ")
}

func (s *SQLStore) scanNugget(row scanner) (*models.Nugget, error) {
	var (
		n            models.Nugget
		metadataJSON string
		imageURL     sql.NullString
		embedding    []byte
	)
	if err := row.Scan(&n.ID, &n.OrganizationID, &n.Content, &metadataJSON, &n.Status, &imageURL,
		&embedding, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadataJSON), &n.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nugget metadata: %w", err)
	}
	n.ImageURL = stringPtr(imageURL)
	if len(embedding) > 0 {
		v, err := s.d.parseVector(embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to decode embedding: %w", err)
		}
		n.Embedding = v
	}
	return &n, nil
}

// CreateNugget inserts a nugget without its embedding.
func (s *SQLStore) CreateNugget(ctx context.Context, n *models.Nugget) error {
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now
	if n.Status == "" {
		n.Status = models.NuggetReady
	}
	metadataJSON, err := marshalJSON(n.Metadata)
	if err != nil {
		return err
	}
	var imageURL sql.NullString
	if n.ImageURL != nil {
		imageURL = sql.NullString{String: *n.ImageURL, Valid: true}
	}
	_, err = s.exec(ctx,
		`INSERT INTO nuggets (id, organization_id, content, metadata, status, image_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.OrganizationID, n.Content, metadataJSON, n.Status, imageURL, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert nugget: %w", err)
	}
	return nil
}

// GetNugget returns a nugget by ID, including its embedding when stored.
func (s *SQLStore) GetNugget(ctx context.Context, id string) (*models.Nugget, error) {
	n, err := s.scanNugget(s.queryRow(ctx, `SELECT `+s.nuggetColumns("")+` FROM nuggets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("nugget", id)
	}
	return n, err
}

// UpdateNuggetImage sets the nugget's image URL.
func (s *SQLStore) UpdateNuggetImage(ctx context.Context, id, imageURL string) error {
	res, err := s.exec(ctx, `UPDATE nuggets SET image_url = ?, updated_at = ? WHERE id = ?`,
		imageURL, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "nugget", id)
}

// StoreEmbedding stores the nugget's embedding vector.
func (s *SQLStore) StoreEmbedding(ctx context.Context, id string, embedding []float32) error {
	arg, err := s.d.vectorArg(embedding)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `UPDATE nuggets SET embedding = ?, updated_at = ? WHERE id = ?`,
		arg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return requireRow(res, "nugget", id)
}

// ListNuggetsByJob returns the nuggets linked to a job in creation order.
func (s *SQLStore) ListNuggetsByJob(ctx context.Context, jobID string) ([]*models.Nugget, error) {
	rows, err := s.query(ctx,
		`SELECT `+s.nuggetColumns("n.")+`
		 FROM nuggets n JOIN nugget_sources src ON src.nugget_id = n.id
		 WHERE src.ingestion_job_id = ?
		 ORDER BY n.created_at, n.id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nuggets []*models.Nugget
	for rows.Next() {
		n, err := s.scanNugget(rows)
		if err != nil {
			return nil, err
		}
		nuggets = append(nuggets, n)
	}
	return nuggets, rows.Err()
}

// ---- provenance ----

// CreateNuggetSource inserts a provenance link.
func (s *SQLStore) CreateNuggetSource(ctx context.Context, src *models.NuggetSource) error {
	src.CreatedAt = time.Now().UTC()
	_, err := s.exec(ctx,
		`INSERT INTO nugget_sources (id, nugget_id, source_type, source_path, ingestion_job_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		src.ID, src.NuggetID, string(src.SourceType), src.SourcePath, src.IngestionJobID, src.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert nugget source: %w", err)
	}
	return nil
}

// ListSourcesByJob returns the provenance links of a job in creation order.
func (s *SQLStore) ListSourcesByJob(ctx context.Context, jobID string) ([]*models.NuggetSource, error) {
	rows, err := s.query(ctx,
		`SELECT id, nugget_id, source_type, source_path, ingestion_job_id, created_at
		 FROM nugget_sources WHERE ingestion_job_id = ? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*models.NuggetSource
	for rows.Next() {
		var src models.NuggetSource
		if err := rows.Scan(&src.ID, &src.NuggetID, &src.SourceType, &src.SourcePath, &src.IngestionJobID, &src.CreatedAt); err != nil {
			return nil, err
		}
		sources = append(sources, &src)
	}
	return sources, rows.Err()
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
