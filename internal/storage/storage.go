// Package storage defines the persistence interface for ingestion jobs, watch
// configuration, nuggets and their provenance.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hyperjump/nuggetize/internal/models"
)

var (
	// ErrNotFound is wrapped by every lookup of a missing record.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a job is not in the state an update requires.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// JobFilter selects jobs for listing. Empty fields do not filter.
type JobFilter struct {
	OrganizationID string
	Status         models.JobStatus
	Limit          int
}

// URLValidators are the conditional-request validators stored after a changed check.
type URLValidators struct {
	ETag         *string
	LastModified *time.Time
}

// Store persists pipeline records.
type Store interface {
	// Ingestion jobs
	CreateJob(ctx context.Context, job *models.IngestionJob) error
	GetJob(ctx context.Context, id string) (*models.IngestionJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.IngestionJob, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.IngestionJob, error)
	// MarkJobProcessing moves a pending job to processing. It reports false when the
	// job exists but is no longer pending.
	MarkJobProcessing(ctx context.Context, id string, startedAt time.Time) (bool, error)
	CompleteJob(ctx context.Context, id string, nuggetCount int, completedAt time.Time) error
	FailJob(ctx context.Context, id string, message string, completedAt time.Time) error
	// ResetJob moves a failed job back to pending and clears its outcome fields.
	ResetJob(ctx context.Context, id string) error

	// Watched folders
	UpsertFolder(ctx context.Context, folder *models.WatchedFolder) error
	GetFolder(ctx context.Context, id string) (*models.WatchedFolder, error)
	ListFolders(ctx context.Context, enabledOnly bool) ([]*models.WatchedFolder, error)
	DeleteFolder(ctx context.Context, id string) error

	// Monitored URLs
	UpsertURL(ctx context.Context, u *models.MonitoredURL) error
	GetURL(ctx context.Context, id string) (*models.MonitoredURL, error)
	ListURLs(ctx context.Context, enabledOnly bool) ([]*models.MonitoredURL, error)
	// UpdateURLCheck records a poll. When v is nil only last_checked changes.
	UpdateURLCheck(ctx context.Context, id string, checkedAt time.Time, v *URLValidators) error

	// Nuggets
	CreateNugget(ctx context.Context, n *models.Nugget) error
	GetNugget(ctx context.Context, id string) (*models.Nugget, error)
	UpdateNuggetImage(ctx context.Context, id, imageURL string) error
	StoreEmbedding(ctx context.Context, id string, embedding []float32) error
	ListNuggetsByJob(ctx context.Context, jobID string) ([]*models.Nugget, error)

	// Provenance
	CreateNuggetSource(ctx context.Context, src *models.NuggetSource) error
	ListSourcesByJob(ctx context.Context, jobID string) ([]*models.NuggetSource, error)

	Close() error
}
