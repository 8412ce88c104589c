// Package models defines the records that flow through the ingestion pipeline.
package models

import (
	"strings"
	"time"
)

// SourceKind is the kind of source an ingestion job reads from.
type SourceKind string

const (
	KindFile SourceKind = "file"
	KindURL  SourceKind = "url"
)

// JobStatus is the lifecycle state of an ingestion job.
// Transitions are pending -> processing -> completed | failed.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

// IngestionJob tracks one source through extraction, chunking and nugget creation.
type IngestionJob struct {
	ID             string                 `json:"id" db:"id"`
	Kind           SourceKind             `json:"kind" db:"kind"`
	Source         string                 `json:"source" db:"source"`
	OrganizationID string                 `json:"organization_id" db:"organization_id"`
	Status         JobStatus              `json:"status" db:"status"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	NuggetCount    *int                   `json:"nugget_count,omitempty" db:"nugget_count"`
	ErrorMessage   *string                `json:"error_message,omitempty" db:"error_message"`
	StartedAt      *time.Time             `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// WatchedFolder configures filesystem monitoring for one directory.
type WatchedFolder struct {
	ID             string   `json:"id" yaml:"id" db:"id"`
	OrganizationID string   `json:"organization_id" yaml:"organization_id" db:"organization_id"`
	Path           string   `json:"path" yaml:"path" db:"path"`
	Enabled        bool     `json:"enabled" yaml:"enabled" db:"enabled"`
	FileTypes      []string `json:"file_types" yaml:"file_types" db:"file_types"` // lower-case, no dot
	Recursive      bool     `json:"recursive" yaml:"recursive" db:"recursive"`
	AutoProcess    bool     `json:"auto_process" yaml:"auto_process" db:"auto_process"`
}

// NormalizeFileTypes lower-cases extensions and strips leading dots. Empty and duplicate entries are dropped.
func NormalizeFileTypes(types []string) []string {
	out := make([]string, 0, len(types))
	seen := make(map[string]bool, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimLeft(strings.TrimSpace(t), "."))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Accepts reports whether a file with extension ext (with or without dot) matches the folder's filter.
func (f *WatchedFolder) Accepts(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		return false
	}
	for _, t := range f.FileTypes {
		if strings.ToLower(strings.TrimPrefix(t, ".")) == ext {
			return true
		}
	}
	return false
}

// MonitoredURL configures periodic change detection for one web page.
type MonitoredURL struct {
	ID             string     `json:"id" yaml:"id" db:"id"`
	OrganizationID string     `json:"organization_id" yaml:"organization_id" db:"organization_id"`
	URL            string     `json:"url" yaml:"url" db:"url"`
	Enabled        bool       `json:"enabled" yaml:"enabled" db:"enabled"`
	CheckInterval  int        `json:"check_interval" yaml:"check_interval" db:"check_interval"` // minutes
	LastChecked    *time.Time `json:"last_checked,omitempty" yaml:"-" db:"last_checked"`
	LastModified   *time.Time `json:"last_modified,omitempty" yaml:"-" db:"last_modified"`
	ETag           *string    `json:"etag,omitempty" yaml:"-" db:"etag"`
}

// NuggetMetadata is the normalized learning metadata attached to a nugget.
type NuggetMetadata struct {
	Topics               []string `json:"topics"`
	Difficulty           int      `json:"difficulty"`
	Prerequisites        []string `json:"prerequisites"`
	EstimatedTimeMinutes int      `json:"estimatedTime"`
	RelatedConcepts      []string `json:"relatedConcepts"`
}

// DefaultNuggetMetadata is returned whenever annotation cannot produce a usable answer.
func DefaultNuggetMetadata() NuggetMetadata {
	return NuggetMetadata{
		Topics:               []string{},
		Difficulty:           5,
		Prerequisites:        []string{},
		EstimatedTimeMinutes: 5,
		RelatedConcepts:      []string{},
	}
}

// NuggetReady is the status of a nugget that has been fully persisted.
const NuggetReady = "ready"

// Nugget is one persisted unit of learning content.
type Nugget struct {
	ID             string         `json:"id" db:"id"`
	OrganizationID string         `json:"organization_id" db:"organization_id"`
	Content        string         `json:"content" db:"content"`
	Metadata       NuggetMetadata `json:"metadata" db:"metadata"`
	Status         string         `json:"status" db:"status"`
	ImageURL       *string        `json:"image_url,omitempty" db:"image_url"`
	Embedding      []float32      `json:"-" db:"embedding"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// NuggetSource links a nugget to the job and source it was derived from.
type NuggetSource struct {
	ID             string     `json:"id" db:"id"`
	NuggetID       string     `json:"nugget_id" db:"nugget_id"`
	SourceType     SourceKind `json:"source_type" db:"source_type"`
	SourcePath     string     `json:"source_path" db:"source_path"`
	IngestionJobID string     `json:"ingestion_job_id" db:"ingestion_job_id"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// JobRef is the tuple carried by the job queue.
type JobRef struct {
	JobID          string                 `json:"job_id"`
	Kind           SourceKind             `json:"kind"`
	Source         string                 `json:"source"`
	OrganizationID string                 `json:"organization_id"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Ref returns the queue reference for a job.
func (j *IngestionJob) Ref() JobRef {
	return JobRef{
		JobID:          j.ID,
		Kind:           j.Kind,
		Source:         j.Source,
		OrganizationID: j.OrganizationID,
		Metadata:       j.Metadata,
	}
}
