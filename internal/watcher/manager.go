package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/nuggetize/internal/models"
	"github.com/hyperjump/nuggetize/internal/queue"
	"github.com/hyperjump/nuggetize/internal/storage"
	"github.com/hyperjump/nuggetize/pkg/utils"
)

// MetadataDeferred marks a job created for a folder without auto-processing.
// Such jobs stay pending until processed explicitly.
const MetadataDeferred = "deferred"

// JobStore is the part of storage.Store the manager writes to.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.IngestionJob) error
}

// Manager owns one Watcher per watched folder and turns added files into ingestion jobs.
type Manager struct {
	store     JobStore
	queue     queue.Queue
	logger    *zap.Logger
	stability time.Duration
	poll      time.Duration

	// swap serializes starting and stopping watches; mu guards the map.
	swap     sync.Mutex
	mu       sync.Mutex
	watchers map[string]*Watcher
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithFileStability sets the quiescence window and poll interval for new files.
func WithFileStability(threshold, poll time.Duration) ManagerOption {
	return func(m *Manager) {
		m.stability = threshold
		m.poll = poll
	}
}

// NewManager creates a folder watch manager.
func NewManager(store JobStore, q queue.Queue, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		queue:     q,
		stability: defaultStabilityThreshold,
		poll:      defaultPollInterval,
		watchers:  make(map[string]*Watcher),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = utils.OrNop(m.logger)
	return m
}

// StartWatching installs a watch for folder. Disabled folders are skipped.
// An existing watch for the same folder ID is replaced.
func (m *Manager) StartWatching(ctx context.Context, folder *models.WatchedFolder) error {
	log := m.logger.With(zap.String("folder_id", folder.ID), zap.String("path", folder.Path))
	if !folder.Enabled {
		log.Info("folder is disabled, skipping watch")
		return nil
	}
	root, err := filepath.Abs(folder.Path)
	if err != nil {
		return fmt.Errorf("invalid folder path %q: %w", folder.Path, err)
	}

	cfg := *folder
	cfg.Path = root
	cfg.FileTypes = models.NormalizeFileTypes(folder.FileTypes)

	w := NewWatcher(root, cfg.Recursive,
		func(path string, info os.FileInfo) { m.handleFile(ctx, &cfg, path, info) },
		WithLogger(m.logger), WithStability(m.stability, m.poll))

	m.swap.Lock()
	defer m.swap.Unlock()
	m.stopLocked(cfg.ID)

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}

	m.mu.Lock()
	m.watchers[cfg.ID] = w
	m.mu.Unlock()
	log.Info("started watching folder", zap.Strings("file_types", cfg.FileTypes), zap.Bool("recursive", cfg.Recursive))
	return nil
}

// StopWatching tears down the watch for folderID, if any.
func (m *Manager) StopWatching(folderID string) {
	m.swap.Lock()
	defer m.swap.Unlock()
	if m.stopLocked(folderID) {
		m.logger.Info("stopped watching folder", zap.String("folder_id", folderID))
	}
}

// stopLocked removes and stops the watch for folderID. The caller holds swap.
func (m *Manager) stopLocked(folderID string) bool {
	m.mu.Lock()
	w, ok := m.watchers[folderID]
	delete(m.watchers, folderID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	w.Stop()
	return true
}

// StopAll tears down every active watch.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			m.StopWatching(id)
			return nil
		})
	}
	_ = g.Wait()
}

// Watching reports whether folderID has an active watch.
func (m *Manager) Watching(folderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[folderID]
	return ok
}

// Folders returns the IDs of all watched folders, sorted.
func (m *Manager) Folders() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Sync starts every enabled folder in store. Folders that fail to start are logged.
func (m *Manager) Sync(ctx context.Context, store storage.Store) error {
	folders, err := store.ListFolders(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}
	for _, f := range folders {
		if err := m.StartWatching(ctx, f); err != nil {
			m.logger.Error("failed to start folder watch", zap.String("folder_id", f.ID), zap.Error(err))
		}
	}
	return nil
}

// handleFile creates and enqueues a job for an added file whose extension the folder accepts.
func (m *Manager) handleFile(ctx context.Context, folder *models.WatchedFolder, path string, info os.FileInfo) {
	if !folder.Accepts(filepath.Ext(path)) {
		return
	}
	log := m.logger.With(zap.String("folder_id", folder.ID), zap.String("path", path))

	metadata := map[string]interface{}{
		"folderId": folder.ID,
		"fileName": filepath.Base(path),
		"fileSize": info.Size(),
	}
	if !folder.AutoProcess {
		metadata[MetadataDeferred] = true
	}
	job := &models.IngestionJob{
		ID:             uuid.NewString(),
		Kind:           models.KindFile,
		Source:         path,
		OrganizationID: folder.OrganizationID,
		Status:         models.JobPending,
		Metadata:       metadata,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		log.Error("failed to create ingestion job", zap.Error(err))
		return
	}
	if !folder.AutoProcess {
		log.Info("recorded file without processing", zap.String("job_id", job.ID))
		return
	}
	if err := m.queue.Enqueue(ctx, job.Ref()); err != nil {
		log.Error("failed to queue file for processing", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	log.Info("queued file for processing", zap.String("job_id", job.ID))
}
