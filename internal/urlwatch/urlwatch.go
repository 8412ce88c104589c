// Package urlwatch polls monitored URLs with conditional requests and enqueues
// an ingestion job when a page changes.
package urlwatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/nuggetize/internal/models"
	"github.com/hyperjump/nuggetize/internal/queue"
	"github.com/hyperjump/nuggetize/internal/storage"
	"github.com/hyperjump/nuggetize/pkg/utils"
)

// DefaultUserAgent identifies polling requests.
const DefaultUserAgent = "Nuggetize/1.0"

// Summary counts the outcomes of one check cycle.
type Summary struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Store is the part of storage.Store the manager uses.
type Store interface {
	ListURLs(ctx context.Context, enabledOnly bool) ([]*models.MonitoredURL, error)
	GetURL(ctx context.Context, id string) (*models.MonitoredURL, error)
	UpdateURLCheck(ctx context.Context, id string, checkedAt time.Time, v *storage.URLValidators) error
	CreateJob(ctx context.Context, job *models.IngestionJob) error
}

// Manager runs check cycles over all enabled monitored URLs.
type Manager struct {
	store     Store
	queue     queue.Queue
	client    *http.Client
	userAgent string
	logger    *zap.Logger
	now       func() time.Time

	// cycles dedups whole cycles per mode; checks dedups in-flight checks per URL.
	cycles singleflight.Group
	checks singleflight.Group

	// Cycles run under base so one caller going away does not cut a shared cycle short.
	base       context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for checks.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(m *Manager) {
		if ua != "" {
			m.userAgent = ua
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a URL watch manager.
func NewManager(store Store, q queue.Queue, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		queue:     q,
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: DefaultUserAgent,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = utils.OrNop(m.logger)
	m.base, m.baseCancel = context.WithCancel(context.Background())
	return m
}

// CheckAll checks every enabled URL once. A full cycle already in progress is joined
// rather than started again. If ctx ends first CheckAll returns its error and the
// cycle keeps running for other callers.
func (m *Manager) CheckAll(ctx context.Context) (Summary, error) {
	return m.cycle(ctx, false)
}

func (m *Manager) cycle(ctx context.Context, dueOnly bool) (Summary, error) {
	key := "cycle:all"
	if dueOnly {
		key = "cycle:due"
	}
	ch := m.cycles.DoChan(key, func() (interface{}, error) {
		return m.checkAll(m.base, dueOnly)
	})
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			m.logger.Debug("joined running url check cycle", zap.String("mode", key))
		}
		if res.Err != nil {
			return Summary{}, res.Err
		}
		return res.Val.(Summary), nil
	}
}

func (m *Manager) checkAll(ctx context.Context, dueOnly bool) (Summary, error) {
	var sum Summary
	urls, err := m.store.ListURLs(ctx, true)
	if err != nil {
		return sum, fmt.Errorf("failed to list monitored urls: %w", err)
	}
	m.logger.Info("checking monitored urls", zap.Int("count", len(urls)))

	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		if dueOnly && !m.due(u) {
			sum.Skipped++
			continue
		}
		sum.Checked++
		changed, err := m.checkGuarded(ctx, u.ID)
		if err != nil {
			sum.Failed++
			m.logger.Error("url check failed", zap.String("url_id", u.ID), zap.String("url", u.URL), zap.Error(err))
			continue
		}
		if changed {
			sum.Changed++
		}
	}
	return sum, nil
}

// due reports whether u's own check interval has elapsed.
func (m *Manager) due(u *models.MonitoredURL) bool {
	if u.LastChecked == nil || u.CheckInterval <= 0 {
		return true
	}
	return !m.now().Before(u.LastChecked.Add(time.Duration(u.CheckInterval) * time.Minute))
}

// checkGuarded checks one URL, joining a check of the same URL already in flight.
// The record is reloaded so validators stored by an earlier check are used.
func (m *Manager) checkGuarded(ctx context.Context, id string) (bool, error) {
	v, err, _ := m.checks.Do(id, func() (interface{}, error) {
		u, err := m.store.GetURL(ctx, id)
		if err != nil {
			return false, fmt.Errorf("failed to load url: %w", err)
		}
		if !u.Enabled {
			return false, nil
		}
		return m.checkOne(ctx, u)
	})
	changed, _ := v.(bool)
	return changed, err
}

// checkOne issues a conditional HEAD for u and enqueues a job when it changed.
func (m *Manager) checkOne(ctx context.Context, u *models.MonitoredURL) (bool, error) {
	result, err := m.head(ctx, u)
	if err != nil {
		// Treated as unchanged for this cycle.
		return false, err
	}
	checkedAt := m.now().UTC()

	if !result.changed {
		if err := m.store.UpdateURLCheck(ctx, u.ID, checkedAt, nil); err != nil {
			return false, fmt.Errorf("failed to update last checked: %w", err)
		}
		return false, nil
	}

	job := &models.IngestionJob{
		ID:             uuid.NewString(),
		Kind:           models.KindURL,
		Source:         u.URL,
		OrganizationID: u.OrganizationID,
		Status:         models.JobPending,
		Metadata:       map[string]interface{}{"urlId": u.ID},
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return false, fmt.Errorf("failed to create ingestion job: %w", err)
	}
	if err := m.queue.Enqueue(ctx, job.Ref()); err != nil {
		return false, fmt.Errorf("failed to queue url for processing: %w", err)
	}
	m.logger.Info("queued url for processing", zap.String("job_id", job.ID), zap.String("url_id", u.ID), zap.String("url", u.URL))

	if err := m.store.UpdateURLCheck(ctx, u.ID, checkedAt, &result.validators); err != nil {
		return true, fmt.Errorf("failed to update url metadata: %w", err)
	}
	return true, nil
}

type headResult struct {
	changed    bool
	validators storage.URLValidators
}

// head issues the conditional HEAD request for u.
func (m *Manager) head(ctx context.Context, u *models.MonitoredURL) (headResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.URL, nil)
	if err != nil {
		return headResult{}, err
	}
	req.Header.Set("User-Agent", m.userAgent)
	if u.ETag != nil && *u.ETag != "" {
		req.Header.Set("If-None-Match", *u.ETag)
	}
	if u.LastModified != nil {
		req.Header.Set("If-Modified-Since", u.LastModified.UTC().Format(http.TimeFormat))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return headResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return headResult{}, nil
	case http.StatusOK:
		return compare(u, resp.Header), nil
	default:
		m.logger.Warn("unexpected url check status", zap.String("url_id", u.ID), zap.Int("status", resp.StatusCode))
		return headResult{}, nil
	}
}

// compare decides whether a 200 response differs from the stored validators.
func compare(u *models.MonitoredURL, h http.Header) headResult {
	var v storage.URLValidators
	if etag := h.Get("ETag"); etag != "" {
		v.ETag = &etag
	}
	if lm := h.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			v.LastModified = &t
		}
	}

	changed := !sameETag(u.ETag, v.ETag)
	if !changed && v.LastModified != nil {
		stored := time.Unix(0, 0)
		if u.LastModified != nil {
			stored = *u.LastModified
		}
		changed = v.LastModified.After(stored)
	}
	return headResult{changed: changed, validators: v}
}

func sameETag(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Start runs a check cycle immediately and then every interval, checking only URLs
// whose own interval has elapsed. It returns at once. A running poller is restarted.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	m.Stop()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		if _, err := m.cycle(ctx, false); err != nil && ctx.Err() == nil {
			m.logger.Error("error in initial url check", zap.Error(err))
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.cycle(ctx, true); err != nil && ctx.Err() == nil {
					m.logger.Error("error in periodic url check", zap.Error(err))
				}
			}
		}
	}()
	m.logger.Info("url monitoring started", zap.Duration("interval", interval))
}

// Close stops polling and cancels any cycle still running.
func (m *Manager) Close() {
	m.Stop()
	m.baseCancel()
}

// Stop cancels polling and waits for the poller to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("url monitoring stopped")
}
