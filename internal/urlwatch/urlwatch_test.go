package urlwatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/nuggetize/internal/models"
	"github.com/hyperjump/nuggetize/internal/queue"
	"github.com/hyperjump/nuggetize/internal/storage"
)

type check struct {
	id         string
	at         time.Time
	validators *storage.URLValidators
}

type memStore struct {
	mu     sync.Mutex
	urls   []*models.MonitoredURL
	checks []check
	jobs   []*models.IngestionJob
}

func (s *memStore) ListURLs(ctx context.Context, enabledOnly bool) ([]*models.MonitoredURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.MonitoredURL
	for _, u := range s.urls {
		if enabledOnly && !u.Enabled {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) GetURL(ctx context.Context, id string) (*models.MonitoredURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.urls {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *memStore) checkedIDs() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, c := range s.checks {
		out[c.id]++
	}
	return out
}

func (s *memStore) UpdateURLCheck(ctx context.Context, id string, checkedAt time.Time, v *storage.URLValidators) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, check{id: id, at: checkedAt, validators: v})
	for _, u := range s.urls {
		if u.ID == id {
			t := checkedAt
			u.LastChecked = &t
			if v != nil {
				u.ETag, u.LastModified = v.ETag, v.LastModified
			}
		}
	}
	return nil
}

func (s *memStore) CreateJob(ctx context.Context, job *models.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func strPtr(s string) *string { return &s }

// etagServer answers 304 when If-None-Match equals etag and 200 with etag otherwise.
func etagServer(t *testing.T, etag string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "Nuggetize-Test", r.Header.Get("User-Agent"))
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Last-Modified", "Wed, 01 Oct 2025 10:00:00 GMT")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckAll_notModified(t *testing.T) {
	srv := etagServer(t, `"v1"`, nil)
	store := &memStore{urls: []*models.MonitoredURL{{ID: "blog", OrganizationID: "org1", URL: srv.URL, Enabled: true, ETag: strPtr(`"v1"`)}}}
	q := queue.NewMemoryQueue(4)
	m := NewManager(store, q, WithUserAgent("Nuggetize-Test"))

	sum, err := m.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 1}, sum)

	assert.Empty(t, store.jobs)
	assert.Zero(t, q.Len())
	require.Len(t, store.checks, 1)
	assert.Nil(t, store.checks[0].validators, "only last checked should change")
	assert.Equal(t, `"v1"`, *store.urls[0].ETag)
	assert.NotNil(t, store.urls[0].LastChecked)
}

func TestCheckAll_changedETag(t *testing.T) {
	srv := etagServer(t, `"v2"`, nil)
	store := &memStore{urls: []*models.MonitoredURL{{ID: "blog", OrganizationID: "org1", URL: srv.URL, Enabled: true, ETag: strPtr(`"v1"`)}}}
	q := queue.NewMemoryQueue(4)
	m := NewManager(store, q, WithUserAgent("Nuggetize-Test"))

	sum, err := m.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Changed)

	require.Len(t, store.jobs, 1)
	job := store.jobs[0]
	assert.Equal(t, models.KindURL, job.Kind)
	assert.Equal(t, srv.URL, job.Source)
	assert.Equal(t, "org1", job.OrganizationID)
	assert.Equal(t, "blog", job.Metadata["urlId"])

	require.Equal(t, 1, q.Len())
	ref := <-q.Jobs()
	assert.Equal(t, job.ID, ref.JobID)

	require.Len(t, store.checks, 1)
	v := store.checks[0].validators
	require.NotNil(t, v)
	assert.Equal(t, `"v2"`, *v.ETag)
	require.NotNil(t, v.LastModified)
	assert.Equal(t, 2025, v.LastModified.Year())

	// The stored validators now match, so the next cycle sees no change.
	_, err = m.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, store.jobs, 1)
}

func TestCheckAll_failureDoesNotBlockOthers(t *testing.T) {
	srv := etagServer(t, `"v2"`, nil)
	store := &memStore{urls: []*models.MonitoredURL{
		{ID: "broken", OrganizationID: "org1", URL: "http://127.0.0.1:1/unreachable", Enabled: true},
		{ID: "disabled", OrganizationID: "org1", URL: srv.URL, Enabled: false},
		{ID: "ok", OrganizationID: "org1", URL: srv.URL, Enabled: true},
	}}
	m := NewManager(store, queue.NewMemoryQueue(4), WithUserAgent("Nuggetize-Test"))

	sum, err := m.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 2, Changed: 1, Failed: 1}, sum)
	require.Len(t, store.jobs, 1)
	assert.Equal(t, "ok", store.jobs[0].Metadata["urlId"])
}

func TestCheckAll_serverErrorIsUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	store := &memStore{urls: []*models.MonitoredURL{{ID: "u", URL: srv.URL, Enabled: true}}}
	m := NewManager(store, queue.NewMemoryQueue(1))

	_, err := m.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.jobs)
	require.Len(t, store.checks, 1)
	assert.Nil(t, store.checks[0].validators)
}

func TestCompare(t *testing.T) {
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		stored models.MonitoredURL
		header http.Header
		want   bool
	}{
		{"no validators either side", models.MonitoredURL{}, http.Header{}, false},
		{"new etag", models.MonitoredURL{}, http.Header{"Etag": {`"a"`}}, true},
		{"same etag", models.MonitoredURL{ETag: strPtr(`"a"`)}, http.Header{"Etag": {`"a"`}}, false},
		{"etag dropped", models.MonitoredURL{ETag: strPtr(`"a"`)}, http.Header{}, true},
		{"newer last-modified", models.MonitoredURL{LastModified: &older}, http.Header{"Last-Modified": {"Wed, 01 Oct 2025 10:00:00 GMT"}}, true},
		{"same last-modified", models.MonitoredURL{LastModified: &older}, http.Header{"Last-Modified": {older.Format(http.TimeFormat)}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, compare(&tt.stored, tt.header).changed)
		})
	}
}

func TestStartRunsImmediatelyAndStop(t *testing.T) {
	var hits int32
	srv := etagServer(t, `"v1"`, &hits)
	store := &memStore{urls: []*models.MonitoredURL{{ID: "u", URL: srv.URL, Enabled: true, CheckInterval: 60}}}
	m := NewManager(store, queue.NewMemoryQueue(4), WithUserAgent("Nuggetize-Test"))

	m.Start(context.Background(), 20*time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	m.Stop()

	// Later ticks skip the URL until its own interval has elapsed.
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	m.Stop()
}

// slowServer answers every HEAD with 304 after delay and signals each request on seen.
func slowServer(t *testing.T, delay time.Duration) (*httptest.Server, chan struct{}) {
	t.Helper()
	seen := make(chan struct{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- struct{}{}
		time.Sleep(delay)
		w.WriteHeader(http.StatusNotModified)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestCheckAll_duringDueCycleChecksEveryURL(t *testing.T) {
	srv, seen := slowServer(t, 300*time.Millisecond)
	now := time.Now()
	store := &memStore{urls: []*models.MonitoredURL{
		{ID: "a", URL: srv.URL, Enabled: true},
		{ID: "b", URL: srv.URL, Enabled: true, LastChecked: &now, CheckInterval: 60, ETag: strPtr(`"v1"`)},
	}}
	m := NewManager(store, queue.NewMemoryQueue(4))
	defer m.Close()

	dueDone := make(chan Summary, 1)
	go func() {
		sum, _ := m.cycle(context.Background(), true)
		dueDone <- sum
	}()
	<-seen

	sum, err := m.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 2}, sum)

	due := <-dueDone
	assert.Equal(t, Summary{Checked: 1, Skipped: 1}, due)
	// The due cycle's check of a was in flight and got joined, not repeated.
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, store.checkedIDs())
}

func TestCheckAll_callerCancelDoesNotStopCycle(t *testing.T) {
	srv, seen := slowServer(t, 100*time.Millisecond)
	store := &memStore{urls: []*models.MonitoredURL{
		{ID: "a", URL: srv.URL, Enabled: true},
		{ID: "b", URL: srv.URL, Enabled: true},
	}}
	m := NewManager(store, queue.NewMemoryQueue(4))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-seen
		cancel()
	}()
	_, err := m.CheckAll(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool {
		ids := store.checkedIDs()
		return ids["a"] == 1 && ids["b"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClose_cancelsRunningCycle(t *testing.T) {
	srv, seen := slowServer(t, time.Second)
	store := &memStore{urls: []*models.MonitoredURL{
		{ID: "a", URL: srv.URL, Enabled: true},
		{ID: "b", URL: srv.URL, Enabled: true},
	}}
	m := NewManager(store, queue.NewMemoryQueue(4))

	done := make(chan Summary, 1)
	go func() {
		sum, _ := m.CheckAll(context.Background())
		done <- sum
	}()
	<-seen
	m.Close()

	select {
	case sum := <-done:
		assert.Equal(t, Summary{Checked: 1, Failed: 1}, sum)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("cycle kept running after Close")
	}
	assert.Empty(t, store.checkedIDs())
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(&memStore{}, queue.NewMemoryQueue(1), WithClock(func() time.Time { return now }))
	recent := now.Add(-2 * time.Minute)
	old := now.Add(-10 * time.Minute)

	assert.True(t, m.due(&models.MonitoredURL{}))
	assert.False(t, m.due(&models.MonitoredURL{LastChecked: &recent, CheckInterval: 5}))
	assert.True(t, m.due(&models.MonitoredURL{LastChecked: &old, CheckInterval: 5}))
}
