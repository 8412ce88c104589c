package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/nuggetize/internal/extract"
	"github.com/hyperjump/nuggetize/internal/keyword"
	"github.com/hyperjump/nuggetize/internal/models"
	"github.com/hyperjump/nuggetize/internal/storage"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	maxUploadBytes  = 100 << 20
)

func (s *Server) org(r *http.Request) string {
	if org := strings.TrimSpace(r.Header.Get(OrganizationHeader)); org != "" {
		return org
	}
	return s.config.OrganizationID
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := storage.JobFilter{OrganizationID: s.org(r), Limit: defaultJobLimit}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = models.JobStatus(status)
		if !filter.Status.Valid() {
			s.respondError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = min(n, maxJobLimit)
	}
	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*models.IngestionJob{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// loadJob returns the job if it exists in the request's organization.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*models.IngestionJob, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && job.OrganizationID != s.org(r)) {
		s.respondError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get job failed", zap.String("job_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobNuggets(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	nuggets, err := s.store.ListNuggetsByJob(r.Context(), job.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if nuggets == nil {
		nuggets = []*models.Nugget{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"nuggets": nuggets})
}

// handleUpload stores a multipart "file" under the upload directory and queues a file job.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		s.respondError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	if !extract.Supported(filepath.Ext(name)) {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type: %s", filepath.Ext(name)))
		return
	}

	jobID := uuid.NewString()
	dir := filepath.Join(s.config.Storage.UploadDir, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	path := filepath.Join(dir, name)
	size, err := writeUpload(path, file)
	if err != nil {
		s.logger.Error("failed to store upload", zap.String("path", path), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	job := &models.IngestionJob{
		ID:             jobID,
		Kind:           models.KindFile,
		Source:         path,
		OrganizationID: s.org(r),
		Status:         models.JobPending,
		Metadata: map[string]interface{}{
			"fileName": name,
			"fileSize": size,
			"upload":   true,
		},
	}
	s.createAndEnqueue(w, r, job)
}

func writeUpload(path string, src io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
	}
	return n, err
}

type urlJobRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleURLJob(w http.ResponseWriter, r *http.Request) {
	var req urlJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validHTTPURL(req.URL) {
		s.respondError(w, http.StatusBadRequest, "url must be an absolute http or https URL")
		return
	}
	job := &models.IngestionJob{
		ID:             uuid.NewString(),
		Kind:           models.KindURL,
		Source:         req.URL,
		OrganizationID: s.org(r),
		Status:         models.JobPending,
	}
	s.createAndEnqueue(w, r, job)
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (s *Server) createAndEnqueue(w http.ResponseWriter, r *http.Request, job *models.IngestionJob) {
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("create job failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.Ref()); err != nil {
		// The job stays pending and is picked up on the next start.
		s.logger.Error("failed to queue job", zap.String("job_id", job.ID), zap.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, "job created but could not be queued")
		return
	}
	s.logger.Info("queued job", zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)), zap.String("source", job.Source))
	s.respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if err := s.store.ResetJob(r.Context(), job.ID); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			s.respondError(w, http.StatusConflict, fmt.Sprintf("only failed jobs can be retried (status %s)", job.Status))
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job, err := s.store.GetJob(r.Context(), job.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.Ref()); err != nil {
		s.logger.Error("failed to queue retried job", zap.String("job_id", job.ID), zap.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, "job reset but could not be queued")
		return
	}
	s.logger.Info("retrying job", zap.String("job_id", job.ID))
	s.respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetNugget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.store.GetNugget(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && n.OrganizationID != s.org(r)) {
		s.respondError(w, http.StatusNotFound, "nugget not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, n)
}

func (s *Server) handleSearchNuggets(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		s.respondError(w, http.StatusNotImplemented, "keyword index not enabled")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, 100)
		}
	}
	opts := &keyword.SearchOptions{TopicBoost: 2, FuzzyEnabled: r.URL.Query().Get("fuzzy") == "true"}
	hits, err := s.index.Search(r.Context(), s.org(r), q, limit, opts)
	if err != nil {
		s.logger.Error("nugget search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type result struct {
		Score  float64        `json:"score"`
		Nugget *models.Nugget `json:"nugget"`
	}
	results := make([]result, 0, len(hits))
	for _, h := range hits {
		n, err := s.store.GetNugget(r.Context(), h.ID)
		if err != nil {
			// Index entries can outlive their rows.
			s.logger.Debug("search hit without nugget", zap.String("nugget_id", h.ID), zap.Error(err))
			continue
		}
		results = append(results, result{Score: h.Score, Nugget: n})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"query": q, "results": results})
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.store.ListFolders(r.Context(), false)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	org := s.org(r)
	type folderState struct {
		*models.WatchedFolder
		Watching bool `json:"watching"`
	}
	out := make([]folderState, 0, len(folders))
	for _, f := range folders {
		if f.OrganizationID != org {
			continue
		}
		out = append(out, folderState{WatchedFolder: f, Watching: s.folders != nil && s.folders.Watching(f.ID)})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"folders": out})
}

// handlePutFolder upserts a folder and restarts or stops its watch to match.
func (s *Server) handlePutFolder(w http.ResponseWriter, r *http.Request) {
	if s.folders == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var folder models.WatchedFolder
	if err := json.NewDecoder(r.Body).Decode(&folder); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	folder.ID = chi.URLParam(r, "id")
	folder.OrganizationID = s.org(r)
	if folder.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(folder.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	folder.Path = abs
	if existing, err := s.store.GetFolder(r.Context(), folder.ID); err == nil && existing.OrganizationID != folder.OrganizationID {
		s.respondError(w, http.StatusNotFound, "folder not found")
		return
	}
	if err := s.store.UpsertFolder(r.Context(), &folder); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if folder.Enabled {
		if err := s.folders.StartWatching(s.watchCtx, &folder); err != nil {
			s.logger.Error("failed to start folder watch", zap.String("folder_id", folder.ID), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		s.folders.StopWatching(folder.ID)
	}
	s.respondJSON(w, http.StatusOK, folder)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	if s.folders == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	folder, err := s.store.GetFolder(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && folder.OrganizationID != s.org(r)) {
		s.respondError(w, http.StatusNotFound, "folder not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.DeleteFolder(r.Context(), id); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.folders.StopWatching(id)
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleListURLs(w http.ResponseWriter, r *http.Request) {
	urls, err := s.store.ListURLs(r.Context(), false)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	org := s.org(r)
	out := make([]*models.MonitoredURL, 0, len(urls))
	for _, u := range urls {
		if u.OrganizationID == org {
			out = append(out, u)
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"urls": out})
}

func (s *Server) handlePutURL(w http.ResponseWriter, r *http.Request) {
	var u models.MonitoredURL
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u.ID = chi.URLParam(r, "id")
	u.OrganizationID = s.org(r)
	if !validHTTPURL(u.URL) {
		s.respondError(w, http.StatusBadRequest, "url must be an absolute http or https URL")
		return
	}
	if u.CheckInterval <= 0 {
		u.CheckInterval = s.config.URLs.CheckIntervalMinutes
	}
	if existing, err := s.store.GetURL(r.Context(), u.ID); err == nil && existing.OrganizationID != u.OrganizationID {
		s.respondError(w, http.StatusNotFound, "url not found")
		return
	}
	if err := s.store.UpsertURL(r.Context(), &u); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stored, err := s.store.GetURL(r.Context(), u.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, stored)
}

func (s *Server) handleCheckURLs(w http.ResponseWriter, r *http.Request) {
	if s.urls == nil {
		s.respondError(w, http.StatusNotImplemented, "url monitoring not enabled")
		return
	}
	sum, err := s.urls.CheckAll(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, sum)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
