package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hyperjump/nuggetize/internal/models"
	"github.com/hyperjump/nuggetize/internal/queue"
	"github.com/hyperjump/nuggetize/internal/storage"
)

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
storage:
  database_path: "./nuggets.db"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(origWd) }()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	// On macOS, cwd can be /private/var/... while t.TempDir() is /var/...; compare canonical paths.
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s, want %s", resolvedCanon, configPathCanon)
	}
	if !cfg.Debug {
		t.Error("debug should be true from cwd config.yaml")
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 9000\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
}

func TestNewIngestJob(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(txt, []byte("hello"), 0600); err != nil {
		t.Fatal(err)
	}
	bin := filepath.Join(dir, "tool.exe")
	if err := os.WriteFile(bin, []byte("MZ"), 0600); err != nil {
		t.Fatal(err)
	}

	job, err := newIngestJob("https://example.com/page", "acme")
	if err != nil {
		t.Fatal(err)
	}
	if job.Kind != models.KindURL || job.Source != "https://example.com/page" || job.OrganizationID != "acme" {
		t.Errorf("url job: got %+v", job)
	}

	job, err = newIngestJob(txt, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if job.Kind != models.KindFile || job.Source != txt {
		t.Errorf("file job: got %+v", job)
	}
	if job.Metadata["fileName"] != "notes.txt" || job.Metadata["fileSize"] != int64(5) {
		t.Errorf("file metadata: got %v", job.Metadata)
	}

	for _, bad := range []string{bin, dir, filepath.Join(dir, "missing.pdf")} {
		if _, err := newIngestJob(bad, "acme"); err == nil {
			t.Errorf("newIngestJob(%s): expected error", bad)
		}
	}
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "db.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	now := time.Now()
	create := func(id string, md map[string]interface{}) {
		t.Helper()
		job := &models.IngestionJob{ID: id, Kind: models.KindURL, Source: "https://example.com/" + id, OrganizationID: "default", Metadata: md}
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	create("pending", nil)
	create("deferred", map[string]interface{}{"deferred": true})
	create("stuck", nil)
	create("recent", nil)
	if _, err := store.MarkJobProcessing(ctx, "stuck", now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkJobProcessing(ctx, "recent", now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	core, logs := observer.New(zap.WarnLevel)
	q := queue.NewMemoryQueue(8)
	n, err := reconcile(ctx, store, q, 30*time.Minute, now, zap.New(core))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || q.Len() != 1 {
		t.Fatalf("enqueued = %d (queue %d), want 1", n, q.Len())
	}
	if ref := <-q.Jobs(); ref.JobID != "pending" {
		t.Errorf("enqueued %s, want pending", ref.JobID)
	}

	stuck := logs.FilterMessage("job stuck in processing; needs manual recovery").All()
	if len(stuck) != 1 || stuck[0].ContextMap()["job_id"] != "stuck" {
		t.Errorf("stuck warnings: got %v", stuck)
	}
	job, err := store.GetJob(ctx, "stuck")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobProcessing {
		t.Errorf("stuck job status = %s, want processing", job.Status)
	}
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
storage:
  database_path: "./nuggets.db"
seed:
  folders:
    - id: inbox
      path: "./inbox"
      enabled: true
      file_types: [".PDF"]
  urls:
    - id: docs
      url: "https://example.com/docs"
      enabled: true
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NUGGETIZE_STORAGE_DRIVER", "sqlite")
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	// Seeding twice is an upsert.
	for i := 0; i < 2; i++ {
		if err := seed(ctx, store, cfg); err != nil {
			t.Fatal(err)
		}
	}
	folder, err := store.GetFolder(ctx, "inbox")
	if err != nil {
		t.Fatal(err)
	}
	if folder.Path != filepath.Join(dir, "inbox") || len(folder.FileTypes) != 1 || folder.FileTypes[0] != "pdf" {
		t.Errorf("seeded folder: got %+v", folder)
	}
	u, err := store.GetURL(ctx, "docs")
	if err != nil {
		t.Fatal(err)
	}
	if u.CheckInterval != cfg.URLs.CheckIntervalMinutes || u.OrganizationID != "default" {
		t.Errorf("seeded url: got %+v", u)
	}
}

func TestJobsCommand(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("storage:\n  database_path: \"./nuggets.db\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NUGGETIZE_STORAGE_DRIVER", "sqlite")

	store, err := storage.NewSQLiteStore(filepath.Join(dir, "nuggets.db"))
	if err != nil {
		t.Fatal(err)
	}
	job := &models.IngestionJob{ID: "job-1", Kind: models.KindURL, Source: "https://example.com", OrganizationID: "default"}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	store.Close()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", configPath, "--format", "json", "jobs", "--status", "pending"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatal(err)
	}
	var jobs []models.IngestionJob
	if err := json.Unmarshal(out.Bytes(), &jobs); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, out.String())
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Errorf("jobs: got %+v", jobs)
	}

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", configPath, "jobs", "--status", "bogus"})
	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "nuggetize version dev") {
		t.Errorf("version output: %q", out.String())
	}
}
