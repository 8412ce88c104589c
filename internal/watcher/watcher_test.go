package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	testStability = 150 * time.Millisecond
	testPoll      = 20 * time.Millisecond
	settle        = 600 * time.Millisecond
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) add(path string, info os.FileInfo) {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func startWatcher(t *testing.T, root string, recursive bool, rec *recorder) *Watcher {
	t.Helper()
	w := NewWatcher(root, recursive, rec.add, WithStability(testStability, testPoll))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)
	return w
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_ReportsNewFileOnce(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, dir, false, rec)

	path := filepath.Join(dir, "notes.pdf")
	writeFile(t, path, "hello")
	time.Sleep(settle)

	got := rec.got()
	if len(got) != 1 || got[0] != path {
		t.Fatalf("added = %v, want [%s]", got, path)
	}

	// Later writes to a reported file do not report it again.
	writeFile(t, path, "hello again")
	time.Sleep(settle)
	if n := len(rec.got()); n != 1 {
		t.Errorf("reported %d times, want 1", n)
	}
}

func TestWatcher_IgnoresExistingFiles(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "old.txt")
	writeFile(t, existing, "before")

	rec := &recorder{}
	startWatcher(t, dir, false, rec)
	writeFile(t, existing, "modified after start")
	time.Sleep(settle)

	if got := rec.got(); len(got) != 0 {
		t.Errorf("existing file reported: %v", got)
	}
}

func TestWatcher_IgnoresDotfiles(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, dir, true, rec)

	writeFile(t, filepath.Join(dir, ".hidden.pdf"), "x")
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	writeFile(t, filepath.Join(dir, ".git", "object.pdf"), "x")
	time.Sleep(settle)

	if got := rec.got(); len(got) != 0 {
		t.Errorf("dotfiles reported: %v", got)
	}
}

func TestWatcher_WaitsForWritesToSettle(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, dir, false, rec)

	path := filepath.Join(dir, "big.pdf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		_, _ = f.WriteString("chunk of data\n")
		time.Sleep(testStability / 3)
		if len(rec.got()) != 0 {
			_ = f.Close()
			t.Fatal("file reported while still being written")
		}
	}
	_ = f.Close()
	time.Sleep(settle)

	if got := rec.got(); len(got) != 1 {
		t.Errorf("added = %v", got)
	}
}

func TestWatcher_Recursion(t *testing.T) {
	for _, recursive := range []bool{true, false} {
		name := "flat"
		if recursive {
			name = "recursive"
		}
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			sub := filepath.Join(dir, "a", "b")
			if err := os.MkdirAll(sub, 0755); err != nil {
				t.Fatal(err)
			}
			rec := &recorder{}
			startWatcher(t, dir, recursive, rec)

			writeFile(t, filepath.Join(sub, "deep.pdf"), "x")
			writeFile(t, filepath.Join(dir, "top.pdf"), "x")
			time.Sleep(settle)

			want := 1
			if recursive {
				want = 2
			}
			if got := rec.got(); len(got) != want {
				t.Errorf("added = %v, want %d files", got, want)
			}
		})
	}
}

func TestWatcher_NewSubdirectoryRecursive(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, dir, true, rec)

	sub := filepath.Join(dir, "new")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	writeFile(t, filepath.Join(sub, "inside.pdf"), "x")
	time.Sleep(settle)

	got := rec.got()
	if len(got) != 1 || filepath.Base(got[0]) != "inside.pdf" {
		t.Errorf("added = %v", got)
	}
}

func TestWatcher_StartCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing", "inbox")
	startWatcher(t, root, false, &recorder{})
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root should exist: %v", err)
	}
}

func TestInDir(t *testing.T) {
	tests := []struct {
		dir  string
		path string
		want bool
	}{
		{"/tmp/a", "/tmp/a", true},
		{"/tmp/a", "/tmp/a/b.txt", true},
		{"/tmp/a", "/tmp/b", false},
		{"/tmp/a", "/tmp/a/../b", false},
	}
	for _, tt := range tests {
		if got := inDir(tt.dir, tt.path); got != tt.want {
			t.Errorf("inDir(%q, %q) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}
