package cache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestManagerPaths(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("cache directory not created: %v", err)
	}
	if got := m.IndexPath("default"); got != filepath.Join(dir, "default.faiss") {
		t.Errorf("IndexPath: %s", got)
	}
	if got := m.MetaPath("default"); got != filepath.Join(dir, "default.meta") {
		t.Errorf("MetaPath: %s", got)
	}
	if got := m.ManifestPath(); got != filepath.Join(dir, "indexes.json") {
		t.Errorf("ManifestPath: %s", got)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	if err := WriteFileAtomic(path, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("second")); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("unexpected content: %q", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestLockRejectsSecondInstance(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	lock, err := m.AcquireLock()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.AcquireLock(); err == nil {
		t.Fatal("second acquire should fail while the lock is held")
	}

	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	lock2, err := m.AcquireLock()
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	lock2.Release()
}
