package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mdqa/md-qa/internal/loader"
)

func tempManifest(t *testing.T) *Manifest {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "indexes.json"))
}

func TestGetMissing(t *testing.T) {
	m := tempManifest(t)
	_, ok, err := m.Get("default")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected ok=false for a manifest that does not exist yet")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	m := tempManifest(t)

	rec := Record{
		Name:        "default",
		Directories: []string{"/docs"},
		Checksum:    "abc",
		Files: map[string]FileEntry{
			"/docs/a.md": {MTime: 1000.5, ChunkIDs: []uint64{1, 2}},
		},
	}
	if err := m.Put(rec); err != nil {
		t.Fatal(err)
	}

	got, ok, err := m.Get("default")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("record missing after Put")
	}
	if got.Checksum != "abc" || len(got.Files) != 1 {
		t.Errorf("record not restored: %+v", got)
	}
	if entry := got.Files["/docs/a.md"]; entry.MTime != 1000.5 || len(entry.ChunkIDs) != 2 {
		t.Errorf("file entry not restored: %+v", entry)
	}
}

func TestPutPreservesOtherIndexes(t *testing.T) {
	m := tempManifest(t)
	if err := m.Put(Record{Name: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(Record{Name: "second"}); err != nil {
		t.Fatal(err)
	}

	names, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "first" || names[1] != "second" {
		t.Errorf("unexpected index list: %v", names)
	}
}

func TestReadTolerantOfUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexes.json")
	content := `{"indexes":{"default":{"name":"default","checksum":"x","future_field":42}},"version":9}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := New(path)
	rec, ok, err := m.Get("default")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || rec.Checksum != "x" {
		t.Errorf("forward-compatible read failed: %+v", rec)
	}
	if rec.Files != nil {
		t.Error("absent files map must stay nil to signal full rebuild")
	}
}

func TestDetectChanges(t *testing.T) {
	rec := Record{
		Name: "default",
		Files: map[string]FileEntry{
			"/docs/same.md":     {MTime: 100},
			"/docs/modified.md": {MTime: 100},
			"/docs/deleted.md":  {MTime: 100},
			"/docs/older.md":    {MTime: 100},
		},
	}
	current := []loader.FileInfo{
		{Path: "/docs/same.md", MTime: 100},
		{Path: "/docs/modified.md", MTime: 200},
		{Path: "/docs/added.md", MTime: 300},
		// mtime regression counts as modified too
		{Path: "/docs/older.md", MTime: 50},
	}

	added, modified, deleted := DetectChanges(rec, current)

	if len(added) != 1 || added[0] != "/docs/added.md" {
		t.Errorf("added: %v", added)
	}
	if len(modified) != 2 || modified[0] != "/docs/modified.md" || modified[1] != "/docs/older.md" {
		t.Errorf("modified: %v", modified)
	}
	if len(deleted) != 1 || deleted[0] != "/docs/deleted.md" {
		t.Errorf("deleted: %v", deleted)
	}
}

func TestDetectChangesEmptyRecord(t *testing.T) {
	current := []loader.FileInfo{{Path: "/docs/a.md", MTime: 1}}
	added, modified, deleted := DetectChanges(Record{}, current)
	if len(added) != 1 || len(modified) != 0 || len(deleted) != 0 {
		t.Errorf("all current files must be added for an empty record: %v %v %v", added, modified, deleted)
	}
}
