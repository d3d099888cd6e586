// Package manifest tracks which files and chunks each named index was
// built from, persisted as a single JSON file in the cache directory.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/mdqa/md-qa/internal/cache"
	"github.com/mdqa/md-qa/internal/loader"
)

// FileEntry records what the index holds for one source file.
type FileEntry struct {
	MTime    float64  `json:"mtime"`
	ChunkIDs []uint64 `json:"chunk_ids"`
}

// Record describes one named index. A nil Files map is legal on load (a
// manifest written by an older build) and signals that per-file change
// detection is impossible, so the caller must fall back to a full rebuild.
type Record struct {
	Name        string               `json:"name"`
	Directories []string             `json:"directories"`
	Checksum    string               `json:"checksum"`
	Files       map[string]FileEntry `json:"files,omitempty"`
}

type fileFormat struct {
	Indexes map[string]Record `json:"indexes"`
}

// Manifest reads and writes the indexes.json file. Writes go through the
// atomic replace helper; unknown JSON fields are ignored on read so newer
// writers stay compatible.
type Manifest struct {
	path string
}

func New(path string) *Manifest {
	return &Manifest{path: path}
}

// Get returns the record for a named index, with ok=false when absent.
func (m *Manifest) Get(name string) (Record, bool, error) {
	data, err := m.read()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := data.Indexes[name]
	if ok && rec.Name == "" {
		rec.Name = name
	}
	return rec, ok, nil
}

// Put inserts or replaces a record, preserving the other indexes.
func (m *Manifest) Put(rec Record) error {
	data, err := m.read()
	if err != nil {
		return err
	}
	data.Indexes[rec.Name] = rec

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := cache.WriteFileAtomic(m.path, encoded); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// List returns all index names, sorted.
func (m *Manifest) List() ([]string, error) {
	data, err := m.read()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(data.Indexes))
	for name := range data.Indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manifest) read() (fileFormat, error) {
	data := fileFormat{Indexes: make(map[string]Record)}

	raw, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return data, fmt.Errorf("reading manifest %s: %w", m.path, err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("decoding manifest %s: %w", m.path, err)
	}
	if data.Indexes == nil {
		data.Indexes = make(map[string]Record)
	}
	return data, nil
}

// DetectChanges compares a record's per-file entries against the current
// listing. A file is modified when its recorded mtime differs from the
// observed one in either direction. All three slices come back sorted.
func DetectChanges(rec Record, current []loader.FileInfo) (added, modified, deleted []string) {
	seen := make(map[string]struct{}, len(current))
	for _, f := range current {
		seen[f.Path] = struct{}{}
		entry, ok := rec.Files[f.Path]
		switch {
		case !ok:
			added = append(added, f.Path)
		case entry.MTime != f.MTime:
			modified = append(modified, f.Path)
		}
	}
	for path := range rec.Files {
		if _, ok := seen[path]; !ok {
			deleted = append(deleted, path)
		}
	}
	sort.Strings(added)
	sort.Strings(modified)
	sort.Strings(deleted)
	return added, modified, deleted
}
