// Package index owns the lifecycle of the active vector index: building,
// incremental updates, and the atomically swapped handle queries read from.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mdqa/md-qa/internal/cache"
	"github.com/mdqa/md-qa/internal/loader"
	"github.com/mdqa/md-qa/internal/manifest"
	"github.com/mdqa/md-qa/internal/markdown"
	"github.com/mdqa/md-qa/internal/vectorstore"
)

var (
	ErrNotReady    = errors.New("no index has been published yet")
	ErrIDCollision = errors.New("chunk id collision")
)

// Embedder is the slice of the embedding client the manager needs.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// Snapshot is one published (store, manifest record) pair. Snapshots are
// immutable once published; readers load the pointer once and keep using
// the same pair for the whole query.
type Snapshot struct {
	Store  *vectorstore.Store
	Record manifest.Record
}

// ScoredChunk is a search hit with its chunk metadata attached.
type ScoredChunk struct {
	Chunk    markdown.Chunk
	Distance float32
}

// Options wires a Manager.
type Options struct {
	Cache       *cache.Manager
	Manifest    *manifest.Manifest
	Splitter    *markdown.Splitter
	Embedder    Embedder
	Logger      *slog.Logger
	Name        string
	Directories []string
}

// Manager coordinates index builds and updates. Writers (LoadOrBuild,
// FullRebuild, IncrementalUpdate) are serialized by a mutex; readers go
// through the atomic handle and never block on writers.
type Manager struct {
	cache    *cache.Manager
	manifest *manifest.Manifest
	splitter *markdown.Splitter
	embedder Embedder
	logger   *slog.Logger

	// cfgMu guards name, directories, and embedder for readers that must
	// not block on a running build; writers also hold mu.
	cfgMu       sync.RWMutex
	name        string
	directories []string

	mu       sync.Mutex
	handle   atomic.Pointer[Snapshot]
	indexing atomic.Bool
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Splitter == nil {
		opts.Splitter = markdown.NewSplitter(0, 0)
	}
	return &Manager{
		cache:       opts.Cache,
		manifest:    opts.Manifest,
		splitter:    opts.Splitter,
		embedder:    opts.Embedder,
		logger:      opts.Logger,
		name:        opts.Name,
		directories: opts.Directories,
	}
}

// Name returns the index name the manager serves. It never blocks on a
// running build.
func (m *Manager) Name() string {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.name
}

// Reconfigure swaps the index name, directory roots, or embedder used by
// subsequent builds. Empty or nil arguments keep the current value. The
// published snapshot is untouched until the next build completes.
func (m *Manager) Reconfigure(name string, directories []string, embedder Embedder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	if name != "" {
		m.name = name
	}
	if directories != nil {
		m.directories = append([]string(nil), directories...)
	}
	if embedder != nil {
		m.embedder = embedder
	}
}

// Ready reports whether a snapshot has been published.
func (m *Manager) Ready() bool { return m.handle.Load() != nil }

// Indexing reports whether a build or update is currently running.
func (m *Manager) Indexing() bool { return m.indexing.Load() }

// Len returns the number of indexed chunks, 0 before the first publish.
func (m *Manager) Len() int {
	snap := m.handle.Load()
	if snap == nil {
		return 0
	}
	return snap.Store.Len()
}

// Search runs a nearest-neighbor query against the current snapshot.
func (m *Manager) Search(query []float32, k int) ([]ScoredChunk, error) {
	snap := m.handle.Load()
	if snap == nil {
		return nil, ErrNotReady
	}
	results := snap.Store.Search(query, k)
	scored := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		chunk, ok := snap.Store.Chunk(r.ID)
		if !ok {
			continue
		}
		scored = append(scored, ScoredChunk{Chunk: chunk, Distance: r.Distance})
	}
	return scored, nil
}

// LoadOrBuild adopts the cached index when it is present, loads cleanly,
// and its manifest covers every file currently on disk; otherwise it does
// a full rebuild. Older caches without checksum or per-file metadata get
// those backfilled from the loaded store.
func (m *Manager) LoadOrBuild(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexing.Store(true)
	defer m.indexing.Store(false)

	files, err := loader.List(m.directories, m.logger)
	if err != nil {
		return err
	}

	store, err := vectorstore.Load(m.cache.IndexPath(m.name), m.cache.MetaPath(m.name))
	if err != nil {
		if !errors.Is(err, vectorstore.ErrInconsistent) {
			m.logger.Info("No usable cached index, building", "index", m.name, "reason", err)
		} else {
			m.logger.Warn("Cached index is inconsistent, rebuilding", "index", m.name, "error", err)
		}
		return m.fullRebuild(ctx, files)
	}

	rec, ok, err := m.manifest.Get(m.name)
	if err != nil {
		m.logger.Warn("Manifest unreadable, rebuilding", "index", m.name, "error", err)
		return m.fullRebuild(ctx, files)
	}
	if !ok {
		rec = manifest.Record{Name: m.name, Directories: m.directories}
	}

	backfilled := false
	if rec.Checksum == "" {
		rec.Checksum = loader.ChecksumFiles(files)
		backfilled = true
	}
	if rec.Files == nil {
		rec.Files = filesFromStore(store, files)
		backfilled = true
	}

	for _, f := range files {
		if _, covered := rec.Files[f.Path]; !covered {
			m.logger.Info("Cached index does not cover all files, rebuilding",
				"index", m.name, "uncovered", f.Path)
			return m.fullRebuild(ctx, files)
		}
	}

	if backfilled {
		rec.Directories = m.directories
		if err := m.manifest.Put(rec); err != nil {
			return fmt.Errorf("backfilling manifest: %w", err)
		}
	}

	m.handle.Store(&Snapshot{Store: store, Record: rec})
	m.logger.Info("Loaded cached index", "index", m.name, "chunks", store.Len())
	return nil
}

// FullRebuild enumerates, splits, and embeds everything, then publishes a
// fresh snapshot.
func (m *Manager) FullRebuild(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexing.Store(true)
	defer m.indexing.Store(false)

	files, err := loader.List(m.directories, m.logger)
	if err != nil {
		return err
	}
	return m.fullRebuild(ctx, files)
}

func (m *Manager) fullRebuild(ctx context.Context, files []loader.FileInfo) error {
	store := vectorstore.New()
	rec := manifest.Record{
		Name:        m.name,
		Directories: m.directories,
		Checksum:    loader.ChecksumFiles(files),
		Files:       make(map[string]manifest.FileEntry, len(files)),
	}

	var allChunks []markdown.Chunk
	for _, f := range files {
		chunks, err := m.splitFile(f.Path)
		if err != nil {
			m.logger.Warn("Skipping unreadable file", "path", f.Path, "error", err)
			continue
		}
		ids := make([]uint64, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ID
		}
		rec.Files[f.Path] = manifest.FileEntry{MTime: f.MTime, ChunkIDs: ids}
		allChunks = append(allChunks, chunks...)
	}

	if err := checkCollisions(allChunks); err != nil {
		return err
	}

	if len(allChunks) > 0 {
		texts := make([]string, len(allChunks))
		ids := make([]uint64, len(allChunks))
		for i, c := range allChunks {
			texts[i] = c.Text
			ids[i] = c.ID
		}
		vectors, err := m.embedder.EmbedMany(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding corpus: %w", err)
		}
		if err := store.AddWithIDs(ids, vectors, allChunks); err != nil {
			return fmt.Errorf("populating store: %w", err)
		}
	}

	if err := m.persistAndPublish(store, rec); err != nil {
		return err
	}
	m.logger.Info("Indexing complete", "index", m.name, "files", len(rec.Files), "chunks", store.Len())
	return nil
}

// IncrementalUpdate applies file additions, modifications, and deletions
// to a clone of the current store and publishes the result. Failure at any
// point before publication discards the working copy and keeps the old
// snapshot serving.
func (m *Manager) IncrementalUpdate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexing.Store(true)
	defer m.indexing.Store(false)

	files, err := loader.List(m.directories, m.logger)
	if err != nil {
		return err
	}

	snap := m.handle.Load()
	if snap == nil || len(snap.Record.Files) == 0 {
		m.logger.Info("No per-file metadata, falling back to full rebuild", "index", m.name)
		return m.fullRebuild(ctx, files)
	}

	added, modified, deleted := manifest.DetectChanges(snap.Record, files)
	if len(added) == 0 && len(modified) == 0 && len(deleted) == 0 {
		return nil
	}
	m.logger.Info("Applying incremental update", "index", m.name,
		"added", len(added), "modified", len(modified), "deleted", len(deleted))

	working := snap.Store.Clone()
	rec := manifest.Record{
		Name:        m.name,
		Directories: m.directories,
		Checksum:    loader.ChecksumFiles(files),
		Files:       make(map[string]manifest.FileEntry, len(snap.Record.Files)),
	}
	for path, entry := range snap.Record.Files {
		rec.Files[path] = entry
	}

	var removeIDs []uint64
	for _, path := range append(append([]string{}, deleted...), modified...) {
		removeIDs = append(removeIDs, rec.Files[path].ChunkIDs...)
		delete(rec.Files, path)
	}
	working.RemoveIDs(removeIDs)

	mtimes := make(map[string]float64, len(files))
	for _, f := range files {
		mtimes[f.Path] = f.MTime
	}

	var newChunks []markdown.Chunk
	for _, path := range append(append([]string{}, added...), modified...) {
		chunks, err := m.splitFile(path)
		if err != nil {
			// The file may have vanished between listing and read; it
			// will be picked up as deleted on the next cycle.
			m.logger.Warn("Skipping unreadable file", "path", path, "error", err)
			continue
		}
		ids := make([]uint64, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ID
		}
		rec.Files[path] = manifest.FileEntry{MTime: mtimes[path], ChunkIDs: ids}
		newChunks = append(newChunks, chunks...)
	}

	if err := checkCollisions(newChunks); err != nil {
		return err
	}

	if len(newChunks) > 0 {
		texts := make([]string, len(newChunks))
		ids := make([]uint64, len(newChunks))
		for i, c := range newChunks {
			texts[i] = c.Text
			ids[i] = c.ID
		}
		vectors, err := m.embedder.EmbedMany(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding changed files: %w", err)
		}
		if err := working.AddWithIDs(ids, vectors, newChunks); err != nil {
			// Remaining duplicates after removal are true collisions.
			return fmt.Errorf("%w: %s", ErrIDCollision, err)
		}
	}

	if err := m.persistAndPublish(working, rec); err != nil {
		return err
	}
	m.logger.Info("Incremental update complete", "index", m.name, "chunks", working.Len())
	return nil
}

func (m *Manager) persistAndPublish(store *vectorstore.Store, rec manifest.Record) error {
	if err := store.Save(m.cache.IndexPath(m.name), m.cache.MetaPath(m.name)); err != nil {
		return fmt.Errorf("saving index: %w", err)
	}
	if err := m.manifest.Put(rec); err != nil {
		return fmt.Errorf("saving manifest: %w", err)
	}
	m.handle.Store(&Snapshot{Store: store, Record: rec})
	return nil
}

func (m *Manager) splitFile(path string) ([]markdown.Chunk, error) {
	content, err := loader.Read(path)
	if err != nil {
		return nil, err
	}
	return m.splitter.Split(path, content)
}

// checkCollisions verifies no two distinct (path, index) pairs share an
// ID. A collision is fatal for the whole update.
func checkCollisions(chunks []markdown.Chunk) error {
	seen := make(map[uint64]markdown.Chunk, len(chunks))
	for _, c := range chunks {
		if prev, ok := seen[c.ID]; ok {
			return fmt.Errorf("%w: id %d maps to both %s#%d and %s#%d",
				ErrIDCollision, c.ID, prev.FilePath, prev.Index, c.FilePath, c.Index)
		}
		seen[c.ID] = c
	}
	return nil
}

// filesFromStore reconstructs per-file entries for a cache written before
// per-file metadata existed, grouping the store's chunk IDs by source file
// and taking mtimes from the current listing.
func filesFromStore(store *vectorstore.Store, files []loader.FileInfo) map[string]manifest.FileEntry {
	mtimes := make(map[string]float64, len(files))
	for _, f := range files {
		mtimes[f.Path] = f.MTime
	}

	entries := make(map[string]manifest.FileEntry)
	for _, id := range store.IDs() {
		chunk, ok := store.Chunk(id)
		if !ok {
			continue
		}
		entry := entries[chunk.FilePath]
		entry.MTime = mtimes[chunk.FilePath]
		entry.ChunkIDs = append(entry.ChunkIDs, id)
		entries[chunk.FilePath] = entry
	}
	return entries
}
