package index

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdqa/md-qa/internal/cache"
	"github.com/mdqa/md-qa/internal/manifest"
	"github.com/mdqa/md-qa/internal/markdown"
)

// fakeEmbedder produces deterministic vectors derived from the text so
// searches can be steered at known chunks.
type fakeEmbedder struct {
	calls int
	texts []string
}

func vectorFor(text string) []float32 {
	return []float32{float32(len(text)), float32(len(text) % 7), 1}
}

func (f *fakeEmbedder) EmbedMany(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.texts = append(f.texts, texts...)
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = vectorFor(t)
	}
	return vecs, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type fixture struct {
	docs     string
	cache    *cache.Manager
	manifest *manifest.Manifest
	embedder *fakeEmbedder
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	docs := t.TempDir()
	cm, err := cache.NewManager(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		docs:     docs,
		cache:    cm,
		manifest: manifest.New(cm.ManifestPath()),
		embedder: &fakeEmbedder{},
	}
	f.manager = f.newManager()
	return f
}

// newManager builds a fresh Manager over the same cache and docs, with a
// fresh embedder, as a restarted process would.
func (f *fixture) newManager() *Manager {
	f.embedder = &fakeEmbedder{}
	return NewManager(Options{
		Cache:       f.cache,
		Manifest:    f.manifest,
		Embedder:    f.embedder,
		Logger:      discardLogger(),
		Name:        "default",
		Directories: []string{f.docs},
	})
}

func TestSearchBeforePublish(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.manager.Ready())
	assert.Equal(t, 0, f.manager.Len())

	_, err := f.manager.Search([]float32{1, 2, 3}, 5)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestFullRebuildPublishes(t *testing.T) {
	f := newFixture(t)
	writeDoc(t, f.docs, "alpha.md", "# Alpha\n\nalpha body\n")
	writeDoc(t, f.docs, "beta.md", "# Beta\n\nbeta body text\n")

	require.NoError(t, f.manager.FullRebuild(context.Background()))

	assert.True(t, f.manager.Ready())
	assert.False(t, f.manager.Indexing())
	assert.Equal(t, 2, f.manager.Len())
	assert.Equal(t, 1, f.embedder.calls)

	hits, err := f.manager.Search(vectorFor("# Alpha\n\nalpha body"), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Chunk.Text, "alpha body")
	assert.Equal(t, filepath.Join(f.docs, "alpha.md"), hits[0].Chunk.FilePath)
}

func TestFullRebuildEmptyCorpus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.FullRebuild(context.Background()))

	assert.True(t, f.manager.Ready())
	assert.Equal(t, 0, f.manager.Len())
	assert.Zero(t, f.embedder.calls)
}

func TestLoadOrBuildBuildsWithoutCache(t *testing.T) {
	f := newFixture(t)
	writeDoc(t, f.docs, "a.md", "# A\n\nsome text\n")

	require.NoError(t, f.manager.LoadOrBuild(context.Background()))
	assert.Equal(t, 1, f.manager.Len())
	assert.Equal(t, 1, f.embedder.calls)
}

func TestLoadOrBuildAdoptsCache(t *testing.T) {
	f := newFixture(t)
	writeDoc(t, f.docs, "a.md", "# A\n\nsome text\n")
	require.NoError(t, f.manager.FullRebuild(context.Background()))

	restarted := f.newManager()
	require.NoError(t, restarted.LoadOrBuild(context.Background()))

	assert.Equal(t, 1, restarted.Len())
	assert.Zero(t, f.embedder.calls, "adopting the cache must not call the embedding API")
}

func TestLoadOrBuildRebuildsOnUncoveredFile(t *testing.T) {
	f := newFixture(t)
	writeDoc(t, f.docs, "a.md", "# A\n\nsome text\n")
	require.NoError(t, f.manager.FullRebuild(context.Background()))

	writeDoc(t, f.docs, "b.md", "# B\n\nnew text\n")

	restarted := f.newManager()
	require.NoError(t, restarted.LoadOrBuild(context.Background()))

	assert.Equal(t, 2, restarted.Len())
	assert.Equal(t, 1, f.embedder.calls, "uncovered file must trigger a rebuild")
}

func TestLoadOrBuildBackfillsFileMetadata(t *testing.T) {
	f := newFixture(t)
	writeDoc(t, f.docs, "a.md", "# A\n\nsome text\n")
	require.NoError(t, f.manager.FullRebuild(context.Background()))

	// Overwrite the record as an older build would have written it, with
	// neither checksum nor per-file entries.
	require.NoError(t, f.manifest.Put(manifest.Record{Name: "default"}))

	restarted := f.newManager()
	require.NoError(t, restarted.LoadOrBuild(context.Background()))
	assert.Equal(t, 1, restarted.Len())
	assert.Zero(t, f.embedder.calls, "backfill must reuse the cached store")

	rec, ok, err := f.manifest.Get("default")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, rec.Checksum)
	require.Len(t, rec.Files, 1)
	for _, entry := range rec.Files {
		assert.NotEmpty(t, entry.ChunkIDs)
	}
}

func TestIncrementalUpdateNoChanges(t *testing.T) {
	f := newFixture(t)
	writeDoc(t, f.docs, "a.md", "# A\n\nsome text\n")
	require.NoError(t, f.manager.FullRebuild(context.Background()))
	f.embedder.calls = 0

	require.NoError(t, f.manager.IncrementalUpdate(context.Background()))
	assert.Zero(t, f.embedder.calls)
	assert.Equal(t, 1, f.manager.Len())
}

func TestIncrementalUpdateAddModifyDelete(t *testing.T) {
	f := newFixture(t)
	keep := writeDoc(t, f.docs, "keep.md", "# Keep\n\nkept text\n")
	change := writeDoc(t, f.docs, "change.md", "# Change\n\nold body\n")
	gone := writeDoc(t, f.docs, "gone.md", "# Gone\n\ndoomed text\n")

	require.NoError(t, f.manager.FullRebuild(context.Background()))
	require.Equal(t, 3, f.manager.Len())
	f.embedder.texts = nil

	writeDoc(t, f.docs, "change.md", "# Change\n\nfresh body with different words\n")
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(change, future, future))
	require.NoError(t, os.Remove(gone))
	added := writeDoc(t, f.docs, "added.md", "# Added\n\nbrand new text\n")

	require.NoError(t, f.manager.IncrementalUpdate(context.Background()))

	assert.Equal(t, 3, f.manager.Len())
	joined := strings.Join(f.embedder.texts, "\n")
	assert.Contains(t, joined, "fresh body")
	assert.Contains(t, joined, "brand new text")
	assert.NotContains(t, joined, "kept text", "unchanged files must not be re-embedded")

	hits, err := f.manager.Search(vectorFor("# Added\n\nbrand new text"), 3)
	require.NoError(t, err)
	paths := make(map[string]bool)
	for _, h := range hits {
		paths[h.Chunk.FilePath] = true
	}
	assert.True(t, paths[added])
	assert.True(t, paths[keep])
	assert.False(t, paths[gone], "deleted file must leave the index")

	rec, ok, err := f.manifest.Get("default")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, rec.Files, 3)
	_, stillThere := rec.Files[gone]
	assert.False(t, stillThere)
}

func TestIncrementalUpdateWithoutSnapshotFallsBack(t *testing.T) {
	f := newFixture(t)
	writeDoc(t, f.docs, "a.md", "# A\n\nsome text\n")

	require.NoError(t, f.manager.IncrementalUpdate(context.Background()))
	assert.True(t, f.manager.Ready())
	assert.Equal(t, 1, f.manager.Len())
	assert.Equal(t, 1, f.embedder.calls, "missing snapshot must trigger a full rebuild")
}

func TestCheckCollisions(t *testing.T) {
	chunks := []markdown.Chunk{
		{ID: 1, FilePath: "/docs/a.md", Index: 0},
		{ID: 2, FilePath: "/docs/a.md", Index: 1},
	}
	require.NoError(t, checkCollisions(chunks))

	chunks = append(chunks, markdown.Chunk{ID: 1, FilePath: "/docs/b.md", Index: 0})
	err := checkCollisions(chunks)
	require.ErrorIs(t, err, ErrIDCollision)
	assert.Contains(t, err.Error(), "/docs/a.md#0")
	assert.Contains(t, err.Error(), "/docs/b.md#0")
}
