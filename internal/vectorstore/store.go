// Package vectorstore implements a flat, exact L2 similarity index over
// float32 vectors with stable chunk IDs and file persistence.
package vectorstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mdqa/md-qa/internal/markdown"
)

// Result is one search hit. Distance is squared L2.
type Result struct {
	ID       uint64
	Distance float32
}

// Store holds parallel id/vector rows plus the chunk table. Every ID in
// the rows has a chunk entry and vice versa; IDs are unique. Reads may run
// concurrently; writers are expected to own the store exclusively, as
// published snapshots are never mutated.
type Store struct {
	mu      sync.RWMutex
	dim     int
	ids     []uint64
	vectors [][]float32
	pos     map[uint64]int
	chunks  map[uint64]markdown.Chunk
}

// New creates an empty store. The dimension is fixed by the first add.
func New() *Store {
	return &Store{
		pos:    make(map[uint64]int),
		chunks: make(map[uint64]markdown.Chunk),
	}
}

// AddWithIDs appends rows. The three slices must be parallel, every vector
// must match the store dimension, and no ID may already be present or
// repeat within the batch.
func (s *Store) AddWithIDs(ids []uint64, vecs [][]float32, chunks []markdown.Chunk) error {
	if len(ids) != len(vecs) || len(ids) != len(chunks) {
		return fmt.Errorf("mismatched lengths: %d ids, %d vectors, %d chunks",
			len(ids), len(vecs), len(chunks))
	}
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim == 0 {
		s.dim = len(vecs[0])
	}
	seen := make(map[uint64]struct{}, len(ids))
	for i, id := range ids {
		if len(vecs[i]) != s.dim {
			return fmt.Errorf("vector %d has dimension %d, store has %d", i, len(vecs[i]), s.dim)
		}
		if _, dup := s.pos[id]; dup {
			return fmt.Errorf("id %d already present in store", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("id %d repeated within batch", id)
		}
		seen[id] = struct{}{}
	}

	for i, id := range ids {
		s.pos[id] = len(s.ids)
		s.ids = append(s.ids, id)
		s.vectors = append(s.vectors, vecs[i])
		s.chunks[id] = chunks[i]
	}
	return nil
}

// RemoveIDs deletes rows by ID. Unknown IDs are ignored.
func (s *Store) RemoveIDs(ids []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		row, ok := s.pos[id]
		if !ok {
			continue
		}
		last := len(s.ids) - 1
		if row != last {
			s.ids[row] = s.ids[last]
			s.vectors[row] = s.vectors[last]
			s.pos[s.ids[row]] = row
		}
		s.ids = s.ids[:last]
		s.vectors = s.vectors[:last]
		delete(s.pos, id)
		delete(s.chunks, id)
	}
}

// Search returns the k nearest rows by squared L2 distance, ascending,
// with ties broken by ascending ID. k larger than Len is clamped.
func (s *Store) Search(query []float32, k int) []Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 || len(s.ids) == 0 {
		return nil
	}
	if len(query) != s.dim {
		return nil
	}

	results := make([]Result, len(s.ids))
	for i, vec := range s.vectors {
		results[i] = Result{ID: s.ids[i], Distance: l2Squared(query, vec)}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})

	if k > len(results) {
		k = len(results)
	}
	return results[:k]
}

// Chunk looks up the metadata for an ID.
func (s *Store) Chunk(id uint64) (markdown.Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[id]
	return c, ok
}

// IDs returns all row IDs in insertion-order-independent form.
func (s *Store) IDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, len(s.ids))
	copy(out, s.ids)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

func (s *Store) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Clone returns a deep copy safe to mutate while the original serves reads.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &Store{
		dim:     s.dim,
		ids:     make([]uint64, len(s.ids)),
		vectors: make([][]float32, len(s.vectors)),
		pos:     make(map[uint64]int, len(s.pos)),
		chunks:  make(map[uint64]markdown.Chunk, len(s.chunks)),
	}
	copy(c.ids, s.ids)
	for i, vec := range s.vectors {
		row := make([]float32, len(vec))
		copy(row, vec)
		c.vectors[i] = row
	}
	for id, row := range s.pos {
		c.pos[id] = row
	}
	for id, chunk := range s.chunks {
		c.chunks[id] = chunk
	}
	return c
}

func l2Squared(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}
