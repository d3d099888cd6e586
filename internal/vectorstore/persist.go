package vectorstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/mdqa/md-qa/internal/cache"
	"github.com/mdqa/md-qa/internal/markdown"
)

// ErrInconsistent reports that the vector file and the metadata file do
// not describe the same set of IDs.
var ErrInconsistent = errors.New("vector store files are inconsistent")

const (
	fileMagic   uint32 = 0x4d445156 // "MDQV"
	fileVersion uint32 = 1
)

type metaFile struct {
	Chunks []markdown.Chunk `json:"chunks"`
}

// Save writes the vectors to vecPath and then the chunk table to metaPath,
// each replaced atomically on its own. The pair is not written as one unit:
// if the second write fails, the new vector file sits beside the previous
// chunk table.
func (s *Store) Save(vecPath, metaPath string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buf bytes.Buffer
	write := func(v any) {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	write(fileMagic)
	write(fileVersion)
	write(uint32(s.dim))
	write(uint64(len(s.ids)))
	for i, id := range s.ids {
		write(id)
		for _, v := range s.vectors[i] {
			write(math.Float32bits(v))
		}
	}

	meta := metaFile{Chunks: make([]markdown.Chunk, 0, len(s.ids))}
	for _, id := range s.ids {
		meta.Chunks = append(meta.Chunks, s.chunks[id])
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding chunk table: %w", err)
	}

	if err := cache.WriteFileAtomic(vecPath, buf.Bytes()); err != nil {
		return fmt.Errorf("saving vectors: %w", err)
	}
	if err := cache.WriteFileAtomic(metaPath, metaData); err != nil {
		return fmt.Errorf("saving chunk table: %w", err)
	}
	return nil
}

// Load reads a store saved by Save and verifies the two files agree:
// every row ID must have a chunk entry and vice versa.
func Load(vecPath, metaPath string) (*Store, error) {
	vecData, err := os.ReadFile(vecPath)
	if err != nil {
		return nil, fmt.Errorf("reading vectors: %w", err)
	}
	metaData, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("reading chunk table: %w", err)
	}

	r := bytes.NewReader(vecData)
	read := func(v any) error {
		return binary.Read(r, binary.LittleEndian, v)
	}

	var magic, version, dim uint32
	var count uint64
	if err := read(&magic); err != nil || magic != fileMagic {
		return nil, fmt.Errorf("%w: bad magic in %s", ErrInconsistent, vecPath)
	}
	if err := read(&version); err != nil || version != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version in %s", ErrInconsistent, vecPath)
	}
	if err := read(&dim); err != nil {
		return nil, fmt.Errorf("%w: truncated header in %s", ErrInconsistent, vecPath)
	}
	if err := read(&count); err != nil {
		return nil, fmt.Errorf("%w: truncated header in %s", ErrInconsistent, vecPath)
	}

	var meta metaFile
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %s", ErrInconsistent, metaPath, err)
	}
	chunks := make(map[uint64]markdown.Chunk, len(meta.Chunks))
	for _, c := range meta.Chunks {
		chunks[c.ID] = c
	}

	s := &Store{
		dim:     int(dim),
		ids:     make([]uint64, 0, count),
		vectors: make([][]float32, 0, count),
		pos:     make(map[uint64]int, count),
		chunks:  make(map[uint64]markdown.Chunk, count),
	}
	for i := uint64(0); i < count; i++ {
		var id uint64
		if err := read(&id); err != nil {
			return nil, fmt.Errorf("%w: truncated row %d in %s", ErrInconsistent, i, vecPath)
		}
		vec := make([]float32, dim)
		for j := range vec {
			var bits uint32
			if err := read(&bits); err != nil {
				return nil, fmt.Errorf("%w: truncated row %d in %s", ErrInconsistent, i, vecPath)
			}
			vec[j] = math.Float32frombits(bits)
		}

		chunk, ok := chunks[id]
		if !ok {
			return nil, fmt.Errorf("%w: id %s has no chunk entry", ErrInconsistent, strconv.FormatUint(id, 10))
		}
		if _, dup := s.pos[id]; dup {
			return nil, fmt.Errorf("%w: duplicate id %d", ErrInconsistent, id)
		}
		s.pos[id] = len(s.ids)
		s.ids = append(s.ids, id)
		s.vectors = append(s.vectors, vec)
		s.chunks[id] = chunk
	}

	if len(chunks) != len(s.ids) {
		return nil, fmt.Errorf("%w: %d chunk entries for %d rows", ErrInconsistent, len(chunks), len(s.ids))
	}
	return s, nil
}
