package embedding

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEmbeddings = []byte("embeddings")

// Cache persists embeddings keyed by the sha256 of the embedded text, so a
// text seen twice is never sent to the API twice. Entries are append-only
// within a process and never mutate in place.
type Cache struct {
	db *bbolt.DB
}

// OpenCache opens (or creates) the cache database at path.
func OpenCache(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening embedding cache %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEmbeddings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing embedding cache: %w", err)
	}

	return &Cache{db: db}, nil
}

// TextKey is the cache key for a chunk text.
func TextKey(text string) [sha256.Size]byte {
	return sha256.Sum256([]byte(text))
}

// Get returns the cached vector for a key, or false when absent.
func (c *Cache) Get(key [sha256.Size]byte) ([]float32, bool) {
	var vec []float32
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEmbeddings).Get(key[:])
		if data == nil {
			return nil
		}
		vec = decodeVector(data)
		return nil
	})
	if err != nil || vec == nil {
		return nil, false
	}
	return vec, true
}

// Put stores a vector under a key. Re-putting an existing key writes the
// identical bytes, so concurrent writers are idempotent.
func (c *Cache) Put(key [sha256.Size]byte, vec []float32) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).Put(key[:], encodeVector(vec))
	})
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	n := 0
	_ = c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEmbeddings).Stats().KeyN
		return nil
	})
	return n
}

// Close releases the database file.
func (c *Cache) Close() error {
	return c.db.Close()
}

func encodeVector(vec []float32) []byte {
	data := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return data
}

func decodeVector(data []byte) []float32 {
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec
}
