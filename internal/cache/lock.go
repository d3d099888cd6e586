package cache

import (
	"fmt"
	"os"
)

// Lock is an exclusive pidfile guarding the cache directory against a
// second server instance.
type Lock struct {
	path string
}

// AcquireLock creates the lockfile exclusively and writes the current pid.
// A pre-existing lockfile means another instance owns the cache.
func (m *Manager) AcquireLock() (*Lock, error) {
	path := m.LockPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			data, readErr := os.ReadFile(path)
			if readErr == nil {
				return nil, fmt.Errorf("cache directory %s is locked by pid %s", m.dir, string(data))
			}
			return nil, fmt.Errorf("cache directory %s is locked by another instance", m.dir)
		}
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}

	fmt.Fprintf(f, "%d", os.Getpid())
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing lock %s: %w", path, err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lockfile.
func (l *Lock) Release() error {
	return os.Remove(l.path)
}
