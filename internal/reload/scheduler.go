// Package reload keeps the index fresh: a ticker drives incremental
// updates off the request path, and a filesystem watcher applies
// configuration changes while the server runs.
package reload

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Updater is the slice of the index manager the scheduler drives.
type Updater interface {
	IncrementalUpdate(ctx context.Context) error
}

// Scheduler triggers an incremental update every interval. A tick that
// arrives while an update is still running is dropped, never queued.
type Scheduler struct {
	updater  Updater
	logger   *slog.Logger
	interval time.Duration

	intervalCh chan time.Duration
	reloading  atomic.Bool
}

func NewScheduler(updater Updater, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		updater:    updater,
		logger:     logger,
		interval:   interval,
		intervalCh: make(chan time.Duration, 1),
	}
}

// Run blocks until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reload scheduler stopped")
			return
		case d := <-s.intervalCh:
			ticker.Reset(d)
			s.logger.Info("Reload interval updated", "seconds", d.Seconds())
		case <-ticker.C:
			s.reload(ctx)
			// Drop a tick that fell due while the update was running.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// SetInterval restarts the ticker with a new period. The latest value
// wins when updates arrive faster than the loop consumes them.
func (s *Scheduler) SetInterval(d time.Duration) {
	select {
	case <-s.intervalCh:
	default:
	}
	s.intervalCh <- d
}

// Reloading reports whether an update is in flight.
func (s *Scheduler) Reloading() bool {
	return s.reloading.Load()
}

func (s *Scheduler) reload(ctx context.Context) {
	if !s.reloading.CompareAndSwap(false, true) {
		s.logger.Debug("Skipping reload, previous one still running")
		return
	}
	defer s.reloading.Store(false)

	if err := s.updater.IncrementalUpdate(ctx); err != nil {
		s.logger.Error("Reload failed", "error", err)
	}
}
