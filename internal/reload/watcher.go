package reload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mdqa/md-qa/internal/config"
	"github.com/mdqa/md-qa/internal/index"
)

// debounceWindow coalesces the burst of events editors produce for one
// save into a single reconfiguration.
const debounceWindow = 500 * time.Millisecond

// Rebuilder is the slice of the index manager the controller drives on
// configuration changes.
type Rebuilder interface {
	Reconfigure(name string, directories []string, embedder index.Embedder)
	FullRebuild(ctx context.Context) error
}

// Controller re-reads the configuration when the file changes and
// applies the difference: directory, index-name, or API changes force a
// full rebuild; interval changes retune the scheduler; a port change can
// only be satisfied by a restart and is logged.
type Controller struct {
	rebuilder Rebuilder
	scheduler *Scheduler
	logger    *slog.Logger

	// loadConfig re-reads the file with the original CLI overrides still
	// applied, so a file edit cannot undo a flag.
	loadConfig func() (*config.Config, error)
	// newEmbedder builds a fresh embedding client for an updated API
	// configuration.
	newEmbedder func(cfg *config.Config) (index.Embedder, error)

	current *config.Config
}

func NewController(
	rebuilder Rebuilder,
	scheduler *Scheduler,
	current *config.Config,
	loadConfig func() (*config.Config, error),
	newEmbedder func(cfg *config.Config) (index.Embedder, error),
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		rebuilder:   rebuilder,
		scheduler:   scheduler,
		logger:      logger,
		loadConfig:  loadConfig,
		newEmbedder: newEmbedder,
		current:     current,
	}
}

// Watch blocks until the context is canceled, reacting to writes of the
// config file. When the current snapshot was loaded without a config file
// there is nothing to watch, and Watch only waits for cancellation; a file
// created later is not picked up. Otherwise the watch covers the parent
// directory, so a file that is replaced or removed and created again is
// still followed.
func (c *Controller) Watch(ctx context.Context) error {
	path := c.current.FilePath
	if path == "" {
		c.logger.Info("No config file to watch")
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	c.logger.Info("Watching config file", "path", path)

	var (
		debounce *time.Timer
		pending  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceWindow)
			}
			pending = debounce.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("Config watcher error", "error", err)
		case <-pending:
			pending = nil
			c.apply(ctx)
		}
	}
}

func (c *Controller) apply(ctx context.Context) {
	updated, err := c.loadConfig()
	if err != nil {
		c.logger.Error("Ignoring invalid config change", "error", err)
		return
	}

	changes := config.Diff(c.current, updated)
	if changes.None() {
		return
	}
	c.logger.Info("Configuration file changed", "path", updated.FilePath)

	if changes.PortChanged {
		c.logger.Warn("Port change detected, server restart required",
			"old", c.current.Server.Port, "new", updated.Server.Port)
	}
	if changes.IntervalChanged {
		c.scheduler.SetInterval(time.Duration(updated.Server.ReloadInterval) * time.Second)
	}
	if changes.RebuildNeeded {
		embedder, err := c.newEmbedder(updated)
		if err != nil {
			c.logger.Error("Cannot apply API configuration change", "error", err)
			return
		}
		c.rebuilder.Reconfigure(updated.Server.IndexName, updated.Server.Directories, embedder)
		if err := c.rebuilder.FullRebuild(ctx); err != nil {
			c.logger.Error("Rebuild after config change failed", "error", err)
			return
		}
	}

	c.current = updated
}
