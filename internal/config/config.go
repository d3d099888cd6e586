// Package config loads and validates the server configuration from the
// config file, environment variables, and CLI overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mdqa/md-qa/internal/loader"
)

const (
	// EnvBaseURL and friends are the environment fallbacks consulted when
	// the config file leaves a value unset.
	EnvBaseURL        = "MARKDOWN_QA_API_BASE_URL"
	EnvAPIKey         = "MARKDOWN_QA_API_KEY"
	EnvEmbeddingModel = "MARKDOWN_QA_EMBEDDING_MODEL"
	EnvLLMModel       = "MARKDOWN_QA_LLM_MODEL"
	EnvDirectories    = "MARKDOWN_QA_DIRECTORIES"

	DefaultEmbeddingModel = "text-embedding-3-small"
	DefaultLLMModel       = "qwen-flash"
	DefaultPort           = 8765
	DefaultReloadInterval = 300
	DefaultIndexName      = "default"
)

// API holds the OpenAI-compatible endpoint configuration.
type API struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	EmbeddingModel string `yaml:"embedding_model"`
	LLMModel       string `yaml:"llm_model"`
}

// Server holds the WebSocket server and indexing configuration.
type Server struct {
	Port           int           `yaml:"port"`
	Directories    DirectoryList `yaml:"directories"`
	ReloadInterval int           `yaml:"reload_interval"`
	IndexName      string        `yaml:"index_name"`
}

// Config is an immutable snapshot of the full configuration. Reconfiguration
// builds a new snapshot via Load rather than mutating an existing one.
type Config struct {
	API    API    `yaml:"api"`
	Server Server `yaml:"server"`

	// FilePath is the config file the snapshot was loaded from, empty when
	// no file existed. CacheDir is where indexes and caches live.
	FilePath string `yaml:"-"`
	CacheDir string `yaml:"-"`
}

// DirectoryList accepts either a YAML sequence of strings or a single
// comma-separated string and normalizes both to a list.
type DirectoryList []string

func (d *DirectoryList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*d = splitDirectories(s)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*d = list
		return nil
	default:
		return fmt.Errorf("directories must be a list or a comma-separated string")
	}
}

// Overrides carries CLI-provided values. Zero values mean "not provided";
// provided values win over the file and the environment.
type Overrides struct {
	Port           int
	Directories    []string
	ReloadInterval int
	IndexName      string
}

// DefaultPath returns ~/.md-qa/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".md-qa", "config.yaml"), nil
}

// DefaultCacheDir returns ~/.md-qa/cache.
func DefaultCacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".md-qa", "cache"), nil
}

// Load builds a configuration snapshot. Precedence per value:
// CLI override > config file > environment variable > built-in default.
// A missing config file is not an error; an unreadable or malformed one is.
func Load(path string, overrides Overrides, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := &Config{}

	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		cfg.FilePath = path
	case errors.Is(err, os.ErrNotExist):
		// Environment variables and overrides can still supply everything.
	default:
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	applyOverrides(cfg, overrides)

	if cfg.CacheDir == "" {
		cacheDir, err := DefaultCacheDir()
		if err != nil {
			return nil, err
		}
		cfg.CacheDir = cacheDir
	}

	if err := cfg.validate(logger); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills values the config file left unset; file values win over
// the environment.
func applyEnv(cfg *Config) {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = os.Getenv(EnvBaseURL)
	}
	if cfg.API.APIKey == "" {
		cfg.API.APIKey = os.Getenv(EnvAPIKey)
	}
	if cfg.API.EmbeddingModel == "" {
		cfg.API.EmbeddingModel = os.Getenv(EnvEmbeddingModel)
	}
	if cfg.API.LLMModel == "" {
		cfg.API.LLMModel = os.Getenv(EnvLLMModel)
	}
	if len(cfg.Server.Directories) == 0 {
		if dirs := os.Getenv(EnvDirectories); dirs != "" {
			cfg.Server.Directories = splitDirectories(dirs)
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.API.EmbeddingModel == "" {
		cfg.API.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.API.LLMModel == "" {
		cfg.API.LLMModel = DefaultLLMModel
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.ReloadInterval == 0 {
		cfg.Server.ReloadInterval = DefaultReloadInterval
	}
	if cfg.Server.IndexName == "" {
		cfg.Server.IndexName = DefaultIndexName
	}
}

func applyOverrides(cfg *Config, ov Overrides) {
	if ov.Port != 0 {
		cfg.Server.Port = ov.Port
	}
	if len(ov.Directories) > 0 {
		cfg.Server.Directories = ov.Directories
	}
	if ov.ReloadInterval != 0 {
		cfg.Server.ReloadInterval = ov.ReloadInterval
	}
	if ov.IndexName != "" {
		cfg.Server.IndexName = ov.IndexName
	}
}

// maxDirectoryFiles is the hard cutoff above which a directory is skipped;
// warnDirectoryFiles only produces a warning.
const (
	warnDirectoryFiles = 100
	maxDirectoryFiles  = 1000
)

func (c *Config) validate(logger *slog.Logger) error {
	if c.API.BaseURL == "" || c.API.APIKey == "" {
		return fmt.Errorf(
			"API configuration is missing: set api.base_url and api.api_key in %s or the %s and %s environment variables",
			c.FilePath, EnvBaseURL, EnvAPIKey)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.Server.Port)
	}
	if c.Server.ReloadInterval < 1 {
		return fmt.Errorf("invalid reload interval: %d", c.Server.ReloadInterval)
	}
	if len(c.Server.Directories) == 0 {
		return fmt.Errorf("no directories specified: set server.directories or %s", EnvDirectories)
	}

	valid := make(DirectoryList, 0, len(c.Server.Directories))
	for _, dir := range c.Server.Directories {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("directory does not exist: %s", dir)
		}

		count := loader.CountMarkdownFiles(dir)
		if count > maxDirectoryFiles {
			logger.Error("Skipping directory with too many markdown files",
				"directory", dir, "count", count, "max", maxDirectoryFiles)
			continue
		}
		if count > warnDirectoryFiles {
			logger.Warn("Directory contains many markdown files, indexing may be slow",
				"directory", dir, "count", count)
		}
		valid = append(valid, dir)
	}
	if len(valid) == 0 {
		return fmt.Errorf("no valid directories remaining: all were skipped for exceeding %d markdown files", maxDirectoryFiles)
	}
	c.Server.Directories = valid
	return nil
}

// Changes describes what differs between two configuration snapshots, used
// by the config watcher to decide how to react.
type Changes struct {
	// RebuildNeeded is set when directories, the index name, or any API
	// field changed; the running index no longer matches the config.
	RebuildNeeded bool
	// IntervalChanged is set when the reload interval changed; the reload
	// scheduler must be restarted with the new period.
	IntervalChanged bool
	// PortChanged is set when the listen port changed, which cannot be
	// applied without a process restart.
	PortChanged bool
}

// Diff compares two snapshots and reports what changed.
func Diff(old, updated *Config) Changes {
	var ch Changes
	if old.API != updated.API {
		ch.RebuildNeeded = true
	}
	if old.Server.IndexName != updated.Server.IndexName {
		ch.RebuildNeeded = true
	}
	if !equalStrings(old.Server.Directories, updated.Server.Directories) {
		ch.RebuildNeeded = true
	}
	if old.Server.ReloadInterval != updated.Server.ReloadInterval {
		ch.IntervalChanged = true
	}
	if old.Server.Port != updated.Server.Port {
		ch.PortChanged = true
	}
	return ch
}

// None reports whether nothing changed.
func (c Changes) None() bool {
	return !c.RebuildNeeded && !c.IntervalChanged && !c.PortChanged
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func splitDirectories(s string) []string {
	parts := strings.Split(s, ",")
	dirs := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			dirs = append(dirs, trimmed)
		}
	}
	return dirs
}
