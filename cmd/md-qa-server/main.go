// Package main provides the markdown question-answering WebSocket server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mdqa/md-qa/internal/cache"
	"github.com/mdqa/md-qa/internal/config"
	"github.com/mdqa/md-qa/internal/embedding"
	"github.com/mdqa/md-qa/internal/index"
	"github.com/mdqa/md-qa/internal/manifest"
	"github.com/mdqa/md-qa/internal/qa"
	"github.com/mdqa/md-qa/internal/reload"
	"github.com/mdqa/md-qa/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "md-qa-server",
	Short: "Question answering over local markdown files",
	Long:  "WebSocket server that indexes local markdown directories and answers questions about them through an OpenAI-compatible API.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the WebSocket server",
	Long: `Indexes the configured markdown directories and serves queries over
WebSocket. The index is refreshed periodically; configuration file
changes are picked up while the server runs.

Environment variables:
  MARKDOWN_QA_API_BASE_URL     OpenAI-compatible endpoint (required)
  MARKDOWN_QA_API_KEY          API key (required)
  MARKDOWN_QA_EMBEDDING_MODEL  Embedding model name
  MARKDOWN_QA_LLM_MODEL        Chat model name
  MARKDOWN_QA_DIRECTORIES      Comma-separated directory list`,
	RunE: runServe,
}

var flags struct {
	configPath     string
	port           int
	directories    []string
	reloadInterval int
	indexName      string
}

func init() {
	serveCmd.Flags().StringVar(&flags.configPath, "config", "", "config file path (default ~/.md-qa/config.yaml)")
	serveCmd.Flags().IntVar(&flags.port, "port", 0, "listen port")
	serveCmd.Flags().StringSliceVar(&flags.directories, "directories", nil, "markdown directories to index")
	serveCmd.Flags().IntVar(&flags.reloadInterval, "reload-interval", 0, "seconds between index refreshes")
	serveCmd.Flags().StringVar(&flags.indexName, "index-name", "", "name of the index to serve")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	configPath := flags.configPath
	if configPath == "" {
		var err error
		configPath, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}
	overrides := config.Overrides{
		Port:           flags.port,
		Directories:    flags.directories,
		ReloadInterval: flags.reloadInterval,
		IndexName:      flags.indexName,
	}

	cfg, err := config.Load(configPath, overrides, logger)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	cacheManager, err := cache.NewManager(cfg.CacheDir)
	if err != nil {
		return err
	}
	lock, err := cacheManager.AcquireLock()
	if err != nil {
		return err
	}
	defer lock.Release()

	embedCache, err := embedding.OpenCache(cacheManager.EmbeddingsPath())
	if err != nil {
		return err
	}
	defer embedCache.Close()

	newEmbedder := func(c *config.Config) (index.Embedder, error) {
		return embedding.NewClient(embedding.Options{
			BaseURL: c.API.BaseURL,
			APIKey:  c.API.APIKey,
			Model:   c.API.EmbeddingModel,
			Cache:   embedCache,
			Logger:  logger,
		})
	}
	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	manager := index.NewManager(index.Options{
		Cache:       cacheManager,
		Manifest:    manifest.New(cacheManager.ManifestPath()),
		Embedder:    embedder,
		Logger:      logger,
		Name:        cfg.Server.IndexName,
		Directories: cfg.Server.Directories,
	})

	pipeline, err := qa.NewPipeline(qa.Options{
		BaseURL:  cfg.API.BaseURL,
		APIKey:   cfg.API.APIKey,
		Model:    cfg.API.LLMModel,
		Searcher: manager,
		Embedder: embedder,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// The index loads in the background; queries answer not-ready until
	// the first publish.
	go func() {
		if err := manager.LoadOrBuild(ctx); err != nil {
			logger.Error("Initial index load failed", "error", err)
		}
	}()

	scheduler := reload.NewScheduler(manager,
		time.Duration(cfg.Server.ReloadInterval)*time.Second, logger)
	go scheduler.Run(ctx)

	controller := reload.NewController(manager, scheduler, cfg,
		func() (*config.Config, error) {
			return config.Load(configPath, overrides, logger)
		},
		newEmbedder, logger)
	go func() {
		if err := controller.Watch(ctx); err != nil {
			logger.Warn("Config watcher stopped", "error", err)
		}
	}()

	srv := server.New(server.Options{
		Answerer: pipeline,
		Indexes:  manager,
		Logger:   logger,
	})
	if err := srv.Run(ctx, cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("Server stopped")
	return nil
}
