// Package embedding turns chunk texts into vectors through an
// OpenAI-compatible API, with retries and a persistent content-hash cache.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// DefaultBatchSize bounds how many uncached texts go into one request.
	DefaultBatchSize = 64

	maxRetries     = 4
	maxElapsedTime = 2 * time.Minute
)

// Options configures a Client. BaseURL and APIKey are required.
type Options struct {
	BaseURL   string
	APIKey    string
	Model     string
	BatchSize int
	Cache     *Cache
	Logger    *slog.Logger
}

// Client embeds texts through the configured endpoint. Cached texts are
// served from the Cache without an API call; only misses are sent, in
// batches, and results always come back in input order.
type Client struct {
	api       *openai.Client
	model     string
	batchSize int
	cache     *Cache
	logger    *slog.Logger
}

// NewClient validates the options and builds a Client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" || opts.APIKey == "" {
		return nil, fmt.Errorf("%w: base URL and API key are required", ErrAPIConfig)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	api := openai.NewClient(
		option.WithBaseURL(opts.BaseURL),
		option.WithAPIKey(opts.APIKey),
	)

	return &Client{
		api:       &api,
		model:     opts.Model,
		batchSize: opts.BatchSize,
		cache:     opts.Cache,
		logger:    opts.Logger,
	}, nil
}

// EmbedMany returns one vector per input text, in input order. Cache hits
// are bit-identical to the vectors stored by earlier misses.
func (c *Client) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))

	var (
		missTexts   []string
		missIndexes []int
	)
	for i, text := range texts {
		if c.cache != nil {
			if vec, ok := c.cache.Get(TextKey(text)); ok {
				result[i] = vec
				continue
			}
		}
		missTexts = append(missTexts, text)
		missIndexes = append(missIndexes, i)
	}

	if len(missTexts) > 0 {
		c.logger.Debug("Embedding uncached texts",
			"total", len(texts), "cached", len(texts)-len(missTexts), "misses", len(missTexts))
	}

	for start := 0; start < len(missTexts); start += c.batchSize {
		end := min(start+c.batchSize, len(missTexts))
		batch := missTexts[start:end]

		vectors, err := c.embedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}

		for j, vec := range vectors {
			idx := missIndexes[start+j]
			result[idx] = vec
			if c.cache != nil {
				if err := c.cache.Put(TextKey(batch[j]), vec); err != nil {
					c.logger.Warn("Failed to cache embedding", "error", err)
				}
			}
		}
	}

	return result, nil
}

// embedBatch sends one request, retrying 429 and 5xx responses with
// exponential backoff. Other client errors fail fast.
func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32

	operation := func() error {
		resp, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model: openai.EmbeddingModel(c.model),
		})
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("%w: sent %d texts, got %d embeddings",
				ErrAPIProtocol, len(texts), len(resp.Data)))
		}

		vectors = make([][]float32, len(resp.Data))
		for i, data := range resp.Data {
			vectors[i] = toFloat32(data.Embedding)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxElapsedTime = maxElapsedTime

	err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(b, ctx), maxRetries))
	if err != nil {
		if errors.Is(err, ErrAPIProtocol) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrAPITransport, err)
	}
	return vectors, nil
}

// isRetryable reports whether an error is worth another attempt: rate
// limits, server-side failures, and network-level errors.
func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}

// toFloat32 narrows the API's float64 vectors for storage.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
