// Package qa answers questions over the indexed corpus: embed the
// question, retrieve the nearest chunks, prompt the chat model, and
// stream the answer back phase by phase.
package qa

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mdqa/md-qa/internal/embedding"
	"github.com/mdqa/md-qa/internal/index"
)

const (
	// DefaultTopK is how many chunks are retrieved per question.
	DefaultTopK = 5

	temperature         = 0.7
	maxCompletionTokens = 500

	// ErrorSentinel prefixes the final chunk when the chat stream fails
	// after streaming has begun, so clients still get a well-formed
	// start/chunk/end sequence.
	ErrorSentinel = "[error] "

	// NoRelevantContent is streamed verbatim when retrieval comes back
	// empty.
	NoRelevantContent = "No relevant content found in the loaded markdown files to answer this question."
)

const systemInstruction = "You are a helpful assistant."

const promptTemplate = `You are a helpful assistant that answers questions based on the provided context from markdown documentation files.

Context from documentation:
%s

Question: %s

Please provide a clear and concise answer based on the context above. If the context does not contain enough information to answer the question, say so explicitly. Do not make up information that is not in the context.`

// Searcher is the slice of the index manager the pipeline reads through.
type Searcher interface {
	Search(query []float32, k int) ([]index.ScoredChunk, error)
}

// Embedder turns the question into a query vector.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// Stream receives the phases of one answer in order: Start once, Chunk
// zero or more times, End once. Implementations decide the wire format.
type Stream interface {
	Start() error
	Chunk(text string) error
	End(sources []string) error
}

// Options configures a Pipeline. BaseURL and APIKey are required.
type Options struct {
	BaseURL           string
	APIKey            string
	Model             string
	TopK              int
	DistanceThreshold float32
	Searcher          Searcher
	Embedder          Embedder
	Logger            *slog.Logger
}

// Pipeline runs the retrieval-augmented answer flow. A zero
// DistanceThreshold disables relevance filtering.
type Pipeline struct {
	api       *openai.Client
	model     string
	topK      int
	threshold float32
	searcher  Searcher
	embedder  Embedder
	logger    *slog.Logger
}

func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.BaseURL == "" || opts.APIKey == "" {
		return nil, fmt.Errorf("%w: base URL and API key are required", embedding.ErrAPIConfig)
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	api := openai.NewClient(
		option.WithBaseURL(opts.BaseURL),
		option.WithAPIKey(opts.APIKey),
	)

	return &Pipeline{
		api:       &api,
		model:     opts.Model,
		topK:      opts.TopK,
		threshold: opts.DistanceThreshold,
		searcher:  opts.Searcher,
		embedder:  opts.Embedder,
		logger:    opts.Logger,
	}, nil
}

// Answer streams the answer to one question. Errors before the stream
// starts (embedding failure, no index published) are returned to the
// caller, which should surface them as a protocol error. Once Start has
// been emitted, chat failures are folded into the stream as a sentinel
// chunk and Answer still ends the stream normally.
func (p *Pipeline) Answer(ctx context.Context, question string, out Stream) error {
	vectors, err := p.embedder.EmbedMany(ctx, []string{question})
	if err != nil {
		return fmt.Errorf("embedding question: %w", err)
	}

	hits, err := p.searcher.Search(vectors[0], p.topK)
	if err != nil {
		return err
	}
	if p.threshold > 0 {
		kept := hits[:0]
		for _, h := range hits {
			if h.Distance <= p.threshold {
				kept = append(kept, h)
			}
		}
		hits = kept
	}

	if len(hits) == 0 {
		if err := out.Start(); err != nil {
			return err
		}
		if err := out.Chunk(NoRelevantContent); err != nil {
			return err
		}
		return out.End([]string{})
	}

	sources := dedupSources(hits)
	prompt := buildPrompt(question, hits)

	if err := out.Start(); err != nil {
		return err
	}

	stream := p.api.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemInstruction),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(temperature),
		MaxTokens:   openai.Int(maxCompletionTokens),
	})
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := out.Chunk(delta); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		p.logger.Warn("Chat stream failed", "error", err)
		if err := out.Chunk(ErrorSentinel + "answer generation failed: " + err.Error()); err != nil {
			return err
		}
	}

	return out.End(sources)
}

// buildPrompt assembles the context blocks and the question into the
// chat prompt. Each block names its source file so the model can cite.
func buildPrompt(question string, hits []index.ScoredChunk) string {
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = fmt.Sprintf("Source: %s\n%s", h.Chunk.FilePath, h.Chunk.Text)
	}
	return fmt.Sprintf(promptTemplate, strings.Join(parts, "\n\n---\n\n"), question)
}

// dedupSources lists each source path once, in first-occurrence order.
func dedupSources(hits []index.ScoredChunk) []string {
	seen := make(map[string]struct{}, len(hits))
	sources := make([]string, 0, len(hits))
	for _, h := range hits {
		path := h.Chunk.FilePath
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		sources = append(sources, path)
	}
	return sources
}
