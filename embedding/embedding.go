// Package embedding provides a transport-agnostic embedding client that
// converts text to float32 vectors via any OpenAI-compatible embedding server.
//
// It decouples embedding generation from storage so research memory and
// relevance filtering can convert text to vectors without knowing the backend
// (Ollama, vLLM, ONNX Runtime Server, or OpenAI itself).
//
// Usage:
//
//	emb := embedding.New(embedding.Config{
//	    Endpoint: "http://localhost:11434",
//	    Model:    "nomic-embed-text",
//	})
//	vec, err := emb.Embed(ctx, "What is photosynthesis?")
//	// vec is []float32 of dimension 768 (or whatever the model produces)
//
// When no endpoint is configured, New returns a deterministic feature-hashing
// embedder so semantic recall and relevance filtering keep working offline,
// with reduced quality.
package embedding

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode"
)

// Embedder converts text to vectors.
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embeddings for multiple texts in one HTTP call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimension (256, 768, 1536, etc).
	// Returns 0 if not yet detected (first call not made).
	Dimension() int

	// Model returns the model name.
	Model() string
}

// Config configures the embedding client.
type Config struct {
	// Endpoint is the base URL of the embedding server (e.g. "http://localhost:11434").
	// If empty, a deterministic hash embedder is returned.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// APIKey, when set, is sent as a Bearer token. Local servers usually
	// run key-less.
	APIKey string `json:"api_key" yaml:"api_key"`

	// Model is the model name sent in the request (e.g. "nomic-embed-text").
	Model string `json:"model" yaml:"model"`

	// Dimension is the expected vector dimension. 0 means auto-detect on first
	// call (hash embedder defaults to 256).
	Dimension int `json:"dimension" yaml:"dimension"`

	// BatchSize is the maximum number of texts per HTTP request. Default: 32.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// Timeout per HTTP request. Default: 30s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Logger for debug/error messages. Defaults to slog.Default().
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New creates an Embedder from config. If Endpoint is empty, returns a
// HashEmbedder of the configured dimension.
func New(cfg Config) Embedder {
	cfg.defaults()
	if cfg.Endpoint == "" {
		dim := cfg.Dimension
		if dim <= 0 {
			dim = 256
		}
		return &HashEmbedder{Dim: dim}
	}
	return newOpenAIClient(cfg)
}

// HashEmbedder produces deterministic vectors by feature-hashing tokens.
// Texts sharing vocabulary land near each other, which is enough for
// duplicate detection and coarse relevance ranking without a model server.
type HashEmbedder struct {
	Dim int
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.Dim)
	for _, tok := range hashTokens(text) {
		f := fnv.New64a()
		f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.Dim))
		// Sign bit from the hash spreads tokens across both directions,
		// which keeps unrelated texts from all pointing the same way.
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	normalize(vec)
	return vec, nil
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *HashEmbedder) Dimension() int { return h.Dim }
func (h *HashEmbedder) Model() string  { return "feature-hash" }

func hashTokens(text string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 1 {
			tokens = append(tokens, b.String())
		}
		b.Reset()
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
