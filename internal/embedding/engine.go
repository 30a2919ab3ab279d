// Package embedding generates vector embeddings for skill memory.
// Two backends: a local Ollama server and Google GenAI for cloud-only hosts.
package embedding

import (
	"context"
	"fmt"
	"math"

	"warden/internal/config"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int

	// Name returns a human-readable backend identifier.
	Name() string
}

// HealthChecker is implemented by engines that can verify reachability
// before the daemon commits to them at boot.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewEngine creates an embedding engine from configuration.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaEngine(cfg.BaseURL, cfg.Model, cfg.Dimensions), nil
	case "gemini":
		return NewGenAIEngine(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'gemini')", cfg.Provider)
	}
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Returns a value in [-1, 1]; zero-magnitude vectors compare as 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, magA, magB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}

	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}
