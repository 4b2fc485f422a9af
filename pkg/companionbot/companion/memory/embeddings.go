// Package memory – embeddings.go defines the pluggable embedding backend
// for the dense side of hybrid search. The vector index mandates only the
// cosine-similarity contract; any provider satisfying EmbeddingProvider
// can serve it.
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// EmbeddingProvider computes dense vectors for texts.
type EmbeddingProvider interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector length this provider produces.
	Dimensions() int

	// Name identifies the provider for cache keying and logs.
	Name() string

	// Model identifies the embedding model for cache keying.
	Model() string
}

// NullEmbedder is a disabled provider: Embed always errors. Used when no
// embedding backend is configured; hybrid search then degrades to
// keyword-only results.
type NullEmbedder struct{}

func (NullEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("no embedding provider configured")
}
func (NullEmbedder) Dimensions() int { return 0 }
func (NullEmbedder) Name() string    { return "null" }
func (NullEmbedder) Model() string   { return "none" }

// HashEmbedder is a deterministic local fallback that maps character
// n-grams into a fixed-size vector. It captures lexical overlap only, but
// needs no network and keeps the hybrid pipeline exercisable offline.
type HashEmbedder struct {
	Dim int
}

// NewHashEmbedder creates a hash embedder with the given dimensionality
// (default 256).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{Dim: dim}
}

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.embedOne(t)
	}
	return out, nil
}

func (h *HashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, h.Dim)
	runes := []rune(text)
	for n := 2; n <= 3; n++ {
		for i := 0; i+n <= len(runes); i++ {
			gram := string(runes[i : i+n])
			sum := sha256.Sum256([]byte(gram))
			idx := binary.BigEndian.Uint32(sum[:4]) % uint32(h.Dim)
			vec[idx]++
		}
	}
	// L2-normalize so dot product equals cosine similarity.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

func (h *HashEmbedder) Dimensions() int { return h.Dim }
func (h *HashEmbedder) Name() string    { return "hash" }
func (h *HashEmbedder) Model() string   { return fmt.Sprintf("ngram-%d", h.Dim) }

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint.
type HTTPEmbedder struct {
	BaseURL   string
	APIKey    string
	ModelName string
	Dim       int
	Client    *http.Client
}

// NewHTTPEmbedder creates an embedder against an OpenAI-compatible API.
func NewHTTPEmbedder(baseURL, apiKey, model string, dim int) *HTTPEmbedder {
	return &HTTPEmbedder{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		ModelName: model,
		Dim:       dim,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(map[string]any{
		"model": e.ModelName,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.BaseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("embedding API status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs",
			len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding API returned out-of-range index %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (e *HTTPEmbedder) Dimensions() int { return e.Dim }
func (e *HTTPEmbedder) Name() string    { return "openai-compat" }
func (e *HTTPEmbedder) Model() string   { return e.ModelName }

// cosineSimilarity computes the cosine of the angle between two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
