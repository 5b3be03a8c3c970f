// Package embedclient is the Embedder Client (C10): it calls a local
// embedding endpoint, retries 5xx responses with exponential backoff,
// records latency and errors into the checkpoint/metrics registry, and fixes
// its vector dimension from the first successful response. Grounded
// on the teacher's pkg/ollama client, generalized from a single-vector
// Ollama RPC shim into the POST {model,input} -> {embeddings} contract
// §6.4 specifies.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lumenlog/logpipe/pkg/checkpoint"
)

const (
	// requestTimeout bounds a single HTTP attempt (§4.10).
	requestTimeout = 90 * time.Second
	// maxAttempts caps retries on 5xx responses (§4.10).
	maxAttempts = 3
	// backoffBase is doubled on each retry.
	backoffBase = 2 * time.Second
	// maxInputBytes truncates oversized inputs before sending (§4.10).
	maxInputBytes = 8 * 1024

	metricsService = "ollama"
)

// Client calls the local embedding endpoint.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	metrics *checkpoint.MetricsRegistry

	// dimension is fixed by the first successful response (§4.10); until
	// then callers must supply a fallback dimension for zero-vector errors.
	dimension int
}

// New creates an embedding client targeting baseURL with the given model
// name. metrics may be nil in tests that don't assert on latency recording.
func New(baseURL, model string, metrics *checkpoint.MetricsRegistry) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: requestTimeout},
		metrics: metrics,
	}
}

// Dimension reports the vector size fixed by the first successful
// response, or 0 if no call has succeeded yet.
func (c *Client) Dimension() int { return c.dimension }

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding vector for text, truncated to maxInputBytes.
// On exhausted retries or a malformed response it returns a zero vector of
// fallbackDim length rather than an error, per §4.10/§6.4 — the caller
// (C12) is expected to skip zero vectors downstream and let a later pass
// overwrite them.
func (c *Client) Embed(ctx context.Context, text string, fallbackDim int) []float32 {
	if len(text) > maxInputBytes {
		text = text[:maxInputBytes]
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Input: text})
	if err != nil {
		return c.zero(fallbackDim)
	}

	var lastErr error
	delay := backoffBase
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		vec, retryable, err := c.attempt(ctx, body)
		if err == nil {
			return vec
		}
		lastErr = err
		if !retryable || attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return c.zero(fallbackDim)
		case <-time.After(delay):
		}
		delay *= 2
	}
	_ = lastErr
	return c.zero(fallbackDim)
}

// attempt performs one HTTP round trip, always recording wall-clock latency
// regardless of outcome (§4.10). retryable distinguishes a 5xx (worth
// another attempt) from any other failure.
func (c *Client) attempt(ctx context.Context, body []byte) (vec []float32, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if c.metrics != nil {
		c.metrics.RecordLatency(metricsService, latency)
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordError(metricsService)
		}
		return nil, false, fmt.Errorf("embedclient: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		if c.metrics != nil {
			c.metrics.RecordError(metricsService)
		}
		return nil, true, fmt.Errorf("embedclient: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		if c.metrics != nil {
			c.metrics.RecordError(metricsService)
		}
		return nil, false, fmt.Errorf("embedclient: status %d", resp.StatusCode)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		if c.metrics != nil {
			c.metrics.RecordError(metricsService)
		}
		return nil, false, fmt.Errorf("embedclient: decode: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		if c.metrics != nil {
			c.metrics.RecordError(metricsService)
		}
		return nil, false, fmt.Errorf("embedclient: empty embeddings")
	}

	vec = result.Embeddings[0]
	if c.dimension == 0 {
		c.dimension = len(vec)
	}
	return vec, false, nil
}

func (c *Client) zero(fallbackDim int) []float32 {
	dim := c.dimension
	if dim == 0 {
		dim = fallbackDim
	}
	return make([]float32, dim)
}
