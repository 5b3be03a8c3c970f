// Package llmclassify implements the Transformer's optional LLM-assisted
// classification path (§4.4): a small HTTP client that sends a sub-batch of
// weak-category messages to a text-generation endpoint and expects back
// "<index>. <category>" lines, one per message. Grounded on
// pkg/embedclient's POST-JSON/retry shape, since both are thin clients over
// a local inference service.
package llmclassify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	requestTimeout = 30 * time.Second
	maxAttempts    = 3
	backoffBase    = 1 * time.Second
)

// Client calls a local text-generation endpoint that accepts
// {model, prompt} and returns {response}.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

// New creates a Classifier targeting baseURL with the given model name.
func New(baseURL, model string) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Classify sends messages as a numbered prompt and returns the raw
// "<index>. <category>" response text. 5xx responses are retried with
// exponential backoff; a failure after retries is returned as an error so
// the Transformer downgrades the batch to the heuristic category.
func (c *Client) Classify(ctx context.Context, messages []string) (string, error) {
	prompt := buildPrompt(messages)
	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("llmclassify: marshal request: %w", err)
	}

	var lastErr error
	delay := backoffBase
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, retryable, err := c.attempt(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable || attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", fmt.Errorf("llmclassify: %w", lastErr)
}

func (c *Client) attempt(ctx context.Context, body []byte) (text string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, fmt.Errorf("decode: %w", err)
	}
	return result.Response, false, nil
}

func buildPrompt(messages []string) string {
	var b strings.Builder
	b.WriteString("Classify each numbered log message into exactly one category from " +
		"{authentication, authorization, data_access, deployment, error, performance, " +
		"security, system, application, network, configuration, other}. " +
		"Respond with one line per message, formatted as \"<index>. <category>\".\n\n")
	for i, m := range messages {
		fmt.Fprintf(&b, "%d. %s\n", i, m)
	}
	return b.String()
}
