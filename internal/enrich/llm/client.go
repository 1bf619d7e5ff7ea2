// Package llm implements enrich.Backend on top of an OpenAI-compatible
// chat-completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Config holds endpoint credentials and model selection.
type Config struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// Client calls the chat-completions API once per enrichment operation.
type Client struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// ErrMisconfigured is returned when endpoint, model or key is missing.
var ErrMisconfigured = errors.New("llm client misconfigured")

const (
	classifyPrompt = `Classify the procurement opportunity into one short category label. ` +
		`Reply with JSON only: {"category": "<label>", "confidence": <0..1>}.`
	summarizePrompt = `Summarize the procurement opportunity in at most three sentences. Reply with plain text only.`
	tagsPrompt      = `List up to eight short topical tags for the procurement opportunity. Reply with a JSON array of strings.`
)

// New builds a client from configuration.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Classify returns a category label and the model's confidence. A reply that
// is not JSON is returned as the label with a NaN confidence.
func (c *Client) Classify(ctx context.Context, text string) (string, float64, error) {
	content, err := c.complete(ctx, classifyPrompt, text)
	if err != nil {
		return "", 0, err
	}
	var out struct {
		Category   string   `json:"category"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(unfence(content)), &out); err != nil {
		return content, math.NaN(), nil
	}
	conf := math.NaN()
	if out.Confidence != nil {
		conf = *out.Confidence
	}
	return out.Category, conf, nil
}

// Summarize returns the model's summary verbatim.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	return c.complete(ctx, summarizePrompt, text)
}

// ExtractTags returns the tags as listed by the model. Non-JSON replies are
// returned whole for the caller to split.
func (c *Client) ExtractTags(ctx context.Context, text string) ([]string, error) {
	content, err := c.complete(ctx, tagsPrompt, text)
	if err != nil {
		return nil, err
	}
	var tags []string
	if err := json.Unmarshal([]byte(unfence(content)), &tags); err != nil {
		return []string{content}, nil
	}
	return tags, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("llm client is nil")
	}
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return "", ErrMisconfigured
	}

	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		"temperature": 0,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("llm error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("chat response has no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

func unfence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
