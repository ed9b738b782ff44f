// Package classify evaluates harvested posts against the policy
// taxonomy using a hosted language model.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/calyptra/tornet-scanner/internal/scanner"
)

const apiVersion = "2023-06-01"

// Client calls an Anthropic-compatible messages endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	key        string
	model      string
	maxTokens  int
}

// NewClient builds a classifier client.
func NewClient(endpoint, key, model string, maxTokens int, timeout time.Duration) *Client {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		key:        key,
		model:      model,
		maxTokens:  maxTokens,
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Classify submits the prompt and parses the model's JSON verdict.
func (c *Client) Classify(ctx context.Context, prompt string) (scanner.Classification, error) {
	payload, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return scanner.Classification{}, fmt.Errorf("marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return scanner.Classification{}, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.key)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return scanner.Classification{}, fmt.Errorf("call classify endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return scanner.Classification{}, fmt.Errorf("read classify response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return scanner.Classification{}, fmt.Errorf("classify endpoint status %d", resp.StatusCode)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return scanner.Classification{}, fmt.Errorf("decode classify response: %w", err)
	}
	if parsed.Error != nil {
		return scanner.Classification{}, fmt.Errorf("classify endpoint error: %s", parsed.Error.Message)
	}
	if len(parsed.Content) == 0 {
		return scanner.Classification{}, fmt.Errorf("classify endpoint returned no content")
	}
	return ParseVerdict(parsed.Content[0].Text)
}
