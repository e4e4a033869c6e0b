// Package llm provides a minimal client for an OpenAI-compatible chat
// completions endpoint. The conversational agent loop lives outside this
// system; the engine only needs single-shot completions for rule
// interpretation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Message is a single chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client for an OpenAI-compatible chat completions API
type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new LLM client
func NewClient(baseURL, apiKey, model string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "llm").Logger(),
	}
}

// Complete sends the messages and returns the assistant's reply text
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.0,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion request returned status %d", resp.StatusCode)
	}

	var result struct {
		Choices []struct {
			Message Message `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("completion response contained no choices")
	}

	return result.Choices[0].Message.Content, nil
}
