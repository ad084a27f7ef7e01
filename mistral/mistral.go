// Package mistral is a minimal chat-completions client used as an AI reply
// generator. An empty API key leaves the client unconfigured, which callers
// treat as "no AI available" rather than an error.
package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultModel   = "mistral-small-latest"
	defaultBaseURL = "https://api.mistral.ai/v1"
	defaultTimeout = 20 * time.Second
)

// Client calls the Mistral chat-completions endpoint.
type Client struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
}

// NewFromEnv builds a client from MISTRAL_API_KEY, MISTRAL_MODEL and
// MISTRAL_API_BASE_URL.
func NewFromEnv() *Client {
	return &Client{
		APIKey:  strings.TrimSpace(os.Getenv("MISTRAL_API_KEY")),
		Model:   os.Getenv("MISTRAL_MODEL"),
		BaseURL: os.Getenv("MISTRAL_API_BASE_URL"),
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return strings.TrimSpace(c.APIKey) != "" }

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

// Generate sends one system+user prompt pair and returns the cleaned text of
// the first choice.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("mistral api key not set")
	}
	model := c.Model
	if model == "" {
		model = defaultModel
	}
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	temp := c.Temperature
	if temp <= 0 {
		temp = 0.6
	}
	maxTokens := c.MaxTokens
	if maxTokens < 50 || maxTokens > 500 {
		maxTokens = 140
	}

	payload, err := json.Marshal(chatRequest{
		Model:       model,
		Temperature: temp,
		MaxTokens:   maxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: strings.TrimSpace(systemPrompt)},
			{Role: "user", Content: strings.TrimSpace(userPrompt)},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && resp.StatusCode == http.StatusOK {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		detail := body.Error.Message
		if detail == "" {
			detail = body.Message
		}
		if detail == "" {
			detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return "", fmt.Errorf("mistral api error: %s", detail)
	}
	if len(body.Choices) == 0 {
		return "", fmt.Errorf("mistral api returned no choices")
	}
	text := strings.Join(strings.Fields(body.Choices[0].Message.Content), " ")
	if text == "" {
		return "", fmt.Errorf("mistral api returned an empty reply")
	}
	return text, nil
}
