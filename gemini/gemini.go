// Package gemini wraps the Google generative AI SDK as an alternative reply
// generator. Selected over the HTTP generator via AI_PROVIDER=gemini.
package gemini

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultModel = "gemini-2.5-flash"

// Client generates replies with a Gemini model.
type Client struct {
	client *genai.Client
	model  string
}

// New initializes the SDK client from GEMINI_API_KEY. A missing key returns
// an unconfigured client (not an error) so callers can fall through to
// template-only behavior.
func New(ctx context.Context) (*Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		return &Client{}, nil
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}
	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		model = defaultModel
	}
	return &Client{client: client, model: model}, nil
}

// Configured reports whether the SDK client was initialized.
func (c *Client) Configured() bool { return c != nil && c.client != nil }

// Generate produces one reply from a system+user prompt pair.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("gemini api key not set")
	}
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(0.5)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}

	resp, err := model.GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}
	text := strings.TrimSpace(fmt.Sprint(resp.Candidates[0].Content.Parts[0]))
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty reply")
	}
	return text, nil
}

// Close releases the underlying SDK client.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
