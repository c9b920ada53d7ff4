package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"sia/internal/logging"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiClient implements Backend with the Google GenAI SDK.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
	timeout     time.Duration
}

// NewGeminiClient creates a Gemini backend. BaseURL, when set, overrides
// the API endpoint.
func NewGeminiClient(s Settings) (*GeminiClient, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	model := s.Model
	if model == "" {
		model = defaultGeminiModel
	}

	cc := &genai.ClientConfig{
		APIKey:  s.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if s.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: s.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GeminiClient{
		client:      client,
		model:       model,
		temperature: float32(s.Temperature),
		maxTokens:   int32(s.MaxTokens),
		timeout:     timeout,
	}, nil
}

// Provider implements Backend.
func (c *GeminiClient) Provider() Provider { return ProviderGemini }

// Complete generates one response with systemPrompt as the system instruction.
func (c *GeminiClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.temperature),
	}
	if c.maxTokens > 0 {
		cfg.MaxOutputTokens = c.maxTokens
	}
	if strings.TrimSpace(systemPrompt) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(userPrompt), cfg)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", fmt.Errorf("no completion returned")
	}
	logging.LLMDebug("[Gemini] Complete: model=%s response_len=%d", c.model, len(text))
	return text, nil
}
