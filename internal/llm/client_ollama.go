package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sia/internal/logging"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llama3"
)

// OllamaClient implements Backend against a local Ollama server.
type OllamaClient struct {
	endpoint    string
	model       string
	temperature float64
	client      *http.Client
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(s Settings) *OllamaClient {
	endpoint := strings.TrimRight(s.BaseURL, "/")
	if endpoint == "" {
		endpoint = defaultOllamaURL
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	model := s.Model
	if model == "" {
		model = defaultOllamaModel
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaClient{
		endpoint:    endpoint,
		model:       model,
		temperature: s.Temperature,
		client:      &http.Client{Timeout: timeout},
	}
}

// Provider implements Backend.
func (c *OllamaClient) Provider() Provider { return ProviderOllama }

// Complete sends a non-streaming /api/chat request.
func (c *OllamaClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model: c.model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream:  false,
		Options: map[string]any{"temperature": c.temperature},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("ollama error: %s", result.Error)
	}

	out := result.Message.Content
	if out == "" {
		out = result.Response
	}
	logging.LLMDebug("[Ollama] Complete: model=%s response_len=%d", c.model, len(out))
	return strings.TrimSpace(out), nil
}
