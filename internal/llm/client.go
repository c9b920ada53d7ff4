// Package llm provides the language-model backends sia answers with.
// Every backend is a single-shot completion: one system prompt, one user
// prompt, one text answer. Backends never retry; each external call is
// attempted once per cycle.
package llm

import (
	"context"
	"fmt"
	"time"

	"sia/internal/config"
)

// Provider names a backend.
type Provider string

const (
	ProviderDummy  Provider = "dummy"
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
	ProviderGemini Provider = "gemini"
)

// Backend is a language-model completion capability.
type Backend interface {
	// Complete returns the model's answer to userPrompt under systemPrompt.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// Provider identifies the backend in error markers and logs.
	Provider() Provider
}

// Settings is the resolved configuration for one backend instance.
type Settings struct {
	Provider    Provider
	Model       string
	APIKey      string
	BaseURL     string // OpenAI-compatible endpoint or Ollama host
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// RequiresAPIKey reports whether a provider needs a credential.
func RequiresAPIKey(p Provider) bool {
	return p == ProviderOpenAI || p == ProviderGemini
}

// SettingsFor resolves settings for provider/model from the global config.
// An empty provider means dummy.
func SettingsFor(cfg *config.Config, provider, model string) Settings {
	p := Provider(provider)
	if p == "" {
		p = ProviderDummy
	}
	s := Settings{
		Provider:    p,
		Model:       model,
		APIKey:      cfg.LLM.KeyFor(string(p)),
		Timeout:     cfg.LLM.Timeout(),
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}
	switch p {
	case ProviderOpenAI:
		s.BaseURL = cfg.LLM.BaseURL
	case ProviderOllama:
		s.BaseURL = cfg.LLM.OllamaURL
	}
	return s
}

// Answer calls b and converts a failure into a provider-tagged marker string.
// Callers that score answers treat the marker as a low-quality answer.
func Answer(ctx context.Context, b Backend, systemPrompt, question string) string {
	out, err := b.Complete(ctx, systemPrompt, question)
	if err != nil {
		return ErrorMarker(b.Provider(), err)
	}
	return out
}

// ErrorMarker renders the marker used in place of an answer.
func ErrorMarker(p Provider, err error) string {
	return fmt.Sprintf("[%s error] %v", p, err)
}
