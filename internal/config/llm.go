package config

import "time"

// LLMConfig configures backend transport. Provider and model selection live
// at the top level of Config.
type LLMConfig struct {
	APIKey         string  `yaml:"api_key"`        // shared fallback key
	OpenAIAPIKey   string  `yaml:"openai_api_key"` // OPENAI_API_KEY
	GeminiAPIKey   string  `yaml:"gemini_api_key"` // GEMINI_API_KEY
	BaseURL        string  `yaml:"base_url"`       // OpenAI-compatible endpoint
	OllamaURL      string  `yaml:"ollama_url"`     // OLLAMA_HOST
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
}

// KeyFor returns the credential for a provider, or "" when none is needed
// or none is configured.
func (l LLMConfig) KeyFor(provider string) string {
	switch provider {
	case "openai":
		if l.OpenAIAPIKey != "" {
			return l.OpenAIAPIKey
		}
		return l.APIKey
	case "gemini":
		if l.GeminiAPIKey != "" {
			return l.GeminiAPIKey
		}
		return l.APIKey
	default:
		return ""
	}
}

// Timeout returns the per-call backend timeout.
func (l LLMConfig) Timeout() time.Duration {
	if l.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(l.TimeoutSeconds) * time.Second
}
