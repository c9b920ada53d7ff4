package llm

import (
	"fmt"
	"strings"
)

// New creates a backend from resolved settings.
func New(s Settings) (Backend, error) {
	p := Provider(strings.ToLower(string(s.Provider)))
	switch p {
	case "", ProviderDummy:
		return NewDummyClient(), nil
	case ProviderOpenAI:
		return NewOpenAIClient(s), nil
	case ProviderOllama:
		return NewOllamaClient(s), nil
	case ProviderGemini:
		return NewGeminiClient(s)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", s.Provider)
	}
}
