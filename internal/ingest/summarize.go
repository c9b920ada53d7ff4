package ingest

import (
	"context"

	"sia/internal/config"
	"sia/internal/llm"
	"sia/internal/logging"
)

// Summarizer condenses fetched text before it is stored.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// LLMSummarizer asks a backend for a summary under a fixed system prompt.
type LLMSummarizer struct {
	backend llm.Backend
	prompt  string
}

// NewLLMSummarizer wraps backend.
func NewLLMSummarizer(backend llm.Backend, prompt string) *LLMSummarizer {
	if prompt == "" {
		prompt = "Résumé"
	}
	return &LLMSummarizer{backend: backend, prompt: prompt}
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", nil
	}
	return s.backend.Complete(ctx, s.prompt, text)
}

// SummarizerFromConfig returns a summarizer when rag.summarize is enabled and
// its backend is usable: not the dummy backend and, where one is needed, a
// credential is configured. Otherwise it returns nil and pages are stored raw.
func SummarizerFromConfig(cfg *config.Config) Summarizer {
	sc := cfg.RAG.Summarize
	if !sc.Enabled {
		return nil
	}
	provider := llm.Provider(sc.Provider)
	if provider == "" || provider == llm.ProviderDummy {
		return nil
	}
	model := sc.Model
	if model == "" {
		model = cfg.Model
	}
	settings := llm.SettingsFor(cfg, string(provider), model)
	if llm.RequiresAPIKey(provider) && settings.APIKey == "" {
		logging.IngestDebug("summaries disabled: no credential for %s", provider)
		return nil
	}
	settings.Temperature = 0
	settings.MaxTokens = sc.MaxTokens

	backend, err := llm.New(settings)
	if err != nil {
		logging.IngestWarn("summaries disabled: %v", err)
		return nil
	}
	return NewLLMSummarizer(backend, sc.Prompt)
}
