package llm

import (
	"context"
	"strings"
)

// DummyClient answers from a fixed table of heuristics. It needs no network
// and makes the whole loop runnable offline.
type DummyClient struct{}

// NewDummyClient creates the offline backend.
func NewDummyClient() *DummyClient { return &DummyClient{} }

// Provider implements Backend.
func (c *DummyClient) Provider() Provider { return ProviderDummy }

// Complete implements Backend. The system prompt is ignored.
func (c *DummyClient) Complete(_ context.Context, _ string, userPrompt string) (string, error) {
	q := strings.ToLower(userPrompt)
	switch {
	case strings.Contains(q, "riz"):
		return "En général, compte 60 à 80 g de riz cru par personne.", nil
	case strings.Contains(q, "ls") || strings.Contains(q, "macos"):
		return "Utilise `ls -la` dans le terminal pour lister les fichiers (y compris cachés).", nil
	case strings.Contains(q, "ram"):
		return "La RAM est une mémoire vive temporaire; le stockage (disque) conserve les données de façon plus permanente.", nil
	default:
		return "Réponse générique pour test.", nil
	}
}
