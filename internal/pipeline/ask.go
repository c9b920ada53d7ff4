package pipeline

import (
	"context"
	"strings"

	"sia/internal/ingest"
	"sia/internal/llm"
	"sia/internal/logging"
	"sia/internal/retrieval"
)

// Context assembly for RAG answers.
const (
	askTopK       = 3
	askHitChars   = 1000
	askSeparator  = "\n---\n"
	learnResults  = 3
	contextHeader = "\n\n[Contexte]\n"
)

// Ask answers question under the active prompt. With useRAG, the best index
// hits are appended to the system prompt under a [Contexte] block. Backend
// failures come back as an error marker, not an error.
func (p *Pipeline) Ask(ctx context.Context, question string, useRAG bool) (string, error) {
	cfg, err := p.LoadConfig()
	if err != nil {
		return "", err
	}
	system, err := promptStore(cfg).Active()
	if err != nil {
		return "", err
	}
	if useRAG {
		index, err := openIndex(cfg)
		if err != nil {
			return "", err
		}
		system += RAGContext(index.Query(question, askTopK))
	}
	backend, err := p.newBackend(cfg)
	if err != nil {
		return "", err
	}
	logging.LLMDebug("ask via %s (rag=%v)", backend.Provider(), useRAG)
	return llm.Answer(ctx, backend, system, question), nil
}

// RAGContext renders hits as the block appended to the system prompt. No
// hits yields "".
func RAGContext(hits []retrieval.Hit) string {
	if len(hits) == 0 {
		return ""
	}
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = firstRunes(h.Text, askHitChars)
	}
	return contextHeader + strings.Join(parts, askSeparator) + "\n\n"
}

func firstRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Learn searches the web for query and stores the fetched pages, under the
// same safety policy as scheduled ingestion.
func (p *Pipeline) Learn(ctx context.Context, query string) (ingest.LearnResult, error) {
	cfg, err := p.LoadConfig()
	if err != nil {
		return ingest.LearnResult{}, err
	}
	index, err := openIndex(cfg)
	if err != nil {
		return ingest.LearnResult{}, err
	}
	res, err := p.newIngestor(cfg, index).Learn(ctx, query, learnResults)
	if err != nil {
		return res, err
	}
	logging.Ingest("learned %d page(s) for %q", res.Count, query)
	return res, nil
}
