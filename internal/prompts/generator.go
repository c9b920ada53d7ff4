package prompts

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"sia/internal/logging"
)

// Theme is a named focus for generated candidates.
type Theme struct {
	Name string
	Tags []string
}

// Themes are generated in this order on every grow stage.
var Themes = []Theme{
	{Name: "mac_cli_focus", Tags: []string{"macos", "network"}},
	{Name: "git_safety_focus", Tags: []string{"git", "safety"}},
	{Name: "python_env_focus", Tags: []string{"python"}},
}

const hintHeader = "\n\nAMÉLIORATIONS DEMANDÉES:\n- "

// Generator derives candidate prompts from the active prompt.
type Generator struct {
	store  *Store
	now    func() time.Time
	stamps Stamper
}

// NewGenerator creates a generator writing into store's prompt directory.
func NewGenerator(store *Store) *Generator {
	return &Generator{store: store, now: time.Now}
}

// Mutate returns the active text with the theme's hints appended. When no
// hint matches the theme, every hint is used.
func Mutate(active string, theme Theme, hints []Hint) string {
	selected := hintsFor(theme, hints)
	if len(selected) == 0 {
		return strings.TrimSpace(active)
	}
	texts := make([]string, len(selected))
	for i, h := range selected {
		texts[i] = h.Text
	}
	return strings.TrimSpace(active) + hintHeader + strings.Join(texts, "\n- ") + "\n"
}

func hintsFor(theme Theme, hints []Hint) []Hint {
	var out []Hint
	for _, h := range hints {
		for _, t := range theme.Tags {
			if h.Tag == t {
				out = append(out, h)
				break
			}
		}
	}
	if len(out) == 0 {
		return hints
	}
	return out
}

// Generate writes one candidate per theme as auto_<theme>_<stamp>.txt and
// returns them in theme order.
func (g *Generator) Generate(active string, hints []Hint) ([]Variant, error) {
	stamp := g.stamps.Next(g.now())
	out := make([]Variant, 0, len(Themes))
	for _, theme := range Themes {
		name := fmt.Sprintf("%s%s_%s", AutoPrefix, theme.Name, stamp)
		v, err := g.store.Write(name, Mutate(active, theme, hints))
		if err != nil {
			return out, err
		}
		logging.Audit(logging.AuditEvent{Type: logging.AuditCandidateWritten, Target: v.Path})
		out = append(out, v)
	}
	logging.Get(logging.CategoryABTest).Info("generated %d candidates with %d hints", len(out), len(hints))
	return out, nil
}

// Stamper formats file-name timestamps with millisecond precision, each
// strictly later than the one before. The zero value is ready to use.
type Stamper struct {
	mu   sync.Mutex
	last time.Time
}

// Next returns the stamp for t, or for 1ms after the previous stamp when t
// is not later.
func (s *Stamper) Next(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t = t.Truncate(time.Millisecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return fmt.Sprintf("%s-%03d", t.Format("20060102-150405"), t.Nanosecond()/int(time.Millisecond))
}
