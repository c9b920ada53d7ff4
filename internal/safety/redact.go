package safety

import (
	"regexp"

	"sia/internal/logging"
)

// Redaction replaces every match of a redaction pattern.
const Redaction = "[REDACTED]"

// Redactor scrubs fetched text before it is stored.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor compiles patterns. Patterns that do not compile are skipped.
func NewRedactor(patterns []string) *Redactor {
	r := &Redactor{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			logging.SafetyWarn("skipping invalid redact pattern %q: %v", p, err)
			continue
		}
		r.patterns = append(r.patterns, re)
	}
	return r
}

// Redact applies every pattern in order.
func (r *Redactor) Redact(text string) string {
	for _, re := range r.patterns {
		text = re.ReplaceAllString(text, Redaction)
	}
	return text
}
