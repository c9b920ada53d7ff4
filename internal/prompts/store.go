// Package prompts manages the active system prompt and its candidate
// variants on disk.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sia/internal/logging"
)

// AutoPrefix marks generated candidate files.
const AutoPrefix = "auto_"

// Variant is a prompt identified by its file path.
type Variant struct {
	Path    string
	Content string
}

// Name returns the file name of the variant without its extension.
func (v Variant) Name() string {
	return strings.TrimSuffix(filepath.Base(v.Path), filepath.Ext(v.Path))
}

// Store reads and writes prompt files around one active prompt.
type Store struct {
	activePath string
	configured []string
}

// NewStore creates a store for the active prompt at activePath. configured
// lists extra candidate files outside the prompt directory.
func NewStore(activePath string, configured []string) *Store {
	return &Store{activePath: activePath, configured: configured}
}

// ActivePath returns the path of the active prompt.
func (s *Store) ActivePath() string { return s.activePath }

// Dir returns the prompt directory.
func (s *Store) Dir() string { return filepath.Dir(s.activePath) }

// Active reads the active prompt. A missing file yields an empty prompt.
func (s *Store) Active() (string, error) {
	data, err := os.ReadFile(s.activePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read active prompt: %w", err)
	}
	return string(data), nil
}

// SetActive replaces the active prompt content.
func (s *Store) SetActive(content string) error {
	return writeFile(s.activePath, content)
}

// Read loads a variant from path.
func (s *Store) Read(path string) (Variant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Variant{}, fmt.Errorf("failed to read prompt %s: %w", path, err)
	}
	return Variant{Path: path, Content: string(data)}, nil
}

// Write stores a variant in the prompt directory under name.txt.
func (s *Store) Write(name, content string) (Variant, error) {
	path := filepath.Join(s.Dir(), name+".txt")
	if err := writeFile(path, content); err != nil {
		return Variant{}, err
	}
	return Variant{Path: path, Content: content}, nil
}

// Candidates returns every *.txt in the prompt directory except the active
// prompt, plus the configured candidates, de-duplicated and sorted by path.
func (s *Store) Candidates() ([]string, error) {
	activeAbs, _ := filepath.Abs(s.activePath)
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if abs == activeAbs {
			return
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, p)
	}

	for _, p := range s.configured {
		add(p)
	}
	matches, err := filepath.Glob(filepath.Join(s.Dir(), "*.txt"))
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	for _, p := range matches {
		add(p)
	}
	sort.Strings(out)
	return out, nil
}

// Generated lists the auto_* candidates, oldest first by modification time.
func (s *Store) Generated() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.Dir(), AutoPrefix+"*.txt"))
	if err != nil {
		return nil, fmt.Errorf("failed to list generated prompts: %w", err)
	}
	type entry struct {
		path string
		mod  int64
	}
	entries := make([]entry, 0, len(matches))
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		entries = append(entries, entry{p, info.ModTime().UnixNano()})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].mod != entries[j].mod {
			return entries[i].mod < entries[j].mod
		}
		return entries[i].path < entries[j].path
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out, nil
}

// Prune removes the oldest generated candidates so that at most keep remain.
// keep <= 0 disables pruning. It returns the removed paths.
func (s *Store) Prune(keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	generated, err := s.Generated()
	if err != nil {
		return nil, err
	}
	if len(generated) <= keep {
		return nil, nil
	}
	var removed []string
	for _, p := range generated[:len(generated)-keep] {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logging.Get(logging.CategoryABTest).Warn("failed to prune %s: %v", p, err)
			continue
		}
		logging.Audit(logging.AuditEvent{Type: logging.AuditCandidatePruned, Target: p})
		removed = append(removed, p)
	}
	return removed, nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create prompt directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write prompt %s: %w", path, err)
	}
	return nil
}
