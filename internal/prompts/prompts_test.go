package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	active := filepath.Join(dir, "prompts", "active.txt")
	s := NewStore(active, nil)
	require.NoError(t, s.SetActive("Tu es un assistant.\n"))
	return s, dir
}

func TestInferHints(t *testing.T) {
	hints := InferHints(DefaultTagCounts())
	require.Len(t, hints, 5)
	assert.Equal(t, "macos", hints[0].Tag)
	assert.Equal(t, "network", hints[4].Tag)

	hints = InferHints(map[string]int{"cli": 2, "python": 1, "cooking": 4})
	tags := make([]string, len(hints))
	for i, h := range hints {
		tags[i] = h.Tag
	}
	assert.Equal(t, []string{"macos", "python"}, tags)

	assert.Empty(t, InferHints(map[string]int{}))
}

func TestCountTags(t *testing.T) {
	got := CountTags([][]string{{"git", "cli"}, {"git"}, nil})
	if diff := cmp.Diff(map[string]int{"git": 2, "cli": 1}, got); diff != "" {
		t.Errorf("CountTags mismatch (-want +got):\n%s", diff)
	}
}

func TestMutate(t *testing.T) {
	hints := InferHints(DefaultTagCounts())

	got := Mutate("  Base prompt \n", Themes[1], hints)
	assert.True(t, strings.HasPrefix(got, "Base prompt\n\nAMÉLIORATIONS DEMANDÉES:\n- Pour git"))
	assert.Contains(t, got, "alternatives sûres")
	assert.NotContains(t, got, "pip/venv")
	assert.True(t, strings.HasSuffix(got, "\n"))

	// no python hint available: the theme falls back to every hint
	onlyGit := InferHints(map[string]int{"git": 1, "cli": 1})
	got = Mutate("Base", Themes[2], onlyGit)
	assert.Contains(t, got, "Pour git")
	assert.Contains(t, got, "macOS/CLI")

	assert.Equal(t, "Base", Mutate(" Base ", Themes[0], nil))
}

func TestGenerateWritesDistinctCandidates(t *testing.T) {
	s, _ := newTestStore(t)
	g := NewGenerator(s)
	fixed := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }

	first, err := g.Generate("Tu es un assistant.", InferHints(DefaultTagCounts()))
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, "auto_mac_cli_focus_20261015-093000-000", first[0].Name())

	second, err := g.Generate("Tu es un assistant.", nil)
	require.NoError(t, err)
	assert.Equal(t, "auto_mac_cli_focus_20261015-093000-001", second[0].Name())

	for _, v := range append(first, second...) {
		data, err := os.ReadFile(v.Path)
		require.NoError(t, err)
		assert.Equal(t, v.Content, string(data))
	}

	active, err := s.Active()
	require.NoError(t, err)
	assert.Equal(t, "Tu es un assistant.\n", active, "the active prompt is never touched")
}

func TestCandidatesDiscovery(t *testing.T) {
	s, dir := newTestStore(t)
	_, err := s.Write("b_variant", "b")
	require.NoError(t, err)
	_, err = s.Write("a_variant", "a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.md"), []byte("x"), 0644))

	extra := filepath.Join(dir, "elsewhere", "c.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(extra), 0755))
	require.NoError(t, os.WriteFile(extra, []byte("c"), 0644))

	s.configured = []string{extra, filepath.Join(s.Dir(), "a_variant.txt"), s.ActivePath()}
	got, err := s.Candidates()
	require.NoError(t, err)

	want := []string{
		extra,
		filepath.Join(s.Dir(), "a_variant.txt"),
		filepath.Join(s.Dir(), "b_variant.txt"),
	}
	assert.Equal(t, want, got)
}

func TestPrune(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"auto_a", "auto_b", "auto_c", "manual"} {
		v, err := s.Write(name, name)
		require.NoError(t, err)
		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(v.Path, mod, mod))
	}

	removed, err := s.Prune(0)
	require.NoError(t, err)
	assert.Empty(t, removed)

	removed, err = s.Prune(1)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(s.Dir(), "auto_a.txt"),
		filepath.Join(s.Dir(), "auto_b.txt"),
	}, removed)

	left, err := s.Generated()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(s.Dir(), "auto_c.txt")}, left)
	_, err = os.Stat(filepath.Join(s.Dir(), "manual.txt"))
	assert.NoError(t, err)
}

func TestActiveMissing(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "none.txt"), nil)
	got, err := s.Active()
	require.NoError(t, err)
	assert.Empty(t, got)
}
