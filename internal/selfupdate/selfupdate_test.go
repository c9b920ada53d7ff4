package selfupdate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sia/internal/llm"
)

type proposalBackend struct {
	text   string
	err    error
	system string
}

func (b *proposalBackend) Provider() llm.Provider { return llm.ProviderOpenAI }

func (b *proposalBackend) Complete(_ context.Context, system, _ string) (string, error) {
	b.system = system
	return b.text, b.err
}

// scoreRunner simulates "sia run evaluate" by writing a newer eval record.
// The first call measures the unpatched tree, the second the patched one.
type scoreRunner struct {
	logs   string
	scores []string
	failAt int // 1-based call that fails
	calls  int
}

func (r *scoreRunner) Run(context.Context) (string, error) {
	r.calls++
	if r.calls == r.failAt {
		return "boom", errors.New("exit status 1")
	}
	score := r.scores[min(r.calls, len(r.scores))-1]
	data := "test_id,score,answer\n\navg_score," + score + "\n"
	name := fmt.Sprintf("eval_99991231-235959-%03d.csv", r.calls)
	return "", os.WriteFile(filepath.Join(r.logs, name), []byte(data), 0644)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

type workspace struct {
	root string
	logs string
}

// newWorkspace writes a workspace whose newest eval record holds stale.
func newWorkspace(t *testing.T, stale string) *workspace {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"prompts/active.txt":            "Tu es un assistant.\n",
		"prompts/auto_a.txt":            "variant a\n",
		"scripts/tool.sh":               "echo ok\n",
		"configs/config.yaml":           "provider: openai\n",
		"logs/eval_20260101-000000.csv": "test_id,score,answer\n\navg_score," + stale + "\n",
	})
	return &workspace{root: root, logs: filepath.Join(root, "logs")}
}

func (w *workspace) updater(backend llm.Backend, runner Runner, opts Options) *Updater {
	u := New(backend, runner, w.root, w.logs, opts)
	u.now = func() time.Time { return time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC) }
	return u
}

func defaultOptions() Options {
	return Options{
		Enabled:    true,
		AllowPaths: []string{"app/", "scripts/", "prompts/"},
		MaxFiles:   3,
		Explain:    true,
		MinGain:    0.01,
	}
}

const twoFilePatch = `Voici le patch.
*** Update File: prompts/active.txt
+++ NEW CONTENT
Tu es un assistant très précis.
*** Update File: app/new_helper.py
+++ NEW CONTENT
print("hi")
`

func TestParsePatch(t *testing.T) {
	text := "intro\n" +
		"*** Update File: prompts/a.txt\n+++ NEW CONTENT\nline1\nline2\n" +
		"*** Update File: old.txt -> new.txt\nbody\n" +
		"*** Update File: scripts/raw.sh\necho raw\n" +
		"*** Update File: app/x.py\n+++ NEW CONTENT\nx\n"

	got := ParsePatch(text, 3)
	want := []FileChange{
		{Path: "prompts/a.txt", Content: "line1\nline2\n"},
		{Path: "scripts/raw.sh", Content: "echo raw\n"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParsePatch mismatch (-want +got):\n%s", diff)
	}

	assert.Len(t, ParsePatch(text, 10), 3)
	assert.Empty(t, ParsePatch("no blocks here", 3))
	assert.Empty(t, ParsePatch(text, 0))
}

func TestPermitted(t *testing.T) {
	allow := []string{"app/", "scripts/", "prompts/active.txt", "/etc", "../up"}
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"app/main.py", "app/main.py", true},
		{"./app/sub/../main.py", "app/main.py", true},
		{"app", "app", true},
		{"prompts/active.txt", "prompts/active.txt", true},
		{"prompts/other.txt", "", false},
		{"application/x.py", "", false},
		{"app/../configs/config.yaml", "", false},
		{"../outside.txt", "", false},
		{"/etc/passwd", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := Permitted(tt.path, allow)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestSelfUpdateRollsBackOnRegression(t *testing.T) {
	w := newWorkspace(t, "0.60")
	pre := readTree(t, w.root)
	backend := &proposalBackend{text: twoFilePatch}
	runner := &scoreRunner{logs: w.logs, scores: []string{"0.60", "0.58"}}

	res := w.updater(backend, runner, defaultOptions()).Run(context.Background())

	assert.Equal(t, StateRolledBack, res.State)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"prompts/active.txt", "app/new_helper.py"}, res.Applied)
	assert.InDelta(t, 0.60, res.Before, 1e-9)
	assert.InDelta(t, 0.58, res.After, 1e-9)
	assert.InDelta(t, -0.02, res.Gain, 1e-9)
	assert.Equal(t, 2, runner.calls)

	post := readTree(t, w.root)
	for _, dir := range []string{"prompts/", "scripts/", "app/"} {
		if diff := cmp.Diff(filter(pre, dir), filter(post, dir)); diff != "" {
			t.Errorf("%s not restored exactly (-want +got):\n%s", dir, diff)
		}
	}
	_, err := os.Stat(filepath.Join(w.root, "app"))
	assert.True(t, os.IsNotExist(err), "paths absent at snapshot time are removed")

	backup := readTree(t, res.Backup)
	assert.Equal(t, "Tu es un assistant.\n", backup["prompts/active.txt"])
	note, err := os.ReadFile(res.Note)
	require.NoError(t, err)
	assert.Equal(t, twoFilePatch, string(note))
	assert.Contains(t, backend.system, "Modifie au plus 3 fichier(s)")
}

func TestSelfUpdateAcceptsGain(t *testing.T) {
	w := newWorkspace(t, "0.60")
	runner := &scoreRunner{logs: w.logs, scores: []string{"0.60", "0.75"}}

	res := w.updater(&proposalBackend{text: twoFilePatch}, runner, defaultOptions()).Run(context.Background())
	assert.Equal(t, StateAccepted, res.State)
	assert.InDelta(t, 0.15, res.Gain, 1e-9)

	data, err := os.ReadFile(filepath.Join(w.root, "prompts", "active.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Tu es un assistant très précis.\n", string(data))
}

func TestSelfUpdateEvaluationFailureRollsBack(t *testing.T) {
	w := newWorkspace(t, "0.60")
	pre := readTree(t, w.root)
	runner := &scoreRunner{logs: w.logs, scores: []string{"0.60"}, failAt: 2}

	res := w.updater(&proposalBackend{text: twoFilePatch}, runner, defaultOptions()).Run(context.Background())
	assert.Equal(t, StateRolledBack, res.State)
	assert.Error(t, res.Err)
	assert.Equal(t, filter(pre, "prompts/"), filter(readTree(t, w.root), "prompts/"))
}

func TestSelfUpdateBaselineIgnoresStaleRecord(t *testing.T) {
	// the newest record predates a promotion that already raised the score
	w := newWorkspace(t, "0.40")
	pre := readTree(t, w.root)
	opts := defaultOptions()
	opts.MinGain = 0.05
	runner := &scoreRunner{logs: w.logs, scores: []string{"0.60", "0.62"}}

	res := w.updater(&proposalBackend{text: twoFilePatch}, runner, opts).Run(context.Background())
	assert.Equal(t, StateRolledBack, res.State)
	assert.InDelta(t, 0.60, res.Before, 1e-9)
	assert.InDelta(t, 0.02, res.Gain, 1e-9)
	assert.Equal(t, filter(pre, "prompts/"), filter(readTree(t, w.root), "prompts/"))
}

func TestSelfUpdateAcceptsExactMinGain(t *testing.T) {
	w := newWorkspace(t, "0.65")
	opts := defaultOptions()
	opts.MinGain = 0.05
	runner := &scoreRunner{logs: w.logs, scores: []string{"0.65", "0.70"}}

	res := w.updater(&proposalBackend{text: twoFilePatch}, runner, opts).Run(context.Background())
	assert.Equal(t, StateAccepted, res.State)
}

func TestSelfUpdateBaselineFailureAppliesNothing(t *testing.T) {
	w := newWorkspace(t, "0.60")
	pre := readTree(t, w.root)
	runner := &scoreRunner{logs: w.logs, scores: []string{"0.60"}, failAt: 1}

	res := w.updater(&proposalBackend{text: twoFilePatch}, runner, defaultOptions()).Run(context.Background())
	assert.Equal(t, StateNothingApplied, res.State)
	assert.Error(t, res.Err)
	assert.Empty(t, res.Applied)
	assert.Empty(t, res.Backup)
	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, filter(pre, "prompts/"), filter(readTree(t, w.root), "prompts/"))
}

func TestSelfUpdateTerminalStates(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		w := newWorkspace(t, "0.5")
		opts := defaultOptions()
		opts.Enabled = false
		res := w.updater(&proposalBackend{text: twoFilePatch}, &scoreRunner{}, opts).Run(context.Background())
		assert.Equal(t, StateDisabled, res.State)
	})

	t.Run("no backend", func(t *testing.T) {
		w := newWorkspace(t, "0.5")
		res := w.updater(nil, &scoreRunner{}, defaultOptions()).Run(context.Background())
		assert.Equal(t, StateNoProposal, res.State)
	})

	t.Run("backend error", func(t *testing.T) {
		w := newWorkspace(t, "0.5")
		res := w.updater(&proposalBackend{err: errors.New("401")}, &scoreRunner{}, defaultOptions()).Run(context.Background())
		assert.Equal(t, StateNoProposal, res.State)
		assert.Error(t, res.Err)
	})

	t.Run("dry run writes only the note", func(t *testing.T) {
		w := newWorkspace(t, "0.5")
		opts := defaultOptions()
		opts.DryRun = true
		runner := &scoreRunner{logs: w.logs, scores: []string{"1"}}
		res := w.updater(&proposalBackend{text: twoFilePatch}, runner, opts).Run(context.Background())
		assert.Equal(t, StateDryRun, res.State)
		assert.Zero(t, runner.calls)
		assert.FileExists(t, res.Note)
		data, err := os.ReadFile(filepath.Join(w.root, "prompts", "active.txt"))
		require.NoError(t, err)
		assert.Equal(t, "Tu es un assistant.\n", string(data))
	})

	t.Run("nothing permitted", func(t *testing.T) {
		w := newWorkspace(t, "0.5")
		patch := "*** Update File: configs/config.yaml\n+++ NEW CONTENT\nprovider: dummy\n" +
			"*** Update File: ../escape.txt\n+++ NEW CONTENT\nx\n"
		runner := &scoreRunner{logs: w.logs, scores: []string{"1"}}
		res := w.updater(&proposalBackend{text: patch}, runner, defaultOptions()).Run(context.Background())
		assert.Equal(t, StateNothingApplied, res.State)
		assert.Zero(t, runner.calls)
		data, err := os.ReadFile(filepath.Join(w.root, "configs", "config.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "provider: openai\n", string(data))
		_, err = os.Stat(filepath.Join(filepath.Dir(w.root), "escape.txt"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("explain off", func(t *testing.T) {
		w := newWorkspace(t, "0.5")
		opts := defaultOptions()
		opts.Explain = false
		opts.DryRun = true
		res := w.updater(&proposalBackend{text: twoFilePatch}, &scoreRunner{}, opts).Run(context.Background())
		assert.Empty(t, res.Note)
	})
}

func TestSnapshotRestoreIsExact(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"prompts/a.txt":      "a",
		"prompts/deep/b.txt": "b",
		"scripts/run.sh":     "run",
		"untouched/keep.txt": "keep",
	})
	require.NoError(t, os.Chmod(filepath.Join(root, "scripts", "run.sh"), 0755))
	pre := readTree(t, root)

	snap, err := TakeSnapshot(root, filepath.Join(t.TempDir(), "backup"), []string{"prompts/", "scripts", "app/"})
	require.NoError(t, err)

	writeTree(t, root, map[string]string{
		"prompts/a.txt":     "changed",
		"prompts/extra.txt": "new",
		"app/created.py":    "x",
	})
	require.NoError(t, os.Remove(filepath.Join(root, "prompts", "deep", "b.txt")))

	require.NoError(t, snap.Restore())
	if diff := cmp.Diff(pre, readTree(t, root)); diff != "" {
		t.Errorf("restore mismatch (-want +got):\n%s", diff)
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(root, "scripts", "run.sh"))
		require.NoError(t, err)
		assert.Equal(t, fs.FileMode(0755), info.Mode().Perm())
	}

	_, err = TakeSnapshot(root, snap.Dir, []string{"prompts/"})
	assert.Error(t, err, "a backup directory is never reused")

	var nilSnap *Snapshot
	assert.ErrorIs(t, nilSnap.Restore(), ErrNoBackup)
}

func TestCommandRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	out, err := (&CommandRunner{Args: []string{"sh", "-c", "echo evaluated"}, Timeout: 5 * time.Second}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "evaluated", strings.TrimSpace(out))

	_, err = (&CommandRunner{Args: []string{"sh", "-c", "exit 3"}}).Run(context.Background())
	assert.Error(t, err)

	_, err = (&CommandRunner{Args: []string{"sleep", "5"}, Timeout: 50 * time.Millisecond}).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = (&CommandRunner{}).Run(context.Background())
	assert.Error(t, err)

	out, err = (&CommandRunner{Args: []string{"sh", "-c", "echo $" + LockHeldEnv}, Env: []string{LockHeldEnv + "=1"}}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", strings.TrimSpace(out))

	ev, err := EvaluateCommand("/ws", time.Second)
	require.NoError(t, err)
	assert.Contains(t, ev.Env, LockHeldEnv+"=1")
	assert.Equal(t, []string{"run", "evaluate", "--workspace", "/ws"}, ev.Args[1:])
}

func TestPrompts(t *testing.T) {
	sys := SystemPrompt(2, []string{"prompts/"})
	assert.Contains(t, sys, "*** Update File: <path>\n+++ NEW CONTENT\n")
	assert.Contains(t, sys, "(prompts/)")
	assert.True(t, strings.HasPrefix(UserPrompt(0.01), "Objectif: augmenter avg_score > 0.01 "))
}

func filter(tree map[string]string, prefix string) map[string]string {
	out := map[string]string{}
	for k, v := range tree {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}
