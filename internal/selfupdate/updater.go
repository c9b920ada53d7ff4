// Package selfupdate asks a language model for a small source patch, applies
// it inside a whitelist, re-evaluates, and rolls back when the score does not
// improve enough.
package selfupdate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sia/internal/config"
	"sia/internal/evaluation"
	"sia/internal/llm"
	"sia/internal/logging"
	"sia/internal/prompts"
)

// State is the terminal outcome of a self-update attempt.
type State string

const (
	StateDisabled       State = "disabled"
	StateNoProposal     State = "no_proposal"
	StateDryRun         State = "dry_run"
	StateNothingApplied State = "nothing_applied"
	StateAccepted       State = "accepted"
	StateRolledBack     State = "rolled_back"
)

// Options configure the updater.
type Options struct {
	Enabled    bool
	AllowPaths []string
	MaxFiles   int
	DryRun     bool
	Explain    bool
	MinGain    float64
}

// OptionsFromConfig extracts self_update settings.
func OptionsFromConfig(cfg *config.Config) Options {
	su := cfg.SelfUpdate
	return Options{
		Enabled:    su.Enabled,
		AllowPaths: su.AllowPaths,
		MaxFiles:   su.MaxFiles,
		DryRun:     su.DryRun,
		Explain:    su.Explain,
		MinGain:    su.MinGain,
	}
}

// Result describes one attempt.
type Result struct {
	State   State
	Note    string   // audit copy of the proposal
	Backup  string   // snapshot directory
	Applied []string // workspace-relative paths written
	Before  float64
	After   float64
	Gain    float64
	Err     error // failure that forced the outcome, if any
}

// Updater runs guarded self-patching for one workspace.
type Updater struct {
	backend   llm.Backend
	runner    Runner
	workspace string
	logsDir   string
	opts      Options
	now       func() time.Time
	stamps    prompts.Stamper
}

// New creates an updater. backend may be nil, in which case no proposal is
// ever made.
func New(backend llm.Backend, runner Runner, workspace, logsDir string, opts Options) *Updater {
	return &Updater{
		backend:   backend,
		runner:    runner,
		workspace: workspace,
		logsDir:   logsDir,
		opts:      opts,
		now:       time.Now,
	}
}

// BackendFromConfig builds the proposal backend: self_update.provider and
// model, falling back to the global selection, at temperature 0. The dummy
// backend never proposes patches, so it yields nil.
func BackendFromConfig(cfg *config.Config) (llm.Backend, error) {
	provider, model := cfg.SelfUpdateBackend()
	if provider == "" || llm.Provider(provider) == llm.ProviderDummy {
		return nil, nil
	}
	s := llm.SettingsFor(cfg, provider, model)
	s.Temperature = 0
	s.MaxTokens = 1200
	return llm.New(s)
}

// FromConfig wires an updater that evaluates through "sia run evaluate".
func FromConfig(cfg *config.Config) (*Updater, error) {
	backend, err := BackendFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	runner, err := EvaluateCommand(cfg.Workspace, cfg.Scheduler.ScriptTimeout())
	if err != nil {
		return nil, err
	}
	return New(backend, runner, cfg.Workspace, cfg.LogsDir(), OptionsFromConfig(cfg)), nil
}

// SystemPrompt fixes the patch format, the file ceiling and the whitelist.
func SystemPrompt(maxFiles int, allowPaths []string) string {
	return "Tu es un agent d'amélioration de code. Propose un petit patch pour améliorer les scores d'évaluation. " +
		"Contraintes: sécurité d'abord, pas de suppression de fonctionnalités utiles, pas de mouvements de fichiers massifs. " +
		"Modifie au plus " + strconv.Itoa(maxFiles) + " fichier(s) dans les chemins autorisés (" + strings.Join(allowPaths, ", ") + "). " +
		"Propose un patch au format '*** Update File: <path>\n+++ NEW CONTENT\n<contenu complet>' pour chaque fichier."
}

// UserPrompt states the objective.
func UserPrompt(minGain float64) string {
	return "Objectif: augmenter avg_score > " + strconv.FormatFloat(minGain, 'f', -1, 64) + " par rapport à l'actuel.\n" +
		"Contexte: nous avons des tests variés (macOS/CLI, git, python, safety).\n" +
		"Idées: améliorer prompts, ajouter détails dans réponses RAG, ajuster sampling/timeouts.\n" +
		"Propose un patch minimal et sûr."
}

// Run performs one attempt. It never returns an error: every failure ends
// in a state where no change remains applied. The baseline is measured on
// the unpatched tree right before applying, so changes made earlier in the
// cycle are not credited to the patch.
func (u *Updater) Run(ctx context.Context) Result {
	if !u.opts.Enabled {
		return Result{State: StateDisabled}
	}
	timer := logging.StartTimer(logging.CategorySelfUpdate, "self-update")
	defer timer.StopWithInfo()

	res := Result{}

	// Requesting
	if u.backend == nil {
		logging.SelfUpdate("no backend able to propose patches")
		res.State = StateNoProposal
		return res
	}
	proposal, err := u.backend.Complete(ctx, SystemPrompt(u.opts.MaxFiles, u.opts.AllowPaths), UserPrompt(u.opts.MinGain))
	if err != nil || proposal == "" {
		if err != nil {
			logging.SelfUpdateWarn("proposal failed: %v", err)
		}
		res.State, res.Err = StateNoProposal, err
		return res
	}

	// Proposed
	stamp := u.stamps.Next(u.now())
	if err := os.MkdirAll(u.logsDir, 0755); err != nil {
		res.State, res.Err = StateNothingApplied, err
		return res
	}
	if u.opts.Explain {
		res.Note = filepath.Join(u.logsDir, "self_update_"+stamp+".txt")
		if err := os.WriteFile(res.Note, []byte(proposal), 0644); err != nil {
			logging.SelfUpdateWarn("failed to write audit note: %v", err)
			res.Note = ""
		}
	}
	if u.opts.DryRun {
		logging.SelfUpdate("dry run: patch not applied (%s)", res.Note)
		res.State = StateDryRun
		return res
	}
	changes := u.permitted(ParsePatch(proposal, u.opts.MaxFiles))
	if len(changes) == 0 {
		logging.SelfUpdate("proposal touched no permitted file")
		res.State = StateNothingApplied
		return res
	}

	before, err := u.measure(ctx)
	if err != nil {
		logging.SelfUpdateWarn("baseline evaluation failed, nothing applied: %v", err)
		res.State, res.Err = StateNothingApplied, fmt.Errorf("baseline evaluation failed: %w", err)
		return res
	}
	res.Before = before

	// Applying
	snap, err := TakeSnapshot(u.workspace, filepath.Join(u.logsDir, "backup_"+stamp), u.opts.AllowPaths)
	if err != nil {
		logging.SelfUpdateWarn("backup failed, nothing applied: %v", err)
		res.State, res.Err = StateNothingApplied, err
		return res
	}
	res.Backup = snap.Dir

	applied, applyErr := u.apply(changes)
	res.Applied = applied
	if applyErr != nil {
		return u.rollback(res, snap, fmt.Errorf("apply failed: %w", applyErr))
	}

	// Evaluating
	after, err := u.measure(ctx)
	if err != nil {
		return u.rollback(res, snap, err)
	}
	res.After = after
	res.Gain = after - before
	logging.SelfUpdate("score before %.3f, after %.3f, gain %.3f", before, after, res.Gain)

	if evaluation.MeetsGain(res.Gain, u.opts.MinGain) {
		res.State = StateAccepted
		logging.Audit(logging.AuditEvent{
			Type:   logging.AuditPatchKept,
			Target: fmt.Sprint(applied),
			Score:  after,
			Fields: map[string]interface{}{"gain": res.Gain},
		})
		return res
	}
	return u.rollback(res, snap, nil)
}

// measure runs the evaluation and reads the score it recorded.
func (u *Updater) measure(ctx context.Context) (float64, error) {
	if out, err := u.runner.Run(ctx); err != nil {
		logging.SelfUpdateWarn("evaluation output: %s", out)
		return 0, err
	}
	return evaluation.LatestScore(u.logsDir)
}

// permitted keeps the changes inside the whitelist, with normalised paths.
func (u *Updater) permitted(changes []FileChange) []FileChange {
	var out []FileChange
	for _, c := range changes {
		rel, ok := Permitted(c.Path, u.opts.AllowPaths)
		if !ok {
			logging.Audit(logging.AuditEvent{Type: logging.AuditPatchSkipped, Target: c.Path, Reason: "not_permitted"})
			continue
		}
		out = append(out, FileChange{Path: rel, Content: c.Content})
	}
	return out
}

func (u *Updater) apply(changes []FileChange) ([]string, error) {
	var applied []string
	for _, c := range changes {
		dst := filepath.Join(u.workspace, filepath.FromSlash(c.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return applied, err
		}
		if err := os.WriteFile(dst, []byte(c.Content), 0644); err != nil {
			return applied, err
		}
		logging.Audit(logging.AuditEvent{Type: logging.AuditPatchApplied, Target: c.Path})
		applied = append(applied, c.Path)
	}
	return applied, nil
}

func (u *Updater) rollback(res Result, snap *Snapshot, cause error) Result {
	res.State, res.Err = StateRolledBack, cause
	reason := "insufficient_gain"
	if cause != nil {
		reason = cause.Error()
	}
	if err := snap.Restore(); err != nil {
		logging.Get(logging.CategorySelfUpdate).Error("restore from %s failed: %v", snap.Dir, err)
		res.Err = fmt.Errorf("%s; restore failed: %w", reason, err)
	}
	logging.SelfUpdateWarn("rolled back: %s", reason)
	logging.Audit(logging.AuditEvent{Type: logging.AuditRollback, Target: snap.Dir, Reason: reason})
	return res
}
