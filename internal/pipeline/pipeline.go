// Package pipeline runs the stages of one improvement cycle: ingest, grow,
// evaluate, ab_test, promote and, when enabled, self_update. It also serves
// the on-demand paths (ask, learn, single stage runs).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"sia/internal/config"
	"sia/internal/history"
	"sia/internal/ingest"
	"sia/internal/llm"
	"sia/internal/logging"
	"sia/internal/retrieval"
	"sia/internal/safety"
	"sia/internal/selfupdate"
)

// Stage names, in execution order.
const (
	StageIngest     = "ingest"
	StageGrow       = "grow"
	StageEvaluate   = "evaluate"
	StageABTest     = "ab_test"
	StagePromote    = "promote"
	StageSelfUpdate = "self_update"
)

// RunLogFile receives one line per stage run.
const RunLogFile = "cron.log"

// ErrUnknownStage is returned for a stage name outside the fixed set.
var ErrUnknownStage = errors.New("unknown stage")

// Names lists every stage, including self_update.
var Names = []string{StageIngest, StageGrow, StageEvaluate, StageABTest, StagePromote, StageSelfUpdate}

// StageResult is the outcome of one stage. Seconds is rounded to 2 decimals.
type StageResult struct {
	Stage   string  `json:"stage"`
	OK      bool    `json:"ok"`
	Seconds float64 `json:"seconds"`
	Err     error   `json:"-"`
}

// CycleResult is the outcome of one full cycle.
type CycleResult struct {
	ID      string
	Trigger string
	Stages  []StageResult
	Skipped []string // stages not started because the cycle was cancelled
}

// OK reports whether every stage that ran succeeded.
func (c CycleResult) OK() bool {
	for _, s := range c.Stages {
		if !s.OK {
			return false
		}
	}
	return len(c.Skipped) == 0
}

// Config wires a pipeline. Only Workspace is required; the factories default
// to the production constructors.
type Config struct {
	Workspace  string
	ConfigPath string         // overrides <workspace>/configs/config.yaml
	History    *history.Store // optional run ledger
	Robots     *safety.Robots // robots.txt cache; one per pipeline when nil

	NewBackend  func(cfg *config.Config) (llm.Backend, error)
	NewIngestor func(cfg *config.Config, index *retrieval.Index) *ingest.Ingestor
	NewUpdater  func(cfg *config.Config) (*selfupdate.Updater, error)
	Now         func() time.Time
}

// Pipeline executes stages against one workspace. It holds no cycle state;
// mutual exclusion between cycles belongs to the caller.
type Pipeline struct {
	workspace  string
	configPath string
	history    *history.Store
	robots     *safety.Robots

	newBackend  func(cfg *config.Config) (llm.Backend, error)
	newIngestor func(cfg *config.Config, index *retrieval.Index) *ingest.Ingestor
	newUpdater  func(cfg *config.Config) (*selfupdate.Updater, error)
	now         func() time.Time
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		workspace:   cfg.Workspace,
		configPath:  cfg.ConfigPath,
		history:     cfg.History,
		robots:      cfg.Robots,
		newBackend:  cfg.NewBackend,
		newIngestor: cfg.NewIngestor,
		newUpdater:  cfg.NewUpdater,
		now:         cfg.Now,
	}
	if p.newBackend == nil {
		p.newBackend = AnswerBackend
	}
	if p.robots == nil {
		p.robots = safety.NewRobots(nil)
	}
	if p.newIngestor == nil {
		p.newIngestor = func(c *config.Config, ix *retrieval.Index) *ingest.Ingestor {
			return ingest.FromConfig(c, ix, p.robots)
		}
	}
	if p.newUpdater == nil {
		p.newUpdater = selfupdate.FromConfig
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// AnswerBackend builds the question-answering backend from the global
// provider and model.
func AnswerBackend(cfg *config.Config) (llm.Backend, error) {
	return llm.New(llm.SettingsFor(cfg, cfg.Provider, cfg.Model))
}

// LoadConfig reads and validates the current configuration.
func (p *Pipeline) LoadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if p.configPath != "" {
		cfg, err = config.Load(p.configPath)
		if err == nil {
			cfg.Workspace, err = filepath.Abs(p.workspace)
		}
	} else {
		cfg, err = config.LoadWorkspace(p.workspace)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// StagesFor returns the stages a cycle runs under cfg.
func StagesFor(cfg *config.Config) []string {
	stages := []string{StageIngest, StageGrow, StageEvaluate, StageABTest, StagePromote}
	if cfg.SelfUpdate.Enabled {
		stages = append(stages, StageSelfUpdate)
	}
	return stages
}

// RunCycle runs every stage in order. Stage failures are absorbed. When ctx
// is cancelled the running stage completes on a detached context and the
// remaining stages are skipped.
func (p *Pipeline) RunCycle(ctx context.Context, trigger string) (CycleResult, error) {
	cfg, err := p.LoadConfig()
	if err != nil {
		return CycleResult{Trigger: trigger}, err
	}
	res := CycleResult{Trigger: trigger}
	res.ID = p.beginCycle(ctx, trigger)

	logging.Audit(logging.AuditEvent{Type: logging.AuditCycleStart, Target: res.ID, Reason: trigger})
	timer := logging.StartTimer(logging.CategoryScheduler, "cycle "+trigger)

	stages := StagesFor(cfg)
	for i, name := range stages {
		if ctx.Err() != nil {
			res.Skipped = stages[i:]
			logging.Scheduler("cycle cancelled, skipping %v", res.Skipped)
			break
		}
		sr := p.runStage(context.WithoutCancel(ctx), cfg, res.ID, name)
		p.appendRunLog(cfg, "CYCLE", sr)
		res.Stages = append(res.Stages, sr)
	}

	elapsed := timer.Stop()
	p.finishCycle(res.ID, res.OK())
	logging.Audit(logging.AuditEvent{Type: logging.AuditCycleEnd, Target: res.ID, Reason: trigger, Duration: elapsed})
	return res, nil
}

// RunStage runs one stage on demand, as the dashboard buttons did, and
// appends the run to the run log.
func (p *Pipeline) RunStage(ctx context.Context, name string) StageResult {
	if !knownStage(name) {
		return StageResult{Stage: name, Err: fmt.Errorf("%w: %s", ErrUnknownStage, name)}
	}
	cfg, err := p.LoadConfig()
	if err != nil {
		return StageResult{Stage: name, Err: err}
	}
	id := p.beginCycle(ctx, "stage:"+name)
	sr := p.runStage(ctx, cfg, id, name)
	p.appendRunLog(cfg, "WEB", sr)
	p.finishCycle(id, sr.OK)
	return sr
}

func knownStage(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// runStage executes name and converts errors and panics into a failed result.
func (p *Pipeline) runStage(ctx context.Context, cfg *config.Config, cycleID, name string) (sr StageResult) {
	start := p.now()
	sr.Stage = name
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryScheduler).Error("stage %s panicked: %v\n%s", name, r, debug.Stack())
			sr.Err = fmt.Errorf("stage %s panicked: %v", name, r)
		}
		sr.OK = sr.Err == nil
		sr.Seconds = roundSeconds(p.now().Sub(start))
		if sr.Err != nil {
			logging.SchedulerError("stage %s failed: %v", name, sr.Err)
		} else {
			logging.Scheduler("stage %s ok (%.2fs)", name, sr.Seconds)
		}
		p.recordStage(cycleID, sr)
	}()

	logging.SchedulerDebug("stage %s starting", name)
	sr.Err = p.stage(ctx, cfg, cycleID, name)
	return sr
}

func (p *Pipeline) stage(ctx context.Context, cfg *config.Config, cycleID, name string) error {
	switch name {
	case StageIngest:
		return p.ingest(ctx, cfg)
	case StageGrow:
		return p.grow(cfg)
	case StageEvaluate:
		return p.evaluate(ctx, cfg, cycleID)
	case StageABTest:
		return p.abTest(ctx, cfg, cycleID)
	case StagePromote:
		return p.promote(ctx, cfg, cycleID)
	case StageSelfUpdate:
		return p.selfUpdate(ctx, cfg, cycleID)
	}
	return fmt.Errorf("%w: %s", ErrUnknownStage, name)
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}

// appendRunLog writes "[<source>][<stamp>] RUN <stage>" and the outcome to
// <logs_dir>/cron.log.
func (p *Pipeline) appendRunLog(cfg *config.Config, source string, sr StageResult) {
	dir := cfg.LogsDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryScheduler).Warn("cannot create logs dir: %v", err)
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, RunLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logging.Get(logging.CategoryScheduler).Warn("cannot open run log: %v", err)
		return
	}
	defer f.Close()

	stamp := p.now().Format("2006-01-02 15:04:05")
	outcome := fmt.Sprintf("ok (%.2fs)", sr.Seconds)
	if sr.Err != nil {
		outcome = fmt.Sprintf("ERREUR (%.2fs): %v", sr.Seconds, sr.Err)
	}
	fmt.Fprintf(f, "[%s][%s] RUN %s\n%s\n", source, stamp, sr.Stage, outcome)
}

// History ledger helpers. Ledger failures never fail a stage.

func (p *Pipeline) beginCycle(ctx context.Context, trigger string) string {
	if p.history == nil {
		return ""
	}
	id, err := p.history.BeginCycle(context.WithoutCancel(ctx), trigger)
	if err != nil {
		logging.HistoryWarn("%v", err)
	}
	return id
}

func (p *Pipeline) finishCycle(id string, ok bool) {
	if p.history == nil || id == "" {
		return
	}
	if err := p.history.FinishCycle(context.Background(), id, ok); err != nil {
		logging.HistoryWarn("%v", err)
	}
}

func (p *Pipeline) recordStage(cycleID string, sr StageResult) {
	if p.history == nil || cycleID == "" {
		return
	}
	st := history.Stage{Name: sr.Stage, OK: sr.OK, Seconds: sr.Seconds}
	if sr.Err != nil {
		st.Error = sr.Err.Error()
	}
	if err := p.history.RecordStage(context.Background(), cycleID, st); err != nil {
		logging.HistoryWarn("%v", err)
	}
}

func (p *Pipeline) ledger(cycleID string, record func(ctx context.Context, h *history.Store) error) {
	if p.history == nil || cycleID == "" {
		return
	}
	if err := record(context.Background(), p.history); err != nil {
		logging.HistoryWarn("%v", err)
	}
}
