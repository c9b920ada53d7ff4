// Package scheduler owns the control loop: one background goroutine running
// a cycle, sleeping, and running again, plus manual cycles and stages that
// share its cycle mutex and, across processes, a lock file in the logs
// directory.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"sia/internal/config"
	"sia/internal/logging"
	"sia/internal/pipeline"
)

// LockFile is the cross-process cycle lock, relative to the logs directory.
const LockFile = ".cycle.lock"

const lockRetry = 250 * time.Millisecond

// Cycler runs cycles and stages. *pipeline.Pipeline implements it.
type Cycler interface {
	LoadConfig() (*config.Config, error)
	RunCycle(ctx context.Context, trigger string) (pipeline.CycleResult, error)
	RunStage(ctx context.Context, name string) pipeline.StageResult
}

// Triggers recorded with each cycle.
const (
	TriggerLoop   = "loop"
	TriggerManual = "manual"
)

// Status is a snapshot of the control loop.
type Status struct {
	Running         bool
	Burst           bool
	Interval        time.Duration
	EnabledInConfig bool
	Cycles          int // completed since process start
	LastCycle       *CycleInfo
	NextWake        time.Time // zero when not sleeping
}

// CycleInfo summarises the most recent cycle.
type CycleInfo struct {
	ID       string
	Trigger  string
	Finished time.Time
	OK       bool
	Stages   []pipeline.StageResult
	Err      error
}

// Scheduler is the control loop state. The zero value is not usable; call New.
type Scheduler struct {
	cycler   Cycler
	interval func(cfg *config.Config) time.Duration
	now      func() time.Time

	// cycleMu serialises loop cycles, manual cycles and manual stages.
	cycleMu sync.Mutex
	// lock extends cycleMu to other processes sharing the workspace.
	lock *flock.Flock

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	status  Status

	nudge chan struct{}
}

// New creates a stopped scheduler.
func New(cycler Cycler) *Scheduler {
	return &Scheduler{
		cycler:   cycler,
		interval: func(cfg *config.Config) time.Duration { return cfg.Scheduler.Interval() },
		now:      time.Now,
		nudge:    make(chan struct{}, 1),
	}
}

// WithLockFile makes every cycle and stage also hold the file lock at path,
// so that schedulers in separate processes never overlap.
func (s *Scheduler) WithLockFile(path string) *Scheduler {
	s.lock = flock.New(path)
	return s
}

// AutoStart starts the loop when scheduler.enabled is set. It reports
// whether the loop is running afterwards.
func (s *Scheduler) AutoStart() bool {
	cfg, err := s.cycler.LoadConfig()
	if err != nil {
		logging.SchedulerError("cannot read config, loop not started: %v", err)
		return false
	}
	s.applyConfig(cfg)
	if !cfg.Scheduler.Enabled {
		logging.Scheduler("scheduler disabled in config")
		return false
	}
	return s.Start()
}

// Start launches the loop. It returns false if the loop was already running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status.Running = true

	go s.loop(ctx, s.done)
	logging.Scheduler("control loop started")
	return true
}

// Stop cancels the loop and waits for it to exit. A sleeping loop wakes at
// once; a running stage completes, the remaining stages are skipped. It
// returns false if the loop was not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.status.Running = false
	s.status.NextWake = time.Time{}
	s.mu.Unlock()
	logging.Scheduler("control loop stopped")
	return true
}

// Status returns a snapshot of the loop state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if st.LastCycle != nil {
		lc := *st.LastCycle
		lc.Stages = append([]pipeline.StageResult(nil), lc.Stages...)
		st.LastCycle = &lc
	}
	return st
}

// Refresh re-reads the configuration into Status without touching the loop.
func (s *Scheduler) Refresh() error {
	cfg, err := s.cycler.LoadConfig()
	if err != nil {
		return err
	}
	s.applyConfig(cfg)
	return nil
}

// Nudge makes a sleeping loop re-read its configuration and recompute its
// wake-up time. It never blocks.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// CycleNow runs one cycle immediately, waiting for any running cycle first.
func (s *Scheduler) CycleNow(ctx context.Context) (pipeline.CycleResult, error) {
	return s.runCycle(ctx, TriggerManual)
}

// RunStage runs one stage under the cycle mutex.
func (s *Scheduler) RunStage(ctx context.Context, name string) pipeline.StageResult {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	unlock, err := s.acquire(ctx)
	if err != nil {
		return pipeline.StageResult{Stage: name, Err: err}
	}
	defer unlock()
	return s.cycler.RunStage(ctx, name)
}

// acquire takes the file lock, waiting for another process to release it.
func (s *Scheduler) acquire(ctx context.Context) (func(), error) {
	if s.lock == nil {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.lock.Path()), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := s.lock.TryLock()
	if err == nil && !ok {
		logging.Scheduler("another process holds %s, waiting", s.lock.Path())
		ok, err = s.lock.TryLockContext(ctx, lockRetry)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take cycle lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("cycle lock %s not acquired", s.lock.Path())
	}
	return func() {
		if err := s.lock.Unlock(); err != nil {
			logging.SchedulerError("failed to release cycle lock: %v", err)
		}
	}, nil
}

func (s *Scheduler) runCycle(ctx context.Context, trigger string) (pipeline.CycleResult, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	var res pipeline.CycleResult
	unlock, err := s.acquire(ctx)
	if err == nil {
		res, err = s.cycler.RunCycle(ctx, trigger)
		unlock()
	}
	info := &CycleInfo{
		ID:       res.ID,
		Trigger:  trigger,
		Finished: s.now(),
		OK:       err == nil && res.OK(),
		Stages:   res.Stages,
		Err:      err,
	}
	if err != nil {
		logging.SchedulerError("%s cycle failed: %v", trigger, err)
	}

	s.mu.Lock()
	s.status.Cycles++
	s.status.LastCycle = info
	s.mu.Unlock()
	return res, err
}

func (s *Scheduler) applyConfig(cfg *config.Config) time.Duration {
	d := s.interval(cfg)
	s.mu.Lock()
	s.status.Burst = cfg.Scheduler.Burst
	s.status.Interval = d
	s.status.EnabledInConfig = cfg.Scheduler.Enabled
	s.mu.Unlock()
	return d
}

// currentInterval re-reads the configuration; on failure the previous
// interval is kept.
func (s *Scheduler) currentInterval() time.Duration {
	cfg, err := s.cycler.LoadConfig()
	if err != nil {
		logging.SchedulerError("cannot read config, keeping previous interval: %v", err)
		s.mu.Lock()
		d := s.status.Interval
		s.mu.Unlock()
		if d <= 0 {
			d = config.DefaultConfig().Scheduler.Interval()
		}
		return d
	}
	return s.applyConfig(cfg)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.runCycle(ctx, TriggerLoop)
		if !s.sleep(ctx) {
			return
		}
	}
}

// sleep waits one interval from now. A nudge re-reads the interval and
// re-targets the wake-up relative to when the sleep began. It returns false
// when ctx is cancelled.
func (s *Scheduler) sleep(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	start := s.now()
	wake := start.Add(s.currentInterval())
	s.setNextWake(wake)
	defer s.setNextWake(time.Time{})

	timer := time.NewTimer(wake.Sub(s.now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-s.nudge:
			wake = start.Add(s.currentInterval())
			s.setNextWake(wake)
			logging.SchedulerDebug("nudged, next cycle at %s", wake.Format(time.TimeOnly))
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(max(0, wake.Sub(s.now())))
		}
	}
}

func (s *Scheduler) setNextWake(t time.Time) {
	s.mu.Lock()
	s.status.NextWake = t
	s.mu.Unlock()
}
