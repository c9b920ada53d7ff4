package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"sia/internal/config"
	"sia/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeCycler counts cycles and tracks how many run at once.
type fakeCycler struct {
	mu  sync.Mutex
	cfg *config.Config

	cycles   atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32

	// block, when set, is received from before a cycle returns
	block chan struct{}
	// started is signalled (non-blocking) when a cycle begins
	started chan string
	hold    time.Duration
}

func newFakeCycler() *fakeCycler {
	cfg := config.DefaultConfig()
	cfg.Scheduler.Enabled = true
	return &fakeCycler{cfg: cfg, started: make(chan string, 64)}
}

func (f *fakeCycler) LoadConfig() (*config.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *f.cfg
	return &c, nil
}

func (f *fakeCycler) setConfig(mut func(*config.Config)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mut(f.cfg)
}

func (f *fakeCycler) enter(trigger string) {
	n := f.inflight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case f.started <- trigger:
	default:
	}
	if f.block != nil {
		<-f.block
	}
	time.Sleep(f.hold)
	f.inflight.Add(-1)
}

func (f *fakeCycler) RunCycle(_ context.Context, trigger string) (pipeline.CycleResult, error) {
	f.enter(trigger)
	f.cycles.Add(1)
	return pipeline.CycleResult{ID: trigger, Trigger: trigger, Stages: []pipeline.StageResult{{Stage: "grow", OK: true}}}, nil
}

func (f *fakeCycler) RunStage(_ context.Context, name string) pipeline.StageResult {
	f.enter("stage:" + name)
	return pipeline.StageResult{Stage: name, OK: true}
}

// intervalFrom reads the sleep from Scheduler.IntervalSeconds as milliseconds
// so tests stay fast.
func intervalFrom(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Scheduler.IntervalSeconds) * time.Millisecond
}

func newTestScheduler(f *fakeCycler, intervalMS int) *Scheduler {
	f.setConfig(func(c *config.Config) { c.Scheduler.IntervalSeconds = intervalMS })
	s := New(f)
	s.interval = intervalFrom
	return s
}

func TestLoopRunsRepeatedly(t *testing.T) {
	f := newFakeCycler()
	s := newTestScheduler(f, 5)

	require.True(t, s.Start())
	assert.False(t, s.Start(), "second start is a no-op")
	require.Eventually(t, func() bool { return f.cycles.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, s.Stop())
	assert.False(t, s.Stop())

	st := s.Status()
	assert.False(t, st.Running)
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, TriggerLoop, st.LastCycle.Trigger)
	assert.True(t, st.LastCycle.OK)
	assert.GreaterOrEqual(t, st.Cycles, 3)
}

func TestStopInterruptsSleep(t *testing.T) {
	f := newFakeCycler()
	s := newTestScheduler(f, int(time.Hour/time.Millisecond))

	require.True(t, s.Start())
	require.Eventually(t, func() bool { return !s.Status().NextWake.IsZero() }, time.Second, 5*time.Millisecond)

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), f.cycles.Load())
}

func TestStopWaitsForRunningCycle(t *testing.T) {
	f := newFakeCycler()
	f.block = make(chan struct{})
	s := newTestScheduler(f, 5)

	require.True(t, s.Start())
	<-f.started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a cycle was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(f.block)
	<-stopped
	assert.Equal(t, int32(1), f.cycles.Load())
}

func TestCyclesAreExclusive(t *testing.T) {
	f := newFakeCycler()
	f.hold = 10 * time.Millisecond
	s := newTestScheduler(f, 1)

	require.True(t, s.Start())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.CycleNow(context.Background())
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.True(t, s.RunStage(context.Background(), "evaluate").OK)
		}()
	}
	wg.Wait()
	s.Stop()

	assert.Equal(t, int32(1), f.peak.Load())
}

func TestNudgeRecomputesWake(t *testing.T) {
	f := newFakeCycler()
	s := newTestScheduler(f, int(time.Hour/time.Millisecond))

	require.True(t, s.Start())
	defer s.Stop()
	require.Eventually(t, func() bool { return !s.Status().NextWake.IsZero() }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), f.cycles.Load())

	f.setConfig(func(c *config.Config) { c.Scheduler.IntervalSeconds = 1 })
	s.Nudge()
	require.Eventually(t, func() bool { return f.cycles.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Millisecond, s.Status().Interval)
}

func TestAutoStartFollowsConfig(t *testing.T) {
	f := newFakeCycler()
	f.setConfig(func(c *config.Config) { c.Scheduler.Enabled = false })
	s := newTestScheduler(f, 5)

	assert.False(t, s.AutoStart())
	st := s.Status()
	assert.False(t, st.Running)
	assert.False(t, st.EnabledInConfig)

	f.setConfig(func(c *config.Config) {
		c.Scheduler.Enabled = true
		c.Scheduler.Burst = true
	})
	require.True(t, s.AutoStart())
	st = s.Status()
	assert.True(t, st.Running)
	assert.True(t, st.Burst)
	assert.True(t, st.EnabledInConfig)
	s.Stop()
}

func TestCycleNowWithoutLoop(t *testing.T) {
	f := newFakeCycler()
	s := newTestScheduler(f, 5)

	res, err := s.CycleNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, res.Trigger)
	assert.Equal(t, TriggerManual, s.Status().LastCycle.Trigger)
	assert.False(t, s.Status().Running)
}

func TestLockFileSerialisesSchedulers(t *testing.T) {
	f := newFakeCycler()
	f.hold = 10 * time.Millisecond
	lockPath := filepath.Join(t.TempDir(), "logs", LockFile)
	a := newTestScheduler(f, 5).WithLockFile(lockPath)
	b := newTestScheduler(f, 5).WithLockFile(lockPath)

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, b, a, b} {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.CycleNow(context.Background())
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.True(t, s.RunStage(context.Background(), "evaluate").OK)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.peak.Load())
	assert.Equal(t, int32(4), f.cycles.Load())

	other := flock.New(lockPath)
	ok, err := other.TryLock()
	require.NoError(t, err)
	assert.True(t, ok, "the lock is released after each run")
	require.NoError(t, other.Unlock())
}

func TestLockHeldByAnotherProcess(t *testing.T) {
	f := newFakeCycler()
	lockPath := filepath.Join(t.TempDir(), LockFile)
	holder := flock.New(lockPath)
	require.NoError(t, holder.Lock())

	s := newTestScheduler(f, 5).WithLockFile(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.CycleNow(ctx)
	require.Error(t, err)
	assert.Zero(t, f.cycles.Load())
	assert.Error(t, s.Status().LastCycle.Err)

	sr := s.RunStage(ctx, "evaluate")
	assert.False(t, sr.OK)
	assert.Error(t, sr.Err)
	assert.Zero(t, f.peak.Load())

	require.NoError(t, holder.Unlock())
	_, err = s.CycleNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.cycles.Load())
}

func TestConfigWatcherFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider: dummy\n"), 0644))

	var fired atomic.Int32
	w, err := NewConfigWatcher(path, func() { fired.Add(1) })
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0644))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	require.NoError(t, os.WriteFile(path, []byte("provider: ollama\n"), 0644))
	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestConfigWatcherNudgesScheduler(t *testing.T) {
	f := newFakeCycler()
	s := newTestScheduler(f, 5)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	w, err := NewConfigWatcher(path, s.Nudge)
	require.NoError(t, err)
	w.debounce = time.Millisecond
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  burst: true\n"), 0644))
	require.Eventually(t, func() bool { return len(s.nudge) == 1 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()
}
