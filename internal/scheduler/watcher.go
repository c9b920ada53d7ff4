package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sia/internal/logging"
)

// ConfigWatcher calls onChange after the config file is written, created or
// replaced. The parent directory is watched because editors often save by
// rename.
type ConfigWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	onChange func()
	debounce time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewConfigWatcher creates a watcher for path.
func NewConfigWatcher(path string, onChange func()) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	return &ConfigWatcher{
		watcher:  w,
		path:     abs,
		onChange: onChange,
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. It is non-blocking.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.running {
		return nil
	}
	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		return err
	}
	cw.running = true
	go cw.run(ctx)
	logging.SchedulerDebug("watching %s", cw.path)
	return nil
}

// Stop stops the watcher and waits for its goroutine.
func (cw *ConfigWatcher) Stop() {
	cw.mu.Lock()
	if !cw.running {
		cw.mu.Unlock()
		cw.watcher.Close()
		return
	}
	cw.running = false
	cw.mu.Unlock()

	close(cw.stopCh)
	<-cw.doneCh
	if err := cw.watcher.Close(); err != nil {
		logging.Get(logging.CategoryScheduler).Warn("config watcher close: %v", err)
	}
}

func (cw *ConfigWatcher) run(ctx context.Context) {
	defer close(cw.doneCh)

	// nil until a relevant event arms it
	var fire <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopCh:
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !cw.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(cw.debounce)
			} else {
				timer.Reset(cw.debounce)
			}
			fire = timer.C
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryScheduler).Warn("config watcher: %v", err)
		case <-fire:
			fire = nil
			logging.Scheduler("config changed: %s", cw.path)
			cw.onChange()
		}
	}
}

func (cw *ConfigWatcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != cw.path {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}
