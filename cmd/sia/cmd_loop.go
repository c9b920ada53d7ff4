package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"sia/internal/logging"
	"sia/internal/pipeline"
	"sia/internal/scheduler"
	"sia/internal/selfupdate"
)

var serveForce bool

// serveCmd runs the control loop until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background improvement loop",
	Long: `Starts the control loop when scheduler.enabled is set (or with --force),
and re-reads the configuration whenever the config file changes. Ctrl-C stops
the loop after the running stage finishes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sched := newScheduler()
		started := sched.AutoStart()
		if !started && serveForce {
			started = sched.Start()
		}
		if !started {
			return fmt.Errorf("scheduler.enabled is false; set it or pass --force")
		}

		watcher, err := scheduler.NewConfigWatcher(configFile(), sched.Nudge)
		if err != nil {
			logging.SchedulerError("config watcher unavailable: %v", err)
		} else if err := watcher.Start(ctx); err != nil {
			logging.SchedulerError("config watcher unavailable: %v", err)
			watcher.Stop()
			watcher = nil
		}

		st := sched.Status()
		fmt.Printf("loop running (burst=%v, interval=%s); Ctrl-C to stop\n", st.Burst, st.Interval)
		<-ctx.Done()

		fmt.Println("stopping after the current stage...")
		if watcher != nil {
			watcher.Stop()
		}
		sched.Stop()
		return nil
	},
}

// cycleCmd runs one full cycle in the foreground
var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one full cycle now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := newScheduler().CycleNow(ctx)
		if err != nil {
			return err
		}
		for _, s := range res.Stages {
			line := fmt.Sprintf("%-12s ok=%-5v %.2fs", s.Stage, s.OK, s.Seconds)
			if s.Err != nil {
				line += "  " + s.Err.Error()
			}
			fmt.Println(line)
		}
		if len(res.Skipped) > 0 {
			fmt.Printf("skipped: %s\n", strings.Join(res.Skipped, ", "))
		}
		if !res.OK() {
			return fmt.Errorf("cycle finished with failures")
		}
		return nil
	},
}

// runCmd runs a single stage and prints {"ok": ..., "seconds": ...}
var runCmd = &cobra.Command{
	Use:       "run <stage>",
	Short:     "Run a single stage",
	Long:      "Runs one of: " + strings.Join(pipeline.Names, ", ") + ".",
	Args:      cobra.ExactArgs(1),
	ValidArgs: pipeline.Names,
	RunE: func(cmd *cobra.Command, args []string) error {
		sr := newScheduler().RunStage(context.WithoutCancel(cmd.Context()), args[0])
		out, err := json.Marshal(sr)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		if sr.Err != nil {
			return sr.Err
		}
		return nil
	},
}

// newScheduler returns a scheduler holding the workspace cycle lock. A
// self-update evaluation runs while its parent holds the lock and skips it.
func newScheduler() *scheduler.Scheduler {
	s := scheduler.New(pipe)
	if os.Getenv(selfupdate.LockHeldEnv) == "" {
		s.WithLockFile(filepath.Join(cfg.LogsDir(), scheduler.LockFile))
	}
	return s
}

func init() {
	serveCmd.Flags().BoolVar(&serveForce, "force", false, "Start the loop even if scheduler.enabled is false")
}
