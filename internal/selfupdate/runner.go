package selfupdate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner re-evaluates the workspace after a patch has been applied.
type Runner interface {
	Run(ctx context.Context) (output string, err error)
}

// LockHeldEnv is set for the evaluation subprocess, which runs while the
// parent holds the workspace cycle lock.
const LockHeldEnv = "SIA_CYCLE_LOCK_HELD"

// CommandRunner runs the evaluation as a separate process so that patched
// code is what gets measured.
type CommandRunner struct {
	Args    []string
	Dir     string
	Env     []string // added to the parent environment
	Timeout time.Duration
}

// EvaluateCommand returns a runner for "<this binary> run evaluate" in
// workspace.
func EvaluateCommand(workspace string, timeout time.Duration) (*CommandRunner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	return &CommandRunner{
		Args:    []string{exe, "run", "evaluate", "--workspace", workspace},
		Dir:     workspace,
		Env:     []string{LockHeldEnv + "=1"},
		Timeout: timeout,
	}, nil
}

// Run implements Runner. The process is killed when the timeout elapses.
func (r *CommandRunner) Run(ctx context.Context) (string, error) {
	if len(r.Args) == 0 {
		return "", fmt.Errorf("empty command")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, r.Args[0], r.Args[1:]...)
	if r.Dir != "" {
		cmd.Dir = r.Dir
	}
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	out, err := cmd.CombinedOutput()
	if tctx.Err() != nil {
		return string(out), fmt.Errorf("evaluation did not finish: %w", tctx.Err())
	}
	if err != nil {
		return string(out), fmt.Errorf("command failed (%s): %w", strings.Join(r.Args, " "), err)
	}
	return string(out), nil
}
