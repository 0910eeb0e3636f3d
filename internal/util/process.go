package util

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// DetachConfig configures StartDetached.
type DetachConfig struct {
	Notify bool // Print progress to stderr
	Wait   Wait
}

// StartDetached re-executes the current binary with args in a new session and
// waits until isRunning reports the child is serving.
func StartDetached(ctx context.Context, cfg DetachConfig, isRunning func() bool, args []string) (int, error) {
	if cfg.Notify {
		fmt.Fprint(os.Stderr, "Starting sync session...")
	}
	fail := func(msg string, err error) (int, error) {
		if cfg.Notify {
			fmt.Fprintln(os.Stderr, " "+msg)
		}
		return 0, err
	}

	exe, err := os.Executable()
	if err != nil {
		return fail("failed", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fail("failed", fmt.Errorf("failed to start process: %w", err))
	}
	pid := cmd.Process.Pid
	// The child outlives us; release it so it is not reaped here.
	_ = cmd.Process.Release()

	if err := WaitFor(ctx, cfg.Wait, isRunning); err != nil {
		return fail("timeout", fmt.Errorf("session (PID %d) did not start in time", pid))
	}
	if cfg.Notify {
		fmt.Fprintln(os.Stderr, " done")
	}
	return pid, nil
}

// StopProcess requests a graceful stop, waits up to timeout, then sends SIGKILL.
func StopProcess(ctx context.Context, pid int, timeout time.Duration, gracefulStop func() error, isRunning func() bool) error {
	w := SessionStopWait
	if timeout > 0 {
		w.Timeout = timeout
	}
	if gracefulStop != nil {
		// Failure here is fine, the kill below covers it.
		_ = gracefulStop()
	}

	err := WaitFor(ctx, w, func() bool { return !isRunning() })
	if err == nil {
		return nil
	}

	if proc, ferr := os.FindProcess(pid); ferr == nil {
		_ = proc.Signal(syscall.SIGKILL)
	}
	time.Sleep(500 * time.Millisecond)
	if isRunning() {
		return fmt.Errorf("failed to stop process (PID %d)", pid)
	}
	return nil
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks for existence.
	return proc.Signal(syscall.Signal(0)) == nil
}
