// Package process terminates agent process trees.
package process

import (
	"errors"
	"log/slog"
	"syscall"
	"time"
)

const pollInterval = 100 * time.Millisecond

// Signaller sends signals. Defaults to syscall.Kill; tests substitute it.
type Signaller func(pid int, sig syscall.Signal) error

// Terminator stops process groups, gracefully first.
type Terminator struct {
	kill Signaller
}

// NewTerminator creates a Terminator using sig, or syscall.Kill when nil.
func NewTerminator(sig Signaller) *Terminator {
	if sig == nil {
		sig = syscall.Kill
	}
	return &Terminator{kill: sig}
}

var defaultTerminator = NewTerminator(nil)

// Terminate stops pid and its process group. See Terminator.Terminate.
func Terminate(pid int, grace time.Duration) error {
	return defaultTerminator.Terminate(pid, grace)
}

// Alive reports whether pid exists.
func Alive(pid int) bool {
	return defaultTerminator.Alive(pid)
}

// Terminate sends SIGTERM to the process group led by pid, waits up to grace
// for every member to exit, then sends SIGKILL to the whole group. The leader
// exiting is not enough: members that ignore SIGTERM are still killed. When
// pid does not lead a group only the process itself is signalled. A process
// that is already gone is not an error.
func (t *Terminator) Terminate(pid int, grace time.Duration) error {
	if pid <= 0 {
		return nil
	}
	logger := slog.With("component", "process", "pid", pid)

	target := -pid
	if err := t.kill(target, syscall.SIGTERM); err != nil {
		target = pid
		if err := t.kill(pid, syscall.SIGTERM); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				return nil
			}
			logger.Warn("Graceful termination failed", "error", err)
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !t.exists(target) {
			return nil
		}
		time.Sleep(pollInterval)
	}

	logger.Info("Process did not exit within grace period, killing", "grace", grace, "group", target < 0)
	err := t.kill(-pid, syscall.SIGKILL)
	if target > 0 && err != nil {
		err = t.kill(pid, syscall.SIGKILL)
	}
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Alive reports whether pid exists and can be signalled.
func (t *Terminator) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return t.exists(pid)
}

// exists sends signal 0 to target; a negative target checks the whole group.
func (t *Terminator) exists(target int) bool {
	err := t.kill(target, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
