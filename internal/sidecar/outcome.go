package sidecar

import (
	"errors"
	"os/exec"
)

// OutcomeKind classifies how a helper process ended.
type OutcomeKind int

const (
	// GracefulStop means the process ended after Stop or Shutdown asked it to.
	GracefulStop OutcomeKind = iota
	// Exited means the process ended on its own.
	Exited
	// SpawnFailed means the process never started.
	SpawnFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case GracefulStop:
		return "graceful_stop"
	case Exited:
		return "exited"
	case SpawnFailed:
		return "spawn_failed"
	default:
		return "unknown"
	}
}

// Outcome is the single result of observing a helper process end.
type Outcome struct {
	Kind OutcomeKind
	// Code is the exit code, nil when the process was killed by a signal or never ran.
	Code *int
	Err  error
}

// Crashed reports whether the end was unexpected and unsuccessful: anything but an
// operator stop or an unprompted exit with code 0.
func (o Outcome) Crashed() bool {
	switch o.Kind {
	case GracefulStop:
		return false
	case Exited:
		return o.Code == nil || *o.Code != 0
	default:
		return true
	}
}

// Observe waits for cmd and classifies the result. It must be the only caller of
// cmd.Wait, and it must run after every reader of the command's pipes has returned.
// stopRequested is consulted after Wait returns, so a stop flagged before the signal was
// sent is always seen.
func Observe(cmd *exec.Cmd, stopRequested func() bool) Outcome {
	err := cmd.Wait()
	code := exitCode(cmd, err)
	if stopRequested() {
		return Outcome{Kind: GracefulStop, Code: code, Err: err}
	}
	return Outcome{Kind: Exited, Code: code, Err: err}
}

func exitCode(cmd *exec.Cmd, err error) *int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if c := exitErr.ExitCode(); c >= 0 {
			return &c
		}
		return nil
	}
	if cmd.ProcessState != nil {
		if c := cmd.ProcessState.ExitCode(); c >= 0 {
			return &c
		}
	}
	return nil
}
