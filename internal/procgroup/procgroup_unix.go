//go:build !windows

package procgroup

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// Configure makes the command the leader of a new process group.
func Configure(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Terminate asks the group led by pid to exit.
func Terminate(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// Kill force-stops the group led by pid.
func Kill(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

// Alive reports whether any process of the group led by pid still exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(-pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// signalGroup signals the group, falling back to the single process when the group is gone
// or was never created.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("procgroup: invalid pid %d", pid)
	}
	errGroup := syscall.Kill(-pid, sig)
	if errGroup == nil {
		return nil
	}
	if errProc := syscall.Kill(pid, sig); errProc != nil {
		if errors.Is(errGroup, syscall.ESRCH) && errors.Is(errProc, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("procgroup: signal %v to group -%d: %v, to process %d: %w", sig, pid, errGroup, pid, errProc)
	}
	return nil
}
