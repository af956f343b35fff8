//go:build windows

package procgroup

import (
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
)

const (
	processQueryLimitedInformation = 0x1000
	stillActive                    = 259
)

// Configure starts the command in a new console process group.
func Configure(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= syscall.CREATE_NEW_PROCESS_GROUP
}

// Terminate asks the process tree rooted at pid to exit.
func Terminate(pid int) error {
	return taskkill(pid, false)
}

// Kill force-stops the process tree rooted at pid.
func Kill(pid int) error {
	return taskkill(pid, true)
}

// Alive reports whether pid is still running.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	handle, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = syscall.CloseHandle(handle) }()
	var code uint32
	if err = syscall.GetExitCodeProcess(handle, &code); err != nil {
		return false
	}
	return code == stillActive
}

func taskkill(pid int, force bool) error {
	if pid <= 0 {
		return fmt.Errorf("procgroup: invalid pid %d", pid)
	}
	args := []string{"/PID", strconv.Itoa(pid), "/T"}
	if force {
		args = append(args, "/F")
	}
	if out, err := exec.Command("taskkill", args...).CombinedOutput(); err != nil {
		if !Alive(pid) {
			return nil
		}
		return fmt.Errorf("procgroup: taskkill %d: %w: %s", pid, err, out)
	}
	return nil
}
