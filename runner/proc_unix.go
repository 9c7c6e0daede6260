//go:build !windows

package runner

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr starts the interpreter in a new process group so the whole
// tree can be signalled at once.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// processGroup returns the process group of pid, or 0 if it cannot be resolved.
func processGroup(pid int) int {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pgid
}

// terminateTree sends SIGTERM to the process group.
func terminateTree(pid, pgid int) error {
	if pgid <= 0 {
		return errors.New("process group unknown")
	}
	return unix.Kill(-pgid, unix.SIGTERM)
}

// forceTree sends SIGKILL to the process group. A group that is already
// gone is not an error.
func forceTree(pid, pgid int) error {
	if pgid <= 0 {
		return nil
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
