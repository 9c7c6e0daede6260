//go:build windows

package runner

import (
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

// setProcAttr starts the interpreter as the root of a new process group so
// console control events reach the whole tree.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// processGroup returns pid: the group created above is identified by its root.
func processGroup(pid int) int {
	return pid
}

// terminateTree sends CTRL_BREAK to the process group.
func terminateTree(pid, pgid int) error {
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pgid))
}

// forceTree kills the process and all of its descendants.
func forceTree(pid, pgid int) error {
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}
