//go:build windows

package exec

import (
	"os/exec"
	"strconv"
	"syscall"

	osexec "os/exec"
)

// setProcessGroup is a no-op placeholder on Windows; tree termination goes
// through taskkill (see killProcessGroup) instead of process groups.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup shells out to taskkill /T /F, the platform primitive for
// killing a process tree, falling back silently if the PID is already gone.
func killProcessGroup(pid int, _ syscall.Signal) {
	_ = osexec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").Run()
}
