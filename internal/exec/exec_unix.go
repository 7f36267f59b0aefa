//go:build !windows

package exec

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so the whole tree
// can be signaled by negating the PID, matching spec.md §4.6's tree-kill
// requirement.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup signals every process in pid's group. ESRCH (already dead)
// is swallowed: unknown or already-dead PIDs are a no-op per spec.
func killProcessGroup(pid int, sig syscall.Signal) {
	_ = syscall.Kill(-pid, sig)
}
