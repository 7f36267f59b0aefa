//go:build windows

package procmon

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// PSLister lists processes via `tasklist /FO CSV`, the Windows equivalent of
// the unix `ps` probe this package otherwise uses.
type PSLister struct{}

// List implements Lister.
func (PSLister) List() ([]ProcessInfo, error) {
	out, err := exec.Command("tasklist", "/FO", "CSV", "/NH").Output()
	if err != nil {
		return nil, fmt.Errorf("tasklist: %w", err)
	}

	var procs []ProcessInfo
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\",\"")
		if len(fields) < 2 {
			continue
		}
		name := strings.Trim(fields[0], "\"")
		pidStr := strings.Trim(fields[1], "\"")
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		procs = append(procs, ProcessInfo{PID: pid, Name: name})
	}
	return procs, nil
}

// killPID uses taskkill; /F forces termination when force is set.
func killPID(pid int, force bool) {
	args := []string{"/PID", strconv.Itoa(pid)}
	if force {
		args = append(args, "/F")
	}
	_ = exec.Command("taskkill", args...).Run()
}
