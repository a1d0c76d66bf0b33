package tmux

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DefaultGracefulStopTimeout is how long CloseSession waits after sending
// Ctrl+C before killing the pane.
const DefaultGracefulStopTimeout = 500 * time.Millisecond

// panePID returns the PID of the process running in a pane, or 0 if it
// cannot be determined.
func (c *conn) panePID(ctx context.Context, paneID string) int {
	out, err := c.run(ctx, "display-message", "-t", paneID, "-p", "#{pane_pid}")
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0
	}
	return pid
}

// processTree returns pid and all its descendants.
func processTree(pid int) []int {
	if pid <= 0 {
		return nil
	}
	return append([]int{pid}, descendantPIDs(pid)...)
}

// descendantPIDs returns all descendant PIDs of pid using pgrep -P.
func descendantPIDs(pid int) []int {
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil
	}

	var descendants []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		child, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			continue
		}
		descendants = append(descendants, child)
		descendants = append(descendants, descendantPIDs(child)...)
	}
	return descendants
}

// processAlive checks for a process with kill(pid, 0).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// killSurvivors SIGKILLs any of pids still alive, deepest first.
func killSurvivors(pids []int) {
	for i := len(pids) - 1; i >= 0; i-- {
		if processAlive(pids[i]) {
			_ = syscall.Kill(pids[i], syscall.SIGKILL)
		}
	}
}

// waitForExit polls until pid exits or timeout elapses. It reports whether
// the process is gone.
func waitForExit(ctx context.Context, pid int, timeout time.Duration) bool {
	if !processAlive(pid) {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return !processAlive(pid)
		case <-deadline.C:
			return !processAlive(pid)
		case <-ticker.C:
			if !processAlive(pid) {
				return true
			}
		}
	}
}
