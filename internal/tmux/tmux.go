// Package tmux drives a dedicated tmux server as a scripting endpoint.
//
// The control room runs its sessions on a private socket ("tmux -L
// controlroom" by default) so they never mix with the user's own tmux
// sessions. The endpoint model maps onto tmux as follows: an endpoint
// window is a tmux session, a tab is a tmux window, and a session is a
// pane. Pane ids (%N) are the session ids handed to callers.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// SocketName is the default tmux socket name for control room sessions.
const SocketName = "controlroom"

// CommandContext creates a context-aware exec.Cmd for tmux on socket.
func CommandContext(ctx context.Context, socket string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "tmux", CommandArgs(socket, args...)...)
}

// CommandArgs returns the full tmux argument list for socket.
func CommandArgs(socket string, args ...string) []string {
	if socket == "" {
		socket = SocketName
	}
	return append([]string{"-L", socket}, args...)
}

// Runner executes one tmux command and returns its standard output. A
// failing command returns an error carrying tmux's standard error text.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// ExecRunner returns a Runner that runs the tmux binary against socket.
func ExecRunner(socket string) Runner {
	return func(ctx context.Context, args ...string) ([]byte, error) {
		cmd := CommandContext(ctx, socket, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return out, fmt.Errorf("tmux %s: %w", args[0], err)
			}
			return out, fmt.Errorf("tmux %s: %s: %w", args[0], msg, err)
		}
		return out, nil
	}
}

// isMissingTarget reports whether tmux rejected a command because its target
// does not exist.
func isMissingTarget(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "can't find") ||
		strings.Contains(msg, "no such")
}

// isNoServer reports whether the tmux server for the socket is not running.
// tmux exits once its last session closes, so this is an empty server.
func isNoServer(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "error connecting to")
}
