package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/controlroom/internal/endpoint"
	"github.com/Iron-Ham/controlroom/internal/errors"
	"github.com/Iron-Ham/controlroom/internal/logging"
)

// DefaultPollInterval is how often the pane list is polled for
// notifications.
const DefaultPollInterval = 500 * time.Millisecond

// paneFormat is the list-panes and -P output format. Fields are tab
// separated: tmux session, tmux window, pane, pane title, focus flags.
const paneFormat = "#{session_id}\t#{window_id}\t#{pane_id}\t#{pane_title}\t" +
	"#{pane_active}#{window_active}#{?session_attached,1,0}"

// Dialer opens tmux backed endpoint connections.
type Dialer struct {
	// Socket is the tmux -L socket name. Empty uses SocketName.
	Socket string
	// GracefulStop is the Ctrl+C grace period used by CloseSession.
	GracefulStop time.Duration
	PollInterval time.Duration
	Logger       *logging.Logger
	// Run replaces the tmux binary, for tests.
	Run Runner
}

// Dial checks that tmux is usable and starts the notification poller.
func (d *Dialer) Dial(ctx context.Context) (endpoint.Conn, error) {
	run := d.Run
	if run == nil {
		if _, err := exec.LookPath("tmux"); err != nil {
			return nil, errors.NewSessionError("tmux not available", fmt.Errorf("%w: %v", errors.ErrDisconnected, err)).
				WithRetryable(true)
		}
		run = ExecRunner(d.Socket)
	}

	logger := d.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	c := &conn{
		run:      run,
		logger:   logger.WithComponent("tmux"),
		interval: d.PollInterval,
		grace:    d.GracefulStop,
		notes:    make(chan endpoint.Notification, 256),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if c.interval <= 0 {
		c.interval = DefaultPollInterval
	}
	if c.grace <= 0 {
		c.grace = DefaultGracefulStopTimeout
	}

	panes, err := c.listPanes(ctx)
	if err != nil {
		return nil, errors.NewSessionError("list tmux panes", fmt.Errorf("%w: %v", errors.ErrDisconnected, err)).
			WithRetryable(true)
	}
	c.known, c.focused = index(panes)

	go c.poll()
	return c, nil
}

type pane struct {
	info    endpoint.SessionInfo
	focused bool
}

func parsePane(line string) (pane, bool) {
	fields := strings.Split(line, "\t")
	if len(fields) != 5 || fields[2] == "" {
		return pane{}, false
	}
	return pane{
		info: endpoint.SessionInfo{
			WindowID:  fields[0],
			TabID:     fields[1],
			SessionID: fields[2],
			Title:     fields[3],
		},
		focused: fields[4] == "111",
	}, true
}

func index(panes []pane) (map[string]endpoint.SessionInfo, string) {
	known := make(map[string]endpoint.SessionInfo, len(panes))
	focused := ""
	for _, p := range panes {
		known[p.info.SessionID] = p.info
		if p.focused {
			focused = p.info.SessionID
		}
	}
	return known, focused
}

// conn implements endpoint.Conn on top of the tmux CLI. Notifications are
// synthesized by diffing successive pane listings.
type conn struct {
	run      Runner
	logger   *logging.Logger
	interval time.Duration
	grace    time.Duration

	// known and focused are owned by the poller after Dial.
	known   map[string]endpoint.SessionInfo
	focused string

	notes   chan endpoint.Notification
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
}

func (c *conn) poll() {
	defer close(c.stopped)
	defer close(c.notes)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		panes, err := c.listPanes(ctx)
		cancel()
		if err != nil {
			c.logger.Debug("pane poll failed", "error", err)
			continue
		}
		for _, n := range c.diff(panes) {
			select {
			case c.notes <- n:
			case <-c.done:
				return
			}
		}
	}
}

// diff updates the known pane set and returns the notifications it implies,
// terminations first, then creations, then focus.
func (c *conn) diff(panes []pane) []endpoint.Notification {
	next, focused := index(panes)
	var out []endpoint.Notification

	for _, id := range sortedKeys(c.known) {
		if _, ok := next[id]; !ok {
			info := c.known[id]
			out = append(out, endpoint.Notification{Kind: endpoint.NotifySessionTerminated, SessionID: id, WindowID: info.WindowID, TabID: info.TabID})
		}
	}
	for _, id := range sortedKeys(next) {
		if _, ok := c.known[id]; !ok {
			info := next[id]
			out = append(out, endpoint.Notification{Kind: endpoint.NotifySessionCreated, SessionID: id, WindowID: info.WindowID, TabID: info.TabID})
		}
	}
	if focused != "" && focused != c.focused {
		info := next[focused]
		out = append(out, endpoint.Notification{Kind: endpoint.NotifyFocusChanged, SessionID: focused, WindowID: info.WindowID, TabID: info.TabID})
	}

	c.known, c.focused = next, focused
	return out
}

func sortedKeys(m map[string]endpoint.SessionInfo) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *conn) listPanes(ctx context.Context) ([]pane, error) {
	out, err := c.run(ctx, "list-panes", "-a", "-F", paneFormat)
	if err != nil {
		if isNoServer(err) {
			return nil, nil
		}
		return nil, err
	}
	var panes []pane
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if p, ok := parsePane(line); ok {
			panes = append(panes, p)
		}
	}
	return panes, nil
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// exec runs a command against target and maps failures to session errors.
func (c *conn) exec(ctx context.Context, op, target string, args ...string) ([]byte, error) {
	if c.closed() {
		return nil, errors.Disconnected(op)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isMissingTarget(err) || (target != "" && isNoServer(err)) {
			return nil, errors.SessionNotFound(op, target)
		}
		return nil, errors.NewSessionError(op, err).WithSessionID(target)
	}
	return out, nil
}

func spawnArgs(spawn endpoint.Spawn) []string {
	var args []string
	if spawn.Dir != "" {
		args = append(args, "-c", spawn.Dir)
	}
	if spawn.Command != "" {
		args = append(args, spawn.Command)
	}
	return args
}

func (c *conn) create(ctx context.Context, op, target string, spawn endpoint.Spawn, args ...string) (endpoint.SessionInfo, error) {
	args = append(args, "-d", "-P", "-F", paneFormat)
	args = append(args, spawnArgs(spawn)...)
	out, err := c.exec(ctx, op, target, args...)
	if err != nil {
		return endpoint.SessionInfo{}, err
	}
	p, ok := parsePane(strings.TrimSpace(string(out)))
	if !ok {
		return endpoint.SessionInfo{}, errors.NewSessionError(op+" returned no pane id", nil)
	}
	if spawn.Title != "" {
		if _, err := c.exec(ctx, op, p.info.SessionID, "select-pane", "-t", p.info.SessionID, "-T", spawn.Title); err != nil {
			c.logger.Warn("failed to title pane", "pane", p.info.SessionID, "error", err)
		} else {
			p.info.Title = spawn.Title
		}
	}
	return p.info, nil
}

func (c *conn) CreateWindow(ctx context.Context, spawn endpoint.Spawn) (endpoint.SessionInfo, error) {
	return c.create(ctx, endpoint.MethodCreateWindow, "", spawn, "new-session")
}

func (c *conn) CreateTab(ctx context.Context, windowID string, spawn endpoint.Spawn) (endpoint.SessionInfo, error) {
	args := []string{"new-window", "-t", windowID + ":"}
	if spawn.Title != "" {
		args = append(args, "-n", spawn.Title)
	}
	return c.create(ctx, endpoint.MethodCreateTab, windowID, spawn, args...)
}

func (c *conn) SplitPane(ctx context.Context, sessionID string, dir endpoint.Split, spawn endpoint.Spawn) (endpoint.SessionInfo, error) {
	// A vertical split places the new pane beside its parent.
	flag := "-v"
	if dir == endpoint.SplitVertical {
		flag = "-h"
	}
	return c.create(ctx, endpoint.MethodSplitPane, sessionID, spawn, "split-window", "-t", sessionID, flag)
}

// SendText types text into a pane. Each newline is sent as an Enter key.
func (c *conn) SendText(ctx context.Context, sessionID, text string) error {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			if _, err := c.exec(ctx, endpoint.MethodSendText, sessionID, "send-keys", "-t", sessionID, "-l", line); err != nil {
				return err
			}
		}
		if i < len(lines)-1 {
			if _, err := c.exec(ctx, endpoint.MethodSendText, sessionID, "send-keys", "-t", sessionID, "Enter"); err != nil {
				return err
			}
		}
	}
	return nil
}

// CloseSession interrupts the pane's process, waits briefly for it to exit,
// kills the pane, then kills any processes that outlived it.
func (c *conn) CloseSession(ctx context.Context, sessionID string) error {
	pids := processTree(c.panePID(ctx, sessionID))

	if _, err := c.exec(ctx, endpoint.MethodCloseSession, sessionID, "send-keys", "-t", sessionID, "C-c"); err != nil {
		return err
	}
	if len(pids) > 0 {
		waitForExit(ctx, pids[0], c.grace)
	}
	if _, err := c.exec(ctx, endpoint.MethodCloseSession, sessionID, "kill-pane", "-t", sessionID); err != nil {
		// The pane may have exited on its own after Ctrl+C.
		if !errors.Is(err, errors.ErrSessionNotFound) {
			return err
		}
	}
	killSurvivors(pids)
	return nil
}

func (c *conn) ListSessions(ctx context.Context) ([]endpoint.SessionInfo, error) {
	if c.closed() {
		return nil, errors.Disconnected(endpoint.MethodListSessions)
	}
	panes, err := c.listPanes(ctx)
	if err != nil {
		return nil, errors.NewSessionError(endpoint.MethodListSessions, err)
	}
	out := make([]endpoint.SessionInfo, 0, len(panes))
	for _, p := range panes {
		out = append(out, p.info)
	}
	return out, nil
}

func (c *conn) GetScreen(ctx context.Context, sessionID string) (string, error) {
	out, err := c.exec(ctx, endpoint.MethodGetScreen, sessionID, "capture-pane", "-p", "-t", sessionID)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (c *conn) Notifications() <-chan endpoint.Notification { return c.notes }

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the poller. Sessions keep running in the tmux server.
func (c *conn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = errors.New("closed by client")
		c.mu.Unlock()
		close(c.done)
	})
	<-c.stopped
	return nil
}
