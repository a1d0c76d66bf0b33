// Package session owns the control room's connection to the terminal
// scripting endpoint and the sessions created through it.
//
// All session-affecting calls go through a Controller. It keeps a single
// shared connection, reconnects with bounded exponential backoff when the
// connection drops, and serializes mutating calls at the connection
// boundary. Screen reads bypass that serialization so attention monitoring
// never waits behind a slow layout.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Iron-Ham/controlroom/internal/attention"
	"github.com/Iron-Ham/controlroom/internal/endpoint"
	"github.com/Iron-Ham/controlroom/internal/errors"
	"github.com/Iron-Ham/controlroom/internal/logging"
)

// Backoff bounds reconnect attempts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// MaxAttempts caps the attempts of one reconnect cycle. 0 retries until
	// the controller is closed.
	MaxAttempts int
}

// DefaultBackoff is used for zero Backoff fields.
var DefaultBackoff = Backoff{Initial: 250 * time.Millisecond, Max: 10 * time.Second}

// Hooks observe controller events. They are called synchronously and must
// not call back into the controller's mutating methods.
type Hooks struct {
	// OnConnectionChange reports connection state changes. err explains a
	// drop and is nil on connect.
	OnConnectionChange func(connected bool, err error)
	// OnTerminated reports a managed session that ended.
	OnTerminated func(s ManagedSession)
	// OnFocus reports a managed session that gained focus.
	OnFocus func(s ManagedSession)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithBackoff sets the reconnect backoff.
func WithBackoff(b Backoff) Option {
	return func(c *Controller) { c.backoff = b }
}

// WithHooks sets event hooks.
func WithHooks(h Hooks) Option {
	return func(c *Controller) { c.hooks = h }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller manages the endpoint connection and the sessions created
// through it.
type Controller struct {
	dialer  endpoint.Dialer
	logger  *logging.Logger
	backoff Backoff
	hooks   Hooks
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	sf     singleflight.Group

	connMu  sync.Mutex
	conn    endpoint.Conn
	state   ConnState
	lastErr error

	// callMu serializes mutating calls on the connection.
	callMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*ManagedSession
	order    []string

	refreshing sync.Mutex
}

// NewController creates a controller. It does not connect until Connect or
// Run is called.
func NewController(dialer endpoint.Dialer, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		dialer:   dialer,
		logger:   logging.NopLogger(),
		backoff:  DefaultBackoff,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*ManagedSession),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backoff.Initial <= 0 {
		c.backoff.Initial = DefaultBackoff.Initial
	}
	if c.backoff.Max < c.backoff.Initial {
		c.backoff.Max = max(DefaultBackoff.Max, c.backoff.Initial)
	}
	c.logger = c.logger.WithComponent("session")
	return c
}

// State returns the connection state.
func (c *Controller) State() ConnState {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.state
}

// LastError returns why the connection last dropped or failed to open.
func (c *Controller) LastError() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.lastErr
}

// Connect returns once a connection is open, dialing with backoff if
// needed. Concurrent callers share one dial loop.
func (c *Controller) Connect(ctx context.Context) error {
	_, err := c.ensure(ctx)
	return err
}

// Run keeps the connection open until ctx is cancelled, then closes the
// controller. Drops are followed by a reconnect; when a reconnect cycle
// gives up, Run waits the maximum backoff and starts another.
func (c *Controller) Run(ctx context.Context) error {
	defer c.Close()
	for {
		conn, err := c.ensure(ctx)
		if err != nil {
			if ctx.Err() != nil || c.ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("reconnect cycle failed", "error", err)
			if !sleep(ctx, c.backoff.Max) {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.ctx.Done():
			return nil
		case <-conn.Done():
		}
	}
}

// Close drops the connection and stops reconnecting. Sessions keep running
// on the endpoint.
func (c *Controller) Close() error {
	c.cancel()
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.connMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// current returns the open connection or a Disconnected error.
func (c *Controller) current(op string) (endpoint.Conn, error) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil || isDone(conn) {
		return nil, errors.Disconnected(op)
	}
	return conn, nil
}

func isDone(conn endpoint.Conn) bool {
	select {
	case <-conn.Done():
		return true
	default:
		return false
	}
}

func (c *Controller) ensure(ctx context.Context) (endpoint.Conn, error) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		if !isDone(conn) {
			return conn, nil
		}
		c.dropped(conn)
	}

	ch := c.sf.DoChan("connect", func() (any, error) {
		return c.dial()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(endpoint.Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dial runs one reconnect cycle on the controller's own context so that a
// caller giving up does not abort a dial other callers are waiting on.
func (c *Controller) dial() (endpoint.Conn, error) {
	c.connMu.Lock()
	if c.conn != nil && !isDone(c.conn) {
		conn := c.conn
		c.connMu.Unlock()
		return conn, nil
	}
	c.connMu.Unlock()
	c.setState(Connecting, nil)

	delay := c.backoff.Initial
	for attempt := 1; ; attempt++ {
		conn, err := c.dialer.Dial(c.ctx)
		if err == nil {
			c.install(conn)
			return conn, nil
		}
		if c.ctx.Err() != nil {
			c.setState(Disconnected, err)
			return nil, errors.Disconnected("connect")
		}

		c.logger.Debug("dial failed", "attempt", attempt, "error", err)
		if c.backoff.MaxAttempts > 0 && attempt >= c.backoff.MaxAttempts {
			c.setState(Disconnected, err)
			cause := fmt.Errorf("%w: %w", errors.ErrDisconnected, err)
			return nil, errors.NewSessionError(fmt.Sprintf("connect failed after %d attempts", attempt), cause).
				WithSeverity(errors.SeverityWarning).
				WithRetryable(true)
		}
		if !sleep(c.ctx, delay) {
			c.setState(Disconnected, err)
			return nil, errors.Disconnected("connect")
		}
		delay = min(delay*2, c.backoff.Max)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Controller) setState(s ConnState, err error) {
	c.connMu.Lock()
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	c.connMu.Unlock()
}

func (c *Controller) install(conn endpoint.Conn) {
	c.connMu.Lock()
	if c.ctx.Err() != nil {
		c.connMu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = Connected
	c.lastErr = nil
	c.connMu.Unlock()

	c.logger.Info("connected to scripting endpoint")
	if c.hooks.OnConnectionChange != nil {
		c.hooks.OnConnectionChange(true, nil)
	}

	go c.watch(conn)

	// Sessions may have ended while disconnected.
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			c.logger.Debug("refresh after connect failed", "error", err)
		}
	}()
}

// dropped clears conn if it is still current. It is safe to call more than
// once for the same connection.
func (c *Controller) dropped(conn endpoint.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected
	err := conn.Err()
	if err == nil {
		err = errors.ErrDisconnected
	}
	c.lastErr = err
	c.connMu.Unlock()

	c.logger.Warn("scripting endpoint connection lost", "error", err)
	if c.hooks.OnConnectionChange != nil {
		c.hooks.OnConnectionChange(false, err)
	}
}

func (c *Controller) watch(conn endpoint.Conn) {
	for n := range conn.Notifications() {
		c.handleNotification(n)
	}
	<-conn.Done()
	c.dropped(conn)
}

func (c *Controller) handleNotification(n endpoint.Notification) {
	switch n.Kind {
	case endpoint.NotifySessionTerminated:
		c.forget(n.SessionID)
	case endpoint.NotifyFocusChanged:
		_ = c.Focus(n.SessionID)
	case endpoint.NotifyLayoutChanged:
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			defer cancel()
			_ = c.Refresh(ctx)
		}()
	}
}

// handleErr forgets a session the endpoint no longer knows.
func (c *Controller) handleErr(sessionID string, err error) error {
	if errors.Is(err, errors.ErrSessionNotFound) {
		c.forget(sessionID)
	}
	return err
}

func (c *Controller) register(projectID, template string, info endpoint.SessionInfo) ManagedSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &ManagedSession{
		ID:        info.SessionID,
		ProjectID: projectID,
		Template:  template,
		Title:     info.Title,
		WindowID:  info.WindowID,
		TabID:     info.TabID,
		CreatedAt: c.now(),
	}
	c.sessions[s.ID] = s
	c.order = append(c.order, s.ID)
	return *s
}

func (c *Controller) forget(sessionID string) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if ok {
		delete(c.sessions, sessionID)
		for i, id := range c.order {
			if id == sessionID {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	if ok {
		c.logger.Info("session terminated", "session_id", sessionID, "project", s.ProjectID)
		if c.hooks.OnTerminated != nil {
			c.hooks.OnTerminated(*s)
		}
	}
}

// Spawn creates a new single-pane session from tmpl. Every call creates a
// new session. A connection loss returns a Disconnected error; any other
// failure returns a SpawnFailure.
func (c *Controller) Spawn(ctx context.Context, projectID string, tmpl Template) (*ManagedSession, error) {
	conn, err := c.current(endpoint.MethodCreateWindow)
	if err != nil {
		return nil, err
	}

	c.callMu.Lock()
	info, err := conn.CreateWindow(ctx, tmpl.spawn())
	c.callMu.Unlock()
	if err != nil {
		if errors.Is(err, errors.ErrDisconnected) || ctx.Err() != nil {
			return nil, err
		}
		return nil, errors.NewSpawnFailure(tmpl.Name, nil, err)
	}

	s := c.register(projectID, tmpl.Name, info)
	c.logger.Info("session spawned", "session_id", s.ID, "project", projectID, "template", tmpl.Name)
	return &s, nil
}

// ApplyLayout creates every pane of layout: for each window its first tab
// with the window, then later tabs, and within a tab the primary pane
// followed by successive splits. The result lists the sessions created,
// even on error. A connection loss returns a Disconnected error; any other
// failure returns a SpawnFailure naming the created sessions.
func (c *Controller) ApplyLayout(ctx context.Context, projectID string, layout SessionLayout) (*LayoutResult, error) {
	if layout.PaneCount() == 0 {
		return nil, errors.NewValidationError("layout has no panes").WithField("layout").WithValue(layout.Name)
	}
	for _, w := range layout.Windows {
		for _, t := range w.Tabs {
			if len(t.Panes) == 0 {
				return nil, errors.NewValidationError("layout tab has no panes").WithField("layout").WithValue(layout.Name)
			}
		}
	}

	conn, err := c.current(endpoint.MethodCreateWindow)
	if err != nil {
		return nil, err
	}

	result := &LayoutResult{Layout: layout.Name}
	c.callMu.Lock()
	err = c.applyLayout(ctx, conn, projectID, layout, result)
	c.callMu.Unlock()

	if err != nil {
		c.logger.Warn("layout failed", "layout", layout.Name, "project", projectID, "created", len(result.Sessions), "error", err)
		if errors.Is(err, errors.ErrDisconnected) || ctx.Err() != nil {
			return result, err
		}
		return result, errors.NewSpawnFailure(layout.Name, result.IDs(), err)
	}
	c.logger.Info("layout applied", "layout", layout.Name, "project", projectID, "sessions", len(result.Sessions))
	return result, nil
}

func (c *Controller) applyLayout(ctx context.Context, conn endpoint.Conn, projectID string, layout SessionLayout, result *LayoutResult) error {
	for _, w := range layout.Windows {
		windowID := ""
		for ti, tab := range w.Tabs {
			var (
				info endpoint.SessionInfo
				err  error
			)
			primary := tab.Panes[0].Template
			if ti == 0 {
				spawn := primary.spawn()
				if w.Title != "" {
					spawn.Title = w.Title
				}
				info, err = conn.CreateWindow(ctx, spawn)
			} else {
				spawn := primary.spawn()
				if tab.Title != "" {
					spawn.Title = tab.Title
				}
				info, err = conn.CreateTab(ctx, windowID, spawn)
			}
			if err != nil {
				return err
			}
			if ti == 0 {
				windowID = info.WindowID
			}
			result.Sessions = append(result.Sessions, c.register(projectID, primary.Name, info))

			prev := info.SessionID
			for _, p := range tab.Panes[1:] {
				dir := p.Split
				if dir == "" {
					dir = endpoint.SplitVertical
				}
				info, err := conn.SplitPane(ctx, prev, dir, p.Template.spawn())
				if err != nil {
					return err
				}
				result.Sessions = append(result.Sessions, c.register(projectID, p.Template.Name, info))
				prev = info.SessionID
			}
		}
	}
	return nil
}

// CloseSession terminates a session. A session the endpoint no longer knows is
// forgotten and reported as not found.
func (c *Controller) CloseSession(ctx context.Context, sessionID string) error {
	conn, err := c.current(endpoint.MethodCloseSession)
	if err != nil {
		return err
	}
	c.callMu.Lock()
	err = conn.CloseSession(ctx, sessionID)
	c.callMu.Unlock()
	if err != nil {
		return c.handleErr(sessionID, err)
	}
	c.forget(sessionID)
	return nil
}

// SendText types text into a session.
func (c *Controller) SendText(ctx context.Context, sessionID, text string) error {
	conn, err := c.current(endpoint.MethodSendText)
	if err != nil {
		return err
	}
	c.callMu.Lock()
	err = conn.SendText(ctx, sessionID, text)
	c.callMu.Unlock()
	return c.handleErr(sessionID, err)
}

// Screen returns a session's rendered screen. It does not wait for
// mutating calls in flight.
func (c *Controller) Screen(ctx context.Context, sessionID string) (string, error) {
	conn, err := c.current(endpoint.MethodGetScreen)
	if err != nil {
		return "", err
	}
	text, err := conn.GetScreen(ctx, sessionID)
	if err != nil {
		return "", c.handleErr(sessionID, err)
	}
	return text, nil
}

// Refresh reconciles managed sessions with the endpoint's session list.
// Managed sessions missing from the list are treated as terminated.
func (c *Controller) Refresh(ctx context.Context) error {
	c.refreshing.Lock()
	defer c.refreshing.Unlock()

	conn, err := c.current(endpoint.MethodListSessions)
	if err != nil {
		return err
	}
	gone, err := c.reconcile(ctx, conn)
	if err != nil {
		return err
	}
	for _, id := range gone {
		c.forget(id)
	}
	return nil
}

// reconcile updates managed sessions from the endpoint listing and returns
// the ids that are gone. It holds callMu so sessions created mid-listing are
// not mistaken for terminated ones.
func (c *Controller) reconcile(ctx context.Context, conn endpoint.Conn) ([]string, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	list, err := conn.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]endpoint.SessionInfo, len(list))
	for _, info := range list {
		live[info.SessionID] = info
	}

	var gone []string
	c.mu.Lock()
	for id, s := range c.sessions {
		info, ok := live[id]
		if !ok {
			gone = append(gone, id)
			continue
		}
		s.WindowID, s.TabID = info.WindowID, info.TabID
		if info.Title != "" {
			s.Title = info.Title
		}
	}
	c.mu.Unlock()

	sort.Strings(gone)
	return gone, nil
}

// Focus records that a managed session gained focus.
func (c *Controller) Focus(sessionID string) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return errors.SessionNotFound("focus", sessionID)
	}
	s.FocusedAt = c.now()
	snapshot := *s
	c.mu.Unlock()

	if c.hooks.OnFocus != nil {
		c.hooks.OnFocus(snapshot)
	}
	return nil
}

// MostRecentlyFocused returns the project's most recently focused session.
// If none has been focused it falls back to the most recently created one.
func (c *Controller) MostRecentlyFocused(projectID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *ManagedSession
	var newest *ManagedSession
	for _, id := range c.order {
		s := c.sessions[id]
		if s.ProjectID != projectID {
			continue
		}
		newest = s
		if !s.FocusedAt.IsZero() && (best == nil || !s.FocusedAt.Before(best.FocusedAt)) {
			best = s
		}
	}
	if best != nil {
		return best.ID, true
	}
	if newest != nil {
		return newest.ID, true
	}
	return "", false
}

// Session returns a copy of a managed session.
func (c *Controller) Session(sessionID string) (ManagedSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return ManagedSession{}, false
	}
	return *s, true
}

// Sessions returns a project's managed sessions in creation order. An empty
// projectID returns every session.
func (c *Controller) Sessions(projectID string) []ManagedSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ManagedSession
	for _, id := range c.order {
		s := c.sessions[id]
		if projectID == "" || s.ProjectID == projectID {
			out = append(out, *s)
		}
	}
	return out
}

// SetAttention records a session's attention state. It reports false for
// unknown sessions.
func (c *Controller) SetAttention(sessionID string, state attention.State, lastLine string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return false
	}
	s.Attention = state
	s.LastLine = lastLine
	return true
}
