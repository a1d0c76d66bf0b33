package attention

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/controlroom/internal/errors"
	"github.com/Iron-Ham/controlroom/internal/logging"
	"github.com/Iron-Ham/controlroom/internal/util"
)

// Screens reads a session's rendered screen.
type Screens interface {
	Screen(ctx context.Context, sessionID string) (string, error)
}

// MaxLastLine bounds the runes of Change.LastLine.
const MaxLastLine = 200

// Change is a state transition for one session.
type Change struct {
	SessionID string
	From      State
	To        State
	LastLine  string
	At        time.Time
}

// Config tunes a Monitor.
type Config struct {
	PollInterval time.Duration
	SampleWindow time.Duration
	Prompt       PromptMatcher
}

// Monitor polls every watched session on its own goroutine and reports
// state changes. Changes for one session are delivered in detection order
// on that session's goroutine.
type Monitor struct {
	screens  Screens
	cfg      Config
	onChange func(Change)
	logger   *logging.Logger
	now      func() time.Time

	mu      sync.Mutex
	watches map[string]*watch
	stopped bool
	wg      conc.WaitGroup
}

type watch struct {
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	lastLine string
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor. onChange may be nil.
func NewMonitor(screens Screens, cfg Config, onChange func(Change), opts ...Option) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = 2 * time.Second
	}
	if cfg.Prompt == nil {
		cfg.Prompt, _ = NewRegexMatcher(nil)
	}
	if onChange == nil {
		onChange = func(Change) {}
	}
	m := &Monitor{
		screens:  screens,
		cfg:      cfg,
		onChange: onChange,
		logger:   logging.NopLogger(),
		now:      time.Now,
		watches:  make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("attention")
	return m
}

// Watch starts monitoring a session. Watching an already watched session is
// a no-op. Monitoring ends when ctx is cancelled, Unwatch is called, or the
// session is reported missing.
func (m *Monitor) Watch(ctx context.Context, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if _, ok := m.watches[sessionID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &watch{cancel: cancel}
	m.watches[sessionID] = w
	m.wg.Go(func() {
		defer m.forget(sessionID, w)
		m.run(ctx, sessionID, w)
	})
}

// Unwatch stops monitoring a session. It does not wait for the session's
// goroutine, so it is safe to call from a change callback.
func (m *Monitor) Unwatch(sessionID string) {
	m.mu.Lock()
	w, ok := m.watches[sessionID]
	delete(m.watches, sessionID)
	m.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// Watching reports whether a session is monitored.
func (m *Monitor) Watching(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[sessionID]
	return ok
}

// State returns a session's current state and last line.
func (m *Monitor) State(sessionID string) (State, string) {
	m.mu.Lock()
	w, ok := m.watches[sessionID]
	m.mu.Unlock()
	if !ok {
		return StateUnknown, ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.lastLine
}

// Stop ends all monitoring and waits for the goroutines to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	for id, w := range m.watches {
		w.cancel()
		delete(m.watches, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) forget(sessionID string, w *watch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watches[sessionID] == w {
		delete(m.watches, sessionID)
	}
	w.cancel()
}

func (m *Monitor) run(ctx context.Context, sessionID string, w *watch) {
	logger := m.logger.WithSession(sessionID)
	tracker := NewTracker(m.cfg.SampleWindow, m.cfg.Prompt)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		screen, err := m.screens.Screen(ctx, sessionID)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, errors.ErrSessionNotFound):
			logger.Debug("session gone, stopping monitor")
			return
		case errors.Is(err, errors.ErrDisconnected):
			// Keep the last state until the connection returns.
		case err != nil:
			logger.Warn("screen read failed", "error", err)
		default:
			from := tracker.State()
			state, changed := tracker.Observe(screen, m.now())
			w.mu.Lock()
			w.state, w.lastLine = state, tracker.LastLine()
			w.mu.Unlock()
			if changed {
				m.onChange(Change{
					SessionID: sessionID,
					From:      from,
					To:        state,
					LastLine:  util.TruncateString(tracker.LastLine(), MaxLastLine),
					At:        m.now(),
				})
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
