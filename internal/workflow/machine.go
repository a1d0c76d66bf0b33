package workflow

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/controlroom/internal/errors"
	"github.com/Iron-Ham/controlroom/internal/logging"
)

// AutoModeConfig controls automatic advancement and command dispatch.
type AutoModeConfig struct {
	Enabled             bool
	AutoAdvance         bool
	RequireConfirmation bool
	// DesignatedSession receives dispatched commands. When empty the
	// project's most recently focused session is used.
	DesignatedSession string
	Commands          map[Stage]string
	StagePhases       map[Stage]string
}

// Clone returns a deep copy of c.
func (c AutoModeConfig) Clone() AutoModeConfig {
	c.Commands = maps.Clone(c.Commands)
	c.StagePhases = maps.Clone(c.StagePhases)
	return c
}

// Reason records what caused a transition.
type Reason string

const (
	ReasonManual   Reason = "manual"
	ReasonOverride Reason = "override"
	ReasonAuto     Reason = "auto"
	ReasonRestore  Reason = "restore"
)

// Transition is one stage change.
type Transition struct {
	ProjectID   string
	From        Stage
	To          Stage
	Reason      Reason
	Fingerprint string
	At          time.Time
}

// Dispatch is a command bound for a session on stage entry.
type Dispatch struct {
	ID        string
	Stage     Stage
	Command   string
	SessionID string
	CreatedAt time.Time
}

// DispatchStatus is the outcome of a dispatch attempt.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchSent      DispatchStatus = "sent"
	DispatchFailed    DispatchStatus = "failed"
	DispatchDiscarded DispatchStatus = "discarded"
)

// DispatchResult reports what happened to a Dispatch.
type DispatchResult struct {
	ProjectID string
	Dispatch  Dispatch
	Status    DispatchStatus
	Err       error
}

// State is a snapshot of a machine.
type State struct {
	Stage           Stage
	EnteredAt       time.Time
	PendingDispatch *Dispatch
}

// Dispatcher delivers commands to sessions.
type Dispatcher interface {
	SendText(ctx context.Context, sessionID, text string) error
	MostRecentlyFocused(projectID string) (string, bool)
}

// Journal persists transitions so the stage survives restarts.
type Journal interface {
	RecordTransition(ctx context.Context, t Transition) error
	RecordDispatch(ctx context.Context, r DispatchResult) error
	LastTransition(ctx context.Context, projectID string) (*Transition, error)
}

// Hooks observe machine activity. Hooks run on the goroutine that caused
// the activity, after internal locks are released.
type Hooks struct {
	OnTransition func(Transition)
	OnDispatch   func(DispatchResult)
}

// Option configures a Machine.
type Option func(*Machine)

// WithDispatcher sets the command dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(m *Machine) { m.dispatcher = d }
}

// WithJournal sets the transition journal.
func WithJournal(j Journal) Option {
	return func(m *Machine) { m.journal = j }
}

// WithLogger sets the machine logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithHooks sets the activity hooks.
func WithHooks(h Hooks) Option {
	return func(m *Machine) { m.hooks = h }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine is the stage state machine of one project.
type Machine struct {
	projectID  string
	dispatcher Dispatcher
	journal    Journal
	logger     *logging.Logger
	hooks      Hooks
	now        func() time.Time

	// transMu linearizes transitions and the dispatches they trigger.
	transMu sync.Mutex

	mu              sync.RWMutex
	state           State
	cfg             AutoModeConfig
	lastFingerprint string
}

// New creates a machine in the planning stage.
func New(projectID string, cfg AutoModeConfig, opts ...Option) *Machine {
	m := &Machine{
		projectID: projectID,
		cfg:       cfg.Clone(),
		logger:    logging.NopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithProject(projectID).WithComponent("workflow")
	m.state = State{Stage: StagePlanning, EnteredAt: m.now()}
	return m
}

// ProjectID returns the project the machine belongs to.
func (m *Machine) ProjectID() string {
	return m.projectID
}

// State returns a snapshot of the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.state
	if s.PendingDispatch != nil {
		d := *s.PendingDispatch
		s.PendingDispatch = &d
	}
	return s
}

// Config returns a copy of the auto-mode configuration.
func (m *Machine) Config() AutoModeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// UpdateConfig replaces the auto-mode configuration. The next Evaluate runs
// the predicates again even if the inputs have not changed.
func (m *Machine) UpdateConfig(cfg AutoModeConfig) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	m.cfg = cfg.Clone()
	m.lastFingerprint = ""
	m.mu.Unlock()
	m.logger.Info("auto mode updated", "enabled", cfg.Enabled, "auto_advance", cfg.AutoAdvance)
}

// Restore loads the last journaled stage. It does not dispatch.
func (m *Machine) Restore(ctx context.Context) error {
	if m.journal == nil {
		return nil
	}
	m.transMu.Lock()
	defer m.transMu.Unlock()

	last, err := m.journal.LastTransition(ctx, m.projectID)
	if err != nil {
		return fmt.Errorf("failed to restore stage: %w", err)
	}
	if last == nil || !last.To.Valid() {
		return nil
	}

	m.mu.Lock()
	m.state = State{Stage: last.To, EnteredAt: last.At}
	m.mu.Unlock()
	m.logger.Info("stage restored", "stage", last.To)
	return nil
}

// Advance moves to the next stage on user request.
func (m *Machine) Advance(ctx context.Context) (*Transition, error) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	from := m.State().Stage
	to, ok := from.Next()
	if !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("stage %s is terminal", from)).WithField("stage")
	}
	return m.transition(ctx, from, to, ReasonManual, ""), nil
}

// SetStage jumps to stage in either direction. Setting the current stage is
// a no-op and returns a nil Transition.
func (m *Machine) SetStage(ctx context.Context, stage Stage) (*Transition, error) {
	if !stage.Valid() {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown stage %q", stage)).WithField("stage").WithValue(string(stage))
	}
	m.transMu.Lock()
	defer m.transMu.Unlock()

	from := m.State().Stage
	if from == stage {
		return nil, nil
	}
	return m.transition(ctx, from, stage, ReasonOverride, ""), nil
}

// Evaluate checks the current stage's exit condition against in and
// advances one stage when it holds. A given input fingerprint advances at
// most once, so repeated notifications of the same content are inert.
func (m *Machine) Evaluate(ctx context.Context, in Inputs) *Transition {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	cfg := m.cfg
	stage := m.state.Stage
	fp := in.Fingerprint()
	if !cfg.AutoAdvance || stage.Terminal() || fp == m.lastFingerprint {
		m.mu.Unlock()
		return nil
	}
	m.lastFingerprint = fp
	m.mu.Unlock()

	if !Satisfied(stage, in, cfg.StagePhases) {
		return nil
	}
	to, _ := stage.Next()
	return m.transition(ctx, stage, to, ReasonAuto, fp)
}

// transition applies a stage change. transMu must be held.
func (m *Machine) transition(ctx context.Context, from, to Stage, reason Reason, fp string) *Transition {
	now := m.now()
	t := Transition{
		ProjectID:   m.projectID,
		From:        from,
		To:          to,
		Reason:      reason,
		Fingerprint: fp,
		At:          now,
	}

	m.mu.Lock()
	superseded := m.state.PendingDispatch
	m.state = State{Stage: to, EnteredAt: now}
	cfg := m.cfg
	m.mu.Unlock()

	m.logger.Info("stage changed", "from", from, "to", to, "reason", reason)
	if m.journal != nil {
		if err := m.journal.RecordTransition(ctx, t); err != nil {
			m.logger.Warn("failed to journal transition", "error", err)
		}
	}
	if m.hooks.OnTransition != nil {
		m.hooks.OnTransition(t)
	}

	if superseded != nil {
		m.report(ctx, DispatchResult{Dispatch: *superseded, Status: DispatchDiscarded})
	}
	m.enter(ctx, to, cfg)
	return &t
}

// enter dispatches the stage command, or parks it for confirmation.
func (m *Machine) enter(ctx context.Context, stage Stage, cfg AutoModeConfig) {
	if !cfg.Enabled || stage.Terminal() {
		return
	}
	cmd := cfg.Commands[stage]
	if cmd == "" {
		return
	}

	d := Dispatch{
		ID:        uuid.NewString(),
		Stage:     stage,
		Command:   cmd,
		SessionID: m.target(cfg),
		CreatedAt: m.now(),
	}

	if cfg.RequireConfirmation {
		m.park(d)
		m.report(ctx, DispatchResult{Dispatch: d, Status: DispatchPending})
		return
	}
	if err := m.send(ctx, d); err != nil {
		m.park(d)
		m.report(ctx, DispatchResult{Dispatch: d, Status: DispatchFailed, Err: err})
		return
	}
	m.report(ctx, DispatchResult{Dispatch: d, Status: DispatchSent})
}

func (m *Machine) target(cfg AutoModeConfig) string {
	if cfg.DesignatedSession != "" {
		return cfg.DesignatedSession
	}
	if m.dispatcher != nil {
		if id, ok := m.dispatcher.MostRecentlyFocused(m.projectID); ok {
			return id
		}
	}
	return ""
}

func (m *Machine) send(ctx context.Context, d Dispatch) error {
	if m.dispatcher == nil {
		return errors.New("no dispatcher configured")
	}
	if d.SessionID == "" {
		return errors.NewNotFoundError("session", "dispatch target for "+m.projectID)
	}
	return m.dispatcher.SendText(ctx, d.SessionID, d.Command+"\n")
}

func (m *Machine) park(d Dispatch) {
	m.mu.Lock()
	m.state.PendingDispatch = &d
	m.mu.Unlock()
}

func (m *Machine) report(ctx context.Context, r DispatchResult) {
	r.ProjectID = m.projectID
	if r.Err != nil {
		m.logger.Warn("dispatch failed", "stage", r.Dispatch.Stage, "session_id", r.Dispatch.SessionID, "error", r.Err)
	} else {
		m.logger.Info("dispatch "+string(r.Status), "stage", r.Dispatch.Stage, "session_id", r.Dispatch.SessionID)
	}
	if m.journal != nil {
		if err := m.journal.RecordDispatch(ctx, r); err != nil {
			m.logger.Warn("failed to journal dispatch", "error", err)
		}
	}
	if m.hooks.OnDispatch != nil {
		m.hooks.OnDispatch(r)
	}
}

// Confirm sends the pending dispatch. The target is resolved again if none
// was known when the dispatch was parked. On failure the dispatch stays
// pending.
func (m *Machine) Confirm(ctx context.Context) error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.RLock()
	pending := m.state.PendingDispatch
	cfg := m.cfg
	m.mu.RUnlock()
	if pending == nil {
		return errors.NewNotFoundError("pending dispatch", m.projectID)
	}

	d := *pending
	if d.SessionID == "" {
		d.SessionID = m.target(cfg)
	}
	if err := m.send(ctx, d); err != nil {
		m.report(ctx, DispatchResult{Dispatch: d, Status: DispatchFailed, Err: err})
		return err
	}

	m.mu.Lock()
	m.state.PendingDispatch = nil
	m.mu.Unlock()
	m.report(ctx, DispatchResult{Dispatch: d, Status: DispatchSent})
	return nil
}

// Discard drops the pending dispatch, if any.
func (m *Machine) Discard() bool {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	pending := m.state.PendingDispatch
	m.state.PendingDispatch = nil
	m.mu.Unlock()

	if pending == nil {
		return false
	}
	m.report(context.Background(), DispatchResult{Dispatch: *pending, Status: DispatchDiscarded})
	return true
}
