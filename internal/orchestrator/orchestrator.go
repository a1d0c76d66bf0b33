// Package orchestrator is the composition root of the control room. It
// owns one plan watcher pair and workflow machine per project, a single
// session controller shared by every project, the attention monitor, the
// plan write queue and the event bus, and it exposes the query and command
// surface a display layer drives.
//
// Commands return errors as values. Everything observable also flows out as
// events on the bus, so a display can render purely from Subscribe.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/controlroom/internal/attention"
	"github.com/Iron-Ham/controlroom/internal/config"
	"github.com/Iron-Ham/controlroom/internal/endpoint"
	"github.com/Iron-Ham/controlroom/internal/errors"
	"github.com/Iron-Ham/controlroom/internal/event"
	"github.com/Iron-Ham/controlroom/internal/logging"
	"github.com/Iron-Ham/controlroom/internal/plan/writequeue"
	"github.com/Iron-Ham/controlroom/internal/session"
	"github.com/Iron-Ham/controlroom/internal/store"
	"github.com/Iron-Ham/controlroom/internal/workflow"
)

// Journal is the durable record machines restore from. *store.Journal
// satisfies it.
type Journal interface {
	workflow.Journal
	Close() error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithDialer overrides the dialer chosen from the endpoint configuration.
func WithDialer(d endpoint.Dialer) Option {
	return func(o *Orchestrator) { o.dialer = d }
}

// WithJournal overrides the journal opened from the store configuration.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithFs sets the filesystem plan edits are written through.
func WithFs(fs afero.Fs) Option {
	return func(o *Orchestrator) { o.fs = fs }
}

// WithBus shares an existing event bus.
func WithBus(b *event.Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// Orchestrator wires the subsystems together.
type Orchestrator struct {
	cfg     *config.Config
	logger  *logging.Logger
	dialer  endpoint.Dialer
	journal Journal
	fs      afero.Fs
	bus     *event.Bus

	controller *session.Controller
	monitor    *attention.Monitor
	queue      *writequeue.Queue

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	projects map[string]*project
	order    []string
	stopped  bool

	runWg    sync.WaitGroup
	stopOnce sync.Once
}

// New builds an orchestrator from explicit configuration. Projects are
// opened by Start or AddProject.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("config is required")
	}
	o := &Orchestrator{
		cfg:      cfg,
		projects: make(map[string]*project),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	o.logger = o.logger.WithComponent("orchestrator")
	if o.fs == nil {
		o.fs = afero.NewOsFs()
	}
	if o.bus == nil {
		o.bus = event.NewBus(o.logger)
	}
	if o.dialer == nil {
		o.dialer = NewDialer(cfg.Endpoint, o.logger)
	}
	if o.journal == nil && cfg.Store.Path != "" {
		j, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		o.journal = j
	}

	prompt, err := attention.NewRegexMatcher(cfg.Attention.IdlePromptPatterns)
	if err != nil {
		return nil, err
	}

	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.queue = writequeue.New(writequeue.WithFs(o.fs), writequeue.WithLogger(o.logger))
	o.controller = session.NewController(o.dialer,
		session.WithLogger(o.logger),
		session.WithBackoff(backoff(cfg.Endpoint.Reconnect)),
		session.WithHooks(session.Hooks{
			OnConnectionChange: o.connectionChanged,
			OnTerminated:       o.sessionTerminated,
			OnFocus:            o.sessionFocused,
		}),
	)
	o.monitor = attention.NewMonitor(o.controller, attention.Config{
		PollInterval: cfg.Attention.PollInterval(),
		SampleWindow: cfg.Attention.SampleWindow(),
		Prompt:       prompt,
	}, o.attentionChanged, attention.WithLogger(o.logger))

	return o, nil
}

// Start opens every configured project and starts maintaining the endpoint
// connection in the background. A project that fails to open stops Start
// and leaves the projects opened so far running.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, pc := range o.cfg.Projects {
		if err := o.AddProject(ctx, pc); err != nil {
			return fmt.Errorf("failed to open project %s: %w", pc.Name, err)
		}
	}

	o.runWg.Add(1)
	go func() {
		defer o.runWg.Done()
		if err := o.controller.Run(o.ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("session controller stopped", "error", err)
		}
	}()
	return nil
}

// Run starts the orchestrator and blocks until ctx is cancelled, then shuts
// everything down.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		o.Stop()
		return err
	}
	<-ctx.Done()
	o.Stop()
	return nil
}

// Stop tears down every project concurrently, then the shared subsystems.
// In-flight plan writes complete before Stop returns.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.stopped = true
		projects := make([]*project, 0, len(o.projects))
		for _, id := range o.order {
			projects = append(projects, o.projects[id])
		}
		o.projects = make(map[string]*project)
		o.order = nil
		o.mu.Unlock()

		var wg conc.WaitGroup
		for _, p := range projects {
			wg.Go(p.stop)
		}
		wg.Wait()

		o.monitor.Stop()
		o.cancel()
		_ = o.controller.Close()
		o.runWg.Wait()
		o.queue.Close()
		if o.journal != nil {
			if err := o.journal.Close(); err != nil {
				o.logger.Warn("failed to close journal", "error", err)
			}
		}
		o.logger.Info("orchestrator stopped", "projects", len(projects))
	})
}

// Bus returns the event bus.
func (o *Orchestrator) Bus() *event.Bus {
	return o.bus
}

// Subscribe returns an ordered event stream filtered to types. No types
// means every event. Close the subscription when done.
func (o *Orchestrator) Subscribe(types ...string) *event.Subscription {
	return o.bus.Watch(types...)
}

// Connected reports whether the endpoint connection is up.
func (o *Orchestrator) Connected() bool {
	return o.controller.State() == session.Connected
}

// Projects returns project ids in the order they were added.
func (o *Orchestrator) Projects() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.order...)
}

func (o *Orchestrator) project(id string) (*project, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.projects[id]
	if !ok {
		return nil, errors.NewNotFoundError("project", id)
	}
	return p, nil
}

// AddProject opens a project: it resolves settings, starts watching its
// plan documents and restores its workflow stage.
func (o *Orchestrator) AddProject(ctx context.Context, pc config.ProjectConfig) error {
	if pc.Name == "" {
		return errors.NewValidationError("project name is required").WithField("name")
	}
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return errors.NewValidationError("orchestrator is stopped")
	}
	if _, ok := o.projects[pc.Name]; ok {
		o.mu.Unlock()
		return errors.NewValidationError(fmt.Sprintf("project %s already added", pc.Name)).WithField("name").WithValue(pc.Name)
	}
	o.mu.Unlock()

	settings, err := o.cfg.ResolveProject(pc)
	if err != nil {
		return err
	}
	p, err := o.openProject(ctx, settings)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.projects[pc.Name]; ok || o.stopped {
		go p.stop()
		return errors.NewValidationError(fmt.Sprintf("project %s already added", pc.Name)).WithField("name").WithValue(pc.Name)
	}
	o.projects[p.id] = p
	o.order = append(o.order, p.id)
	return nil
}

// RemoveProject stops supervising a project. Its sessions stay open.
func (o *Orchestrator) RemoveProject(id string) error {
	o.mu.Lock()
	p, ok := o.projects[id]
	if !ok {
		o.mu.Unlock()
		return errors.NewNotFoundError("project", id)
	}
	delete(o.projects, id)
	for i, pid := range o.order {
		if pid == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	p.stop()
	return nil
}

// Session commands

// SpawnSession opens the named template for a project. A template bound to
// a layout applies the layout instead. Sessions created before a failure
// are returned alongside the error.
func (o *Orchestrator) SpawnSession(ctx context.Context, projectID, templateName string) ([]session.ManagedSession, error) {
	p, err := o.project(projectID)
	if err != nil {
		return nil, err
	}
	tc, ok := p.settings.Templates[templateName]
	if !ok {
		return nil, errors.NewNotFoundError("template", templateName)
	}
	if tc.Layout != "" {
		res, err := o.ApplyLayout(ctx, projectID, tc.Layout)
		if res == nil {
			return nil, err
		}
		return res.Sessions, err
	}

	tmpl, err := template(p.settings, templateName)
	if err != nil {
		return nil, err
	}
	ms, err := o.controller.Spawn(ctx, projectID, tmpl)
	if err != nil {
		return nil, err
	}
	o.track(p, *ms)
	return []session.ManagedSession{*ms}, nil
}

// ApplyLayout builds the named layout for a project.
func (o *Orchestrator) ApplyLayout(ctx context.Context, projectID, layoutName string) (*session.LayoutResult, error) {
	p, err := o.project(projectID)
	if err != nil {
		return nil, err
	}
	l, err := layout(p.settings, layoutName)
	if err != nil {
		return nil, err
	}
	res, err := o.controller.ApplyLayout(ctx, projectID, l)
	if res != nil {
		for _, ms := range res.Sessions {
			o.track(p, ms)
		}
	}
	return res, err
}

// track starts monitoring a new session and announces it.
func (o *Orchestrator) track(p *project, ms session.ManagedSession) {
	o.bus.Publish(event.NewSessionCreatedEvent(p.id, ms.ID, ms.Template))
	o.monitor.Watch(p.ctx, ms.ID)
}

// CloseSession closes a session. The terminated event follows from the
// controller.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) error {
	return o.controller.CloseSession(ctx, sessionID)
}

// FocusSession marks a session as the one the user is looking at.
func (o *Orchestrator) FocusSession(sessionID string) error {
	return o.controller.Focus(sessionID)
}

// SendText types text into a session.
func (o *Orchestrator) SendText(ctx context.Context, sessionID, text string) error {
	return o.controller.SendText(ctx, sessionID, text)
}

// Controller hooks. These run on controller goroutines and must not call
// back into mutating controller methods.

func (o *Orchestrator) connectionChanged(connected bool, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if connected {
		o.logger.Info("endpoint connected")
	} else {
		o.logger.Warn("endpoint disconnected", "error", msg)
	}
	o.bus.Publish(event.NewConnectionChangedEvent(connected, msg))
}

func (o *Orchestrator) sessionTerminated(ms session.ManagedSession) {
	o.monitor.Unwatch(ms.ID)
	o.bus.Publish(event.NewSessionTerminatedEvent(ms.ProjectID, ms.ID))
}

func (o *Orchestrator) sessionFocused(ms session.ManagedSession) {
	o.bus.Publish(event.NewSessionFocusedEvent(ms.ProjectID, ms.ID))
}

func (o *Orchestrator) attentionChanged(c attention.Change) {
	if !o.controller.SetAttention(c.SessionID, c.To, c.LastLine) {
		return
	}
	ms, ok := o.controller.Session(c.SessionID)
	if !ok {
		return
	}
	o.bus.Publish(event.NewAttentionChangedEvent(ms.ProjectID, c.SessionID, c.From.String(), c.To.String(), c.LastLine))
}
