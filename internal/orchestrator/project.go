package orchestrator

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/Iron-Ham/controlroom/internal/config"
	"github.com/Iron-Ham/controlroom/internal/errors"
	"github.com/Iron-Ham/controlroom/internal/event"
	"github.com/Iron-Ham/controlroom/internal/logging"
	"github.com/Iron-Ham/controlroom/internal/plan"
	"github.com/Iron-Ham/controlroom/internal/plan/watcher"
	"github.com/Iron-Ham/controlroom/internal/plan/writequeue"
	"github.com/Iron-Ham/controlroom/internal/session"
	"github.com/Iron-Ham/controlroom/internal/workflow"
)

// project is the per-project state the orchestrator keeps.
type project struct {
	id       string
	settings *config.ProjectSettings
	logger   *logging.Logger
	bus      *event.Bus
	queue    *writequeue.Queue
	machine  *workflow.Machine

	watchOpts watcher.Options
	locate    func() string

	// planPath and testPath are empty until the document exists. They and
	// the watch handles are set once, under mu.
	planPath  string
	testPath  string
	planWatch *watcher.Handle[*plan.Plan]
	testWatch *watcher.Handle[*plan.TestPlan]

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	plan     *plan.Plan
	testPlan *plan.TestPlan
	planErr  error
	github   *workflow.GitHubStatus

	// evalMu orders machine evaluation the same way state updates are
	// ordered under mu.
	evalMu sync.Mutex
}

func (o *Orchestrator) openProject(ctx context.Context, s *config.ProjectSettings) (*project, error) {
	logger := o.logger.WithProject(s.Name)
	p := &project{
		id:       s.Name,
		settings: s,
		logger:   logger,
		bus:      o.bus,
		queue:    o.queue,
	}
	p.ctx, p.cancel = context.WithCancel(o.ctx)

	mopts := []workflow.Option{
		workflow.WithDispatcher(o.controller),
		workflow.WithLogger(logger),
		workflow.WithHooks(workflow.Hooks{
			OnTransition: p.transitioned,
			OnDispatch:   p.dispatched,
		}),
	}
	if o.journal != nil {
		mopts = append(mopts, workflow.WithJournal(o.journal))
	}
	p.machine = workflow.New(s.Name, autoMode(s.AutoMode), mopts...)
	if err := p.machine.Restore(ctx); err != nil {
		logger.Warn("failed to restore stage", "error", err)
	}

	p.watchOpts = watcher.Options{
		Debounce: o.cfg.Plan.Debounce(),
		Settle:   o.cfg.Plan.Settle(),
		Logger:   logger,
	}
	p.locate = func() string { return o.locatePlan(s) }

	if _, err := p.attachPlan(); err != nil {
		p.cancel()
		return nil, err
	}
	if _, err := p.attachTestPlan(); err != nil {
		p.stop()
		return nil, err
	}
	p.mu.Lock()
	if p.planWatch != nil {
		p.plan = p.planWatch.Current()
	}
	if p.testWatch != nil {
		p.testPlan = p.testWatch.Current()
	}
	p.mu.Unlock()
	if p.planPath == "" {
		logger.Warn("no plan document found", "dir", s.Dir)
	}
	if p.missingDocument() {
		go p.rescan(o.cfg.Plan.Rescan())
	}

	logger.Info("project opened",
		"plan", p.planPath,
		"test_plan", p.testPath,
		"stage", p.machine.State().Stage,
	)
	return p, nil
}

// attachPlan starts watching the plan document if it exists and is not
// watched yet. It reports whether a watcher was attached.
func (p *project) attachPlan() (bool, error) {
	p.mu.Lock()
	attached := p.planWatch != nil
	p.mu.Unlock()
	if attached {
		return false, nil
	}
	path := p.locate()
	if path == "" {
		return false, nil
	}

	opts := p.watchOpts
	opts.OnError = func(err error) { p.documentError(path, true, err) }
	h, err := watcher.Start(path, plan.Parse, func(next *plan.Plan) { p.applyPlan(next, true) }, opts)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		h.Stop()
		return false, p.ctx.Err()
	}
	p.planPath, p.planWatch = path, h
	p.mu.Unlock()
	return true, nil
}

// attachTestPlan is attachPlan for the configured test plan document.
func (p *project) attachTestPlan() (bool, error) {
	path := p.settings.TestPlanFile
	p.mu.Lock()
	attached := p.testWatch != nil
	p.mu.Unlock()
	if attached || path == "" || !fileExists(path) {
		return false, nil
	}

	opts := p.watchOpts
	opts.OnError = func(err error) { p.documentError(path, false, err) }
	h, err := watcher.Start(path, plan.ParseTestPlan, func(next *plan.TestPlan) { p.applyTestPlan(next, true) }, opts)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		h.Stop()
		return false, p.ctx.Err()
	}
	p.testPath, p.testWatch = path, h
	p.mu.Unlock()
	return true, nil
}

func (p *project) missingDocument() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.planWatch == nil || (p.settings.TestPlanFile != "" && p.testWatch == nil)
}

// rescan looks for plan documents that did not exist when the project was
// opened and starts watching them once they appear.
func (p *project) rescan(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		if ok, err := p.attachPlan(); err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Warn("failed to watch plan document", "error", err)
		} else if ok {
			p.logger.Info("plan document appeared", "path", p.planWatch.Path())
			p.applyPlan(p.planWatch.Current(), true)
		}

		if ok, err := p.attachTestPlan(); err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Warn("failed to watch test plan document", "error", err)
		} else if ok {
			p.logger.Info("test plan document appeared", "path", p.testWatch.Path())
			p.applyTestPlan(p.testWatch.Current(), true)
		}

		if !p.missingDocument() {
			return
		}
	}
}

// locatePlan returns the plan document path, or "" when there is none.
func (o *Orchestrator) locatePlan(s *config.ProjectSettings) string {
	path, err := LocatePlan(s, o.cfg.Plan.Discovery)
	if err != nil {
		o.logger.Warn("plan discovery failed", "dir", s.Dir, "error", err)
	}
	return path
}

// LocatePlan returns the configured plan file when it exists. Otherwise,
// unless the file was named explicitly, it discovers one with patterns.
// An empty path and nil error mean the project has no plan.
func LocatePlan(s *config.ProjectSettings, patterns []string) (string, error) {
	if fileExists(s.PlanFile) {
		return s.PlanFile, nil
	}
	if s.PlanExplicit {
		return "", nil
	}
	path, err := plan.Discover(s.Dir, patterns, s.TestPlanFile)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// stop cancels the project's monitors and stops its watchers.
func (p *project) stop() {
	p.cancel()
	p.mu.Lock()
	planWatch, testWatch := p.planWatch, p.testWatch
	p.mu.Unlock()
	if planWatch != nil {
		planWatch.Stop()
	}
	if testWatch != nil {
		testWatch.Stop()
	}
	p.logger.Info("project stopped")
}

// inputsLocked returns the workflow inputs. mu must be held.
func (p *project) inputsLocked() workflow.Inputs {
	return workflow.Inputs{Plan: p.plan, TestPlan: p.testPlan, GitHub: p.github}
}

// evaluate runs the machine on in. Callers take evalMu while still holding
// mu so evaluations happen in update order.
func (p *project) evaluate(in workflow.Inputs) {
	defer p.evalMu.Unlock()
	if t := p.machine.Evaluate(p.ctx, in); t != nil {
		p.logger.Info("stage auto-advanced", "from", t.From, "to", t.To)
	}
}

// applyPlan installs a new plan snapshot, announces it and re-evaluates the
// workflow. Self-written content that matches the current snapshot is not
// announced again.
func (p *project) applyPlan(next *plan.Plan, external bool) {
	p.mu.Lock()
	prev := p.plan
	if !external && p.planErr == nil && prev != nil && prev.Hash == next.Hash {
		p.mu.Unlock()
		return
	}
	p.plan = next
	p.planErr = nil
	p.bus.Publish(event.NewPlanChangedEvent(p.id, next, plan.Diff(prev, next), external))
	in := p.inputsLocked()
	p.evalMu.Lock()
	p.mu.Unlock()

	p.evaluate(in)
}

func (p *project) applyTestPlan(next *plan.TestPlan, external bool) {
	p.mu.Lock()
	prev := p.testPlan
	if !external && prev != nil && prev.Hash == next.Hash {
		p.mu.Unlock()
		return
	}
	p.testPlan = next
	p.bus.Publish(event.NewTestPlanChangedEvent(p.id, next))
	in := p.inputsLocked()
	p.evalMu.Lock()
	p.mu.Unlock()

	p.evaluate(in)
}

// documentError records a read or parse failure. The last good snapshot
// stays in place.
func (p *project) documentError(path string, isPlan bool, err error) {
	if isPlan {
		p.mu.Lock()
		p.planErr = err
		p.mu.Unlock()
	}
	p.bus.Publish(event.NewPlanErrorEvent(p.id, path, err))
}

func (p *project) transitioned(t workflow.Transition) {
	p.bus.Publish(event.NewStageChangedEvent(p.id, string(t.From), string(t.To), string(t.Reason)))
}

func (p *project) dispatched(r workflow.DispatchResult) {
	msg := ""
	if r.Err != nil {
		msg = r.Err.Error()
	}
	d := r.Dispatch
	p.bus.Publish(event.NewDispatchEvent(p.id, d.ID, string(d.Stage), d.Command, d.SessionID, string(r.Status), msg))
}

// expecter opens a self-write window on a watched document.
type expecter interface {
	ExpectWrite() *watcher.Window
}

// write runs op through the queue inside a self-write window. apply sees
// the resulting document before the window ends, so the watcher cannot
// deliver a later external change ahead of it. Cancelling ctx abandons the
// wait; the write and apply still complete.
func (p *project) write(ctx context.Context, path string, w expecter, op writequeue.Op, apply func([]byte) error) error {
	win := w.ExpectWrite()
	fut := p.queue.Enqueue(path, op)

	finish := func() error {
		data, err := fut.Result()
		if err == nil {
			err = apply(data)
		}
		if err != nil {
			win.End("")
			return err
		}
		if !fut.Written() {
			// No write means no echo; a later identical save is external.
			win.End("")
			return nil
		}
		win.End(plan.HashBytes(data))
		return nil
	}

	select {
	case <-fut.Done():
		return finish()
	case <-ctx.Done():
		go func() {
			if err := finish(); err != nil {
				p.logger.Warn("abandoned edit failed", "path", path, "error", err)
			}
		}()
		return ctx.Err()
	}
}

// editPlan applies edit to the plan document. A document that no longer
// parses is left untouched.
func (p *project) editPlan(ctx context.Context, itemID string, edit func([]byte) ([]byte, error)) (*plan.Plan, error) {
	p.mu.Lock()
	path, watch := p.planPath, p.planWatch
	p.mu.Unlock()
	if watch == nil {
		err := errors.NewNotFoundError("plan", p.settings.Dir)
		p.bus.Publish(event.NewEditFailedEvent(p.id, "", itemID, err))
		return nil, err
	}

	var next *plan.Plan
	err := p.write(ctx, path, watch,
		func(current []byte) ([]byte, error) {
			if _, err := plan.Parse(path, current); err != nil {
				return nil, err
			}
			return edit(current)
		},
		func(data []byte) error {
			parsed, err := plan.Parse(path, data)
			if err != nil {
				return err
			}
			next = parsed
			p.applyPlan(parsed, false)
			return nil
		},
	)
	if err != nil {
		p.logger.Warn("plan edit failed", "item", itemID, "error", err)
		p.bus.Publish(event.NewEditFailedEvent(p.id, path, itemID, err))
		return nil, err
	}
	return next, nil
}

func (p *project) editTestPlan(ctx context.Context, stepID string, edit func([]byte) ([]byte, error)) (*plan.TestPlan, error) {
	p.mu.Lock()
	path, watch := p.testPath, p.testWatch
	p.mu.Unlock()
	if watch == nil {
		err := errors.NewNotFoundError("test plan", p.settings.Dir)
		p.bus.Publish(event.NewEditFailedEvent(p.id, "", stepID, err))
		return nil, err
	}

	var next *plan.TestPlan
	err := p.write(ctx, path, watch,
		func(current []byte) ([]byte, error) {
			if _, err := plan.ParseTestPlan(path, current); err != nil {
				return nil, err
			}
			return edit(current)
		},
		func(data []byte) error {
			parsed, err := plan.ParseTestPlan(path, data)
			if err != nil {
				return err
			}
			next = parsed
			p.applyTestPlan(parsed, false)
			return nil
		},
	)
	if err != nil {
		p.logger.Warn("test plan edit failed", "item", stepID, "error", err)
		p.bus.Publish(event.NewEditFailedEvent(p.id, path, stepID, err))
		return nil, err
	}
	return next, nil
}

// Snapshot is a point-in-time view of one project.
type Snapshot struct {
	ID           string
	Dir          string
	PlanPath     string
	TestPlanPath string
	Plan         *plan.Plan
	TestPlan     *plan.TestPlan
	// PlanError is the most recent read or parse failure of the plan. Plan
	// still holds the last good snapshot.
	PlanError error
	Workflow  workflow.State
	AutoMode  workflow.AutoModeConfig
	GitHub    *workflow.GitHubStatus
	Sessions  []session.ManagedSession
	// Stale is set while the endpoint connection is down; session details
	// may be out of date.
	Stale bool
}

// Snapshot returns the current view of a project.
func (o *Orchestrator) Snapshot(projectID string) (Snapshot, error) {
	p, err := o.project(projectID)
	if err != nil {
		return Snapshot{}, err
	}

	p.mu.Lock()
	snap := Snapshot{
		ID:           p.id,
		Dir:          p.settings.Dir,
		PlanPath:     p.planPath,
		TestPlanPath: p.testPath,
		Plan:         p.plan,
		TestPlan:     p.testPlan,
		PlanError:    p.planErr,
	}
	if p.github != nil {
		gh := *p.github
		snap.GitHub = &gh
	}
	p.mu.Unlock()

	snap.Workflow = p.machine.State()
	snap.AutoMode = p.machine.Config()
	snap.Sessions = o.controller.Sessions(projectID)
	snap.Stale = !o.Connected()
	return snap, nil
}

// Plan commands

// SetTaskStatus sets a task's status in the project's plan document.
func (o *Orchestrator) SetTaskStatus(ctx context.Context, projectID, taskID string, status plan.TaskStatus) (*plan.Plan, error) {
	p, err := o.project(projectID)
	if err != nil {
		return nil, err
	}
	return p.editPlan(ctx, taskID, func(current []byte) ([]byte, error) {
		return plan.SetTaskStatus(current, taskID, status)
	})
}

// ToggleTaskStatus advances a task along the toggle cycle.
func (o *Orchestrator) ToggleTaskStatus(ctx context.Context, projectID, taskID string) (*plan.Plan, error) {
	p, err := o.project(projectID)
	if err != nil {
		return nil, err
	}
	return p.editPlan(ctx, taskID, func(current []byte) ([]byte, error) {
		return plan.ToggleTaskStatus(current, taskID)
	})
}

// SetStepStatus sets a test step's status in the project's test plan.
func (o *Orchestrator) SetStepStatus(ctx context.Context, projectID, stepID string, status plan.StepStatus) (*plan.TestPlan, error) {
	p, err := o.project(projectID)
	if err != nil {
		return nil, err
	}
	return p.editTestPlan(ctx, stepID, func(current []byte) ([]byte, error) {
		return plan.SetStepStatus(current, stepID, status)
	})
}

// Workflow commands

// AdvanceStage moves a project to its next stage.
func (o *Orchestrator) AdvanceStage(ctx context.Context, projectID string) (*workflow.Transition, error) {
	p, err := o.project(projectID)
	if err != nil {
		return nil, err
	}
	return p.machine.Advance(ctx)
}

// SetStage moves a project to any stage.
func (o *Orchestrator) SetStage(ctx context.Context, projectID string, stage workflow.Stage) (*workflow.Transition, error) {
	p, err := o.project(projectID)
	if err != nil {
		return nil, err
	}
	return p.machine.SetStage(ctx, stage)
}

// UpdateAutoMode replaces a project's automation policy.
func (o *Orchestrator) UpdateAutoMode(projectID string, cfg workflow.AutoModeConfig) error {
	p, err := o.project(projectID)
	if err != nil {
		return err
	}
	for stage := range cfg.Commands {
		if !stage.Valid() {
			return errors.NewValidationError("unknown stage in commands").WithField("commands").WithValue(string(stage))
		}
	}
	for stage := range cfg.StagePhases {
		if !stage.Valid() {
			return errors.NewValidationError("unknown stage in stage_phases").WithField("stage_phases").WithValue(string(stage))
		}
	}
	p.machine.UpdateConfig(cfg)
	return nil
}

// ConfirmDispatch sends a project's pending dispatch.
func (o *Orchestrator) ConfirmDispatch(ctx context.Context, projectID string) error {
	p, err := o.project(projectID)
	if err != nil {
		return err
	}
	return p.machine.Confirm(ctx)
}

// DiscardDispatch drops a project's pending dispatch. It reports whether
// one was pending.
func (o *Orchestrator) DiscardDispatch(projectID string) (bool, error) {
	p, err := o.project(projectID)
	if err != nil {
		return false, err
	}
	return p.machine.Discard(), nil
}

// SetGitHubStatus records a project's pull request status and re-evaluates
// its workflow. A nil status clears it.
func (o *Orchestrator) SetGitHubStatus(ctx context.Context, projectID string, status *workflow.GitHubStatus) error {
	p, err := o.project(projectID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if status != nil {
		gh := *status
		p.github = &gh
		p.bus.Publish(event.NewGitHubStatusEvent(p.id, string(gh.State), gh.Number, gh.URL))
	} else {
		p.github = nil
		p.bus.Publish(event.NewGitHubStatusEvent(p.id, string(workflow.PRNone), 0, ""))
	}
	in := p.inputsLocked()
	p.evalMu.Lock()
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		p.evalMu.Unlock()
		return err
	}
	p.evaluate(in)
	return nil
}
