package event

import (
	"time"

	"github.com/Iron-Ham/controlroom/internal/plan"
)

// Event types published by the control room.
const (
	TypePlanChanged       = "plan.changed"
	TypePlanError         = "plan.error"
	TypeTestPlanChanged   = "test_plan.changed"
	TypeEditFailed        = "edit.failed"
	TypeStageChanged      = "workflow.stage_changed"
	TypeDispatch          = "workflow.dispatch"
	TypeSessionCreated    = "session.created"
	TypeSessionTerminated = "session.terminated"
	TypeSessionFocused    = "session.focused"
	TypeAttentionChanged  = "attention.changed"
	TypeConnectionChanged = "connection.changed"
	TypeGitHubStatus      = "github.status"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier.
	EventType() string
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Plan Events
// -----------------------------------------------------------------------------

// PlanChangedEvent is emitted when a project's plan is reloaded or edited.
type PlanChangedEvent struct {
	baseEvent
	ProjectID string
	Path      string
	Hash      string
	Changes   []plan.TaskChange
	Progress  plan.Progress
	External  bool // true when the change came from outside the control room
}

// NewPlanChangedEvent creates a PlanChangedEvent.
func NewPlanChangedEvent(projectID string, p *plan.Plan, changes []plan.TaskChange, external bool) PlanChangedEvent {
	return PlanChangedEvent{
		baseEvent: newBaseEvent(TypePlanChanged),
		ProjectID: projectID,
		Path:      p.Path,
		Hash:      p.Hash,
		Changes:   changes,
		Progress:  p.Progress(),
		External:  external,
	}
}

// TestPlanChangedEvent is emitted when a project's test plan changes.
type TestPlanChangedEvent struct {
	baseEvent
	ProjectID string
	Path      string
	Hash      string
	AllPassed bool
}

// NewTestPlanChangedEvent creates a TestPlanChangedEvent.
func NewTestPlanChangedEvent(projectID string, tp *plan.TestPlan) TestPlanChangedEvent {
	return TestPlanChangedEvent{
		baseEvent: newBaseEvent(TypeTestPlanChanged),
		ProjectID: projectID,
		Path:      tp.Path,
		Hash:      tp.Hash,
		AllPassed: tp.AllPassed(),
	}
}

// PlanErrorEvent is emitted when a plan document cannot be read or parsed.
// The project keeps its last good plan.
type PlanErrorEvent struct {
	baseEvent
	ProjectID string
	Path      string
	Err       error
}

// NewPlanErrorEvent creates a PlanErrorEvent.
func NewPlanErrorEvent(projectID, path string, err error) PlanErrorEvent {
	return PlanErrorEvent{
		baseEvent: newBaseEvent(TypePlanError),
		ProjectID: projectID,
		Path:      path,
		Err:       err,
	}
}

// EditFailedEvent is emitted when a status edit requested through the
// control room could not be applied.
type EditFailedEvent struct {
	baseEvent
	ProjectID string
	Path      string
	ItemID    string
	Err       error
}

// NewEditFailedEvent creates an EditFailedEvent.
func NewEditFailedEvent(projectID, path, itemID string, err error) EditFailedEvent {
	return EditFailedEvent{
		baseEvent: newBaseEvent(TypeEditFailed),
		ProjectID: projectID,
		Path:      path,
		ItemID:    itemID,
		Err:       err,
	}
}

// -----------------------------------------------------------------------------
// Workflow Events
// -----------------------------------------------------------------------------

// StageChangedEvent is emitted on every workflow transition.
type StageChangedEvent struct {
	baseEvent
	ProjectID string
	From      string
	To        string
	Reason    string // manual, override, auto or restore
}

// NewStageChangedEvent creates a StageChangedEvent.
func NewStageChangedEvent(projectID, from, to, reason string) StageChangedEvent {
	return StageChangedEvent{
		baseEvent: newBaseEvent(TypeStageChanged),
		ProjectID: projectID,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// DispatchEvent reports a stage command being parked, sent, failed or
// discarded.
type DispatchEvent struct {
	baseEvent
	ProjectID  string
	DispatchID string
	Stage      string
	Command    string
	SessionID  string
	Status     string
	Error      string
}

// NewDispatchEvent creates a DispatchEvent.
func NewDispatchEvent(projectID, dispatchID, stage, command, sessionID, status, errMsg string) DispatchEvent {
	return DispatchEvent{
		baseEvent:  newBaseEvent(TypeDispatch),
		ProjectID:  projectID,
		DispatchID: dispatchID,
		Stage:      stage,
		Command:    command,
		SessionID:  sessionID,
		Status:     status,
		Error:      errMsg,
	}
}

// GitHubStatusEvent is emitted when a project's pull request status is
// updated from outside.
type GitHubStatusEvent struct {
	baseEvent
	ProjectID string
	State     string
	Number    int
	URL       string
}

// NewGitHubStatusEvent creates a GitHubStatusEvent.
func NewGitHubStatusEvent(projectID, state string, number int, url string) GitHubStatusEvent {
	return GitHubStatusEvent{
		baseEvent: newBaseEvent(TypeGitHubStatus),
		ProjectID: projectID,
		State:     state,
		Number:    number,
		URL:       url,
	}
}

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// SessionCreatedEvent is emitted when a managed session is created.
type SessionCreatedEvent struct {
	baseEvent
	ProjectID string
	SessionID string
	Template  string
}

// NewSessionCreatedEvent creates a SessionCreatedEvent.
func NewSessionCreatedEvent(projectID, sessionID, template string) SessionCreatedEvent {
	return SessionCreatedEvent{
		baseEvent: newBaseEvent(TypeSessionCreated),
		ProjectID: projectID,
		SessionID: sessionID,
		Template:  template,
	}
}

// SessionTerminatedEvent is emitted when a managed session ends, whether it
// was closed by the control room or disappeared on the endpoint.
type SessionTerminatedEvent struct {
	baseEvent
	ProjectID string
	SessionID string
}

// NewSessionTerminatedEvent creates a SessionTerminatedEvent.
func NewSessionTerminatedEvent(projectID, sessionID string) SessionTerminatedEvent {
	return SessionTerminatedEvent{
		baseEvent: newBaseEvent(TypeSessionTerminated),
		ProjectID: projectID,
		SessionID: sessionID,
	}
}

// SessionFocusedEvent is emitted when a session gains focus.
type SessionFocusedEvent struct {
	baseEvent
	ProjectID string
	SessionID string
}

// NewSessionFocusedEvent creates a SessionFocusedEvent.
func NewSessionFocusedEvent(projectID, sessionID string) SessionFocusedEvent {
	return SessionFocusedEvent{
		baseEvent: newBaseEvent(TypeSessionFocused),
		ProjectID: projectID,
		SessionID: sessionID,
	}
}

// AttentionChangedEvent is emitted when a session's attention state changes.
type AttentionChangedEvent struct {
	baseEvent
	ProjectID string
	SessionID string
	From      string
	To        string
	LastLine  string
}

// NewAttentionChangedEvent creates an AttentionChangedEvent.
func NewAttentionChangedEvent(projectID, sessionID, from, to, lastLine string) AttentionChangedEvent {
	return AttentionChangedEvent{
		baseEvent: newBaseEvent(TypeAttentionChanged),
		ProjectID: projectID,
		SessionID: sessionID,
		From:      from,
		To:        to,
		LastLine:  lastLine,
	}
}

// ConnectionChangedEvent is emitted when the scripting endpoint connection
// is lost or re-established.
type ConnectionChangedEvent struct {
	baseEvent
	Connected bool
	Error     string
}

// NewConnectionChangedEvent creates a ConnectionChangedEvent.
func NewConnectionChangedEvent(connected bool, errMsg string) ConnectionChangedEvent {
	return ConnectionChangedEvent{
		baseEvent: newBaseEvent(TypeConnectionChanged),
		Connected: connected,
		Error:     errMsg,
	}
}
