// Package event provides the pub-sub bus the control room uses to report
// plan, workflow, session and connection activity to its observers.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Thread-safe dispatcher with synchronous handlers and channel subscriptions
//   - [Subscription]: Ordered, non-blocking channel of events returned by [Bus.Watch]
//
// # Event Categories
//
// Plan:
//   - [PlanChangedEvent], [TestPlanChangedEvent], [PlanErrorEvent], [EditFailedEvent]
//
// Workflow:
//   - [StageChangedEvent], [DispatchEvent], [GitHubStatusEvent]
//
// Sessions:
//   - [SessionCreatedEvent], [SessionTerminatedEvent], [SessionFocusedEvent],
//     [AttentionChangedEvent], [ConnectionChangedEvent]
//
// # Basic Usage
//
//	bus := event.NewBus(logger)
//
//	sub := bus.Watch(event.TypeStageChanged, "session.*")
//	defer sub.Close()
//	for e := range sub.C() {
//	    switch ev := e.(type) {
//	    case event.StageChangedEvent:
//	        fmt.Println(ev.ProjectID, ev.From, "->", ev.To)
//	    }
//	}
//
// Handlers registered with [Bus.Subscribe] run inside Publish and must not
// block. Watch channels buffer without bound, so a slow reader delays only
// itself.
//
// # Event Type Naming Convention
//
// Event types follow the pattern "category.action", for example
// plan.changed, workflow.stage_changed and session.terminated.
package event
