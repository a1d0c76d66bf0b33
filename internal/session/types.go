package session

import (
	"time"

	"github.com/Iron-Ham/controlroom/internal/attention"
	"github.com/Iron-Ham/controlroom/internal/endpoint"
)

// ConnState is the state of the endpoint connection.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Template describes a single-pane session.
type Template struct {
	Name    string
	Title   string
	Command string
	Dir     string
}

func (t Template) spawn() endpoint.Spawn {
	title := t.Title
	if title == "" {
		title = t.Name
	}
	return endpoint.Spawn{Title: title, Command: t.Command, Dir: t.Dir}
}

// Pane is one pane of a tab. Split is ignored for a tab's first pane.
type Pane struct {
	Template Template
	Split    endpoint.Split
}

// TabLayout is a tab whose first pane is created with the tab and whose
// later panes are each split from the pane before them.
type TabLayout struct {
	Title string
	Panes []Pane
}

// WindowLayout is a window of tabs.
type WindowLayout struct {
	Title string
	Tabs  []TabLayout
}

// SessionLayout is a grid of windows, tabs and panes.
type SessionLayout struct {
	Name    string
	Windows []WindowLayout
}

// PaneCount returns the number of sessions the layout creates.
func (l SessionLayout) PaneCount() int {
	n := 0
	for _, w := range l.Windows {
		for _, t := range w.Tabs {
			n += len(t.Panes)
		}
	}
	return n
}

// ManagedSession is a session the controller created and tracks. Values
// returned by the controller are copies.
type ManagedSession struct {
	ID        string
	ProjectID string
	Template  string
	Title     string
	WindowID  string
	TabID     string
	Attention attention.State
	LastLine  string
	CreatedAt time.Time
	FocusedAt time.Time
}

// LayoutResult lists the sessions a layout created, in creation order.
// It is returned alongside errors too, so callers can clean up.
type LayoutResult struct {
	Layout   string
	Sessions []ManagedSession
}

// IDs returns the created session ids in creation order.
func (r *LayoutResult) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, len(r.Sessions))
	for i, s := range r.Sessions {
		ids[i] = s.ID
	}
	return ids
}
