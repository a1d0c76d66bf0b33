// Package endpoint speaks the terminal scripting protocol.
//
// The protocol is JSON over a websocket. The control room sends requests
// and the terminal answers each one with a response carrying the same id.
// The terminal also pushes notifications, which have a method and no id.
//
//	-> {"id": 7, "method": "create_tab", "params": {"window_id": "w1", "command": "claude"}}
//	<- {"id": 7, "result": {"session_id": "s9", "window_id": "w1", "tab_id": "t3"}}
//	<- {"method": "notify.session.terminated", "params": {"session_id": "s4"}}
package endpoint

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request methods.
const (
	MethodCreateWindow = "create_window"
	MethodCreateTab    = "create_tab"
	MethodSplitPane    = "split_pane"
	MethodSendText     = "send_text"
	MethodCloseSession = "close_session"
	MethodListSessions = "list_sessions"
	MethodGetScreen    = "get_screen"
)

// Notification kinds, without the "notify." method prefix.
const (
	NotifySessionCreated    = "session.created"
	NotifySessionTerminated = "session.terminated"
	NotifyLayoutChanged     = "layout.changed"
	NotifyFocusChanged      = "focus.changed"
)

// NotifyPrefix starts the method of every notification.
const NotifyPrefix = "notify."

// Error codes carried in responses.
const (
	CodeNotFound = "not_found"
	CodeInvalid  = "invalid"
	CodeInternal = "internal"
)

// Request is a call from the control room.
type Request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Message is any frame received from the endpoint: a response when ID is
// set, a notification otherwise.
type Message struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is an error response.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Split is the direction of a pane split.
type Split string

const (
	SplitVertical   Split = "vertical"
	SplitHorizontal Split = "horizontal"
)

// Spawn describes the process a new session runs.
type Spawn struct {
	Title   string `json:"title,omitempty"`
	Command string `json:"command,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

// CreateWindowParams are the params of create_window.
type CreateWindowParams struct {
	Spawn
}

// CreateTabParams are the params of create_tab.
type CreateTabParams struct {
	WindowID string `json:"window_id"`
	Spawn
}

// SplitPaneParams are the params of split_pane.
type SplitPaneParams struct {
	SessionID string `json:"session_id"`
	Direction Split  `json:"direction"`
	Spawn
}

// SendTextParams are the params of send_text.
type SendTextParams struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// SessionParams identify a single session, for close_session and get_screen.
type SessionParams struct {
	SessionID string `json:"session_id"`
}

// SessionInfo describes a live session. It is the result of the create
// methods and an element of list_sessions.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	WindowID  string `json:"window_id,omitempty"`
	TabID     string `json:"tab_id,omitempty"`
	Title     string `json:"title,omitempty"`
}

// ListSessionsResult is the result of list_sessions.
type ListSessionsResult struct {
	Sessions []SessionInfo `json:"sessions"`
}

// ScreenResult is the result of get_screen.
type ScreenResult struct {
	Text string `json:"text"`
}

// Notification is a push from the endpoint.
type Notification struct {
	// Kind is the method with the "notify." prefix removed.
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	WindowID  string `json:"window_id,omitempty"`
	TabID     string `json:"tab_id,omitempty"`
}

// ParseNotification decodes a notification message. ok is false for
// messages that are not notifications.
func ParseNotification(m Message) (Notification, bool) {
	kind, found := strings.CutPrefix(m.Method, NotifyPrefix)
	if m.ID != nil || !found {
		return Notification{}, false
	}
	n := Notification{Kind: kind}
	if len(m.Params) > 0 {
		var info SessionInfo
		if err := json.Unmarshal(m.Params, &info); err == nil {
			n.SessionID = info.SessionID
			n.WindowID = info.WindowID
			n.TabID = info.TabID
		}
	}
	return n, true
}
