package endpoint

import "context"

// Conn is a live connection to a terminal scripting endpoint.
//
// Every method that talks to the endpoint returns a SessionError wrapping
// ErrDisconnected when the connection is lost before the answer arrives,
// and one wrapping ErrSessionNotFound when the endpoint does not know the
// session. Conn implementations are safe for concurrent use.
type Conn interface {
	CreateWindow(ctx context.Context, spawn Spawn) (SessionInfo, error)
	CreateTab(ctx context.Context, windowID string, spawn Spawn) (SessionInfo, error)
	SplitPane(ctx context.Context, sessionID string, dir Split, spawn Spawn) (SessionInfo, error)
	SendText(ctx context.Context, sessionID, text string) error
	CloseSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	GetScreen(ctx context.Context, sessionID string) (string, error)

	// Notifications delivers endpoint pushes in arrival order. It is closed
	// when the connection ends.
	Notifications() <-chan Notification
	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}
	// Err reports why the connection ended, or nil while it is open.
	Err() error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
