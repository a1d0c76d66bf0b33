package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Iron-Ham/controlroom/internal/errors"
	"github.com/Iron-Ham/controlroom/internal/logging"
)

// notificationBuffer bounds how far notifications may run ahead of the
// reader before the read loop waits.
const notificationBuffer = 256

// WebsocketDialer connects to a scripting endpoint over a websocket.
type WebsocketDialer struct {
	// URL is the websocket URL, for example ws://127.0.0.1:7420/control.
	URL string
	// UnixSocket, when set, is dialed instead of the URL's host. The URL
	// still supplies the request path.
	UnixSocket string
	Timeout    time.Duration
	Logger     *logging.Logger
}

// Dial opens a connection.
func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	opts := &websocket.DialOptions{}
	if d.UnixSocket != "" {
		socket := d.UnixSocket
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var nd net.Dialer
					return nd.DialContext(ctx, "unix", socket)
				},
			},
		}
	}

	ws, _, err := websocket.Dial(ctx, d.URL, opts)
	if err != nil {
		return nil, errors.NewSessionError("dial scripting endpoint", fmt.Errorf("%w: %v", errors.ErrDisconnected, err)).
			WithRetryable(true)
	}

	logger := d.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return newWebsocketConn(ws, logger), nil
}

// websocketConn correlates requests with responses by id and fans
// notifications out on a channel.
type websocketConn struct {
	ws     *websocket.Conn
	logger *logging.Logger
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Message

	notes chan Notification

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func newWebsocketConn(ws *websocket.Conn, logger *logging.Logger) *websocketConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &websocketConn{
		ws:      ws,
		logger:  logger.WithComponent("endpoint"),
		pending: make(map[uint64]chan Message),
		notes:   make(chan Notification, notificationBuffer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	// Screens can be large.
	ws.SetReadLimit(8 << 20)
	go c.readLoop()
	return c
}

func (c *websocketConn) readLoop() {
	defer close(c.notes)
	for {
		var msg Message
		if err := wsjson.Read(c.ctx, c.ws, &msg); err != nil {
			c.fail(err)
			return
		}

		if msg.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			} else {
				c.logger.Debug("response for unknown request", "id", *msg.ID)
			}
			continue
		}

		n, ok := ParseNotification(msg)
		if !ok {
			c.logger.Debug("ignoring unexpected message", "method", msg.Method)
			continue
		}
		select {
		case c.notes <- n:
		case <-c.done:
			return
		}
	}
}

// fail ends the connection once, recording why.
func (c *websocketConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.cancel()
		_ = c.ws.Close(websocket.StatusGoingAway, "connection lost")
		c.logger.Info("scripting endpoint connection ended", "error", err)
	})
}

func (c *websocketConn) call(ctx context.Context, method string, params any, result any) error {
	select {
	case <-c.done:
		return errors.Disconnected(method)
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, c.ws, Request{ID: id, Method: method, Params: params}); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.fail(err)
		return errors.Disconnected(method)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return mapRPCError(method, params, msg.Error)
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		return errors.Disconnected(method)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mapRPCError turns an error response into the control room's error types.
func mapRPCError(method string, params any, e *RPCError) error {
	if e.Code == CodeNotFound {
		return errors.SessionNotFound(method, sessionIDOf(params))
	}
	return errors.NewSessionError(method+" failed", e).WithSessionID(sessionIDOf(params))
}

func sessionIDOf(params any) string {
	switch p := params.(type) {
	case SessionParams:
		return p.SessionID
	case SendTextParams:
		return p.SessionID
	case SplitPaneParams:
		return p.SessionID
	}
	return ""
}

func (c *websocketConn) create(ctx context.Context, method string, params any) (SessionInfo, error) {
	var info SessionInfo
	if err := c.call(ctx, method, params, &info); err != nil {
		return SessionInfo{}, err
	}
	if info.SessionID == "" {
		return SessionInfo{}, errors.NewSessionError(method+" returned no session id", nil)
	}
	return info, nil
}

func (c *websocketConn) CreateWindow(ctx context.Context, spawn Spawn) (SessionInfo, error) {
	return c.create(ctx, MethodCreateWindow, CreateWindowParams{Spawn: spawn})
}

func (c *websocketConn) CreateTab(ctx context.Context, windowID string, spawn Spawn) (SessionInfo, error) {
	return c.create(ctx, MethodCreateTab, CreateTabParams{WindowID: windowID, Spawn: spawn})
}

func (c *websocketConn) SplitPane(ctx context.Context, sessionID string, dir Split, spawn Spawn) (SessionInfo, error) {
	return c.create(ctx, MethodSplitPane, SplitPaneParams{SessionID: sessionID, Direction: dir, Spawn: spawn})
}

func (c *websocketConn) SendText(ctx context.Context, sessionID, text string) error {
	return c.call(ctx, MethodSendText, SendTextParams{SessionID: sessionID, Text: text}, nil)
}

func (c *websocketConn) CloseSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, MethodCloseSession, SessionParams{SessionID: sessionID}, nil)
}

func (c *websocketConn) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var res ListSessionsResult
	if err := c.call(ctx, MethodListSessions, nil, &res); err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

func (c *websocketConn) GetScreen(ctx context.Context, sessionID string) (string, error) {
	var res ScreenResult
	if err := c.call(ctx, MethodGetScreen, SessionParams{SessionID: sessionID}, &res); err != nil {
		return "", err
	}
	return res.Text, nil
}

func (c *websocketConn) Notifications() <-chan Notification { return c.notes }

func (c *websocketConn) Done() <-chan struct{} { return c.done }

func (c *websocketConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *websocketConn) Close() error {
	c.fail(errors.New("closed by client"))
	return nil
}
