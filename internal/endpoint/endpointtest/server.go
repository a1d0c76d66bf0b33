// Package endpointtest provides a scripting endpoint for tests. A Server
// keeps an in-memory set of sessions and answers the protocol either over a
// real websocket (it is an http.Handler) or through an in-process Dialer.
package endpointtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Iron-Ham/controlroom/internal/endpoint"
	"github.com/Iron-Ham/controlroom/internal/errors"
)

type session struct {
	info   endpoint.SessionInfo
	screen string
	sent   []string
}

// peer is one connected client, in-process or websocket.
type peer interface {
	notify(n endpoint.Notification)
	drop()
}

// Server is a fake scripting endpoint.
type Server struct {
	mu       sync.Mutex
	sessions map[string]*session
	nextID   int
	peers    map[peer]struct{}
	calls    []string
	dials    int
	refuse   bool
	failNext map[string]string
	dropNext map[string]bool
}

// NewServer creates an empty endpoint.
func NewServer() *Server {
	return &Server{
		sessions: make(map[string]*session),
		peers:    make(map[peer]struct{}),
		failNext: make(map[string]string),
		dropNext: make(map[string]bool),
	}
}

// AddSession creates a session directly, as if a user had opened it, and
// returns its id.
func (s *Server) AddSession(title, screen string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.newSessionLocked("", title)
	s.sessions[info.SessionID].screen = screen
	return info.SessionID
}

// SetScreen replaces a session's visible text.
func (s *Server) SetScreen(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.screen = text
	}
}

// Sent returns the text sent to a session.
func (s *Server) Sent(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return append([]string(nil), sess.sent...)
	}
	return nil
}

// Sessions lists live sessions ordered by id.
func (s *Server) Sessions() []endpoint.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

// Has reports whether a session is live.
func (s *Server) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Terminate ends a session and notifies connected clients.
func (s *Server) Terminate(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.Notify(endpoint.Notification{Kind: endpoint.NotifySessionTerminated, SessionID: id})
}

// RemoveQuietly ends a session without notifying clients, as if the
// notification had been lost.
func (s *Server) RemoveQuietly(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Focus notifies clients that a session gained focus.
func (s *Server) Focus(id string) {
	s.Notify(endpoint.Notification{Kind: endpoint.NotifyFocusChanged, SessionID: id})
}

// Notify pushes a notification to every connected client.
func (s *Server) Notify(n endpoint.Notification) {
	for _, p := range s.peerList() {
		p.notify(n)
	}
}

// DropConnections severs every open connection.
func (s *Server) DropConnections() {
	for _, p := range s.peerList() {
		p.drop()
	}
}

// RefuseDials makes in-process dials fail while refuse is true.
func (s *Server) RefuseDials(refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = refuse
}

// FailNext makes the next call of method answer with an error code.
func (s *Server) FailNext(method, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[method] = code
}

// DropOnNext makes the next call of method sever the connection instead of
// answering. The call is not executed.
func (s *Server) DropOnNext(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNext[method] = true
}

// Calls returns the methods received so far, in order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// DialCount returns how many connections were opened.
func (s *Server) DialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *Server) peerList() []peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Server) addPeer(p peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p] = struct{}{}
	s.dials++
}

func (s *Server) removePeer(p peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, p)
}

func (s *Server) newSessionLocked(windowID, title string) endpoint.SessionInfo {
	s.nextID++
	id := fmt.Sprintf("s%d", s.nextID)
	if windowID == "" {
		windowID = fmt.Sprintf("w%d", s.nextID)
	}
	info := endpoint.SessionInfo{
		SessionID: id,
		WindowID:  windowID,
		TabID:     fmt.Sprintf("t%d", s.nextID),
		Title:     title,
	}
	s.sessions[id] = &session{info: info}
	return info
}

func (s *Server) listLocked() []endpoint.SessionInfo {
	out := make([]endpoint.SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// handle executes one request. drop reports that the connection must be
// severed without an answer.
func (s *Server) handle(method string, raw json.RawMessage) (result any, rpcErr *endpoint.RPCError, drop bool, created *endpoint.SessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, method)
	if s.dropNext[method] {
		delete(s.dropNext, method)
		return nil, nil, true, nil
	}
	if code, ok := s.failNext[method]; ok {
		delete(s.failNext, method)
		return nil, &endpoint.RPCError{Code: code, Message: "injected failure"}, false, nil
	}

	notFound := func(id string) *endpoint.RPCError {
		return &endpoint.RPCError{Code: endpoint.CodeNotFound, Message: "no session " + id}
	}

	switch method {
	case endpoint.MethodCreateWindow:
		var p endpoint.CreateWindowParams
		_ = json.Unmarshal(raw, &p)
		info := s.newSessionLocked("", p.Title)
		return info, nil, false, &info

	case endpoint.MethodCreateTab:
		var p endpoint.CreateTabParams
		_ = json.Unmarshal(raw, &p)
		info := s.newSessionLocked(p.WindowID, p.Title)
		return info, nil, false, &info

	case endpoint.MethodSplitPane:
		var p endpoint.SplitPaneParams
		_ = json.Unmarshal(raw, &p)
		parent, ok := s.sessions[p.SessionID]
		if !ok {
			return nil, notFound(p.SessionID), false, nil
		}
		info := s.newSessionLocked(parent.info.WindowID, p.Title)
		info.TabID = parent.info.TabID
		s.sessions[info.SessionID].info = info
		return info, nil, false, &info

	case endpoint.MethodSendText:
		var p endpoint.SendTextParams
		_ = json.Unmarshal(raw, &p)
		sess, ok := s.sessions[p.SessionID]
		if !ok {
			return nil, notFound(p.SessionID), false, nil
		}
		sess.sent = append(sess.sent, p.Text)
		return struct{}{}, nil, false, nil

	case endpoint.MethodCloseSession:
		var p endpoint.SessionParams
		_ = json.Unmarshal(raw, &p)
		if _, ok := s.sessions[p.SessionID]; !ok {
			return nil, notFound(p.SessionID), false, nil
		}
		delete(s.sessions, p.SessionID)
		return struct{}{}, nil, false, nil

	case endpoint.MethodListSessions:
		return endpoint.ListSessionsResult{Sessions: s.listLocked()}, nil, false, nil

	case endpoint.MethodGetScreen:
		var p endpoint.SessionParams
		_ = json.Unmarshal(raw, &p)
		sess, ok := s.sessions[p.SessionID]
		if !ok {
			return nil, notFound(p.SessionID), false, nil
		}
		return endpoint.ScreenResult{Text: sess.screen}, nil, false, nil
	}

	return nil, &endpoint.RPCError{Code: endpoint.CodeInvalid, Message: "unknown method " + method}, false, nil
}

// ServeHTTP speaks the protocol over a websocket.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	p := &wsPeer{conn: conn, ctx: ctx, cancel: cancel}
	s.addPeer(p)
	defer s.removePeer(p)

	for {
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}

		result, rpcErr, drop, created := s.handle(req.Method, req.Params)
		if drop {
			p.drop()
			return
		}
		resp := map[string]any{"id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return
		}
		if created != nil {
			s.Notify(endpoint.Notification{Kind: endpoint.NotifySessionCreated, SessionID: created.SessionID, WindowID: created.WindowID, TabID: created.TabID})
		}
	}
}

type wsPeer struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *wsPeer) notify(n endpoint.Notification) {
	_ = wsjson.Write(p.ctx, p.conn, map[string]any{
		"method": endpoint.NotifyPrefix + n.Kind,
		"params": endpoint.SessionInfo{SessionID: n.SessionID, WindowID: n.WindowID, TabID: n.TabID},
	})
}

func (p *wsPeer) drop() {
	p.cancel()
	_ = p.conn.Close(websocket.StatusGoingAway, "dropped")
}

// Dialer returns an in-process dialer for the server.
func (s *Server) Dialer() endpoint.Dialer {
	return endpoint.DialerFunc(func(ctx context.Context) (endpoint.Conn, error) {
		s.mu.Lock()
		refuse := s.refuse
		s.mu.Unlock()
		if refuse {
			return nil, errors.Disconnected("dial")
		}
		c := &memConn{
			server: s,
			notes:  make(chan endpoint.Notification, 1024),
			done:   make(chan struct{}),
		}
		s.addPeer(c)
		return c, nil
	})
}

// memConn is an in-process endpoint.Conn.
type memConn struct {
	server *Server

	mu     sync.Mutex
	notes  chan endpoint.Notification
	done   chan struct{}
	closed bool
	err    error
}

func (c *memConn) notify(n endpoint.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.notes <- n:
	default:
	}
}

func (c *memConn) drop() {
	c.end(errors.ErrDisconnected)
}

func (c *memConn) end(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
	close(c.notes)
	c.mu.Unlock()
	c.server.removePeer(c)
}

func (c *memConn) call(ctx context.Context, method string, params any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return errors.Disconnected(method)
	default:
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	result, rpcErr, drop, created := c.server.handle(method, raw)
	if drop {
		c.drop()
		return errors.Disconnected(method)
	}
	if rpcErr != nil {
		var id string
		var sp endpoint.SessionParams
		if json.Unmarshal(raw, &sp) == nil {
			id = sp.SessionID
		}
		if rpcErr.Code == endpoint.CodeNotFound {
			return errors.SessionNotFound(method, id)
		}
		return errors.NewSessionError(method+" failed", rpcErr).WithSessionID(id)
	}
	if out != nil {
		b, _ := json.Marshal(result)
		if err := json.Unmarshal(b, out); err != nil {
			return err
		}
	}
	if created != nil {
		c.server.Notify(endpoint.Notification{Kind: endpoint.NotifySessionCreated, SessionID: created.SessionID, WindowID: created.WindowID, TabID: created.TabID})
	}
	return nil
}

func (c *memConn) CreateWindow(ctx context.Context, spawn endpoint.Spawn) (endpoint.SessionInfo, error) {
	var info endpoint.SessionInfo
	err := c.call(ctx, endpoint.MethodCreateWindow, endpoint.CreateWindowParams{Spawn: spawn}, &info)
	return info, err
}

func (c *memConn) CreateTab(ctx context.Context, windowID string, spawn endpoint.Spawn) (endpoint.SessionInfo, error) {
	var info endpoint.SessionInfo
	err := c.call(ctx, endpoint.MethodCreateTab, endpoint.CreateTabParams{WindowID: windowID, Spawn: spawn}, &info)
	return info, err
}

func (c *memConn) SplitPane(ctx context.Context, sessionID string, dir endpoint.Split, spawn endpoint.Spawn) (endpoint.SessionInfo, error) {
	var info endpoint.SessionInfo
	err := c.call(ctx, endpoint.MethodSplitPane, endpoint.SplitPaneParams{SessionID: sessionID, Direction: dir, Spawn: spawn}, &info)
	return info, err
}

func (c *memConn) SendText(ctx context.Context, sessionID, text string) error {
	return c.call(ctx, endpoint.MethodSendText, endpoint.SendTextParams{SessionID: sessionID, Text: text}, nil)
}

func (c *memConn) CloseSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, endpoint.MethodCloseSession, endpoint.SessionParams{SessionID: sessionID}, nil)
}

func (c *memConn) ListSessions(ctx context.Context) ([]endpoint.SessionInfo, error) {
	var res endpoint.ListSessionsResult
	if err := c.call(ctx, endpoint.MethodListSessions, nil, &res); err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

func (c *memConn) GetScreen(ctx context.Context, sessionID string) (string, error) {
	var res endpoint.ScreenResult
	if err := c.call(ctx, endpoint.MethodGetScreen, endpoint.SessionParams{SessionID: sessionID}, &res); err != nil {
		return "", err
	}
	return res.Text, nil
}

func (c *memConn) Notifications() <-chan endpoint.Notification { return c.notes }

func (c *memConn) Done() <-chan struct{} { return c.done }

func (c *memConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *memConn) Close() error {
	c.end(errors.New("closed by client"))
	return nil
}
