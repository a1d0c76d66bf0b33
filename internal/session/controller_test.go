package session

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/controlroom/internal/attention"
	"github.com/Iron-Ham/controlroom/internal/endpoint"
	"github.com/Iron-Ham/controlroom/internal/endpoint/endpointtest"
	"github.com/Iron-Ham/controlroom/internal/errors"
	"github.com/Iron-Ham/controlroom/internal/testutil"
)

var fastBackoff = Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond}

type hookLog struct {
	mu         sync.Mutex
	connected  []bool
	terminated []string
	focused    []string
}

func (h *hookLog) hooks() Hooks {
	return Hooks{
		OnConnectionChange: func(connected bool, _ error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.connected = append(h.connected, connected)
		},
		OnTerminated: func(s ManagedSession) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.terminated = append(h.terminated, s.ID)
		},
		OnFocus: func(s ManagedSession) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.focused = append(h.focused, s.ID)
		},
	}
}

func (h *hookLog) terminatedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.terminated...)
}

func (h *hookLog) connections() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.connected...)
}

func newConnected(t *testing.T, opts ...Option) (*Controller, *endpointtest.Server) {
	t.Helper()
	srv := endpointtest.NewServer()
	opts = append([]Option{WithBackoff(fastBackoff)}, opts...)
	c := NewController(srv.Dialer(), opts...)
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c, srv
}

func TestController_Spawn(t *testing.T) {
	c, srv := newConnected(t)
	ctx := context.Background()

	tmpl := Template{Name: "editor", Command: "vim", Dir: "/src"}
	s1, err := c.Spawn(ctx, "alpha", tmpl)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	s2, err := c.Spawn(ctx, "alpha", tmpl)
	if err != nil {
		t.Fatalf("second Spawn() error = %v", err)
	}
	if s1.ID == s2.ID {
		t.Error("each Spawn should create a new session")
	}
	if s1.ProjectID != "alpha" || s1.Template != "editor" || s1.Title != "editor" {
		t.Errorf("Spawn() = %+v", s1)
	}
	if !srv.Has(s1.ID) || !srv.Has(s2.ID) {
		t.Error("sessions should exist on the endpoint")
	}

	got := c.Sessions("alpha")
	if len(got) != 2 || got[0].ID != s1.ID || got[1].ID != s2.ID {
		t.Errorf("Sessions() = %+v", got)
	}
	if len(c.Sessions("beta")) != 0 {
		t.Error("Sessions(beta) should be empty")
	}
}

func TestController_SpawnFailure(t *testing.T) {
	c, srv := newConnected(t)

	srv.FailNext(endpoint.MethodCreateWindow, endpoint.CodeInternal)
	_, err := c.Spawn(context.Background(), "alpha", Template{Name: "shell"})
	if !errors.Is(err, errors.ErrSpawnFailed) {
		t.Fatalf("Spawn() error = %v, want SpawnFailure", err)
	}
	if errors.Is(err, errors.ErrDisconnected) {
		t.Error("endpoint error should not read as a disconnect")
	}
}

func TestController_DisconnectDuringSpawn(t *testing.T) {
	srv := endpointtest.NewServer()
	hooks := &hookLog{}
	c := NewController(srv.Dialer(), WithBackoff(fastBackoff), WithHooks(hooks.hooks()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	testutil.WaitFor(t, 2*time.Second, "controller should connect", func() bool {
		return c.State() == Connected
	})

	srv.DropOnNext(endpoint.MethodCreateWindow)
	_, err := c.Spawn(context.Background(), "alpha", Template{Name: "shell"})
	if !errors.Is(err, errors.ErrDisconnected) {
		t.Fatalf("Spawn() error = %v, want ErrDisconnected", err)
	}
	if errors.Is(err, errors.ErrSpawnFailed) {
		t.Error("a disconnect must not be reported as a SpawnFailure")
	}
	if !errors.IsRetryable(err) {
		t.Error("disconnect should be retryable")
	}

	testutil.WaitFor(t, 2*time.Second, "controller should reconnect", func() bool {
		return srv.DialCount() >= 2 && c.State() == Connected
	})

	s, err := c.Spawn(context.Background(), "alpha", Template{Name: "shell"})
	if err != nil {
		t.Fatalf("retried Spawn() error = %v", err)
	}
	if !srv.Has(s.ID) {
		t.Error("retried session should exist")
	}

	want := []bool{true, false, true}
	testutil.WaitFor(t, time.Second, "connection hooks", func() bool {
		return slices.Equal(hooks.connections(), want)
	})
}

func TestController_NotConnected(t *testing.T) {
	srv := endpointtest.NewServer()
	c := NewController(srv.Dialer())
	defer c.Close()

	if c.State() != Disconnected {
		t.Errorf("State() = %s, want disconnected", c.State())
	}
	_, err := c.Spawn(context.Background(), "alpha", Template{Name: "shell"})
	if !errors.Is(err, errors.ErrDisconnected) {
		t.Errorf("Spawn() error = %v, want ErrDisconnected", err)
	}
	if err := c.SendText(context.Background(), "s1", "x"); !errors.Is(err, errors.ErrDisconnected) {
		t.Errorf("SendText() error = %v, want ErrDisconnected", err)
	}
}

func TestController_ConnectGivesUp(t *testing.T) {
	srv := endpointtest.NewServer()
	srv.RefuseDials(true)
	c := NewController(srv.Dialer(), WithBackoff(Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3}))
	defer c.Close()

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() should fail while dials are refused")
	}
	if !errors.IsRetryable(err) {
		t.Errorf("Connect() error = %v, want retryable", err)
	}
	if c.State() != Disconnected || c.LastError() == nil {
		t.Errorf("State() = %s, LastError() = %v", c.State(), c.LastError())
	}

	srv.RefuseDials(false)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after recovery error = %v", err)
	}
}

func TestController_ConnectGivesUpIsDisconnected(t *testing.T) {
	refused := errors.New("dial unix /tmp/endpoint.sock: connection refused")
	dialer := endpoint.DialerFunc(func(context.Context) (endpoint.Conn, error) {
		return nil, refused
	})
	c := NewController(dialer, WithBackoff(Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 2}))
	defer c.Close()

	err := c.Connect(context.Background())
	if !errors.Is(err, errors.ErrDisconnected) {
		t.Errorf("Connect() error = %v, want ErrDisconnected", err)
	}
	if !errors.Is(err, refused) {
		t.Errorf("Connect() error = %v, want the dial error kept", err)
	}
	if !errors.IsRetryable(err) {
		t.Errorf("Connect() error = %v, want retryable", err)
	}
}

func TestController_ConcurrentConnectDialsOnce(t *testing.T) {
	srv := endpointtest.NewServer()
	c := NewController(srv.Dialer())
	defer c.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Connect(context.Background()); err != nil {
				t.Errorf("Connect() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := srv.DialCount(); n != 1 {
		t.Errorf("DialCount() = %d, want 1", n)
	}
}

func TestController_ApplyLayout(t *testing.T) {
	c, srv := newConnected(t)

	layout := SessionLayout{
		Name: "dev",
		Windows: []WindowLayout{{
			Title: "main",
			Tabs: []TabLayout{
				{Panes: []Pane{
					{Template: Template{Name: "editor"}},
					{Template: Template{Name: "tests"}, Split: endpoint.SplitHorizontal},
					{Template: Template{Name: "logs"}},
				}},
				{Title: "shell", Panes: []Pane{{Template: Template{Name: "shell"}}}},
			},
		}},
	}

	res, err := c.ApplyLayout(context.Background(), "alpha", layout)
	if err != nil {
		t.Fatalf("ApplyLayout() error = %v", err)
	}
	if len(res.Sessions) != 4 {
		t.Fatalf("created %d sessions, want 4", len(res.Sessions))
	}

	templates := make([]string, len(res.Sessions))
	for i, s := range res.Sessions {
		templates[i] = s.Template
	}
	if !slices.Equal(templates, []string{"editor", "tests", "logs", "shell"}) {
		t.Errorf("creation order = %v", templates)
	}

	wantCalls := []string{
		endpoint.MethodCreateWindow,
		endpoint.MethodSplitPane,
		endpoint.MethodSplitPane,
		endpoint.MethodCreateTab,
	}
	var creates []string
	for _, m := range srv.Calls() {
		if m != endpoint.MethodListSessions {
			creates = append(creates, m)
		}
	}
	if !slices.Equal(creates, wantCalls) {
		t.Errorf("calls = %v, want %v", creates, wantCalls)
	}

	primary := res.Sessions[0]
	for _, s := range res.Sessions[1:] {
		if s.WindowID != primary.WindowID {
			t.Errorf("session %s in window %s, want %s", s.ID, s.WindowID, primary.WindowID)
		}
	}
	if res.Sessions[1].TabID != primary.TabID || res.Sessions[3].TabID == primary.TabID {
		t.Error("splits should share the primary tab and the second tab should be new")
	}
}

func TestController_ApplyLayoutPartialFailure(t *testing.T) {
	c, srv := newConnected(t)

	layout := SessionLayout{
		Name: "grid",
		Windows: []WindowLayout{{Tabs: []TabLayout{{Panes: []Pane{
			{Template: Template{Name: "a"}},
			{Template: Template{Name: "b"}},
		}}}}},
	}

	srv.FailNext(endpoint.MethodSplitPane, endpoint.CodeInternal)
	res, err := c.ApplyLayout(context.Background(), "alpha", layout)

	var spawnErr *errors.SpawnFailure
	if !errors.As(err, &spawnErr) {
		t.Fatalf("ApplyLayout() error = %v, want SpawnFailure", err)
	}
	if spawnErr.Template != "grid" || len(spawnErr.Created) != 1 {
		t.Errorf("SpawnFailure = %+v", spawnErr)
	}
	if !slices.Equal(res.IDs(), spawnErr.Created) {
		t.Errorf("result ids = %v, error ids = %v", res.IDs(), spawnErr.Created)
	}

	// Cleaning up the partial layout.
	for _, id := range spawnErr.Created {
		if err := c.CloseSession(context.Background(), id); err != nil {
			t.Errorf("CloseSession(%s) error = %v", id, err)
		}
	}
	if len(srv.Sessions()) != 0 {
		t.Errorf("endpoint sessions = %v, want none", srv.Sessions())
	}
}

func TestController_ApplyLayoutDisconnect(t *testing.T) {
	c, srv := newConnected(t)

	layout := SessionLayout{
		Name: "grid",
		Windows: []WindowLayout{{Tabs: []TabLayout{{Panes: []Pane{
			{Template: Template{Name: "a"}},
			{Template: Template{Name: "b"}},
		}}}}},
	}

	srv.DropOnNext(endpoint.MethodSplitPane)
	res, err := c.ApplyLayout(context.Background(), "alpha", layout)
	if !errors.Is(err, errors.ErrDisconnected) || errors.Is(err, errors.ErrSpawnFailed) {
		t.Fatalf("ApplyLayout() error = %v, want ErrDisconnected only", err)
	}
	if len(res.IDs()) != 1 {
		t.Errorf("created ids = %v, want the primary pane", res.IDs())
	}
}

func TestController_ApplyLayoutValidation(t *testing.T) {
	c, _ := newConnected(t)

	tests := []SessionLayout{
		{Name: "empty"},
		{Name: "empty tab", Windows: []WindowLayout{{Tabs: []TabLayout{{Panes: []Pane{{}}}, {}}}}},
	}
	for _, layout := range tests {
		_, err := c.ApplyLayout(context.Background(), "alpha", layout)
		if !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("ApplyLayout(%s) error = %v, want ErrInvalidInput", layout.Name, err)
		}
	}
}

func TestController_SendTextAndScreen(t *testing.T) {
	c, srv := newConnected(t)
	ctx := context.Background()

	s, err := c.Spawn(ctx, "alpha", Template{Name: "shell"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SendText(ctx, s.ID, "ls\n"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if got := srv.Sent(s.ID); !slices.Equal(got, []string{"ls\n"}) {
		t.Errorf("Sent() = %q", got)
	}

	srv.SetScreen(s.ID, "$ ls\nREADME.md\n$ ")
	screen, err := c.Screen(ctx, s.ID)
	if err != nil || screen != "$ ls\nREADME.md\n$ " {
		t.Errorf("Screen() = %q, %v", screen, err)
	}
}

func TestController_SessionNotFound(t *testing.T) {
	hooks := &hookLog{}
	c, srv := newConnected(t, WithHooks(hooks.hooks()))
	ctx := context.Background()

	s, err := c.Spawn(ctx, "alpha", Template{Name: "shell"})
	if err != nil {
		t.Fatal(err)
	}

	srv.FailNext(endpoint.MethodSendText, endpoint.CodeNotFound)

	err = c.SendText(ctx, s.ID, "x")
	if !errors.Is(err, errors.ErrSessionNotFound) {
		t.Fatalf("SendText() error = %v, want ErrSessionNotFound", err)
	}
	if errors.IsRetryable(err) {
		t.Error("not found should not be retryable")
	}
	if _, ok := c.Session(s.ID); ok {
		t.Error("a session the endpoint does not know should be forgotten")
	}
	if got := hooks.terminatedIDs(); !slices.Equal(got, []string{s.ID}) {
		t.Errorf("terminated = %v", got)
	}
}

func TestController_TerminationNotification(t *testing.T) {
	hooks := &hookLog{}
	c, srv := newConnected(t, WithHooks(hooks.hooks()))

	s, err := c.Spawn(context.Background(), "alpha", Template{Name: "shell"})
	if err != nil {
		t.Fatal(err)
	}
	srv.Terminate(s.ID)

	testutil.WaitFor(t, 2*time.Second, "termination should be observed", func() bool {
		_, ok := c.Session(s.ID)
		return !ok
	})
	if got := hooks.terminatedIDs(); !slices.Equal(got, []string{s.ID}) {
		t.Errorf("terminated = %v", got)
	}
}

func TestController_Refresh(t *testing.T) {
	c, srv := newConnected(t)
	ctx := context.Background()

	keep, _ := c.Spawn(ctx, "alpha", Template{Name: "a"})
	gone, _ := c.Spawn(ctx, "alpha", Template{Name: "b"})

	srv.RemoveQuietly(gone.ID)

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, ok := c.Session(gone.ID); ok {
		t.Error("session missing from the listing should be forgotten")
	}
	if _, ok := c.Session(keep.ID); !ok {
		t.Error("live session should be kept")
	}
}

func TestController_MostRecentlyFocused(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	c, _ := newConnected(t, WithClock(clock))
	ctx := context.Background()

	if _, ok := c.MostRecentlyFocused("alpha"); ok {
		t.Error("no sessions should report none")
	}

	a, _ := c.Spawn(ctx, "alpha", Template{Name: "a"})
	b, _ := c.Spawn(ctx, "alpha", Template{Name: "b"})
	other, _ := c.Spawn(ctx, "beta", Template{Name: "c"})

	if id, _ := c.MostRecentlyFocused("alpha"); id != b.ID {
		t.Errorf("without focus = %s, want newest %s", id, b.ID)
	}

	if err := c.Focus(a.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.Focus(other.ID); err != nil {
		t.Fatal(err)
	}
	if id, _ := c.MostRecentlyFocused("alpha"); id != a.ID {
		t.Errorf("MostRecentlyFocused(alpha) = %s, want %s", id, a.ID)
	}
	if id, _ := c.MostRecentlyFocused("beta"); id != other.ID {
		t.Errorf("MostRecentlyFocused(beta) = %s, want %s", id, other.ID)
	}

	if err := c.Focus("nope"); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("Focus(unknown) error = %v", err)
	}
}

func TestController_SetAttention(t *testing.T) {
	c, _ := newConnected(t)
	s, _ := c.Spawn(context.Background(), "alpha", Template{Name: "a"})

	if !c.SetAttention(s.ID, attention.StateIdle, "$") {
		t.Fatal("SetAttention() = false for a managed session")
	}
	got, _ := c.Session(s.ID)
	if got.Attention != attention.StateIdle || got.LastLine != "$" {
		t.Errorf("session = %+v", got)
	}
	if c.SetAttention("nope", attention.StateIdle, "") {
		t.Error("SetAttention() = true for an unknown session")
	}
}
