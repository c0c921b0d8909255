package connector

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeBackend struct {
	mu          sync.Mutex
	authURL     string
	authErr     error
	revokeErr   error
	connected   bool
	statusErr   error
	authCalls   int
	revokeCalls int
	statusCalls int
}

func (b *fakeBackend) AuthorizePlatform(ctx context.Context, platform, token string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authCalls++
	return b.authURL, b.authErr
}

func (b *fakeBackend) RevokePlatform(ctx context.Context, platform, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revokeCalls++
	return b.revokeErr
}

func (b *fakeBackend) PlatformConnected(ctx context.Context, platform, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCalls++
	return b.connected, b.statusErr
}

type fakeWindow struct {
	closed atomic.Bool
}

func (w *fakeWindow) Closed() bool { return w.closed.Load() }
func (w *fakeWindow) Close()       { w.closed.Store(true) }

func fastTimeouts() Timeouts {
	return Timeouts{
		PopupTimeout:      200 * time.Millisecond,
		PopupPollInterval: 5 * time.Millisecond,
		OAuthPollInterval: 5 * time.Millisecond,
		OAuthPollTimeout:  100 * time.Millisecond,
	}
}

func TestConnectPopupExplicitAckSuccess(t *testing.T) {
	backend := &fakeBackend{authURL: "https://example.com/auth"}
	win := &fakeWindow{}
	c := New("youtube", TransportPopup, backend,
		WithWindowOpener(func(string) (PopupWindow, error) { return win, nil }),
		WithTimeouts(fastTimeouts()),
		WithExplicitAck(),
	)
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Ack(AckResult{Success: true})
	}()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.Connection().Status; got != StatusConnected {
		t.Fatalf("status = %s", got)
	}
}

func TestConnectPopupExplicitAckRejection(t *testing.T) {
	backend := &fakeBackend{authURL: "https://example.com/auth"}
	win := &fakeWindow{}
	c := New("reddit", TransportPopup, backend,
		WithWindowOpener(func(string) (PopupWindow, error) { return win, nil }),
		WithTimeouts(fastTimeouts()),
		WithExplicitAck(),
	)
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Ack(AckResult{Success: false, Reason: "access_denied"})
	}()
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected rejection error")
	}
	conn := c.Connection()
	if conn.Status != StatusError || conn.LastError != "access_denied" {
		t.Fatalf("conn = %+v", conn)
	}
}

func TestConnectPopupCloseFallsBackToBackendPoll(t *testing.T) {
	backend := &fakeBackend{authURL: "https://example.com/auth", connected: true}
	win := &fakeWindow{}
	win.Close()
	c := New("pinterest", TransportPopup, backend,
		WithWindowOpener(func(string) (PopupWindow, error) { return win, nil }),
		WithTimeouts(fastTimeouts()),
		WithExplicitAck(),
	)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.Connection().Status; got != StatusConnected {
		t.Fatalf("status = %s", got)
	}
	backend.mu.Lock()
	polls := backend.statusCalls
	backend.mu.Unlock()
	if polls == 0 {
		t.Fatal("backend was never polled after close")
	}
}

func TestConnectPopupCloseWithoutBackendConfirmationFails(t *testing.T) {
	backend := &fakeBackend{authURL: "https://example.com/auth", connected: false}
	win := &fakeWindow{}
	win.Close()
	c := New("instagram", TransportPopup, backend,
		WithWindowOpener(func(string) (PopupWindow, error) { return win, nil }),
		WithTimeouts(fastTimeouts()),
		WithExplicitAck(),
	)
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("err = %v", err)
	}
	if got := c.Connection().Status; got != StatusError {
		t.Fatalf("status = %s", got)
	}
}

func TestConnectPopupCloseHeuristicWithoutAckChannel(t *testing.T) {
	backend := &fakeBackend{authURL: "https://example.com/auth"}
	win := &fakeWindow{}
	win.Close()
	c := New("youtube", TransportPopup, backend,
		WithWindowOpener(func(string) (PopupWindow, error) { return win, nil }),
		WithTimeouts(fastTimeouts()),
	)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.Connection().Status; got != StatusConnected {
		t.Fatalf("status = %s", got)
	}
	backend.mu.Lock()
	polls := backend.statusCalls
	backend.mu.Unlock()
	if polls != 0 {
		t.Fatal("close-heuristic path should not poll the backend")
	}
}

func TestConnectPopupTimeoutClosesWindow(t *testing.T) {
	backend := &fakeBackend{authURL: "https://example.com/auth"}
	win := &fakeWindow{}
	c := New("reddit", TransportPopup, backend,
		WithWindowOpener(func(string) (PopupWindow, error) { return win, nil }),
		WithTimeouts(Timeouts{
			PopupTimeout:      20 * time.Millisecond,
			PopupPollInterval: 500 * time.Millisecond,
		}),
		WithExplicitAck(),
	)
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrPopupTimeout) {
		t.Fatalf("err = %v", err)
	}
	if !win.Closed() {
		t.Fatal("timed-out popup left open")
	}
	if got := c.Connection().Status; got != StatusError {
		t.Fatalf("status = %s", got)
	}
}

func TestConnectPopupBlocked(t *testing.T) {
	backend := &fakeBackend{authURL: "https://example.com/auth"}
	c := New("youtube", TransportPopup, backend,
		WithWindowOpener(func(string) (PopupWindow, error) { return nil, errors.New("blocked by browser") }),
		WithTimeouts(fastTimeouts()),
	)
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrPopupBlocked) {
		t.Fatalf("err = %v", err)
	}
	if got := c.Connection().Status; got != StatusError {
		t.Fatalf("status = %s", got)
	}
}

func TestConnectWhileInFlightIsNoOp(t *testing.T) {
	backend := &fakeBackend{authURL: "https://example.com/auth"}
	win := &fakeWindow{}
	c := New("pinterest", TransportPopup, backend,
		WithWindowOpener(func(string) (PopupWindow, error) { return win, nil }),
		WithTimeouts(fastTimeouts()),
		WithExplicitAck(),
	)
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	for c.Connection().Status != StatusConnecting {
		time.Sleep(time.Millisecond)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	c.Ack(AckResult{Success: true})
	if err := <-done; err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	backend.mu.Lock()
	calls := backend.authCalls
	backend.mu.Unlock()
	if calls != 1 {
		t.Fatalf("authorize called %d times, want 1", calls)
	}
}

func TestConnectRefusedWhileConnected(t *testing.T) {
	backend := &fakeBackend{authURL: "https://example.com/auth"}
	win := &fakeWindow{}
	win.Close()
	c := New("youtube", TransportPopup, backend,
		WithWindowOpener(func(string) (PopupWindow, error) { return win, nil }),
		WithTimeouts(fastTimeouts()),
	)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected transition error while connected")
	}
	if got := c.Connection().Status; got != StatusConnected {
		t.Fatalf("status = %s", got)
	}
}

func TestDisconnectRevokeFailureKeepsState(t *testing.T) {
	backend := &fakeBackend{authURL: "https://example.com/auth", revokeErr: errors.New("backend down")}
	win := &fakeWindow{}
	win.Close()
	c := New("reddit", TransportPopup, backend,
		WithWindowOpener(func(string) (PopupWindow, error) { return win, nil }),
		WithTimeouts(fastTimeouts()),
	)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Disconnect(context.Background()); err == nil {
		t.Fatal("expected revoke error")
	}
	if got := c.Connection().Status; got != StatusConnected {
		t.Fatalf("status after failed revoke = %s", got)
	}
	backend.revokeErr = nil
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := c.Connection().Status; got != StatusDisconnected {
		t.Fatalf("status = %s", got)
	}
}

func TestDisconnectWhenNotConnected(t *testing.T) {
	c := New("youtube", TransportPopup, &fakeBackend{})
	if err := c.Disconnect(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
}

func TestConnectRedirectLeavesMarkerAndResumes(t *testing.T) {
	backend := &fakeBackend{authURL: "https://example.com/auth"}
	pending := NewPendingStore(time.Minute)
	var navigated string
	c := New("pinterest", TransportRedirect, backend,
		WithNavigator(func(u string) error { navigated = u; return nil }),
		WithPendingStore(pending),
		WithTimeouts(fastTimeouts()),
	)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if navigated != "https://example.com/auth" {
		t.Fatalf("navigated to %q", navigated)
	}
	if got := c.Connection().Status; got != StatusConnecting {
		t.Fatalf("status before resume = %s", got)
	}

	// Fresh connector models the page reload after the provider redirects back.
	resumed := New("pinterest", TransportRedirect, backend,
		WithPendingStore(pending),
		WithTimeouts(fastTimeouts()),
	)
	q := url.Values{"code": {"abc123"}}
	if err := resumed.Resume(context.Background(), q); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := resumed.Connection().Status; got != StatusConnected {
		t.Fatalf("status = %s", got)
	}
}

func TestResumeWithProviderError(t *testing.T) {
	backend := &fakeBackend{}
	pending := NewPendingStore(time.Minute)
	pending.Put("reddit", "https://example.com/auth")
	c := New("reddit", TransportRedirect, backend,
		WithPendingStore(pending),
		WithTimeouts(fastTimeouts()),
	)
	q := url.Values{"error": {"access_denied"}}
	if err := c.Resume(context.Background(), q); err == nil {
		t.Fatal("expected rejection error")
	}
	conn := c.Connection()
	if conn.Status != StatusError || conn.LastError != "access_denied" {
		t.Fatalf("conn = %+v", conn)
	}
}

func TestResumeWithoutMarker(t *testing.T) {
	c := New("youtube", TransportRedirect, &fakeBackend{})
	err := c.Resume(context.Background(), url.Values{"code": {"abc"}})
	if !errors.Is(err, ErrNoPendingRedirect) {
		t.Fatalf("err = %v", err)
	}
}

type fakeBridge struct {
	err error
}

func (b *fakeBridge) Authorize(ctx context.Context, platform, authURL string) error {
	return b.err
}

func TestConnectNativeBridge(t *testing.T) {
	backend := &fakeBackend{authURL: "https://example.com/auth"}
	c := New("youtube", TransportNativeBridge, backend, WithHostBridge(&fakeBridge{}))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.Connection().Status; got != StatusConnected {
		t.Fatalf("status = %s", got)
	}
}

func TestConnectNativeBridgeFailure(t *testing.T) {
	backend := &fakeBackend{authURL: "https://example.com/auth"}
	c := New("youtube", TransportNativeBridge, backend,
		WithHostBridge(&fakeBridge{err: errors.New("shell refused")}))
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected bridge error")
	}
	if got := c.Connection().Status; got != StatusError {
		t.Fatalf("status = %s", got)
	}
}

func TestSubscribeObservesTransitions(t *testing.T) {
	backend := &fakeBackend{authURL: "https://example.com/auth"}
	win := &fakeWindow{}
	win.Close()
	c := New("reddit", TransportPopup, backend,
		WithWindowOpener(func(string) (PopupWindow, error) { return win, nil }),
		WithTimeouts(fastTimeouts()),
	)
	var mu sync.Mutex
	var seen []Status
	c.Subscribe(func(conn Connection) {
		mu.Lock()
		seen = append(seen, conn.Status)
		mu.Unlock()
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != StatusConnecting || seen[1] != StatusConnected {
		t.Fatalf("seen = %v", seen)
	}
}

type fakeConnRepo struct {
	mu    sync.Mutex
	saved []Connection
	rows  []Connection
}

func (r *fakeConnRepo) SaveConnection(ctx context.Context, subjectID string, conn Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, conn)
	return nil
}

func (r *fakeConnRepo) ListConnections(ctx context.Context, subjectID string) ([]Connection, error) {
	return r.rows, nil
}

func (r *fakeConnRepo) DeleteConnection(ctx context.Context, subjectID, platformID string) error {
	return nil
}

func TestRegistryCreatesLazilyAndCaches(t *testing.T) {
	r := NewRegistry(&fakeBackend{}, TransportPopup)
	a := r.Get("youtube")
	b := r.Get("youtube")
	if a != b {
		t.Fatal("registry returned distinct connectors for one platform")
	}
	if len(r.Snapshot()) != 1 {
		t.Fatalf("snapshot = %v", r.Snapshot())
	}
}

func TestRegistryPersistsTransitions(t *testing.T) {
	repo := &fakeConnRepo{}
	backend := &fakeBackend{authURL: "https://example.com/auth"}
	win := &fakeWindow{}
	win.Close()
	r := NewRegistry(backend, TransportPopup,
		WithRepository(repo),
		WithConnectorOptions(
			WithWindowOpener(func(string) (PopupWindow, error) { return win, nil }),
			WithTimeouts(fastTimeouts()),
		),
	)
	if err := r.Get("reddit").Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.saved) != 2 || repo.saved[1].Status != StatusConnected {
		t.Fatalf("saved = %+v", repo.saved)
	}
}

func TestRegistryRestoreSkipsNonTerminalRows(t *testing.T) {
	repo := &fakeConnRepo{rows: []Connection{
		{PlatformID: "youtube", Status: StatusConnected, Transport: TransportPopup},
		{PlatformID: "reddit", Status: StatusConnecting, Transport: TransportPopup},
	}}
	r := NewRegistry(&fakeBackend{}, TransportPopup, WithRepository(repo))
	if err := r.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := r.Get("youtube").Connection().Status; got != StatusConnected {
		t.Fatalf("youtube = %s", got)
	}
	if got := r.Get("reddit").Connection().Status; got != StatusDisconnected {
		t.Fatalf("reddit = %s", got)
	}
	if got := r.Connected(); len(got) != 1 || got[0] != "youtube" {
		t.Fatalf("Connected = %v", got)
	}
}
