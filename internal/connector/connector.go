package connector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"
)

// Sentinel errors surfaced to the orchestrating state machine.
var (
	ErrPopupBlocked      = errors.New("popup window blocked")
	ErrPopupTimeout      = errors.New("authorization popup timed out")
	ErrNotConfirmed      = errors.New("authorization not confirmed by backend")
	ErrNotConnected      = errors.New("platform is not connected")
	ErrNoPendingRedirect = errors.New("no pending redirect for platform")
	ErrNoTransport       = errors.New("transport capability not configured")
)

// Backend is the minimal consent-backend surface the connector needs.
type Backend interface {
	AuthorizePlatform(ctx context.Context, platform, sessionToken string) (string, error)
	RevokePlatform(ctx context.Context, platform, sessionToken string) error
	PlatformConnected(ctx context.Context, platform, sessionToken string) (bool, error)
}

// PopupWindow is a spawned provider-login window.
type PopupWindow interface {
	Closed() bool
	Close()
}

// WindowOpener opens a sized popup for the given URL. A nil window with an
// error models a blocked popup.
type WindowOpener func(authURL string) (PopupWindow, error)

// HostBridge is a privileged host capability (mobile shell) that completes an
// authorization without a popup.
type HostBridge interface {
	Authorize(ctx context.Context, platform, authURL string) error
}

// Navigator performs a full-page navigation away from the host page.
type Navigator func(authURL string) error

// AckResult is an explicit authorization outcome delivered out-of-band by the
// callback listener or messenger, replacing the popup close-heuristic.
type AckResult struct {
	Success bool
	Reason  string
}

// Timeouts bound every waiting state of a connect attempt.
type Timeouts struct {
	PopupTimeout      time.Duration // hard limit while the popup stays open
	PopupPollInterval time.Duration // window-closed poll
	OAuthPollInterval time.Duration // backend poll-for-token interval
	OAuthPollTimeout  time.Duration // backend poll-for-token hard limit
}

func (t Timeouts) withDefaults() Timeouts {
	if t.PopupTimeout <= 0 {
		t.PopupTimeout = 5 * time.Minute
	}
	if t.PopupPollInterval <= 0 {
		t.PopupPollInterval = time.Second
	}
	if t.OAuthPollInterval <= 0 {
		t.OAuthPollInterval = 3 * time.Second
	}
	if t.OAuthPollTimeout <= 0 {
		t.OAuthPollTimeout = 2 * time.Minute
	}
	return t
}

// Connector drives one platform's authorization. State transitions are
// serialized per instance; different platforms connect concurrently with no
// shared mutable state beyond their own records.
type Connector struct {
	platform  string
	transport Transport
	backend   Backend
	opener    WindowOpener
	bridge    HostBridge
	navigate  Navigator
	pending   *PendingStore
	timeouts  Timeouts
	token     func() string

	// expectAck is set when an explicit acknowledgement channel is wired; only
	// then is the close-heuristic replaced by a backend confirmation poll.
	expectAck bool
	ackCh     chan AckResult

	mu   sync.Mutex
	conn Connection
	subs []func(Connection)
}

// Option configures a Connector.
type Option func(*Connector)

// WithWindowOpener wires the popup transport.
func WithWindowOpener(open WindowOpener) Option {
	return func(c *Connector) { c.opener = open }
}

// WithHostBridge wires the native-bridge transport.
func WithHostBridge(bridge HostBridge) Option {
	return func(c *Connector) { c.bridge = bridge }
}

// WithNavigator wires the full-page redirect transport.
func WithNavigator(nav Navigator) Option {
	return func(c *Connector) { c.navigate = nav }
}

// WithPendingStore sets the redirect marker store (shared across connectors).
func WithPendingStore(p *PendingStore) Option {
	return func(c *Connector) { c.pending = p }
}

// WithTimeouts overrides the default waiting bounds.
func WithTimeouts(t Timeouts) Option {
	return func(c *Connector) { c.timeouts = t }
}

// WithTokenSource supplies the session bearer token for backend calls.
func WithTokenSource(f func() string) Option {
	return func(c *Connector) { c.token = f }
}

// WithExplicitAck enables the explicit acknowledgement channel. A popup close
// then falls back to backend confirmation instead of being read as success.
func WithExplicitAck() Option {
	return func(c *Connector) { c.expectAck = true }
}

// New returns a Connector for the platform over the given transport.
func New(platform string, transport Transport, backend Backend, opts ...Option) *Connector {
	c := &Connector{
		platform:  platform,
		transport: transport,
		backend:   backend,
		ackCh:     make(chan AckResult, 1),
		token:     func() string { return "" },
		conn: Connection{
			PlatformID: platform,
			Status:     StatusDisconnected,
			Transport:  transport,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.timeouts = c.timeouts.withDefaults()
	if c.pending == nil {
		c.pending = NewPendingStore(0)
	}
	return c
}

// Connection returns a copy of the current connection record.
func (c *Connector) Connection() Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Subscribe registers a callback invoked after every state transition. UI
// layers subscribe rather than embedding transition logic inline.
func (c *Connector) Subscribe(fn func(Connection)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Ack delivers an explicit authorization outcome for the in-flight popup
// attempt. Safe to call from any goroutine; a second ack for the same attempt
// is dropped.
func (c *Connector) Ack(res AckResult) {
	select {
	case c.ackCh <- res:
	default:
	}
}

// Connect requests the provider URL and dispatches via the configured
// transport. Blocks until the attempt resolves (except for redirect, which
// resolves on Resume after the next page load). A second Connect while one is
// in flight is a no-op with a warning, not a queued retry.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn.Status == StatusConnecting {
		c.mu.Unlock()
		log.Printf("connector: %s connect already in flight, ignoring", c.platform)
		return nil
	}
	next, err := c.conn.transition(StatusConnecting, "")
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.conn = next
	// Drain any stale ack from a previous attempt.
	select {
	case <-c.ackCh:
	default:
	}
	c.mu.Unlock()
	c.notify()

	authURL, err := c.backend.AuthorizePlatform(ctx, c.platform, c.token())
	if err != nil {
		c.fail(fmt.Sprintf("authorize url: %v", err))
		return err
	}

	switch c.transport {
	case TransportPopup:
		return c.connectPopup(ctx, authURL)
	case TransportRedirect:
		return c.connectRedirect(authURL)
	case TransportNativeBridge:
		return c.connectNative(ctx, authURL)
	default:
		c.fail("unknown transport")
		return ErrNoTransport
	}
}

func (c *Connector) connectPopup(ctx context.Context, authURL string) error {
	if c.opener == nil {
		c.fail(ErrNoTransport.Error())
		return ErrNoTransport
	}
	win, err := c.opener(authURL)
	if err != nil || win == nil {
		c.fail(ErrPopupBlocked.Error())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPopupBlocked, err)
		}
		return ErrPopupBlocked
	}

	timeout := time.NewTimer(c.timeouts.PopupTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(c.timeouts.PopupPollInterval)
	defer poll.Stop()

	for {
		select {
		case res := <-c.ackCh:
			if res.Success {
				c.succeed()
				return nil
			}
			c.fail(res.Reason)
			return fmt.Errorf("authorization rejected: %s", res.Reason)
		case <-poll.C:
			if !win.Closed() {
				continue
			}
			if !c.expectAck {
				// Close-heuristic: the OAuth callback is assumed to have
				// completed by the time the user closes the popup.
				c.succeed()
				return nil
			}
			return c.confirmWithBackend(ctx)
		case <-timeout.C:
			win.Close()
			c.fail(ErrPopupTimeout.Error())
			return ErrPopupTimeout
		case <-ctx.Done():
			win.Close()
			c.fail(ctx.Err().Error())
			return ctx.Err()
		}
	}
}

// confirmWithBackend runs the poll-for-token loop after a popup closed without
// an explicit ack: the backend is asked whether the authorization completed.
func (c *Connector) confirmWithBackend(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, c.timeouts.OAuthPollTimeout)
	defer cancel()
	ticker := time.NewTicker(c.timeouts.OAuthPollInterval)
	defer ticker.Stop()

	for {
		connected, err := c.backend.PlatformConnected(pollCtx, c.platform, c.token())
		if err != nil {
			if pollCtx.Err() != nil {
				c.fail(ErrNotConfirmed.Error())
				return ErrNotConfirmed
			}
			log.Printf("connector: %s status poll: %v", c.platform, err)
		} else if connected {
			c.succeed()
			return nil
		}
		select {
		case <-ticker.C:
		case <-pollCtx.Done():
			c.fail(ErrNotConfirmed.Error())
			return ErrNotConfirmed
		}
	}
}

func (c *Connector) connectRedirect(authURL string) error {
	if c.navigate == nil {
		c.fail(ErrNoTransport.Error())
		return ErrNoTransport
	}
	c.pending.Put(c.platform, authURL)
	if err := c.navigate(authURL); err != nil {
		c.fail(fmt.Sprintf("navigation failed: %v", err))
		return err
	}
	// The page is navigating away; resolution happens in Resume on next load.
	return nil
}

// Resume completes a redirect-transport attempt on the next page load by
// consuming the persisted marker and reading the provider's query parameters.
func (c *Connector) Resume(ctx context.Context, query url.Values) error {
	if _, ok := c.pending.Consume(c.platform); !ok {
		return ErrNoPendingRedirect
	}
	c.mu.Lock()
	if c.conn.Status != StatusConnecting {
		// Fresh process: re-enter connecting so the terminal transition is legal.
		if next, err := c.conn.transition(StatusConnecting, ""); err == nil {
			c.conn = next
		}
	}
	c.mu.Unlock()

	if errParam := query.Get("error"); errParam != "" {
		c.fail(errParam)
		return fmt.Errorf("authorization rejected: %s", errParam)
	}
	if query.Get("code") != "" || query.Get("status") == "success" {
		c.succeed()
		return nil
	}
	return c.confirmWithBackend(ctx)
}

func (c *Connector) connectNative(ctx context.Context, authURL string) error {
	if c.bridge == nil {
		c.fail(ErrNoTransport.Error())
		return ErrNoTransport
	}
	if err := c.bridge.Authorize(ctx, c.platform, authURL); err != nil {
		c.fail(err.Error())
		return err
	}
	c.succeed()
	return nil
}

// Disconnect revokes the platform on the backend, then clears local state. On
// revoke failure the state is left unchanged and the error is surfaced: no
// optimistic clearing.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn.Status != StatusConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	if err := c.backend.RevokePlatform(ctx, c.platform, c.token()); err != nil {
		return fmt.Errorf("revoke %s: %w", c.platform, err)
	}
	c.apply(StatusDisconnected, "")
	return nil
}

func (c *Connector) succeed() { c.apply(StatusConnected, "") }

func (c *Connector) fail(reason string) { c.apply(StatusError, reason) }

func (c *Connector) apply(next Status, lastError string) {
	c.mu.Lock()
	updated, err := c.conn.transition(next, lastError)
	if err != nil {
		c.mu.Unlock()
		log.Printf("connector: %v", err)
		return
	}
	c.conn = updated
	c.mu.Unlock()
	c.notify()
}

func (c *Connector) notify() {
	c.mu.Lock()
	conn := c.conn
	subs := append([]func(Connection){}, c.subs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(conn)
	}
}
