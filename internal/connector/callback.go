package connector

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"
)

// ErrNotLoopback rejects callback listeners bound to routable interfaces. The
// redirect URI carries an authorization code, so it never leaves the machine.
var ErrNotLoopback = errors.New("callback listener must bind a loopback address")

const closePage = `<!doctype html><html><body>
<p>Authorization received. You can close this window.</p>
<script>window.close()</script>
</body></html>`

// CallbackListener is a loopback HTTP server that receives the provider's
// OAuth redirect and turns it into an explicit acknowledgement for the
// matching connector.
type CallbackListener struct {
	addr     string
	registry *Registry
	cookie   func() *http.Cookie
	srv      *http.Server
	ln       net.Listener
}

// ListenerOption configures a CallbackListener.
type ListenerOption func(*CallbackListener)

// WithSessionCookie refreshes the session fallback cookie on every callback
// response. cookie is called per request; a nil return writes nothing.
func WithSessionCookie(cookie func() *http.Cookie) ListenerOption {
	return func(l *CallbackListener) { l.cookie = cookie }
}

// NewCallbackListener builds a listener for addr, which must be loopback.
func NewCallbackListener(addr string, registry *Registry, opts ...ListenerOption) (*CallbackListener, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return nil, ErrNotLoopback
	}
	l := &CallbackListener{addr: addr, registry: registry}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Start begins serving in a background goroutine. The returned error covers
// bind failures only; serve errors after a successful bind are logged.
func (l *CallbackListener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.ln = ln
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", l.handleCallback)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("connector: callback listener: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (l *CallbackListener) Addr() string {
	if l.ln == nil {
		return l.addr
	}
	return l.ln.Addr().String()
}

// Stop shuts the listener down, waiting for in-flight requests.
func (l *CallbackListener) Stop(ctx context.Context) error {
	if l.srv == nil {
		return nil
	}
	return l.srv.Shutdown(ctx)
}

func (l *CallbackListener) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	platform := q.Get("platform")
	if platform == "" {
		// Some providers only echo the state parameter; it carries the
		// platform when we built the authorize URL.
		platform = q.Get("state")
	}
	if platform == "" {
		http.Error(w, "missing platform", http.StatusBadRequest)
		return
	}

	res := AckResult{Success: true}
	if errParam := q.Get("error"); errParam != "" {
		res = AckResult{Success: false, Reason: errParam}
	} else if q.Get("code") == "" && q.Get("status") != "success" {
		res = AckResult{Success: false, Reason: "callback carried no authorization result"}
	}
	l.registry.Get(platform).Ack(res)

	if l.cookie != nil {
		if c := l.cookie(); c != nil {
			http.SetCookie(w, c)
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(closePage))
}
