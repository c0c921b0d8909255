package connector

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Repository persists connection records across page loads and restarts.
type Repository interface {
	SaveConnection(ctx context.Context, subjectID string, conn Connection) error
	ListConnections(ctx context.Context, subjectID string) ([]Connection, error)
	DeleteConnection(ctx context.Context, subjectID, platformID string) error
}

// Registry owns one Connector per platform. Connectors are created lazily the
// first time a platform is toggled and cached for the lifetime of the agent.
type Registry struct {
	backend   Backend
	transport Transport
	opts      []Option
	repo      Repository
	subject   func() string
	observer  func(Connection)

	mu    sync.Mutex
	conns map[string]*Connector
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRepository enables write-through persistence of connection records.
func WithRepository(repo Repository) RegistryOption {
	return func(r *Registry) { r.repo = repo }
}

// WithSubjectSource supplies the session subject connection rows are keyed by.
func WithSubjectSource(f func() string) RegistryOption {
	return func(r *Registry) { r.subject = f }
}

// WithObserver registers a callback invoked on every connection transition of
// every connector the registry creates.
func WithObserver(fn func(Connection)) RegistryOption {
	return func(r *Registry) { r.observer = fn }
}

// WithConnectorOptions sets options applied to every connector the registry
// creates.
func WithConnectorOptions(opts ...Option) RegistryOption {
	return func(r *Registry) { r.opts = opts }
}

// NewRegistry returns a Registry creating connectors over the given transport.
func NewRegistry(backend Backend, transport Transport, opts ...RegistryOption) *Registry {
	r := &Registry{
		backend:   backend,
		transport: transport,
		subject:   func() string { return "" },
		conns:     make(map[string]*Connector),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the connector for the platform, creating it on first use.
func (r *Registry) Get(platform string) *Connector {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[platform]; ok {
		return c
	}
	c := New(platform, r.transport, r.backend, r.opts...)
	if r.repo != nil {
		c.Subscribe(r.persist)
	}
	if r.observer != nil {
		c.Subscribe(r.observer)
	}
	r.conns[platform] = c
	return c
}

// Snapshot returns a stable-ordered copy of every known connection record.
func (r *Registry) Snapshot() []Connection {
	r.mu.Lock()
	conns := make([]*Connector, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	out := make([]Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Connection())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlatformID < out[j].PlatformID })
	return out
}

// Connected returns the platforms currently in the connected state.
func (r *Registry) Connected() []string {
	var out []string
	for _, conn := range r.Snapshot() {
		if conn.Status == StatusConnected {
			out = append(out, conn.PlatformID)
		}
	}
	return out
}

// Restore rehydrates connectors from persisted rows. Only terminal states are
// restored; a row stuck in connecting from a crashed attempt comes back as
// disconnected so the user can retry cleanly.
func (r *Registry) Restore(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	rows, err := r.repo.ListConnections(ctx, r.subject())
	if err != nil {
		return err
	}
	for _, row := range rows {
		c := r.Get(row.PlatformID)
		if row.Status != StatusConnected {
			continue
		}
		c.mu.Lock()
		c.conn.Status = StatusConnected
		c.conn.LastError = ""
		c.mu.Unlock()
	}
	return nil
}

// persist is a best-effort write-through; a storage failure never blocks or
// reverts a transition.
func (r *Registry) persist(conn Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.repo.SaveConnection(ctx, r.subject(), conn); err != nil {
		log.Printf("connector: persist %s: %v", conn.PlatformID, err)
	}
}
