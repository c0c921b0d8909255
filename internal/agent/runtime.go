// Package agent binds the cross-context messenger to the consent machine and
// the platform connector registry. Envelopes arriving on the widget channel
// drive handshake operations; every accepted envelope and every connection
// transition is audit-logged and emitted as a telemetry event.
package agent

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"consent-agent/internal/audit"
	"consent-agent/internal/connector"
	"consent-agent/internal/consent"
	"consent-agent/internal/messenger"
	"consent-agent/internal/security"
	"consent-agent/internal/session"
	"consent-agent/internal/telemetry"
	telemetrydomain "consent-agent/internal/telemetry/domain"
)

// Channel is the hub channel name the widget contexts attach to.
const Channel = "onairos-consent"

// Runtime dispatches validated envelopes to handshake operations.
type Runtime struct {
	hub      *messenger.Hub
	machine  *consent.Machine
	registry *connector.Registry
	auditor  audit.EventLogger
	emitter  telemetry.EventEmitter
	subject  func() string
	sessions *session.Store
	ttl      time.Duration
	verifier security.RemoteTokenVerifier

	unsubs []func()
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithAuditLogger records an audit event for every dispatched envelope and
// connection transition.
func WithAuditLogger(l audit.EventLogger) Option {
	return func(r *Runtime) { r.auditor = l }
}

// WithEmitter streams a telemetry event for every dispatched envelope and
// connection transition.
func WithEmitter(e telemetry.EventEmitter) Option {
	return func(r *Runtime) { r.emitter = e }
}

// WithSubjectSource supplies the session subject events are attributed to.
func WithSubjectSource(f func() string) Option {
	return func(r *Runtime) { r.subject = f }
}

// WithSessionStore makes init envelopes carrying a bearer token establish a
// session with the given lifetime.
func WithSessionStore(store *session.Store, ttl time.Duration) Option {
	return func(r *Runtime) {
		r.sessions = store
		r.ttl = ttl
	}
}

// WithTokenVerifier adds a backend round trip to session establishment. When
// set, a token that fails the remote check never creates a session.
func WithTokenVerifier(v security.RemoteTokenVerifier) Option {
	return func(r *Runtime) { r.verifier = v }
}

// New returns a Runtime. Call Bind to start dispatching.
func New(hub *messenger.Hub, machine *consent.Machine, registry *connector.Registry, opts ...Option) *Runtime {
	r := &Runtime{
		hub:      hub,
		machine:  machine,
		registry: registry,
		subject:  func() string { return "" },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind registers the envelope listener on the widget channel.
func (r *Runtime) Bind() {
	r.unsubs = append(r.unsubs, r.hub.Listen(Channel, nil, r.dispatch))
}

// Unbind removes every listener Bind registered.
func (r *Runtime) Unbind() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

// ObserveConnection audit-logs and emits a connection transition. Wire it to
// the registry via connector.WithObserver.
func (r *Runtime) ObserveConnection(conn connector.Connection) {
	ctx := context.Background()
	ar := audit.ParseConnectionStatus(string(conn.Status))
	if r.auditor != nil {
		meta, _ := json.Marshal(map[string]string{
			"platform":  conn.PlatformID,
			"transport": string(conn.Transport),
			"lastError": conn.LastError,
		})
		r.auditor.LogEvent(ctx, audit.SentinelRequester, r.subject(), ar.Action, ar.Resource, string(meta))
	}
	r.emit(ctx, &telemetrydomain.Event{
		SubjectID: r.subject(),
		Platform:  conn.PlatformID,
		EventType: ar.Action,
		Source:    "connector",
	})
}

// dispatch runs on every validated envelope delivered to the widget channel.
// Operations that block on user interaction or network round trips run in
// their own goroutine so delivery never stalls.
func (r *Runtime) dispatch(env messenger.Envelope) {
	ctx := context.Background()
	r.observe(ctx, env)

	switch env.Type {
	case messenger.TypeInit:
		token := env.String("token")
		platform := env.String("platform")
		go func() {
			if token != "" {
				if err := r.establishSession(ctx, token); err != nil {
					log.Printf("agent: session: %v", err)
					return
				}
			}
			if platform != "" {
				if err := r.registry.Get(platform).Connect(ctx); err != nil {
					log.Printf("agent: connect %s: %v", platform, err)
				}
			}
		}()
	case messenger.TypeDataRequest:
		err := r.machine.Grant(ctx, env.String("requester"), env.String("dataCategory"), env.String("reward"))
		if err != nil {
			log.Printf("agent: grant: %v", err)
		}
	case messenger.TypeConfirm:
		passphrase := env.String("passphrase")
		go func() {
			if r.machine.Step() == consent.StepConnect {
				if err := r.machine.AdvanceFromConnect(); err != nil {
					log.Printf("agent: advance: %v", err)
					return
				}
			}
			if passphrase != "" && r.machine.Step() == consent.StepPassphrase {
				if err := r.machine.SubmitPassphrase(passphrase); err != nil {
					log.Printf("agent: passphrase: %v", err)
					return
				}
			}
			if err := r.machine.Confirm(ctx); err != nil {
				log.Printf("agent: confirm: %v", err)
			}
		}()
	case messenger.TypeReject:
		if err := r.machine.Cancel(); err != nil {
			log.Printf("agent: cancel: %v", err)
		}
	case messenger.TypeClose:
		r.hub.Teardown(Channel)
	}
}

// establishSession validates the bearer token carried by an init envelope and
// creates the local session the rest of the handshake is attributed to. The
// structural check is offline; the remote check, when a verifier is wired,
// fails closed.
func (r *Runtime) establishSession(ctx context.Context, token string) error {
	if r.sessions == nil {
		return nil
	}
	claims, err := security.ValidateToken(token, time.Now().UTC())
	if err != nil {
		return err
	}
	if r.verifier != nil && !security.VerifyRemote(ctx, r.verifier, token) {
		return security.ErrInvalidToken
	}
	subjectID, err := security.DeriveSubjectID(claims.Identity())
	if err != nil {
		return err
	}
	r.sessions.Create(ctx, session.UserData{SubjectID: subjectID}, token, r.ttl)
	return nil
}

func (r *Runtime) observe(ctx context.Context, env messenger.Envelope) {
	if r.auditor != nil {
		ar := audit.ParseEnvelopeType(env.Type)
		requester := env.String("requester")
		if requester == "" {
			requester = audit.SentinelRequester
		}
		var meta string
		if len(env.Payload) > 0 {
			if b, err := json.Marshal(env.Payload); err == nil {
				meta = string(b)
			}
		}
		r.auditor.LogEvent(ctx, requester, r.subject(), ar.Action, ar.Resource, meta)
	}
	r.emit(ctx, &telemetrydomain.Event{
		SubjectID: r.subject(),
		Requester: env.String("requester"),
		Platform:  env.String("platform"),
		EventType: env.Type,
		Source:    env.Source,
	})
}

func (r *Runtime) emit(ctx context.Context, event *telemetrydomain.Event) {
	if r.emitter == nil {
		return
	}
	event.CreatedAt = time.Now().UTC()
	telemetry.EmitAsync(r.emitter, ctx, event)
}
