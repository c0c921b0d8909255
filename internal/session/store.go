// Package session holds the durable, expiring record of "is this browser already
// authenticated": an in-memory store with an injected clock, a durable repository
// write-through, and a same-origin cookie as a redundant fallback channel.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"consent-agent/internal/session/domain"
)

// UserData is the caller-supplied identity snapshot stored with the session.
type UserData struct {
	SubjectID         string
	ConnectedAccounts []string
}

// Repository persists sessions durably. Implementations must treat a missing
// row as (nil, nil), not an error.
type Repository interface {
	Save(ctx context.Context, s *domain.Session) error
	Get(ctx context.Context, subjectID string) (*domain.Session, error)
	Delete(ctx context.Context, subjectID string) error
}

// Store owns the current session. All mutation goes through the main execution
// context that owns the UI; cross-context writes must use the messenger instead.
//
// Storage failures are caught and logged, never returned: a failed durable read
// or write degrades to "no session" rather than surfacing an error to callers.
type Store struct {
	mu      sync.Mutex
	current *domain.Session

	repo Repository // optional
	nowF func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRepository adds durable write-through persistence.
func WithRepository(repo Repository) Option {
	return func(s *Store) { s.repo = repo }
}

// WithClock injects the time source. Used by tests for expiry math.
func WithClock(nowF func() time.Time) Option {
	return func(s *Store) { s.nowF = nowF }
}

// NewStore returns a session store. Without options it is purely in-memory
// with the real clock.
func NewStore(opts ...Option) *Store {
	s := &Store{nowF: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create writes a new session with an explicit expiry timestamp derived from
// duration, persists it durably when a repository is configured, and returns
// the stored record.
func (s *Store) Create(ctx context.Context, user UserData, token string, duration time.Duration) *domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowF()
	sess := &domain.Session{
		SubjectID:         user.SubjectID,
		BearerToken:       token,
		IssuedAt:          now,
		ExpiresAt:         now.Add(duration),
		ConnectedAccounts: append([]string(nil), user.ConnectedAccounts...),
	}
	s.current = sess
	s.persist(ctx, sess)
	out := *sess
	return &out
}

// Current returns the live session, or nil when absent or expired.
func (s *Store) Current() *domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current.ValidAt(s.nowF()) {
		return nil
	}
	out := *s.current
	return &out
}

// IsValid reports whether a live session exists. Missing expiry means false.
func (s *Store) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.ValidAt(s.nowF())
}

// Extend re-derives ExpiresAt = now + duration, but only when the session is
// already valid. Extending an invalid or absent session is a no-op: it never
// creates a session from nothing.
func (s *Store) Extend(ctx context.Context, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowF()
	if !s.current.ValidAt(now) {
		return
	}
	s.current.ExpiresAt = now.Add(duration)
	s.persist(ctx, s.current)
}

// MarkOnboardingComplete records onboarding completion on the live session.
func (s *Store) MarkOnboardingComplete(ctx context.Context) {
	s.mark(ctx, func(sess *domain.Session) { sess.OnboardingComplete = true })
}

// MarkPinCreated records that the user's PIN exists on the backend.
func (s *Store) MarkPinCreated(ctx context.Context) {
	s.mark(ctx, func(sess *domain.Session) { sess.PinCreated = true })
}

func (s *Store) mark(ctx context.Context, f func(*domain.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current.ValidAt(s.nowF()) {
		return
	}
	f(s.current)
	s.persist(ctx, s.current)
}

// Destroy clears all session state. Idempotent.
func (s *Store) Destroy(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return
	}
	subjectID := s.current.SubjectID
	s.current = nil
	if s.repo != nil {
		if err := s.repo.Delete(ctx, subjectID); err != nil {
			log.Printf("session: durable delete failed: %v", err)
		}
	}
}

// Restore loads the session for subjectID from the durable repository into the
// store. An expired or missing row, or a read failure, degrades to "no session".
func (s *Store) Restore(ctx context.Context, subjectID string) *domain.Session {
	if s.repo == nil {
		return nil
	}
	sess, err := s.repo.Get(ctx, subjectID)
	if err != nil {
		log.Printf("session: durable read failed: %v", err)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sess.ValidAt(s.nowF()) {
		return nil
	}
	s.current = sess
	out := *sess
	return &out
}

func (s *Store) persist(ctx context.Context, sess *domain.Session) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(ctx, sess); err != nil {
		log.Printf("session: durable write failed: %v", err)
	}
}
