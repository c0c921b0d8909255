package connector

import (
	"sync"
	"time"
)

// PendingRedirect marks an in-flight full-page redirect authorization. It is
// written before the host navigates away and consumed on the next start.
type PendingRedirect struct {
	PlatformID string
	ReturnURL  string
	CreatedAt  time.Time
	expiresAt  time.Time
}

// PendingStore holds redirect markers until they are consumed or expire.
// In-memory; the marker only needs to survive one navigation cycle of the
// owning process.
type PendingStore struct {
	mu   sync.RWMutex
	m    map[string]PendingRedirect
	ttl  time.Duration
	nowF func() time.Time
}

// NewPendingStore returns a pending-redirect store. ttl bounds how long a
// marker stays claimable; <= 0 selects 10 minutes.
func NewPendingStore(ttl time.Duration) *PendingStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PendingStore{
		m:    make(map[string]PendingRedirect),
		ttl:  ttl,
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

// Put stores the marker for the platform, replacing any previous one.
func (s *PendingStore) Put(platformID, returnURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowF()
	s.m[platformID] = PendingRedirect{
		PlatformID: platformID,
		ReturnURL:  returnURL,
		CreatedAt:  now,
		expiresAt:  now.Add(s.ttl),
	}
}

// Consume returns and removes the marker for the platform. Returns ok false
// when the marker is missing or expired; expired markers are dropped.
func (s *PendingStore) Consume(platformID string) (PendingRedirect, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[platformID]
	if !ok {
		return PendingRedirect{}, false
	}
	delete(s.m, platformID)
	if !p.expiresAt.After(s.nowF()) {
		return PendingRedirect{}, false
	}
	return p, true
}
