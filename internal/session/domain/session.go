package domain

import "time"

// Session is the durable, expiring record of an authenticated browser context.
type Session struct {
	// SubjectID is the pseudonymous SHA-256 digest of the stable identity claim.
	SubjectID string
	// BearerToken is the opaque token presented to the consent backend.
	BearerToken string
	IssuedAt    time.Time
	// ExpiresAt is always derived from a single configured duration applied at
	// creation or explicit renewal; it is never silently extended.
	ExpiresAt          time.Time
	OnboardingComplete bool
	PinCreated         bool
	// ConnectedAccounts lists platform ids already linked when the session was written.
	ConnectedAccounts []string
}

// ValidAt reports whether the session is live at the given instant.
// A zero expiry means the session was never fully created and is invalid.
func (s *Session) ValidAt(now time.Time) bool {
	if s == nil || s.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(s.ExpiresAt)
}
