package domain

import "time"

// HandshakeEvent is one entry in the consent audit trail.
type HandshakeEvent struct {
	ID        string
	SubjectID string
	Requester string
	Action    string
	Resource  string
	Origin    string
	Metadata  string
	CreatedAt time.Time
}
