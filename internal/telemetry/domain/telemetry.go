package domain

import (
	"encoding/json"
	"time"
)

// Event is a handshake telemetry event (subject-scoped, optional requester and platform).
type Event struct {
	ID        int64           `json:"id,omitempty"`
	SubjectID string          `json:"subjectId"`
	Requester string          `json:"requester,omitempty"`
	Platform  string          `json:"platform,omitempty"`
	EventType string          `json:"eventType"`
	Source    string          `json:"source,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
