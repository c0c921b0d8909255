package audit

import "strings"

// ActionResource holds the action and resource recorded for one operation.
type ActionResource struct {
	Action   string
	Resource string
}

// ParseEnvelopeType returns the action and resource recorded for a
// cross-context message type. Unknown types are audited under resource
// "message" with a lowercase action so nothing crossing the boundary goes
// unrecorded.
func ParseEnvelopeType(envType string) ActionResource {
	switch envType {
	case "init":
		return ActionResource{Action: "handshake_opened", Resource: "channel"}
	case "dataRequest":
		return ActionResource{Action: "data_requested", Resource: "grant"}
	case "confirm":
		return ActionResource{Action: "confirmed", Resource: "handshake"}
	case "reject":
		return ActionResource{Action: "rejected", Resource: "handshake"}
	case "connectionResult":
		return ActionResource{Action: "completed", Resource: "handshake"}
	case "close":
		return ActionResource{Action: "closed", Resource: "channel"}
	}
	if envType == "" {
		return ActionResource{Action: "unknown", Resource: "message"}
	}
	return ActionResource{Action: strings.ToLower(envType), Resource: "message"}
}

// ParseConnectionStatus returns the action and resource recorded for a
// platform connection transition.
func ParseConnectionStatus(status string) ActionResource {
	switch status {
	case "connecting":
		return ActionResource{Action: "connect_started", Resource: "platform"}
	case "connected":
		return ActionResource{Action: "connected", Resource: "platform"}
	case "error":
		return ActionResource{Action: "connect_failed", Resource: "platform"}
	case "disconnected":
		return ActionResource{Action: "disconnected", Resource: "platform"}
	}
	return ActionResource{Action: "unknown", Resource: "platform"}
}
