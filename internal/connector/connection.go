// Package connector drives a single external platform's authorization via
// popup, redirect, or native-bridge transport, with connect, disconnect, and
// poll semantics.
package connector

import "fmt"

// Status is the platform connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Transport is the mechanism used to carry the user through the provider's
// login.
type Transport string

const (
	TransportPopup        Transport = "popup"
	TransportRedirect     Transport = "redirect"
	TransportNativeBridge Transport = "native-bridge"
)

// Connection is the per-platform connection record.
type Connection struct {
	PlatformID string
	Status     Status
	Transport  Transport
	LastError  string
}

// allowedTransitions encodes the strictly sequential state machine:
// disconnected->connecting->{connected|error}; connected returns to
// disconnected only via explicit disconnect; error may retry.
var allowedTransitions = map[Status][]Status{
	StatusDisconnected: {StatusConnecting},
	StatusConnecting:   {StatusConnected, StatusError, StatusDisconnected},
	StatusConnected:    {StatusDisconnected},
	StatusError:        {StatusConnecting, StatusDisconnected},
}

// transition returns the connection advanced to next, or an error when the
// transition is not part of the state machine. Pure: the receiver is not
// mutated.
func (c Connection) transition(next Status, lastError string) (Connection, error) {
	for _, s := range allowedTransitions[c.Status] {
		if s == next {
			c.Status = next
			if next == StatusError {
				c.LastError = lastError
			} else {
				c.LastError = ""
			}
			return c, nil
		}
	}
	return c, fmt.Errorf("invalid transition %s -> %s for %s", c.Status, next, c.PlatformID)
}
