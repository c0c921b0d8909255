// Package messenger is the message envelope and routing layer connecting the
// host page, spawned popup or iframe contexts, and the extension's scripts.
package messenger

import (
	"errors"
	"fmt"
)

// Known envelope sources. Anything else is rejected before dispatch.
const (
	SourceIframe        = "onairosIframe"
	SourceWebpage       = "webpage"
	SourceContentScript = "content-script"
)

// Known message types.
const (
	TypeInit             = "init"
	TypeDataRequest      = "dataRequest"
	TypeConfirm          = "confirm"
	TypeReject           = "reject"
	TypeConnectionResult = "connectionResult"
	TypeClose            = "close"
)

// Envelope is the cross-context message shape: {source, type, ...payload}.
type Envelope struct {
	Source  string         `json:"source"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ErrBadEnvelope is returned for messages lacking the expected source/type tag.
var ErrBadEnvelope = errors.New("unrecognized message envelope")

var knownSources = map[string]bool{
	SourceIframe:        true,
	SourceWebpage:       true,
	SourceContentScript: true,
}

// Validate checks the envelope tag before it may reach business logic. Any
// message lacking the expected source/type shape is ignored, never processed
// speculatively.
func Validate(env Envelope) error {
	if !knownSources[env.Source] {
		return fmt.Errorf("%w: source %q", ErrBadEnvelope, env.Source)
	}
	if env.Type == "" {
		return fmt.Errorf("%w: empty type", ErrBadEnvelope)
	}
	return nil
}

// String returns payload[key] as a string, or "" when absent or mistyped.
func (e Envelope) String(key string) string {
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return ""
}

// Bool returns payload[key] as a bool, or false when absent or mistyped.
func (e Envelope) Bool(key string) bool {
	b, _ := e.Payload[key].(bool)
	return b
}
