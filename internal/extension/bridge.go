// Package extension detects and communicates with the out-of-band trust agent
// installed alongside the host context (the privileged browser extension).
package extension

import (
	"context"
	"errors"
	"log"
	"time"
)

// DefaultDetectTimeout is the detection window when none is configured.
const DefaultDetectTimeout = 2 * time.Second

// Marker is the object the trust agent exposes in host scope: an isOnairos
// flag, a version, and a getInfo accessor.
type Marker struct {
	IsOnairos bool
	Version   string
}

// State is the probed extension state. Ephemeral: re-derived at each check,
// never owned or cached by this package.
type State struct {
	Installed bool
	Version   string
}

// Probe abstracts the host context the agent runs in.
type Probe interface {
	// Marker returns the trust agent's marker object if it is already present
	// in host scope.
	Marker() (Marker, bool)
	// Ready returns a channel that delivers the marker when the agent fires
	// its one-shot ready signal. The channel may never deliver.
	Ready() <-chan Marker
}

// ResourceOpener opens a gated platform resource once the trust agent is known
// to be present.
type ResourceOpener func(ctx context.Context, platform string) error

// ErrNoProbe is returned when the bridge has no host probe configured.
var ErrNoProbe = errors.New("no extension probe configured")

// Bridge runs the three-path detection state machine: synchronous marker probe,
// one-shot ready signal, then timeout. First match wins. Detection failure is a
// valid terminal state, not an error: it changes the caller's branch.
type Bridge struct {
	probe   Probe
	opener  ResourceOpener
	timeout time.Duration
}

// NewBridge returns a Bridge over the given host probe. timeout <= 0 selects
// DefaultDetectTimeout. opener may be nil when only detection is needed.
func NewBridge(probe Probe, opener ResourceOpener, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultDetectTimeout
	}
	return &Bridge{probe: probe, opener: opener, timeout: timeout}
}

// Detect runs one full detection cycle. It resolves true immediately when the
// marker is already present, true when the ready signal fires within the
// window, and false when the window elapses. The timer is stopped on
// resolution so it cannot fire afterwards.
func (b *Bridge) Detect(ctx context.Context) State {
	if b.probe == nil {
		return State{}
	}
	if m, ok := b.probe.Marker(); ok && m.IsOnairos {
		return State{Installed: true, Version: m.Version}
	}
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case m := <-b.probe.Ready():
		if m.IsOnairos {
			return State{Installed: true, Version: m.Version}
		}
		return State{}
	case <-timer.C:
		return State{}
	case <-ctx.Done():
		return State{}
	}
}

// DetectWithRetry repeats the full detection cycle up to maxAttempts times
// with linear backoff (delay, 2*delay, ...), returning on the first positive
// result. Used when the caller can tolerate extra latency for higher
// confidence.
func (b *Bridge) DetectWithRetry(ctx context.Context, maxAttempts int, delay time.Duration) State {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if st := b.Detect(ctx); st.Installed {
			return st
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		backoff := time.Duration(attempt) * delay
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return State{}
		}
	}
	return State{}
}

// OpenGatedResource opens the target platform resource when detection
// succeeds; otherwise it invokes onMissing with the platform so the caller can
// present an install prompt instead of failing silently. Returns whether the
// resource was opened.
func (b *Bridge) OpenGatedResource(ctx context.Context, platform string, onMissing func(platform string)) (bool, error) {
	st := b.Detect(ctx)
	if !st.Installed {
		if onMissing != nil {
			onMissing(platform)
		}
		return false, nil
	}
	if b.opener == nil {
		return false, ErrNoProbe
	}
	if err := b.opener(ctx, platform); err != nil {
		log.Printf("extension: open gated resource %s: %v", platform, err)
		return false, err
	}
	return true, nil
}
