package messenger

import (
	"errors"
	"log"
	"sync"
	"time"
)

// Target is a remote execution context reachable from the hub: an iframe
// window, a popup, or the extension runtime.
type Target interface {
	// Post delivers the envelope into the remote context.
	Post(env Envelope) error
	// Closed reports whether the remote context has gone away.
	Closed() bool
}

// ErrChannelExists is returned when opening a channel name twice.
var ErrChannelExists = errors.New("channel already open")

// ErrNoChannel is returned when sending to a channel that was never opened or
// has been torn down.
var ErrNoChannel = errors.New("no such channel")

type listener struct {
	channel string
	pred    func(Envelope) bool
	fn      func(Envelope)
}

type channel struct {
	target   Target
	stop     chan struct{}
	teardown sync.Once
}

// Hub routes envelopes between the local context and open remote channels.
// Incoming messages are filtered by Validate before any listener sees them.
type Hub struct {
	mu        sync.Mutex
	channels  map[string]*channel
	listeners map[int]*listener
	nextID    int

	pollInterval time.Duration
}

// NewHub returns a Hub. pollInterval governs remote-close detection; <= 0
// selects 1s.
func NewHub(pollInterval time.Duration) *Hub {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Hub{
		channels:     make(map[string]*channel),
		listeners:    make(map[int]*listener),
		pollInterval: pollInterval,
	}
}

// Open creates the named channel over the target and starts close-polling it.
// When the remote context closes, the channel is torn down exactly as if
// Teardown had been called.
func (h *Hub) Open(name string, target Target) error {
	h.mu.Lock()
	if _, ok := h.channels[name]; ok {
		h.mu.Unlock()
		return ErrChannelExists
	}
	ch := &channel{target: target, stop: make(chan struct{})}
	h.channels[name] = ch
	h.mu.Unlock()

	go h.pollClosed(name, ch)
	return nil
}

// Send is fire-and-forget: delivery failures are logged, never returned to the
// business logic that triggered them.
func (h *Hub) Send(name string, env Envelope) error {
	h.mu.Lock()
	ch, ok := h.channels[name]
	h.mu.Unlock()
	if !ok {
		return ErrNoChannel
	}
	if err := ch.target.Post(env); err != nil {
		log.Printf("messenger: send %s/%s to %s failed: %v", env.Source, env.Type, name, err)
	}
	return nil
}

// Listen registers a callback for incoming envelopes matching pred, scoped to
// the named channel ("" matches every channel). The returned unsubscribe
// function MUST be invoked on caller teardown; it is safe to call more than
// once and removes the listener exactly once.
func (h *Hub) Listen(channelName string, pred func(Envelope) bool, fn func(Envelope)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = &listener{channel: channelName, pred: pred, fn: fn}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

// Deliver is the entry point for messages arriving from a remote context on
// the named channel. Envelopes failing validation are dropped before dispatch.
func (h *Hub) Deliver(channelName string, env Envelope) {
	if err := Validate(env); err != nil {
		log.Printf("messenger: dropped message on %s: %v", channelName, err)
		return
	}
	h.mu.Lock()
	matched := make([]*listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		if l.channel != "" && l.channel != channelName {
			continue
		}
		if l.pred == nil || l.pred(env) {
			matched = append(matched, l)
		}
	}
	h.mu.Unlock()
	for _, l := range matched {
		l.fn(env)
	}
}

// Teardown closes the named channel, stops its close-poll, and removes its
// outstanding listeners. Runs at most once per channel: a remote close racing
// an explicit teardown still cleans up exactly once.
func (h *Hub) Teardown(name string) {
	h.mu.Lock()
	ch, ok := h.channels[name]
	h.mu.Unlock()
	if !ok {
		return
	}
	ch.teardown.Do(func() {
		close(ch.stop)
		h.mu.Lock()
		delete(h.channels, name)
		for id, l := range h.listeners {
			if l.channel == name {
				delete(h.listeners, id)
			}
		}
		h.mu.Unlock()
	})
}

// Close tears down every open channel.
func (h *Hub) Close() {
	h.mu.Lock()
	names := make([]string, 0, len(h.channels))
	for name := range h.channels {
		names = append(names, name)
	}
	h.mu.Unlock()
	for _, name := range names {
		h.Teardown(name)
	}
}

// ListenerCount reports registered listeners. Used to check for leaks across
// repeated open/close cycles.
func (h *Hub) ListenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func (h *Hub) pollClosed(name string, ch *channel) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ch.stop:
			return
		case <-ticker.C:
			if ch.target.Closed() {
				h.Teardown(name)
				return
			}
		}
	}
}
