package messenger

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTarget struct {
	mu     sync.Mutex
	posted []Envelope
	closed bool
	err    error
}

func (f *fakeTarget) Post(env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.posted = append(f.posted, env)
	return nil
}

func (f *fakeTarget) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTarget) setClosed() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func TestValidate(t *testing.T) {
	ok := Envelope{Source: SourceIframe, Type: TypeConfirm}
	if err := Validate(ok); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	bad := []Envelope{
		{Source: "evil-site", Type: TypeConfirm},
		{Source: SourceWebpage, Type: ""},
		{},
	}
	for i, env := range bad {
		if err := Validate(env); !errors.Is(err, ErrBadEnvelope) {
			t.Errorf("case %d: err = %v, want ErrBadEnvelope", i, err)
		}
	}
}

func TestHub_SendAndDeliver(t *testing.T) {
	hub := NewHub(10 * time.Millisecond)
	defer hub.Close()
	target := &fakeTarget{}
	if err := hub.Open("iframe", target); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := hub.Open("iframe", target); !errors.Is(err, ErrChannelExists) {
		t.Errorf("double open: err = %v, want ErrChannelExists", err)
	}

	env := Envelope{Source: SourceWebpage, Type: TypeInit}
	if err := hub.Send("iframe", env); err != nil {
		t.Fatalf("Send: %v", err)
	}
	target.mu.Lock()
	n := len(target.posted)
	target.mu.Unlock()
	if n != 1 {
		t.Errorf("posted %d messages, want 1", n)
	}

	var got []Envelope
	unsub := hub.Listen("iframe", func(e Envelope) bool { return e.Type == TypeConfirm }, func(e Envelope) {
		got = append(got, e)
	})
	defer unsub()

	hub.Deliver("iframe", Envelope{Source: SourceIframe, Type: TypeConfirm})
	hub.Deliver("iframe", Envelope{Source: SourceIframe, Type: TypeReject}) // filtered by predicate
	hub.Deliver("iframe", Envelope{Source: "spoofed", Type: TypeConfirm})   // dropped by validation
	if len(got) != 1 {
		t.Errorf("listener fired %d times, want 1", len(got))
	}
}

func TestHub_SendToUnknownChannel(t *testing.T) {
	hub := NewHub(time.Second)
	if err := hub.Send("nope", Envelope{Source: SourceWebpage, Type: TypeInit}); !errors.Is(err, ErrNoChannel) {
		t.Errorf("err = %v, want ErrNoChannel", err)
	}
}

func TestHub_SendDeliveryFailureIsSwallowed(t *testing.T) {
	hub := NewHub(time.Second)
	defer hub.Close()
	target := &fakeTarget{err: errors.New("window gone")}
	_ = hub.Open("popup", target)
	if err := hub.Send("popup", Envelope{Source: SourceWebpage, Type: TypeInit}); err != nil {
		t.Errorf("fire-and-forget send should not surface delivery errors, got %v", err)
	}
}

func TestHub_UnsubscribeIdempotent(t *testing.T) {
	hub := NewHub(time.Second)
	defer hub.Close()

	fired := 0
	unsub := hub.Listen("", nil, func(Envelope) { fired++ })
	if hub.ListenerCount() != 1 {
		t.Fatalf("ListenerCount = %d", hub.ListenerCount())
	}
	unsub()
	unsub() // second call must be a no-op
	if hub.ListenerCount() != 0 {
		t.Errorf("ListenerCount after unsubscribe = %d, want 0", hub.ListenerCount())
	}
	hub.Deliver("x", Envelope{Source: SourceWebpage, Type: TypeInit})
	if fired != 0 {
		t.Error("listener fired after unsubscribe")
	}
}

func TestHub_TeardownRemovesChannelListeners(t *testing.T) {
	hub := NewHub(time.Second)
	target := &fakeTarget{}
	_ = hub.Open("iframe", target)
	hub.Listen("iframe", nil, func(Envelope) {})
	hub.Listen("", nil, func(Envelope) {}) // global listener survives

	hub.Teardown("iframe")
	hub.Teardown("iframe") // idempotent
	if hub.ListenerCount() != 1 {
		t.Errorf("ListenerCount = %d, want only the global listener", hub.ListenerCount())
	}
	if err := hub.Send("iframe", Envelope{Source: SourceWebpage, Type: TypeInit}); !errors.Is(err, ErrNoChannel) {
		t.Errorf("send after teardown: err = %v, want ErrNoChannel", err)
	}
}

func TestHub_RemoteCloseTriggersTeardown(t *testing.T) {
	hub := NewHub(5 * time.Millisecond)
	target := &fakeTarget{}
	_ = hub.Open("popup", target)
	hub.Listen("popup", nil, func(Envelope) {})

	target.setClosed()
	deadline := time.After(time.Second)
	for hub.ListenerCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("close-poll never tore the channel down")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := hub.Send("popup", Envelope{Source: SourceWebpage, Type: TypeInit}); !errors.Is(err, ErrNoChannel) {
		t.Errorf("channel should be gone after remote close, got %v", err)
	}
}

func TestEnvelope_PayloadAccessors(t *testing.T) {
	env := Envelope{
		Source:  SourceIframe,
		Type:    TypeConnectionResult,
		Payload: map[string]any{"platform": "youtube", "success": true},
	}
	if env.String("platform") != "youtube" {
		t.Errorf("String = %q", env.String("platform"))
	}
	if !env.Bool("success") {
		t.Error("Bool should read true")
	}
	if env.String("missing") != "" || env.Bool("missing") {
		t.Error("missing keys should zero-value")
	}
}
