package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"consent-agent/internal/telemetry/domain"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*domain.Event
	emitErr error
	delay   time.Duration
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *domain.Event) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	// Should not panic.
	EmitAsync(nil, context.Background(), &domain.Event{SubjectID: "subject-1", EventType: "test"})
}

func TestEmitAsync_NilEvent(t *testing.T) {
	emitter := &mockEventEmitter{}
	EmitAsync(emitter, context.Background(), nil)
	time.Sleep(10 * time.Millisecond)
	if len(emitter.getEvents()) != 0 {
		t.Errorf("expected 0 events, got %d", len(emitter.getEvents()))
	}
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	emitter := &mockEventEmitter{}
	event := &domain.Event{
		SubjectID: "subject-1",
		Requester: "acme",
		EventType: "grant_added",
		Source:    "webpage",
	}

	EmitAsync(emitter, context.Background(), event)
	time.Sleep(100 * time.Millisecond)

	events := emitter.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].SubjectID != "subject-1" {
		t.Errorf("subject_id = %q", events[0].SubjectID)
	}
	if events[0].EventType != "grant_added" {
		t.Errorf("event type = %q", events[0].EventType)
	}
}

func TestEmitAsync_UsesBackgroundContext(t *testing.T) {
	emitter := &mockEventEmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Should still emit even though the caller context is cancelled.
	EmitAsync(emitter, ctx, &domain.Event{SubjectID: "subject-1", EventType: "test"})
	time.Sleep(100 * time.Millisecond)

	if len(emitter.getEvents()) != 1 {
		t.Errorf("expected 1 event (context.Background used), got %d", len(emitter.getEvents()))
	}
}

func TestEmitAsync_ErrorHandling(t *testing.T) {
	emitter := &mockEventEmitter{emitErr: context.DeadlineExceeded}
	// Error is logged but does not affect the caller.
	EmitAsync(emitter, context.Background(), &domain.Event{SubjectID: "subject-1", EventType: "test"})
	time.Sleep(100 * time.Millisecond)
}

func TestEmitAsync_ConcurrentAccess(t *testing.T) {
	emitter := &mockEventEmitter{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(emitter, context.Background(), &domain.Event{SubjectID: "subject-1", EventType: "test"})
		}()
	}
	wg.Wait()
	time.Sleep(200 * time.Millisecond)

	if len(emitter.getEvents()) != 10 {
		t.Errorf("expected 10 events, got %d", len(emitter.getEvents()))
	}
}
