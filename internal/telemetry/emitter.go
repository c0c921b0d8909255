package telemetry

import (
	"context"

	"consent-agent/internal/telemetry/domain"
)

// EventEmitter emits telemetry events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *domain.Event) error
}

// EventStore is the persistence surface a store-backed emitter needs.
type EventStore interface {
	Save(ctx context.Context, e *domain.Event) error
}

type storeEmitter struct {
	store EventStore
}

// NewStoreEmitter returns an EventEmitter that persists events instead of
// streaming them. Used when no broker is configured but a database is.
func NewStoreEmitter(store EventStore) EventEmitter {
	return &storeEmitter{store: store}
}

func (s *storeEmitter) Emit(ctx context.Context, event *domain.Event) error {
	return s.store.Save(ctx, event)
}
