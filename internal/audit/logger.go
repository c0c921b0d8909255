package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"consent-agent/internal/audit/domain"
	auditrepo "consent-agent/internal/audit/repository"
)

// SentinelRequester is the requester recorded for events that have no
// requester (e.g. session creation, platform connects).
const SentinelRequester = "_system"

// OriginExtractor returns the execution context an event came from (host page,
// iframe, content script) out of the request context.
type OriginExtractor func(context.Context) string

// EventLogger writes a single handshake event with explicit action/resource.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type EventLogger interface {
	LogEvent(ctx context.Context, requester, subjectID, action, resource, metadata string)
}

// Logger implements EventLogger using the event repository and an optional
// origin extractor.
type Logger struct {
	repo            auditrepo.Repository
	originExtractor OriginExtractor
}

// NewLogger returns an EventLogger that persists to repo and uses
// originExtractor for the event origin. originExtractor may be nil; then
// origin is recorded as "unknown".
func NewLogger(repo auditrepo.Repository, originExtractor OriginExtractor) *Logger {
	return &Logger{repo: repo, originExtractor: originExtractor}
}

// LogEvent writes one handshake event. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, requester, subjectID, action, resource, metadata string) {
	if l.repo == nil {
		return
	}
	origin := "unknown"
	if l.originExtractor != nil {
		origin = l.originExtractor(ctx)
	}
	if requester == "" {
		requester = SentinelRequester
	}
	entry := &domain.HandshakeEvent{
		ID:        uuid.New().String(),
		SubjectID: subjectID,
		Requester: requester,
		Action:    action,
		Resource:  resource,
		Origin:    origin,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		log.Printf("audit: failed to log event %s/%s: %v", action, resource, err)
	}
}
