package app

import (
	"context"
	"time"

	"crosspost/internal/eventbus"
	"crosspost/internal/publish"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

// auditEntry maps a publish lifecycle event to an audit record. Other event
// types are not audited.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	se, ok := e.Data.(publish.SessionEvent)
	if !ok {
		return storage.AuditEntry{}, false
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	entry := storage.AuditEntry{
		At:        at.UTC(),
		EventID:   se.EventID,
		SessionID: se.SessionID,
		Platforms: se.Platforms,
	}
	switch e.Type {
	case eventbus.SessionAccepted:
		entry.Action = "submit"
		if se.Retry {
			entry.Action = "retry"
		}
	case eventbus.SessionFinished:
		entry.Action = "finish"
		entry.Fail = se.Failed
		entry.OK = len(se.Platforms) - se.Failed
		entry.TookMS = se.DurationMs
	case eventbus.SessionAbandoned:
		entry.Action = "abandon"
	default:
		return storage.AuditEntry{}, false
	}
	return entry, true
}

// consumeEvents logs every bus event at debug and appends audit entries for
// session lifecycle events. Events already queued when ctx ends are still
// audited so sessions finished during drain are not lost.
func consumeEvents(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	handle := func(e eventbus.Event) {
		if log.Enabled(logx.LevelDebug) {
			log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
		entry, ok := auditEntry(e)
		if !ok || store == nil {
			return
		}
		actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := store.AppendAudit(actx, entry)
		cancel()
		if err != nil {
			log.Warn("audit append failed", logx.String("action", entry.Action), logx.String("session_id", entry.SessionID), logx.Err(err))
		}
	}
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					handle(e)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			handle(e)
		}
	}
}
