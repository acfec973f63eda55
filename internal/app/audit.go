package app

import (
	"context"
	"fmt"
	"time"

	"notibridge/internal/bridge"
	"notibridge/internal/consumer"
	"notibridge/internal/eventbus"
	"notibridge/internal/storage"
	logx "notibridge/pkg/logx"
)

const auditWriteTimeout = 2 * time.Second

// auditEntry turns a bus event into an audit record. Only handled
// commands, policy transitions and clear-all sweeps are recorded.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	switch e.Type {
	case eventbus.TypeCommandHandled:
		ce, ok := e.Data.(consumer.CommandEvent)
		if !ok {
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{
			At:        e.Time,
			Transport: ce.Transport,
			Actor:     ce.Actor,
			Method:    ce.Method,
			Target:    ce.Target,
			Code:      ce.Code,
			Result:    ce.Result,
			TookMS:    ce.Took.Milliseconds(),
		}, true

	case eventbus.TypePolicyChanged:
		p, ok := e.Data.(bridge.Policy)
		if !ok {
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{
			At:        e.Time,
			Transport: "bridge",
			Method:    "policy",
			Result:    fmt.Sprintf("listening=%t retractOnForward=%t", p.Listening, p.RetractOnForward),
		}, true

	case eventbus.TypeClearAll:
		data, ok := e.Data.(map[string]any)
		if !ok {
			return storage.AuditEntry{}, false
		}
		reason, _ := data["reason"].(string)
		if reason == "" || reason == "clear_all" {
			// Command-issued clears are already recorded as commands.
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{
			At:        e.Time,
			Transport: reason,
			Method:    consumer.MethodClearAll,
			Result:    fmt.Sprintf("count=%v failed=%v", data["count"], data["failed"]),
		}, true
	}
	return storage.AuditEntry{}, false
}

// watchEvents debug-logs every bus event and appends audit records to
// store (when set) until ctx is done.
func watchEvents(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			if store == nil {
				continue
			}
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
			err := store.AppendAudit(wctx, entry)
			cancel()
			if err != nil {
				log.Warn("audit append failed", logx.String("method", entry.Method), logx.Err(err))
			}
		}
	}
}
