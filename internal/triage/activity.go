package triage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triagehq/triage/internal/store"
	"github.com/triagehq/triage/pkg/protocol"
)

// ActivityLog appends ticket lifecycle events on a side channel. Appends
// are best-effort: they never block or fail the transition that produced
// them. A single drain goroutine preserves per-ticket commit order.
type ActivityLog struct {
	store  store.Store
	logger *slog.Logger

	ch        chan *protocol.ActivityEntry
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewActivityLog starts the drain goroutine. buffer <= 0 selects a
// reasonable default.
func NewActivityLog(st store.Store, logger *slog.Logger, buffer int) *ActivityLog {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	l := &ActivityLog{
		store:  st,
		logger: logger,
		ch:     make(chan *protocol.ActivityEntry, buffer),
	}
	l.wg.Add(1)
	go l.drain()
	return l
}

func (l *ActivityLog) drain() {
	defer l.wg.Done()
	for e := range l.ch {
		if err := l.store.AppendActivity(context.Background(), e); err != nil {
			// Logging is a secondary guarantee; swallow and move on.
			l.logger.Warn("activity append failed",
				"ticket", e.TicketKey,
				"action", e.Action,
				"error", err,
			)
		}
	}
}

// Record enqueues one entry without blocking. When the buffer is full
// the entry is dropped with a warning.
func (l *ActivityLog) Record(key string, action protocol.ActivityAction, actor string, meta map[string]any) {
	e := &protocol.ActivityEntry{
		ID:        uuid.NewString(),
		TicketKey: key,
		Action:    action,
		Actor:     actor,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("activity buffer full, dropping entry",
			"ticket", key,
			"action", action,
		)
	}
}

// Close flushes pending entries and stops the drain goroutine.
func (l *ActivityLog) Close() {
	l.closeOnce.Do(func() { close(l.ch) })
	l.wg.Wait()
}
