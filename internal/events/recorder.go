package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pingsantohq/dlspeed/pkg/types"
)

type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}

// LogRecorder writes probe lifecycle events to a structured logger.
// Failures are logged at warn, everything else at debug.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) LogRecorder {
	return LogRecorder{logger: logger}
}

func (r LogRecorder) Record(event types.Event) {
	if r.logger == nil {
		return
	}
	attrs := []any{"probe_id", event.ProbeID, "url", event.URL}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}
	level := slog.LevelDebug
	switch event.Type {
	case types.EventProbeFailure, types.EventQueueReject:
		level = slog.LevelWarn
	case types.EventProbeComplete:
		level = slog.LevelInfo
	}
	r.logger.Log(context.Background(), level, string(event.Type), attrs...)
}

// Buffer keeps events in memory for inspection after a run.
type Buffer struct {
	mu     sync.Mutex
	events []types.Event
}

func (b *Buffer) Record(event types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *Buffer) Events() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Event(nil), b.events...)
}

// Types returns the recorded event types for one probe, in order.
func (b *Buffer) Types(probeID string) []types.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.EventType
	for _, e := range b.events {
		if e.ProbeID == probeID {
			out = append(out, e.Type)
		}
	}
	return out
}
