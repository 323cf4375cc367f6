package engine

import (
	"time"

	"go.uber.org/zap"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventDetected      EventType = "detected"
	EventFixGenerated  EventType = "fix_generated"
	EventFixValidated  EventType = "fix_validated"
	EventFixApproved   EventType = "fix_approved"
	EventFixBlocked    EventType = "fix_blocked"
	EventFixApplied    EventType = "fix_applied"
	EventFixReverted   EventType = "fix_reverted"
	EventHealthChecked EventType = "health_checked"
	EventRolledBack    EventType = "rolled_back"
	EventRunCompleted  EventType = "run_completed"
	EventRunFailed     EventType = "run_failed"
)

// Event is one lifecycle notification. The engine emits these at every
// phase transition so progress can be observed without the engine
// depending on any particular transport.
type Event struct {
	Type   EventType
	RunID  string
	FixID  string
	Detail string
	Time   time.Time
}

// Sink consumes lifecycle events.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// MultiSink fans events out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// LogSink writes events to a zap logger.
type LogSink struct {
	Log *zap.Logger
}

func (l LogSink) Emit(e Event) {
	l.Log.Info("lifecycle event",
		zap.String("type", string(e.Type)),
		zap.String("run_id", e.RunID),
		zap.String("fix_id", e.FixID),
		zap.String("detail", e.Detail),
	)
}
