// Package history is a non-authoritative dispatch audit trail: every
// dispatch start, completion, and forced stop can optionally be recorded
// to an external sink for operators to review. It is never consulted to
// recover session state — there is no persistent session store across
// restarts, and this package only ever writes, never reads back.
package history

import (
	"context"
	"time"
)

// EventType names the lifecycle point an Event was recorded at.
type EventType string

const (
	EventDispatchStarted   EventType = "dispatch_started"
	EventDispatchCompleted EventType = "dispatch_completed"
	EventSessionStopped    EventType = "session_stopped"
)

// Event is one audit record: who touched which probe, doing what, with
// what outcome.
type Event struct {
	Type       EventType
	OccurredAt time.Time
	ProbeID    int
	Target     string
	Mode       string
	Status     string
	ExitCode   int
	Duration   time.Duration
	Err        string
}

// Sink persists Events somewhere outside the process. Send must not block
// the dispatch path for long; callers are expected to fire it from a
// goroutine or tolerate its latency being on the audit path only.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// NopSink discards every event; the default when no history DSN is configured.
type NopSink struct{}

func (NopSink) Send(context.Context, Event) error { return nil }
func (NopSink) Close() error                       { return nil }
