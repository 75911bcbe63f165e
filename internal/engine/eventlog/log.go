// Package eventlog is the per-run append-only event log. Clients poll
// it incrementally with the id of the last event they have seen.
package eventlog

import (
	"sync"
	"time"

	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

// Log is an append-only event sequence for one run. Event ids are
// gap-free and strictly increasing, starting at 1.
type Log struct {
	mu     sync.RWMutex
	runID  string
	events []v1.Event
	nextID int64
}

// New creates an empty log for a run.
func New(runID string) *Log {
	return &Log{runID: runID, nextID: 1}
}

// Append records an event, assigning its id and timestamp, and returns
// the stored event.
func (l *Log) Append(eventType v1.EventType, stepIndex int, message string, payload map[string]any) v1.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := v1.Event{
		ID:        l.nextID,
		RunID:     l.runID,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		StepIndex: stepIndex,
		Message:   message,
		Payload:   payload,
	}
	l.nextID++
	l.events = append(l.events, ev)
	return ev
}

// After returns all events with id greater than afterID, in order.
// afterID zero returns the whole log.
func (l *Log) After(afterID int64) []v1.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if afterID < 0 {
		afterID = 0
	}
	if afterID >= int64(len(l.events)) {
		return nil
	}
	// Ids are dense, so the id doubles as an offset.
	out := make([]v1.Event, len(l.events)-int(afterID))
	copy(out, l.events[afterID:])
	return out
}

// LastID returns the id of the newest event, or zero when empty.
func (l *Log) LastID() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextID - 1
}

// Len returns the number of events in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
