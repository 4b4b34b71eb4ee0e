// Package events provides a bounded in-memory log of discovery lifecycle
// events, for operator inspection and replay output.
package events

import (
	"sync"
	"time"
)

// Event is one recorded lifecycle event.
type Event struct {
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Severity levels assigned to recorded events.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

var warningTypes = map[string]bool{
	"experiment_failed":    true,
	"experiment_reclaimed": true,
	"scope_violation":      true,
}

func severityFor(eventType string) string {
	if warningTypes[eventType] {
		return SeverityWarning
	}
	return SeverityInfo
}

// DefaultCapacity bounds the log when no capacity is given.
const DefaultCapacity = 1000

// Log is a fixed-capacity event log. When full, the oldest events are
// dropped. Safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	dropped  int
}

// NewLog creates a log holding at most capacity events. capacity <= 0
// uses DefaultCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity}
}

// Record appends an event stamped with the current time. It implements
// the engine's event sink.
func (l *Log) Record(eventType string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, Event{
		Type:      eventType,
		Severity:  severityFor(eventType),
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if len(l.events) > l.capacity {
		overflow := len(l.events) - l.capacity
		l.events = l.events[overflow:]
		l.dropped += overflow
	}
}

// Recent returns the most recent n events, oldest first. n <= 0 returns
// all retained events.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.events
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Dropped returns the number of events discarded due to capacity.
func (l *Log) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// CountByType returns per-type event counts.
func (l *Log) CountByType() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := map[string]int{}
	for _, event := range l.events {
		counts[event.Type]++
	}
	return counts
}
