package skill

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType labels a lifecycle event.
type EventType string

const (
	EventLoad       EventType = "load"
	EventLoadError  EventType = "load_error"
	EventUnload     EventType = "unload"
	EventActivate   EventType = "activate"
	EventDeactivate EventType = "deactivate"
	EventUpgrade    EventType = "upgrade"
)

// Event is one immutable entry in the lifecycle log.
type Event struct {
	ID        string            `json:"id"`
	Seq       uint64            `json:"seq"` // append order; breaks timestamp ties
	Skill     string            `json:"skill"`
	Type      EventType         `json:"type"`
	OldState  State             `json:"old_state"`
	NewState  State             `json:"new_state"`
	Version   Version           `json:"version"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Log is the append-only lifecycle event log. Eviction order and rollback
// targets are derived from here and nowhere else.
type Log struct {
	mu     sync.RWMutex
	events []Event
	seq    uint64
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append stamps an event with an ID, sequence number and timestamp, stores
// it and returns the stored copy.
func (l *Log) Append(e Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e.Seq = l.seq
	e.ID = uuid.New().String()
	e.Timestamp = time.Now()
	l.events = append(l.events, e)
	return e
}

// All returns every event in append order.
func (l *Log) All() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// ForSkill returns the events for one skill in append order.
func (l *Log) ForSkill(name string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, e := range l.events {
		if e.Skill == name {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of events appended so far.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
