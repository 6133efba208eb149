// Package monitor streams engine events to WebSocket clients.
package monitor

import (
	"sync"
	"time"

	"github.com/chaz8081/gattflow/internal/engine"
)

// EventType classifies an event for WebSocket clients.
type EventType string

const (
	EventState     EventType = "state"
	EventTask      EventType = "task"
	EventReconnect EventType = "reconnect_ended"
)

// Event is the JSON envelope sent to clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// StateData is the payload of an EventState.
type StateData struct {
	Node    string   `json:"node"`
	Kind    string   `json:"kind"`
	Old     string   `json:"old"`
	New     string   `json:"new"`
	Entered []string `json:"entered,omitempty"`
	Exited  []string `json:"exited,omitempty"`
}

// TaskData is the payload of an EventTask.
type TaskData struct {
	Task       string `json:"task"`
	Op         string `json:"op"`
	Node       string `json:"node"`
	Priority   string `json:"priority"`
	Reason     string `json:"reason"`
	Error      string `json:"error,omitempty"`
	Retries    int    `json:"retries"`
	DurationMS int64  `json:"duration_ms"`
	Implicit   bool   `json:"implicit,omitempty"`
	Redundant  bool   `json:"redundant,omitempty"`
	Value      []byte `json:"value,omitempty"`
}

// ReconnectData is the payload of an EventReconnect.
type ReconnectData struct {
	Node     string `json:"node"`
	Reason   string `json:"reason"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

type subscriber struct {
	ch chan Event
}

// Bus fans engine events out to subscribers. A subscriber whose buffer is
// full misses the event; the engine never waits on a client.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
}

// NewBus returns a Bus whose subscribers buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe registers a client. The returned function unregisters it and
// closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish sends e to every subscriber with room for it.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) OnStateChange(ev engine.StateEvent) {
	entered, exited := ev.Old.Diff(ev.New)
	b.Publish(Event{Type: EventState, Timestamp: ev.At, Data: StateData{
		Node:    ev.Node,
		Kind:    ev.Kind.String(),
		Old:     ev.Old.String(),
		New:     ev.New.String(),
		Entered: entered.Names(),
		Exited:  exited.Names(),
	}})
}

func (b *Bus) OnTaskComplete(ev engine.TaskEvent) {
	d := TaskData{
		Task:       ev.Task.String(),
		Op:         ev.Kind.String(),
		Node:       ev.Node,
		Priority:   ev.Priority.String(),
		Reason:     ev.Reason.String(),
		Retries:    ev.Retries,
		DurationMS: ev.Duration.Milliseconds(),
		Implicit:   ev.Implicit,
		Redundant:  ev.Redundant,
		Value:      ev.Value,
	}
	if ev.Err != nil {
		d.Error = ev.Err.Error()
	}
	b.Publish(Event{Type: EventTask, Timestamp: ev.At, Data: d})
}

func (b *Bus) OnReconnectEnded(ev engine.ReconnectEvent) {
	d := ReconnectData{Node: ev.Node, Reason: ev.Reason.String(), Attempts: ev.Attempts}
	if ev.Err != nil {
		d.Error = ev.Err.Error()
	}
	b.Publish(Event{Type: EventReconnect, Timestamp: ev.At, Data: d})
}

var _ engine.Listener = (*Bus)(nil)
