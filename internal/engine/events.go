package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gattflow/internal/op"
	"github.com/chaz8081/gattflow/internal/state"
)

// StateEvent reports a node state change.
type StateEvent struct {
	Node    string
	Kind    state.NodeKind
	Old     state.State
	New     state.State
	Changed state.State
	At      time.Time
}

// TaskEvent reports the final outcome of a task.
type TaskEvent struct {
	Task      uuid.UUID
	Kind      op.Kind
	Node      string
	Priority  op.Priority
	Implicit  bool
	Value     []byte
	Err       error
	Reason    op.Reason
	Retries   int
	Redundant bool
	Duration  time.Duration
	At        time.Time
}

// ReconnectEvent reports that recovery of a node ended without a
// connection, either abandoned by policy or cancelled.
type ReconnectEvent struct {
	Node     string
	Err      error
	Reason   op.Reason
	Attempts int
	At       time.Time
}

// Listener receives engine events on the engine's handler goroutine.
// Implementations must not block; a consumer that needs another goroutine
// must hand the event off itself.
type Listener interface {
	OnStateChange(StateEvent)
	OnTaskComplete(TaskEvent)
	OnReconnectEnded(ReconnectEvent)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	StateChange    func(StateEvent)
	TaskComplete   func(TaskEvent)
	ReconnectEnded func(ReconnectEvent)
}

func (l ListenerFuncs) OnStateChange(ev StateEvent) {
	if l.StateChange != nil {
		l.StateChange(ev)
	}
}

func (l ListenerFuncs) OnTaskComplete(ev TaskEvent) {
	if l.TaskComplete != nil {
		l.TaskComplete(ev)
	}
}

func (l ListenerFuncs) OnReconnectEnded(ev ReconnectEvent) {
	if l.ReconnectEnded != nil {
		l.ReconnectEnded(ev)
	}
}

// HistorySink durably records events. Calls happen on the handler goroutine
// and must not block.
type HistorySink interface {
	RecordState(StateEvent)
	RecordTask(TaskEvent)
}
