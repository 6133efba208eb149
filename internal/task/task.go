// Package task defines units of radio work, their completion futures and
// the stable priority queue they wait in.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gattflow/internal/op"
)

// Params carries the operation-specific arguments of a Task.
type Params struct {
	Service        string
	Characteristic string
	Descriptor     string
	Data           []byte
	Enable         bool // ToggleNotify
	NoResponse     bool // Write without response
	MTU            int
	Duration       time.Duration // Scan
}

// Task describes one radio operation. A Task is not modified once queued;
// retries are queued as copies made by Retry or Defer.
type Task struct {
	ID       uuid.UUID
	Kind     op.Kind
	Node     string
	Priority op.Priority
	// Order breaks ties inside a priority band, lower first. Tasks with
	// equal Order keep their enqueue order.
	Order int64
	// Timeout overrides the estimated deadline when non-zero.
	Timeout time.Duration
	Params  Params

	// Attempt counts failures so far.
	Attempt int
	// NotBefore holds the task back until the given time.
	NotBefore time.Time
	// Implicit marks engine-initiated work such as reconnects.
	Implicit bool

	seq    uint64
	future *Future
}

// New returns a task at the kind's default priority with a fresh future.
func New(kind op.Kind, node string, params Params) *Task {
	return &Task{
		ID:       uuid.New(),
		Kind:     kind,
		Node:     node,
		Priority: op.DefaultPriority(kind),
		Params:   params,
		future:   NewFuture(),
	}
}

// Future returns the completion contract shared by every copy of the task.
func (t *Task) Future() *Future {
	if t.future == nil {
		t.future = NewFuture()
	}
	return t.future
}

// Seq returns the enqueue sequence number, zero until first queued.
func (t *Task) Seq() uint64 { return t.seq }

// Dead reports whether the task's request has been cancelled or finished.
func (t *Task) Dead() bool {
	f := t.Future()
	return f.Cancelled() || f.Fulfilled()
}

// Retry returns the copy to queue after a failure. It keeps the identity,
// queue position and future of t.
func (t *Task) Retry(notBefore time.Time) *Task {
	c := *t
	c.Attempt++
	c.NotBefore = notBefore
	return &c
}

// Defer returns a copy held back until notBefore without counting a
// failure, used when the link dropped under the task.
func (t *Task) Defer(notBefore time.Time) *Task {
	c := *t
	c.NotBefore = notBefore
	return &c
}

func (t *Task) String() string {
	return fmt.Sprintf("%s %s@%s[%s]#%d", t.ID.String()[:8], t.Kind, t.Node, t.Priority, t.Attempt)
}

// less orders tasks by priority, then Order, then enqueue sequence.
func less(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.seq < b.seq
}
