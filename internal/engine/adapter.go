package engine

import (
	"github.com/chaz8081/gattflow/internal/op"
	"github.com/chaz8081/gattflow/internal/task"
)

// Handle identifies one operation started on an Adapter.
type Handle any

// Completion is what an Adapter reports when an operation ends.
type Completion struct {
	Value    []byte
	Services []string
	Found    []op.Discovery
	Err      error
}

// RawState is the physical state an Adapter reports for a node.
type RawState struct {
	Connected bool
	Bonded    bool
	RadioOn   bool // only meaningful for the manager node
}

// Adapter abstracts the platform radio stack.
//
// Start begins an operation and must return without blocking on the radio.
// The done callback is called at most once, from any goroutine. An error
// from Start means the stack refused the call outright and done will not be
// called.
type Adapter interface {
	Start(kind op.Kind, node string, params task.Params, done func(Completion)) (Handle, error)
	// Abort asks the stack to give up on an operation. The engine does not
	// wait for it to take effect.
	Abort(h Handle) error
	PhysicalState(node string) RawState
}

// DisconnectNotifier is implemented by adapters that can report links
// dropping on their own.
type DisconnectNotifier interface {
	OnDisconnect(fn func(node string, err error))
}
