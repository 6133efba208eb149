package engine

import (
	"time"

	"github.com/chaz8081/gattflow/internal/handler"
	"github.com/chaz8081/gattflow/internal/op"
	"github.com/chaz8081/gattflow/internal/policy"
	"github.com/chaz8081/gattflow/internal/state"
	"github.com/chaz8081/gattflow/internal/task"
)

// ManagerKey is the key of the single manager node, which owns scans and
// the radio state.
const ManagerKey = "manager"

// node is one entry in the engine's arena. Everything except tracker reads
// is owned by the handler goroutine.
type node struct {
	key     string
	kind    state.NodeKind
	tracker *state.Tracker

	retry     policy.Policy
	reconnect policy.Policy
	bond      policy.Policy

	autoReconnect bool
	flight        *flight
	lossAt        time.Time // zero unless recovering from link loss
	failures      map[op.Kind]int
}

// flight is one dispatched task. Completions are matched to it by pointer
// identity so late callbacks for a replaced flight are discarded.
type flight struct {
	task     *task.Task
	handle   Handle
	started  time.Time
	deadline time.Duration
	timer    *handler.Delayed
}

func (n *node) recovering() bool {
	return !n.lossAt.IsZero() || n.tracker.Current().HasAny(state.RecoveryMask)
}

// reconnectAttempts reports how many reconnects the node's policy has
// scheduled, when the policy exposes it.
func (n *node) reconnectAttempts() int {
	if p, ok := n.reconnect.(interface{ Attempts() int }); ok {
		return p.Attempts()
	}
	return 0
}

func (n *node) resetPolicies() {
	n.retry.Reset()
	n.reconnect.Reset()
	n.bond.Reset()
	n.lossAt = time.Time{}
	for k := range n.failures {
		delete(n.failures, k)
	}
}

// startIntent is applied when a task of kind k is handed to the adapter.
func startIntent(t *task.Task) state.Intent {
	switch t.Kind {
	case op.Connect:
		i := state.EnterPhase(state.Connecting)
		if t.Attempt > 0 && !t.Implicit {
			i = i.Then(state.Set(state.RetryingConnection))
		}
		return i
	case op.Disconnect:
		return state.EnterPhase(state.Disconnecting)
	case op.DiscoverServices:
		return state.EnterPhase(state.DiscoveringServices).Then(state.Clear(state.ServicesDiscovered))
	case op.Bond:
		return state.EnterBond(state.Bonding)
	case op.Scan:
		return state.Set(state.Scanning)
	}
	return state.Intent{}
}

// successIntent is applied when a task of kind k succeeds.
func successIntent(k op.Kind) state.Intent {
	switch k {
	case op.Connect:
		return state.EnterPhase(state.Connected).
			Then(state.Clear(state.ServicesDiscovered)).
			Then(state.ClearRecovery())
	case op.Disconnect:
		return state.Disconnect()
	case op.DiscoverServices:
		return state.EnterPhase(state.Connected).Then(state.Set(state.ServicesDiscovered))
	case op.Bond:
		return state.EnterBond(state.Bonded)
	case op.Unbond:
		return state.EnterBond(state.Unbonded)
	case op.Scan:
		return state.Clear(state.Scanning)
	}
	return state.Intent{}
}

// failIntent undoes the start intent of a failed or cancelled task. raw is
// consulted where the outcome depends on the physical link.
func failIntent(k op.Kind, raw RawState) state.Intent {
	switch k {
	case op.Connect:
		return state.EnterPhase(state.Disconnected).Then(state.Clear(state.ServicesDiscovered))
	case op.Disconnect:
		if raw.Connected {
			return state.EnterPhase(state.Connected)
		}
		return state.Disconnect()
	case op.DiscoverServices:
		return state.EnterPhase(state.Connected)
	case op.Bond:
		if raw.Bonded {
			return state.EnterBond(state.Bonded)
		}
		return state.EnterBond(state.Unbonded)
	case op.Scan:
		return state.Clear(state.Scanning)
	}
	return state.Intent{}
}

// initialState derives a new node's state from what the adapter reports.
func initialState(kind state.NodeKind, raw RawState) state.State {
	s := state.Initial(kind)
	switch kind {
	case state.Manager:
		if raw.RadioOn {
			s = state.Apply(s, state.EnterRadio(state.RadioOn))
		}
	default:
		if raw.Connected {
			s = state.Apply(s, state.EnterPhase(state.Connected))
		}
		if raw.Bonded && kind == state.Device {
			s = state.Apply(s, state.EnterBond(state.Bonded))
		}
	}
	return s
}
