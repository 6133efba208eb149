package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chaz8081/gattflow/internal/op"
	"github.com/chaz8081/gattflow/internal/policy"
	"github.com/chaz8081/gattflow/internal/state"
	"github.com/chaz8081/gattflow/internal/task"
)

// linkLost handles a link drop reported outside of a task completion.
func (e *Engine) linkLost(n *node, cause error) {
	if cause == nil {
		cause = op.ErrLinkLost
	} else if !errors.Is(cause, op.ErrLinkLost) {
		cause = fmt.Errorf("%w: %w", op.ErrLinkLost, cause)
	}
	if n.kind == state.Manager {
		return
	}

	f := e.land(n)
	if f == nil {
		if n.tracker.Current().Has(state.Disconnected) {
			return // nothing was up
		}
		e.handleLinkLost(n, nil, cause)
		return
	}
	if f.handle != nil {
		if err := e.adapter.Abort(f.handle); err != nil {
			e.log.Debug("abort after link loss failed", zap.Stringer("task", f.task), zap.Error(err))
		}
	}
	if f.task.Kind == op.Disconnect {
		e.succeed(n, f.task, Completion{}, e.clock.Since(f.started))
		return
	}
	e.handleLinkLost(n, f.task, cause)
}

// handleLinkLost moves n into recovery. inFlight is the task the link
// dropped under, if any; it goes back in the queue without counting as a
// failure.
func (e *Engine) handleLinkLost(n *node, inFlight *task.Task, cause error) {
	e.log.Warn("link lost", zap.String("node", n.key), zap.Bool("auto_reconnect", n.autoReconnect), zap.Error(cause))

	if !n.autoReconnect {
		e.update(n, state.Disconnect())
		n.lossAt = time.Time{}
		if inFlight != nil {
			e.finish(inFlight, task.Result{Err: cause})
		}
		e.failQueued(n, cause)
		return
	}

	if n.lossAt.IsZero() {
		n.lossAt = e.clock.Now()
	}
	if inFlight != nil {
		if inFlight.Implicit && inFlight.Kind == op.Connect {
			e.finish(inFlight, task.Result{Err: cause})
		} else {
			e.queue.Push(inFlight.Defer(time.Time{}))
		}
	}
	d := n.reconnect.Decide(policy.Event{
		Kind:         op.Connect,
		Node:         n.key,
		Reason:       op.ReasonLinkLost,
		Attempt:      n.reconnectAttempts() + 1,
		NodeFailures: n.failures[op.Connect],
		SinceLoss:    e.sinceLoss(n),
	})
	e.recover(n, d, cause)
}

// recover acts on a reconnect decision: either queue the next reconnect
// attempt or end recovery.
func (e *Engine) recover(n *node, d policy.Decision, cause error) {
	switch d.Action {
	case policy.Abandon:
		e.endRecovery(n, fmt.Errorf("%w: %w", op.ErrPolicyAbandoned, cause))
		return
	case policy.RetryNow:
		d = policy.ReconnectAfter(0, false)
	case policy.RetryWithDelay:
		d = policy.ReconnectAfter(d.Delay, false)
	}

	e.update(n, state.LinkLost(d.LongTerm))
	e.dropReconnects(n, nil)

	t := e.NewTask(op.Connect, n.key, task.Params{})
	t.Priority = e.opts.ReconnectPriority
	t.Implicit = true
	if d.Delay > 0 {
		t.NotBefore = e.clock.Now().Add(d.Delay)
	}
	e.queue.Push(t)
	e.log.Info("reconnect scheduled",
		zap.String("node", n.key),
		zap.Duration("delay", d.Delay),
		zap.Bool("long_term", d.LongTerm),
		zap.Int("attempt", n.reconnectAttempts()),
		zap.Duration("since_loss", e.sinceLoss(n)))
}

// endRecovery gives up on n: it is left disconnected, its queued work fails
// with err and listeners get a terminal reconnect event.
func (e *Engine) endRecovery(n *node, err error) {
	attempts := n.reconnectAttempts()
	e.dropReconnects(n, err)
	n.reconnect.Reset()
	n.lossAt = time.Time{}
	e.update(n, state.Disconnect())
	e.failQueued(n, err)
	e.emitReconnectEnded(n, err, attempts)
}

// stopRecovery ends recovery of n if it is in progress, leaving its queued
// work in place. A reconnect already in flight is aborted.
func (e *Engine) stopRecovery(n *node, err error) {
	if !n.recovering() {
		return
	}
	attempts := n.reconnectAttempts()
	if f := n.flight; f != nil && f.task.Implicit && f.task.Kind == op.Connect {
		e.abortFlight(n)
		f.task.Future().MarkCancelled()
		e.finish(f.task, task.Result{Err: err})
	}
	e.dropReconnects(n, err)
	n.reconnect.Reset()
	n.lossAt = time.Time{}
	e.update(n, state.ClearRecovery())
	e.emitReconnectEnded(n, err, attempts)
}

// dropReconnects removes pending reconnect attempts for n. A nil err
// completes them as redundant.
func (e *Engine) dropReconnects(n *node, err error) {
	dropped := e.queue.RemoveFunc(func(t *task.Task) bool {
		return t.Node == n.key && t.Implicit && t.Kind == op.Connect
	})
	for _, t := range dropped {
		if err != nil {
			t.Future().MarkCancelled()
			e.finish(t, task.Result{Err: err})
		} else {
			e.finish(t, task.Result{Redundant: true})
		}
	}
}

// softCancel ends queued work that t makes pointless. An explicit
// disconnect ends the node's pending connection-bound tasks; an unbond ends
// its pending bonds.
func (e *Engine) softCancel(t *task.Task) {
	var match func(*task.Task) bool
	switch {
	case t.Kind == op.Disconnect && !t.Implicit:
		match = func(q *task.Task) bool { return q.Node == t.Node && q.Kind.RequiresConnection() }
	case t.Kind == op.Unbond:
		match = func(q *task.Task) bool { return q.Node == t.Node && q.Kind == op.Bond }
	default:
		return
	}
	for _, q := range e.queue.RemoveFunc(match) {
		q.Future().MarkCancelled()
		e.finish(q, task.Result{Err: op.ErrCancelled})
		e.log.Debug("task soft-cancelled", zap.Stringer("task", q), zap.Stringer("by", t.Kind))
	}
}

// failQueued fails every queued task of n with err.
func (e *Engine) failQueued(n *node, err error) {
	for _, t := range e.queue.RemoveFunc(func(t *task.Task) bool { return t.Node == n.key }) {
		e.finish(t, task.Result{Err: err})
	}
}

func (e *Engine) emitReconnectEnded(n *node, err error, attempts int) {
	ev := ReconnectEvent{
		Node:     n.key,
		Err:      err,
		Reason:   op.ReasonOf(err),
		Attempts: attempts,
		At:       e.clock.Now(),
	}
	e.log.Warn("reconnect ended", zap.String("node", n.key), zap.Int("attempts", attempts), zap.Error(err))
	for _, l := range e.snapshotListeners() {
		l.OnReconnectEnded(ev)
	}
}

// cancelTask cancels a queued or in-flight task by id.
func (e *Engine) cancelTask(id uuid.UUID) bool {
	if t, ok := e.queue.Remove(id); ok {
		t.Future().MarkCancelled()
		e.finish(t, task.Result{Err: op.ErrCancelled})
		return true
	}

	e.mu.RLock()
	var target *node
	for _, n := range e.nodes {
		if n.flight != nil && n.flight.task.ID == id {
			target = n
			break
		}
	}
	e.mu.RUnlock()
	if target == nil {
		return false
	}
	f := e.abortFlight(target)
	f.task.Future().MarkCancelled()
	e.finish(f.task, task.Result{Err: op.ErrCancelled})
	return true
}

// cancelNode cancels all work of n and resets its policies.
func (e *Engine) cancelNode(n *node) {
	wasRecovering := n.recovering()
	attempts := n.reconnectAttempts()

	for _, t := range e.queue.RemoveFunc(func(t *task.Task) bool { return t.Node == n.key }) {
		t.Future().MarkCancelled()
		e.finish(t, task.Result{Err: op.ErrCancelled})
	}
	if f := e.abortFlight(n); f != nil {
		f.task.Future().MarkCancelled()
		e.finish(f.task, task.Result{Err: op.ErrCancelled})
	}
	n.resetPolicies()

	switch {
	case n.kind == state.Manager:
		e.update(n, state.Clear(state.Scanning))
	case n.tracker.Current().Has(state.Connected):
		e.update(n, state.ClearRecovery())
	default:
		e.update(n, state.Disconnect())
	}

	if wasRecovering {
		e.emitReconnectEnded(n, op.ErrCancelled, attempts)
	}
	e.log.Info("node cancelled", zap.String("node", n.key), zap.Bool("was_recovering", wasRecovering))
}
