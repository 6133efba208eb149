package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chaz8081/gattflow/internal/handler"
	"github.com/chaz8081/gattflow/internal/op"
	"github.com/chaz8081/gattflow/internal/policy"
	"github.com/chaz8081/gattflow/internal/state"
	"github.com/chaz8081/gattflow/internal/task"
)

type blockKey struct {
	node     string
	priority op.Priority
}

// pump dispatches every task that can run now. A task that cannot run holds
// back later tasks of the same node and priority, which keeps per-node FIFO
// order inside a priority band.
func (e *Engine) pump() {
	if e.pumping {
		e.repump = true
		return
	}
	e.pumping = true
	defer func() { e.pumping = false }()

	for {
		e.repump = false
		e.pumpOnce()
		if !e.repump {
			return
		}
	}
}

func (e *Engine) pumpOnce() {
	if e.closed.Load() {
		return
	}
	now := e.clock.Now()
	var wakeAt time.Time
	blocked := make(map[blockKey]struct{})

	for _, t := range e.queue.Items() {
		if q, ok := e.queue.Find(t.ID); !ok || q != t {
			continue // removed or replaced while dispatching
		}
		if t.Dead() {
			e.queue.Remove(t.ID)
			continue
		}
		bk := blockKey{t.Node, t.Priority}
		if _, ok := blocked[bk]; ok {
			continue
		}
		n := e.lookup(t.Node)
		if n == nil {
			e.queue.Remove(t.ID)
			e.finish(t, task.Result{Err: fmt.Errorf("engine: node %s: %w", t.Node, op.ErrNodeReleased)})
			continue
		}
		if e.busy.Contains(t.Node) {
			blocked[bk] = struct{}{}
			continue
		}
		if t.NotBefore.After(now) {
			blocked[bk] = struct{}{}
			if wakeAt.IsZero() || t.NotBefore.Before(wakeAt) {
				wakeAt = t.NotBefore
			}
			continue
		}
		s := n.tracker.Current()
		if e.rules.Redundant(t.Kind, s) {
			e.queue.Remove(t.ID)
			e.log.Debug("task redundant", zap.Stringer("task", t), zap.Stringer("state", s))
			e.finish(t, task.Result{Redundant: true})
			continue
		}
		if !e.rules.Allowed(t.Kind, s) {
			blocked[bk] = struct{}{}
			continue
		}
		if e.opts.MaxInFlight > 0 && e.busy.Cardinality() >= e.opts.MaxInFlight {
			break
		}
		if e.limiter != nil {
			r := e.limiter.ReserveN(now, 1)
			if d := r.DelayFrom(now); !r.OK() || d > 0 {
				r.CancelAt(now)
				at := now.Add(d)
				if wakeAt.IsZero() || at.Before(wakeAt) {
					wakeAt = at
				}
				break
			}
		}
		e.queue.Remove(t.ID)
		e.start(n, t)
	}
	e.scheduleWake(now, wakeAt)
}

// scheduleWake arranges a pump at the given time, keeping the earliest one.
func (e *Engine) scheduleWake(now, at time.Time) {
	if at.IsZero() {
		return
	}
	if e.wake != nil && !e.wakeAt.After(at) {
		return
	}
	e.wake.Cancel()
	var w *handler.Delayed
	w = e.h.PostDelayed(func() {
		if e.wake == w {
			e.wake = nil
			e.wakeAt = time.Time{}
		}
		e.pump()
	}, at.Sub(now))
	e.wake = w
	e.wakeAt = at
}

// deadline returns how long a task may run before it times out.
func (e *Engine) deadline(t *task.Task) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	d := time.Duration(float64(e.est.Estimate(t.Kind)) * e.opts.SafetyFactor)
	if d < e.est.Floor() {
		d = e.est.Floor()
	}
	if t.Kind == op.Scan {
		d += t.Params.Duration
	}
	return d
}

// start hands t to the adapter. The timeout is armed before the adapter is
// called so a completion can never race ahead of it.
func (e *Engine) start(n *node, t *task.Task) {
	e.update(n, startIntent(t))

	f := &flight{task: t, started: e.clock.Now(), deadline: e.deadline(t)}
	n.flight = f
	e.busy.Add(n.key)
	f.timer = e.h.PostDelayed(func() { e.expire(n, f) }, f.deadline)

	e.log.Debug("task dispatched",
		zap.Stringer("task", t),
		zap.Duration("deadline", f.deadline),
		zap.Int("in_flight", e.busy.Cardinality()))

	h, err := e.adapter.Start(t.Kind, t.Node, t.Params, func(c Completion) {
		e.h.Post(func() { e.complete(n, f, c) })
	})
	if err != nil {
		cause := fmt.Errorf("%w: %w", op.ErrStackRejected, err)
		e.h.Post(func() { e.complete(n, f, Completion{Err: cause}) })
		return
	}
	f.handle = h
}

// expire synthesizes a timeout for a flight that outlived its deadline.
func (e *Engine) expire(n *node, f *flight) {
	if n.flight != f {
		return
	}
	if f.handle != nil {
		if err := e.adapter.Abort(f.handle); err != nil {
			e.log.Debug("abort after timeout failed", zap.Stringer("task", f.task), zap.Error(err))
		}
	}
	e.est.Observe(f.task.Kind, f.deadline)
	e.complete(n, f, Completion{Err: fmt.Errorf("%s after %v: %w", f.task.Kind, f.deadline, op.ErrTimeout)})
}

// complete routes an adapter result. Results for a flight that is no longer
// current are dropped.
func (e *Engine) complete(n *node, f *flight, c Completion) {
	if n.flight != f {
		e.log.Debug("discarding late completion", zap.Stringer("task", f.task), zap.Error(c.Err))
		return
	}
	e.land(n)
	elapsed := e.clock.Since(f.started)
	if c.Err == nil {
		e.succeed(n, f.task, c, elapsed)
	} else {
		e.fail(n, f.task, c.Err, elapsed)
	}
	e.pump()
}

// land clears the node's flight.
func (e *Engine) land(n *node) *flight {
	f := n.flight
	if f == nil {
		return nil
	}
	n.flight = nil
	e.busy.Remove(n.key)
	f.timer.Cancel()
	return f
}

// abortFlight lands the node's flight and asks the adapter to abort it.
func (e *Engine) abortFlight(n *node) *flight {
	f := e.land(n)
	if f == nil {
		return nil
	}
	if f.handle != nil {
		if err := e.adapter.Abort(f.handle); err != nil {
			e.log.Debug("abort failed", zap.Stringer("task", f.task), zap.Error(err))
		}
	}
	e.update(n, failIntent(f.task.Kind, e.adapter.PhysicalState(n.key)))
	return f
}

func (e *Engine) succeed(n *node, t *task.Task, c Completion, elapsed time.Duration) {
	observed := elapsed
	if t.Kind == op.Scan {
		observed -= t.Params.Duration
	}
	e.est.Observe(t.Kind, observed)
	n.failures[t.Kind] = 0
	e.update(n, successIntent(t.Kind))

	switch t.Kind {
	case op.Connect:
		n.retry.Reset()
		n.reconnect.Reset()
		n.lossAt = time.Time{}
		e.dropReconnects(n, nil)
		if e.opts.AutoDiscoverServices && n.kind == state.Device {
			e.autoDiscover(n)
		}
	case op.Disconnect:
		n.reconnect.Reset()
		n.lossAt = time.Time{}
	case op.Bond:
		n.bond.Reset()
	case op.Scan:
		for _, d := range c.Found {
			e.discovered(d)
		}
	}

	e.finish(t, task.Result{
		Value:    c.Value,
		Services: c.Services,
		Found:    c.Found,
		Duration: elapsed,
	})
}

// autoDiscover queues a service discovery after a connect unless one is
// already waiting.
func (e *Engine) autoDiscover(n *node) {
	for _, t := range e.queue.Items() {
		if t.Node == n.key && t.Kind == op.DiscoverServices {
			return
		}
	}
	t := e.NewTask(op.DiscoverServices, n.key, task.Params{})
	t.Implicit = true
	e.queue.Push(t)
}

func (e *Engine) fail(n *node, t *task.Task, err error, elapsed time.Duration) {
	reason := op.ReasonOf(err)
	if reason == op.ReasonLinkLost {
		if t.Kind == op.Disconnect {
			e.succeed(n, t, Completion{}, elapsed)
			return
		}
		e.handleLinkLost(n, t, err)
		return
	}

	n.failures[t.Kind]++
	e.update(n, failIntent(t.Kind, e.adapter.PhysicalState(n.key)))
	e.log.Debug("task failed", zap.Stringer("task", t), zap.Stringer("reason", reason), zap.Error(err))

	if reason == op.ReasonInvalidState || reason == op.ReasonCancelled {
		e.finish(t, task.Result{Err: err})
		return
	}

	ev := policy.Event{
		Kind:         t.Kind,
		Node:         n.key,
		Reason:       reason,
		Attempt:      t.Attempt + 1,
		NodeFailures: n.failures[t.Kind],
		SinceLoss:    e.sinceLoss(n),
	}
	if t.Implicit && t.Kind == op.Connect {
		e.finish(t, task.Result{Err: err})
		e.recover(n, n.reconnect.Decide(ev), err)
		return
	}

	var d policy.Decision
	if t.Kind == op.Bond {
		d = n.bond.Decide(ev)
	} else {
		d = n.retry.Decide(ev)
	}
	e.log.Debug("policy decision", zap.Stringer("task", t), zap.Stringer("decision", d))

	now := e.clock.Now()
	switch d.Action {
	case policy.RetryNow:
		e.queue.Push(t.Retry(time.Time{}))
	case policy.RetryWithDelay:
		e.queue.Push(t.Retry(now.Add(d.Delay)))
	case policy.ReconnectLink:
		// the operation needs a fresh link; it waits in the queue for it
		e.queue.Push(t.Retry(time.Time{}))
		if n.lossAt.IsZero() {
			n.lossAt = now
		}
		e.recover(n, d, err)
	default:
		e.abandon(n, t, err)
	}
}

// abandon finalizes t after its policy gave up.
func (e *Engine) abandon(n *node, t *task.Task, cause error) {
	switch t.Kind {
	case op.Connect:
		e.update(n, state.Clear(state.RetryingConnection))
	case op.Bond:
		if bp, ok := n.bond.(interface{ DisconnectOnFailure() bool }); ok && bp.DisconnectOnFailure() {
			dt := e.NewTask(op.Disconnect, n.key, task.Params{})
			dt.Priority = op.Critical
			dt.Implicit = true
			e.queue.Push(dt)
			e.log.Warn("bonding abandoned, disconnecting", zap.String("node", n.key))
		}
		n.bond.Reset()
	}
	e.finish(t, task.Result{Err: fmt.Errorf("%w: %w", op.ErrPolicyAbandoned, cause)})
}

// finish fulfils t's future and reports the outcome.
func (e *Engine) finish(t *task.Task, res task.Result) {
	res.Task = t.ID
	res.Kind = t.Kind
	res.Node = t.Node
	res.Retries = t.Attempt
	if !t.Future().Fulfill(res) {
		return
	}
	ev := TaskEvent{
		Task:      t.ID,
		Kind:      t.Kind,
		Node:      t.Node,
		Priority:  t.Priority,
		Implicit:  t.Implicit,
		Value:     res.Value,
		Err:       res.Err,
		Reason:    op.ReasonOf(res.Err),
		Retries:   res.Retries,
		Redundant: res.Redundant,
		Duration:  res.Duration,
		At:        e.clock.Now(),
	}
	if res.Err != nil {
		e.log.Info("task failed", zap.Stringer("task", t), zap.Stringer("reason", ev.Reason), zap.Error(res.Err))
	} else {
		e.log.Debug("task complete", zap.Stringer("task", t), zap.Duration("duration", res.Duration))
	}
	for _, l := range e.snapshotListeners() {
		l.OnTaskComplete(ev)
	}
	if e.opts.History != nil {
		e.opts.History.RecordTask(ev)
	}
}

// update applies intent to n and reports the change.
func (e *Engine) update(n *node, intent state.Intent) state.Change {
	c := n.tracker.Update(intent)
	if c.Changed() == 0 {
		return c
	}
	if err := state.Validate(n.kind, c.New); err != nil {
		e.log.Warn("node entered an inconsistent state", zap.String("node", n.key), zap.Stringer("intent", intent), zap.Error(err))
	}
	ev := StateEvent{
		Node:    n.key,
		Kind:    n.kind,
		Old:     c.Old,
		New:     c.New,
		Changed: c.Changed(),
		At:      c.At,
	}
	e.log.Debug("state changed", zap.String("node", n.key), zap.Stringer("old", c.Old), zap.Stringer("new", c.New))
	for _, l := range e.snapshotListeners() {
		l.OnStateChange(ev)
	}
	if e.opts.History != nil {
		e.opts.History.RecordState(ev)
	}
	return c
}

func (e *Engine) snapshotListeners() []Listener {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Listener, 0, len(e.listeners))
	for id := 0; id < e.nextID; id++ {
		if l, ok := e.listeners[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (e *Engine) sinceLoss(n *node) time.Duration {
	if n.lossAt.IsZero() {
		return 0
	}
	return e.clock.Since(n.lossAt)
}
