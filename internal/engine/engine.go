// Package engine schedules radio operations for many nodes against one
// adapter. All scheduling, state mutation and policy decisions happen on a
// single handler goroutine; public methods are safe from any goroutine and
// marshal their work onto it.
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chaz8081/gattflow/internal/estimate"
	"github.com/chaz8081/gattflow/internal/handler"
	"github.com/chaz8081/gattflow/internal/op"
	"github.com/chaz8081/gattflow/internal/policy"
	"github.com/chaz8081/gattflow/internal/state"
	"github.com/chaz8081/gattflow/internal/task"
)

// Engine owns an arena of nodes, the task queue and the handler that runs
// the dispatch loop.
type Engine struct {
	opts    Options
	adapter Adapter
	clock   clock.Clock
	log     *zap.Logger
	h       *handler.Handler
	session uuid.UUID
	rules   task.Rules
	est     *estimate.Estimator[op.Kind]
	limiter *rate.Limiter
	closed  atomic.Bool

	// enqMu is held for reading while a task is posted, so Close cannot
	// slip between the closed check and the post.
	enqMu sync.RWMutex

	mu        sync.RWMutex
	nodes     map[string]*node
	released  map[string]struct{}
	listeners map[int]Listener
	nextID    int

	// owned by the handler goroutine
	queue   task.Queue
	busy    mapset.Set[string]
	wake    *handler.Delayed
	wakeAt  time.Time
	pumping bool
	repump  bool
}

// New builds an engine around adapter and starts its handler.
func New(adapter Adapter, opts Options) *Engine {
	opts.normalize()
	e := &Engine{
		opts:      opts,
		adapter:   adapter,
		clock:     opts.Clock,
		session:   uuid.New(),
		rules:     opts.Rules.WithDefaults(),
		nodes:     make(map[string]*node),
		released:  make(map[string]struct{}),
		listeners: make(map[int]Listener),
		busy:      mapset.NewThreadUnsafeSet[string](),
	}
	e.log = opts.Logger.Named("engine").With(zap.String("session", e.session.String()))
	e.h = handler.New(opts.Clock, e.log)

	estOpts := opts.Estimator
	e.est = estimate.New[op.Kind](estOpts)
	for _, k := range op.Kinds() {
		e.est.Seed(k, opts.kind(k).Timeout)
	}
	if opts.DispatchRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.DispatchRate), opts.DispatchBurst)
	}

	e.nodes[ManagerKey] = e.newNode(ManagerKey, state.Manager)

	if dn, ok := adapter.(DisconnectNotifier); ok {
		dn.OnDisconnect(func(key string, err error) {
			e.LinkLost(key, err)
		})
	}

	e.log.Info("engine started",
		zap.Float64("safety_factor", opts.SafetyFactor),
		zap.Int("max_in_flight", opts.MaxInFlight),
		zap.Bool("auto_reconnect", opts.AutoReconnect))
	return e
}

// Session returns the random id of this engine instance.
func (e *Engine) Session() uuid.UUID { return e.session }

func (e *Engine) newNode(key string, kind state.NodeKind) *node {
	raw := e.adapter.PhysicalState(key)
	n := &node{
		key:           key,
		kind:          kind,
		tracker:       state.NewTracker(kind, initialState(kind, raw), e.clock),
		autoReconnect: e.opts.AutoReconnect,
		failures:      make(map[op.Kind]int),
	}
	if f := e.opts.NewRetryPolicy; f != nil {
		n.retry = f(key)
	} else {
		n.retry = policy.NewOperationRetry(e.opts.Retry)
	}
	if f := e.opts.NewReconnectPolicy; f != nil {
		n.reconnect = f(key)
	} else {
		n.reconnect = policy.NewReconnect(e.opts.Reconnect)
	}
	if f := e.opts.NewBondPolicy; f != nil {
		n.bond = f(key)
	} else {
		n.bond = policy.NewBondRetry(e.opts.Bond)
	}
	return n
}

// lookup returns the node for key, or nil.
func (e *Engine) lookup(key string) *node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nodes[key]
}

// ensure returns the node for key, creating it with kind if needed. A
// released key is only recreated when revive is set.
func (e *Engine) ensure(key string, kind state.NodeKind, revive bool) (*node, error) {
	if key == "" {
		return nil, fmt.Errorf("engine: empty node key")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.nodes[key]; ok {
		return n, nil
	}
	if _, gone := e.released[key]; gone {
		if !revive {
			return nil, fmt.Errorf("engine: node %s: %w", key, op.ErrNodeReleased)
		}
		delete(e.released, key)
	}
	n := e.newNode(key, kind)
	e.nodes[key] = n
	e.log.Debug("node created", zap.String("node", key), zap.Stringer("kind", kind), zap.Stringer("state", n.tracker.Current()))
	return n, nil
}

// Device registers a device node, recreating it if it was released.
func (e *Engine) Device(key string) error {
	_, err := e.ensure(key, state.Device, true)
	return err
}

// Server registers a server node, recreating it if it was released.
func (e *Engine) Server(key string) error {
	_, err := e.ensure(key, state.Server, true)
	return err
}

// Nodes returns the keys of all live nodes.
func (e *Engine) Nodes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.nodes))
	for k := range e.nodes {
		out = append(out, k)
	}
	return out
}

// State returns the current state of a node.
func (e *Engine) State(key string) (state.State, bool) {
	n := e.lookup(key)
	if n == nil {
		return 0, false
	}
	return n.tracker.Current(), true
}

// TimeInState returns how long flag f has been set on a node.
func (e *Engine) TimeInState(key string, f state.Flag) time.Duration {
	n := e.lookup(key)
	if n == nil {
		return 0
	}
	return n.tracker.TimeIn(f)
}

// Estimate returns the current duration estimate for kind k.
func (e *Engine) Estimate(k op.Kind) time.Duration { return e.est.Estimate(k) }

// Subscribe registers l and returns a function that removes it.
func (e *Engine) Subscribe(l Listener) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// NewTask returns a task for kind on node using the configured priority.
func (e *Engine) NewTask(kind op.Kind, key string, params task.Params) *task.Task {
	t := task.New(kind, key, params)
	t.Priority = e.opts.kind(kind).Priority
	return t
}

// Enqueue submits t. Errors are caller mistakes and are returned at once:
// an invalid kind, a closed engine, or a released node.
func (e *Engine) Enqueue(t *task.Task) (*task.Future, error) {
	if e.closed.Load() {
		return nil, op.ErrClosed
	}
	if !t.Kind.Valid() {
		return nil, fmt.Errorf("engine: enqueue: invalid kind %d", t.Kind)
	}
	if t.Kind == op.Scan {
		t.Node = ManagerKey
	}
	kind := state.Device
	if t.Kind == op.SendNotification {
		kind = state.Server
	}
	if _, err := e.ensure(t.Node, kind, false); err != nil {
		e.log.Error("enqueue rejected", zap.Stringer("task", t), zap.Error(err))
		return nil, err
	}
	e.enqMu.RLock()
	defer e.enqMu.RUnlock()
	if e.closed.Load() {
		return nil, op.ErrClosed
	}
	f := t.Future()
	if !e.h.Post(func() {
		if e.closed.Load() {
			e.finish(t, task.Result{Err: op.ErrClosed})
			return
		}
		e.softCancel(t)
		e.queue.Push(t)
		e.log.Debug("task queued", zap.Stringer("task", t), zap.Int("queue_len", e.queue.Len()))
		e.pump()
	}) {
		return nil, op.ErrClosed
	}
	return f, nil
}

func (e *Engine) submit(kind op.Kind, key string, params task.Params) (*task.Future, error) {
	return e.Enqueue(e.NewTask(kind, key, params))
}

// Connect queues a connection to a device.
func (e *Engine) Connect(key string) (*task.Future, error) {
	return e.submit(op.Connect, key, task.Params{})
}

// Disconnect stops any reconnect in progress for the node and queues a
// disconnect. Tasks already queued for the node that need a connection are
// cancelled.
func (e *Engine) Disconnect(key string) (*task.Future, error) {
	if n := e.lookup(key); n != nil {
		e.h.Run(func() { e.stopRecovery(n, op.ErrCancelled) })
	}
	return e.submit(op.Disconnect, key, task.Params{})
}

// DiscoverServices queues a service discovery.
func (e *Engine) DiscoverServices(key string) (*task.Future, error) {
	return e.submit(op.DiscoverServices, key, task.Params{})
}

// Read queues a characteristic read.
func (e *Engine) Read(key, service, characteristic string) (*task.Future, error) {
	return e.submit(op.Read, key, task.Params{Service: service, Characteristic: characteristic})
}

// Write queues a characteristic write.
func (e *Engine) Write(key, service, characteristic string, data []byte, noResponse bool) (*task.Future, error) {
	return e.submit(op.Write, key, task.Params{
		Service:        service,
		Characteristic: characteristic,
		Data:           append([]byte(nil), data...),
		NoResponse:     noResponse,
	})
}

// SetNotify queues enabling or disabling notifications.
func (e *Engine) SetNotify(key, service, characteristic string, enable bool) (*task.Future, error) {
	return e.submit(op.ToggleNotify, key, task.Params{Service: service, Characteristic: characteristic, Enable: enable})
}

// ReadRSSI queues a signal strength read.
func (e *Engine) ReadRSSI(key string) (*task.Future, error) {
	return e.submit(op.ReadRSSI, key, task.Params{})
}

// SetMTU queues an MTU negotiation.
func (e *Engine) SetMTU(key string, mtu int) (*task.Future, error) {
	return e.submit(op.SetMTU, key, task.Params{MTU: mtu})
}

// Bond queues bonding with a connected device.
func (e *Engine) Bond(key string) (*task.Future, error) {
	return e.submit(op.Bond, key, task.Params{})
}

// Unbond queues removal of a bond.
func (e *Engine) Unbond(key string) (*task.Future, error) {
	return e.submit(op.Unbond, key, task.Params{})
}

// Scan queues a scan of duration d on the manager node.
func (e *Engine) Scan(d time.Duration) (*task.Future, error) {
	return e.submit(op.Scan, ManagerKey, task.Params{Duration: d})
}

// SetAutoReconnect turns automatic recovery after link loss on or off for
// a node.
func (e *Engine) SetAutoReconnect(key string, on bool) error {
	n, err := e.ensure(key, state.Device, false)
	if err != nil {
		return err
	}
	e.h.Run(func() { n.autoReconnect = on })
	return nil
}

// SetRadio records whether the radio is powered.
func (e *Engine) SetRadio(on bool) {
	e.h.Post(func() {
		n := e.lookup(ManagerKey)
		if on {
			e.update(n, state.EnterRadio(state.RadioOn))
		} else {
			e.update(n, state.EnterRadio(state.RadioOff))
		}
		e.pump()
	})
}

// Discovered records a peripheral reported by a scan/filter subsystem.
func (e *Engine) Discovered(d op.Discovery) {
	e.h.Post(func() {
		e.discovered(d)
		e.pump()
	})
}

func (e *Engine) discovered(d op.Discovery) {
	n, err := e.ensure(d.Key, state.Device, false)
	if err != nil {
		e.log.Debug("ignoring discovery of released node", zap.String("node", d.Key))
		return
	}
	e.update(n, state.Set(state.Discovered))
}

// LinkLost reports that the link to a node dropped.
func (e *Engine) LinkLost(key string, cause error) {
	e.h.Post(func() {
		n := e.lookup(key)
		if n == nil {
			return
		}
		e.linkLost(n, cause)
		e.pump()
	})
}

// Cancel cancels a task by id. It reports whether a live task was found.
func (e *Engine) Cancel(id uuid.UUID) bool {
	var found bool
	e.h.Run(func() {
		found = e.cancelTask(id)
		e.pump()
	})
	return found
}

// CancelNode cancels every task of a node, including pending reconnects,
// and resets its policies.
func (e *Engine) CancelNode(key string) {
	e.h.Run(func() {
		if n := e.lookup(key); n != nil {
			e.cancelNode(n)
			e.pump()
		}
	})
}

// Release cancels a node's work, disconnects it and removes it from the
// arena. Later Enqueue calls for key fail with op.ErrNodeReleased.
func (e *Engine) Release(key string) {
	if key == ManagerKey {
		return
	}
	e.h.Run(func() {
		n := e.lookup(key)
		if n == nil {
			return
		}
		e.cancelNode(n)
		if !n.tracker.Current().Has(state.Disconnected) || e.adapter.PhysicalState(key).Connected {
			if _, err := e.adapter.Start(op.Disconnect, key, task.Params{}, func(Completion) {}); err != nil {
				e.log.Warn("release: disconnect failed", zap.String("node", key), zap.Error(err))
			}
		}
		e.mu.Lock()
		delete(e.nodes, key)
		e.released[key] = struct{}{}
		e.mu.Unlock()
		e.log.Info("node released", zap.String("node", key))
		e.pump()
	})
}

// Pending returns the number of queued and in-flight tasks for a node.
func (e *Engine) Pending(key string) int {
	var n int
	e.h.Run(func() {
		for _, t := range e.queue.Items() {
			if t.Node == key {
				n++
			}
		}
		if nd := e.lookup(key); nd != nil && nd.flight != nil {
			n++
		}
	})
	return n
}

// Close fails all outstanding work with op.ErrClosed and stops the handler.
func (e *Engine) Close() {
	e.enqMu.Lock()
	swapped := e.closed.CompareAndSwap(false, true)
	e.enqMu.Unlock()
	if !swapped {
		return
	}
	e.h.Run(func() {
		e.wake.Cancel()
		for _, t := range e.queue.RemoveFunc(func(*task.Task) bool { return true }) {
			e.finish(t, task.Result{Err: op.ErrClosed})
		}
		e.mu.RLock()
		nodes := make([]*node, 0, len(e.nodes))
		for _, n := range e.nodes {
			nodes = append(nodes, n)
		}
		e.mu.RUnlock()
		for _, n := range nodes {
			if f := e.abortFlight(n); f != nil {
				e.finish(f.task, task.Result{Err: op.ErrClosed})
			}
		}
	})
	e.h.Close()
	e.log.Info("engine closed")
}
