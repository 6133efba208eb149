package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/chaz8081/gattflow/internal/op"
	"github.com/chaz8081/gattflow/internal/state"
	"github.com/chaz8081/gattflow/internal/task"
)

// fakeCall records one Start.
type fakeCall struct {
	id     int
	kind   op.Kind
	node   string
	params task.Params
	state  state.State // node state when the call was made
	done   func(Completion)
}

// fakeAdapter completes operations immediately unless their kind is held,
// in which case the test finishes them through the recorded call.
type fakeAdapter struct {
	mu       sync.Mutex
	engine   *Engine
	calls    []fakeCall
	aborts   []int
	held     map[op.Kind]bool
	reject   map[op.Kind]error
	results  map[op.Kind]func(fakeCall) Completion
	raw      map[string]RawState
	radioOn  bool
	onLinkCb func(string, error)
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		held:    make(map[op.Kind]bool),
		reject:  make(map[op.Kind]error),
		results: make(map[op.Kind]func(fakeCall) Completion),
		raw:     make(map[string]RawState),
		radioOn: true,
	}
}

func (a *fakeAdapter) Start(kind op.Kind, node string, params task.Params, done func(Completion)) (Handle, error) {
	var st state.State
	if a.engine != nil {
		st, _ = a.engine.State(node)
	}

	a.mu.Lock()
	c := fakeCall{id: len(a.calls) + 1, kind: kind, node: node, params: params, state: st, done: done}
	a.calls = append(a.calls, c)
	if err := a.reject[kind]; err != nil {
		a.mu.Unlock()
		return nil, err
	}
	held := a.held[kind]
	result := a.results[kind]
	a.mu.Unlock()

	if !held {
		var comp Completion
		if result != nil {
			comp = result(c)
		}
		done(comp)
	}
	return c.id, nil
}

func (a *fakeAdapter) Abort(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := h.(int)
	if !ok {
		return fmt.Errorf("fake: bad handle %v", h)
	}
	a.aborts = append(a.aborts, id)
	return nil
}

func (a *fakeAdapter) PhysicalState(node string) RawState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if node == ManagerKey {
		return RawState{RadioOn: a.radioOn}
	}
	return a.raw[node]
}

func (a *fakeAdapter) OnDisconnect(fn func(string, error)) {
	a.mu.Lock()
	a.onLinkCb = fn
	a.mu.Unlock()
}

// dropLink simulates the stack reporting a disconnect.
func (a *fakeAdapter) dropLink(node string) {
	a.mu.Lock()
	fn := a.onLinkCb
	a.mu.Unlock()
	fn(node, errors.New("supervision timeout"))
}

func (a *fakeAdapter) hold(kinds ...op.Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range kinds {
		a.held[k] = true
	}
}

func (a *fakeAdapter) release(kinds ...op.Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range kinds {
		delete(a.held, k)
	}
}

func (a *fakeAdapter) setReject(k op.Kind, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.reject, k)
		return
	}
	a.reject[k] = err
}

func (a *fakeAdapter) snapshot() []fakeCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]fakeCall, len(a.calls))
	copy(out, a.calls)
	return out
}

func (a *fakeAdapter) callsOf(k op.Kind) []fakeCall {
	var out []fakeCall
	for _, c := range a.snapshot() {
		if c.kind == k {
			out = append(out, c)
		}
	}
	return out
}

func (a *fakeAdapter) abortCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.aborts)
}

// last returns the most recent call of kind k.
func (a *fakeAdapter) last(t *testing.T, k op.Kind) fakeCall {
	t.Helper()
	calls := a.callsOf(k)
	if len(calls) == 0 {
		t.Fatalf("no %v calls recorded", k)
	}
	return calls[len(calls)-1]
}

// recorder collects listener events.
type recorder struct {
	mu        sync.Mutex
	states    []StateEvent
	tasks     []TaskEvent
	reconnect []ReconnectEvent
}

func (r *recorder) OnStateChange(ev StateEvent) {
	r.mu.Lock()
	r.states = append(r.states, ev)
	r.mu.Unlock()
}

func (r *recorder) OnTaskComplete(ev TaskEvent) {
	r.mu.Lock()
	r.tasks = append(r.tasks, ev)
	r.mu.Unlock()
}

func (r *recorder) OnReconnectEnded(ev ReconnectEvent) {
	r.mu.Lock()
	r.reconnect = append(r.reconnect, ev)
	r.mu.Unlock()
}

func (r *recorder) statesFor(node string) []state.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []state.State
	for _, ev := range r.states {
		if ev.Node == node {
			out = append(out, ev.New)
		}
	}
	return out
}

func (r *recorder) reconnectEvents() []ReconnectEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReconnectEvent(nil), r.reconnect...)
}

// testEngine builds an engine over a fake adapter with a mock clock.
func testEngine(t *testing.T, tweak func(*Options)) (*Engine, *fakeAdapter, *clock.Mock, *recorder) {
	t.Helper()
	clk := clock.NewMock()
	a := newFakeAdapter()
	opts := DefaultOptions()
	opts.Clock = clk
	if tweak != nil {
		tweak(&opts)
	}
	e := New(a, opts)
	a.engine = e
	rec := &recorder{}
	e.Subscribe(rec)
	t.Cleanup(e.Close)
	return e, a, clk, rec
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle lets the handler drain everything posted so far.
func settle(e *Engine) {
	for i := 0; i < 3; i++ {
		e.h.Run(func() {})
		time.Sleep(time.Millisecond)
	}
}

// connectReady connects key and waits until services are discovered.
func connectReady(t *testing.T, e *Engine, key string) {
	t.Helper()
	if _, err := e.Connect(key); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, key+" ready", func() bool {
		s, _ := e.State(key)
		return s.HasAll(state.Of(state.Connected, state.ServicesDiscovered))
	})
}

// queued reports whether a queued task matches.
func queued(e *Engine, match func(*task.Task) bool) bool {
	var found bool
	e.h.Run(func() {
		for _, t := range e.queue.Items() {
			if match(t) {
				found = true
				return
			}
		}
	})
	return found
}

func (r *recorder) eventsFor(node string) []StateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StateEvent
	for _, ev := range r.states {
		if ev.Node == node {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) tasksFor(id uuid.UUID) []TaskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TaskEvent
	for _, ev := range r.tasks {
		if ev.Task == id {
			out = append(out, ev)
		}
	}
	return out
}

// memSink is an in-memory HistorySink.
type memSink struct {
	mu     sync.Mutex
	states []StateEvent
	tasks  []TaskEvent
}

func (s *memSink) RecordState(ev StateEvent) {
	s.mu.Lock()
	s.states = append(s.states, ev)
	s.mu.Unlock()
}

func (s *memSink) RecordTask(ev TaskEvent) {
	s.mu.Lock()
	s.tasks = append(s.tasks, ev)
	s.mu.Unlock()
}

func (r *recorder) tasksOf(k op.Kind) []TaskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TaskEvent
	for _, ev := range r.tasks {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// nextReconnect returns when the queued reconnect for key is due.
func nextReconnect(e *Engine, key string) (time.Time, bool) {
	var (
		at time.Time
		ok bool
	)
	e.h.Run(func() {
		for _, t := range e.queue.Items() {
			if t.Node == key && t.Implicit && t.Kind == op.Connect {
				at, ok = t.NotBefore, true
				return
			}
		}
	})
	return at, ok
}
