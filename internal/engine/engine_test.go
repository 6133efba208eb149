package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/gattflow/internal/op"
	"github.com/chaz8081/gattflow/internal/state"
	"github.com/chaz8081/gattflow/internal/task"
)

const (
	svc = "180d"
	chr = "2a37"
)

func wait(t *testing.T, f *task.Future) (task.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("task %v did not complete", r.Task)
	}
	return r, err
}

// must fails the test when an enqueue call returns an error.
func must(t *testing.T) func(*task.Future, error) *task.Future {
	return func(f *task.Future, err error) *task.Future {
		t.Helper()
		if err != nil {
			t.Fatalf("enqueue error = %v", err)
		}
		return f
	}
}

func TestConnectStateSequence(t *testing.T) {
	e, a, _, rec := testEngine(t, func(o *Options) { o.AutoDiscoverServices = false })

	f := must(t)(e.Connect("dev"))
	if _, err := wait(t, f); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	events := rec.eventsFor("dev")
	if len(events) != 2 {
		t.Fatalf("got %d state events, want 2: %v", len(events), rec.statesFor("dev"))
	}
	if !events[0].Old.Has(state.Disconnected) {
		t.Errorf("first Old = %v, want Disconnected", events[0].Old)
	}
	if !events[0].New.Has(state.Connecting) {
		t.Errorf("first New = %v, want Connecting", events[0].New)
	}
	if !events[1].New.Has(state.Connected) || events[1].New.Has(state.Connecting) {
		t.Errorf("second New = %v, want Connected only", events[1].New)
	}
	if len(a.callsOf(op.DiscoverServices)) != 0 {
		t.Error("services discovered with auto discovery off")
	}
	if got := a.last(t, op.Connect).state; !got.Has(state.Connecting) {
		t.Errorf("adapter saw %v, want Connecting", got)
	}
}

func TestConnectDiscoversServices(t *testing.T) {
	e, a, _, _ := testEngine(t, nil)
	connectReady(t, e, "dev")

	if n := len(a.callsOf(op.DiscoverServices)); n != 1 {
		t.Errorf("DiscoverServices calls = %d, want 1", n)
	}
}

func TestReadTimeoutAbandonsAfterMaxRetries(t *testing.T) {
	e, a, clk, _ := testEngine(t, func(o *Options) {
		o.Kinds[op.Read] = KindOptions{Priority: op.Low, Timeout: time.Second, MaxRetries: 2}
		o.SafetyFactor = 1
	})
	connectReady(t, e, "dev")
	a.hold(op.Read)

	f := must(t)(e.Read("dev", svc, chr))
	for i := 1; i <= 3; i++ {
		waitFor(t, "read attempt", func() bool { return len(a.callsOf(op.Read)) == i })
		clk.Add(time.Second)
	}

	r, err := wait(t, f)
	if !errors.Is(err, op.ErrPolicyAbandoned) {
		t.Errorf("Read() error = %v, want ErrPolicyAbandoned", err)
	}
	if !errors.Is(err, op.ErrTimeout) {
		t.Errorf("Read() error = %v, want it to wrap ErrTimeout", err)
	}
	if r.Retries != 2 {
		t.Errorf("Retries = %d, want 2", r.Retries)
	}
	settle(e)
	if n := len(a.callsOf(op.Read)); n != 3 {
		t.Errorf("Read calls = %d, want 3", n)
	}
	if n := a.abortCount(); n != 3 {
		t.Errorf("aborts = %d, want 3", n)
	}
	if got := e.Estimate(op.Read); got != time.Second {
		t.Errorf("Estimate(Read) = %v, want 1s", got)
	}
}

func TestLinkLossKeepsQueuedTasks(t *testing.T) {
	e, a, _, rec := testEngine(t, nil)
	connectReady(t, e, "dev")
	a.hold(op.Write, op.Connect)

	wf := must(t)(e.Write("dev", svc, chr, []byte{1}, false))
	waitFor(t, "write in flight", func() bool { return len(a.callsOf(op.Write)) == 1 })
	var reads []*task.Future
	for i := 0; i < 3; i++ {
		reads = append(reads, must(t)(e.Read("dev", svc, chr)))
	}
	settle(e)
	if n := e.Pending("dev"); n != 4 {
		t.Fatalf("Pending() = %d, want 4", n)
	}

	a.dropLink("dev")
	waitFor(t, "reconnect attempt", func() bool { return len(a.callsOf(op.Connect)) == 2 })
	settle(e)

	s, _ := e.State("dev")
	if !s.Has(state.ReconnectingShortTerm) {
		t.Errorf("State() = %v, want ReconnectingShortTerm", s)
	}
	if n := len(a.callsOf(op.Read)); n != 0 {
		t.Errorf("Read calls during recovery = %d, want 0", n)
	}
	if n := e.Pending("dev"); n != 5 {
		t.Errorf("Pending() = %d, want 5", n)
	}

	a.release(op.Write)
	a.last(t, op.Connect).done(Completion{})

	if _, err := wait(t, wf); err != nil {
		t.Errorf("Write() error = %v", err)
	}
	for _, f := range reads {
		r, err := wait(t, f)
		if err != nil {
			t.Errorf("Read() error = %v", err)
		}
		if r.Retries != 0 {
			t.Errorf("Read() Retries = %d, want 0", r.Retries)
		}
	}
	for _, c := range a.callsOf(op.Read) {
		if !c.state.HasAll(state.Of(state.Connected, state.ServicesDiscovered)) {
			t.Errorf("read dispatched in %v", c.state)
		}
	}
	if n := len(a.callsOf(op.Write)); n != 2 {
		t.Errorf("Write calls = %d, want 2", n)
	}
	if evs := rec.reconnectEvents(); len(evs) != 0 {
		t.Errorf("reconnect events = %v, want none", evs)
	}
}

func TestHigherPriorityDispatchesFirst(t *testing.T) {
	e, a, _, _ := testEngine(t, nil)
	connectReady(t, e, "dev")
	a.hold(op.Write)

	must(t)(e.Write("dev", svc, chr, nil, false))
	waitFor(t, "write in flight", func() bool { return len(a.callsOf(op.Write)) == 1 })

	low := e.NewTask(op.Read, "dev", task.Params{Service: svc, Characteristic: "low"})
	low.Priority = op.Low
	high := e.NewTask(op.Read, "dev", task.Params{Service: svc, Characteristic: "high"})
	high.Priority = op.High
	lf := must(t)(e.Enqueue(low))
	hf := must(t)(e.Enqueue(high))
	settle(e)

	a.last(t, op.Write).done(Completion{})
	wait(t, lf)
	wait(t, hf)

	reads := a.callsOf(op.Read)
	if len(reads) != 2 {
		t.Fatalf("Read calls = %d, want 2", len(reads))
	}
	if got := reads[0].params.Characteristic; got != "high" {
		t.Errorf("first read = %q, want high", got)
	}
}

func TestSameNodeKeepsOrder(t *testing.T) {
	e, a, _, _ := testEngine(t, nil)
	connectReady(t, e, "dev")
	a.hold(op.Write)

	wf := must(t)(e.Write("dev", svc, chr, []byte{1}, false))
	rf := must(t)(e.Read("dev", svc, chr))
	waitFor(t, "write in flight", func() bool { return len(a.callsOf(op.Write)) == 1 })
	settle(e)
	if n := len(a.callsOf(op.Read)); n != 0 {
		t.Fatalf("Read dispatched while write in flight")
	}

	a.last(t, op.Write).done(Completion{})
	wait(t, wf)
	wait(t, rf)
}

func TestIncompatibleTaskWaits(t *testing.T) {
	e, a, _, _ := testEngine(t, nil)

	f := must(t)(e.Read("dev", svc, chr))
	settle(e)
	if n := len(a.callsOf(op.Read)); n != 0 {
		t.Errorf("Read dispatched on a disconnected node")
	}
	if n := e.Pending("dev"); n != 1 {
		t.Errorf("Pending() = %d, want 1", n)
	}
	if f.Fulfilled() {
		t.Error("future fulfilled while waiting")
	}

	connectReady(t, e, "dev")
	if _, err := wait(t, f); err != nil {
		t.Errorf("Read() error = %v", err)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	e, a, _, _ := testEngine(t, nil)

	rt := e.NewTask(op.Read, "dev", task.Params{Service: svc, Characteristic: chr})
	f := must(t)(e.Enqueue(rt))
	if !e.Cancel(rt.ID) {
		t.Fatal("Cancel() = false, want true")
	}
	if _, err := wait(t, f); !errors.Is(err, op.ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}
	if !f.Cancelled() {
		t.Error("Cancelled() = false")
	}
	if e.Cancel(rt.ID) {
		t.Error("second Cancel() = true, want false")
	}

	connectReady(t, e, "dev")
	settle(e)
	if n := len(a.callsOf(op.Read)); n != 0 {
		t.Errorf("cancelled read dispatched %d times", n)
	}
}

func TestLateCompletionDiscarded(t *testing.T) {
	e, a, _, rec := testEngine(t, nil)
	connectReady(t, e, "dev")
	a.hold(op.Read)

	rt := e.NewTask(op.Read, "dev", task.Params{Service: svc, Characteristic: chr})
	f := must(t)(e.Enqueue(rt))
	waitFor(t, "read in flight", func() bool { return len(a.callsOf(op.Read)) == 1 })

	if !e.Cancel(rt.ID) {
		t.Fatal("Cancel() = false, want true")
	}
	if n := a.abortCount(); n != 1 {
		t.Errorf("aborts = %d, want 1", n)
	}
	a.last(t, op.Read).done(Completion{Value: []byte("late")})
	settle(e)

	r, err := wait(t, f)
	if !errors.Is(err, op.ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}
	if r.Value != nil {
		t.Errorf("Value = %q, want nil", r.Value)
	}
	if n := len(rec.tasksFor(rt.ID)); n != 1 {
		t.Errorf("task events = %d, want 1", n)
	}
}

func TestReleaseRejectsEnqueue(t *testing.T) {
	e, a, _, _ := testEngine(t, nil)
	connectReady(t, e, "dev")
	a.hold(op.Read)
	f := must(t)(e.Read("dev", svc, chr))
	waitFor(t, "read in flight", func() bool { return len(a.callsOf(op.Read)) == 1 })

	e.Release("dev")
	if _, err := wait(t, f); !errors.Is(err, op.ErrCancelled) {
		t.Errorf("in-flight error = %v, want ErrCancelled", err)
	}
	if n := len(a.callsOf(op.Disconnect)); n != 1 {
		t.Errorf("Disconnect calls = %d, want 1", n)
	}
	if _, ok := e.State("dev"); ok {
		t.Error("State() found a released node")
	}
	if _, err := e.Read("dev", svc, chr); !errors.Is(err, op.ErrNodeReleased) {
		t.Errorf("Read() after Release error = %v, want ErrNodeReleased", err)
	}

	if err := e.Device("dev"); err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if _, err := e.Read("dev", svc, chr); err != nil {
		t.Errorf("Read() after Device error = %v", err)
	}
}

func TestRedundantDisconnect(t *testing.T) {
	e, a, _, _ := testEngine(t, nil)

	r, err := wait(t, must(t)(e.Disconnect("dev")))
	if err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !r.Redundant {
		t.Error("Redundant = false, want true")
	}
	if n := len(a.callsOf(op.Disconnect)); n != 0 {
		t.Errorf("Disconnect calls = %d, want 0", n)
	}
}

func TestScanDiscoversNodes(t *testing.T) {
	e, a, _, _ := testEngine(t, nil)
	a.results[op.Scan] = func(fakeCall) Completion {
		return Completion{Found: []op.Discovery{{Key: "AA:BB", Name: "hrm", RSSI: -60}}}
	}

	r, err := wait(t, must(t)(e.Scan(time.Second)))
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(r.Found) != 1 {
		t.Fatalf("Found = %v, want one entry", r.Found)
	}
	s, ok := e.State("AA:BB")
	if !ok || !s.Has(state.Discovered) {
		t.Errorf("State(AA:BB) = %v, %v; want Discovered", s, ok)
	}
	if m, _ := e.State(ManagerKey); m.Has(state.Scanning) {
		t.Errorf("manager still scanning: %v", m)
	}
}

func TestExplicitConnectRetriesThenAbandons(t *testing.T) {
	e, a, _, rec := testEngine(t, nil)
	a.setReject(op.Connect, errors.New("controller busy"))

	_, err := wait(t, must(t)(e.Connect("dev")))
	if !errors.Is(err, op.ErrPolicyAbandoned) || !errors.Is(err, op.ErrStackRejected) {
		t.Errorf("Connect() error = %v, want abandoned stack rejection", err)
	}
	if n := len(a.callsOf(op.Connect)); n != 3 {
		t.Errorf("Connect calls = %d, want 3", n)
	}
	var retrying bool
	for _, s := range rec.statesFor("dev") {
		if s.Has(state.RetryingConnection) {
			retrying = true
		}
	}
	if !retrying {
		t.Error("RetryingConnection never set")
	}
	s, _ := e.State("dev")
	if !s.Has(state.Disconnected) || s.Has(state.RetryingConnection) {
		t.Errorf("State() = %v, want Disconnected without retry flag", s)
	}
}

func TestBondRetriesWithBackoff(t *testing.T) {
	e, a, clk, _ := testEngine(t, func(o *Options) {
		o.Bond.BaseDelay = 100 * time.Millisecond
		o.Bond.MaxDelay = time.Second
	})
	connectReady(t, e, "dev")
	a.setReject(op.Bond, errors.New("pairing rejected"))

	f := must(t)(e.Bond("dev"))
	retryQueued := func(attempt int) func() bool {
		return func() bool {
			return queued(e, func(t *task.Task) bool { return t.Kind == op.Bond && t.Attempt == attempt })
		}
	}

	waitFor(t, "first bond retry", retryQueued(1))
	clk.Add(100 * time.Millisecond)
	waitFor(t, "second bond retry", retryQueued(2))
	if n := len(a.callsOf(op.Bond)); n != 2 {
		t.Errorf("Bond calls = %d, want 2", n)
	}

	a.setReject(op.Bond, nil)
	clk.Add(200 * time.Millisecond)
	r, err := wait(t, f)
	if err != nil {
		t.Fatalf("Bond() error = %v", err)
	}
	if r.Retries != 2 {
		t.Errorf("Retries = %d, want 2", r.Retries)
	}
	if s, _ := e.State("dev"); !s.Has(state.Bonded) {
		t.Errorf("State() = %v, want Bonded", s)
	}
}

func TestCancelNodeDuringBackoff(t *testing.T) {
	e, a, clk, rec := testEngine(t, nil)
	connectReady(t, e, "dev")
	a.setReject(op.Connect, errors.New("no route"))

	a.dropLink("dev")
	waitFor(t, "delayed reconnect", func() bool {
		return queued(e, func(t *task.Task) bool { return t.Implicit && t.Kind == op.Connect && !t.NotBefore.IsZero() })
	})
	if s, _ := e.State("dev"); !s.Has(state.ReconnectingShortTerm) {
		t.Errorf("State() = %v, want ReconnectingShortTerm", s)
	}
	calls := len(a.snapshot())

	e.CancelNode("dev")
	clk.Add(time.Minute)
	settle(e)

	if n := len(a.snapshot()); n != calls {
		t.Errorf("adapter calls after CancelNode = %d, want %d", n, calls)
	}
	evs := rec.reconnectEvents()
	if len(evs) != 1 {
		t.Fatalf("reconnect events = %d, want 1", len(evs))
	}
	if evs[0].Reason != op.ReasonCancelled {
		t.Errorf("Reason = %v, want cancelled", evs[0].Reason)
	}
	if errors.Is(evs[0].Err, op.ErrPolicyAbandoned) {
		t.Errorf("Err = %v, want no abandonment", evs[0].Err)
	}
	s, _ := e.State("dev")
	if !s.Has(state.Disconnected) || s.HasAny(state.RecoveryMask) {
		t.Errorf("State() = %v, want Disconnected without recovery", s)
	}
	if n := e.Pending("dev"); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestReconnectAbandoned(t *testing.T) {
	e, a, _, rec := testEngine(t, func(o *Options) { o.Reconnect.MaxAttempts = 1 })
	connectReady(t, e, "dev")
	a.hold(op.Write)
	wf := must(t)(e.Write("dev", svc, chr, nil, false))
	waitFor(t, "write in flight", func() bool { return len(a.callsOf(op.Write)) == 1 })
	a.setReject(op.Connect, errors.New("no route"))

	a.dropLink("dev")

	if _, err := wait(t, wf); !errors.Is(err, op.ErrPolicyAbandoned) {
		t.Errorf("Write() error = %v, want ErrPolicyAbandoned", err)
	}
	waitFor(t, "reconnect ended", func() bool { return len(rec.reconnectEvents()) == 1 })
	ev := rec.reconnectEvents()[0]
	if ev.Reason != op.ReasonPolicyAbandoned {
		t.Errorf("Reason = %v, want abandoned", ev.Reason)
	}
	if ev.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", ev.Attempts)
	}
	s, _ := e.State("dev")
	if !s.Has(state.Disconnected) || s.HasAny(state.RecoveryMask) {
		t.Errorf("State() = %v, want Disconnected without recovery", s)
	}
}

func TestAutoReconnectOffFailsWork(t *testing.T) {
	e, a, _, _ := testEngine(t, nil)
	connectReady(t, e, "dev")
	if err := e.SetAutoReconnect("dev", false); err != nil {
		t.Fatalf("SetAutoReconnect() error = %v", err)
	}
	a.hold(op.Write)
	wf := must(t)(e.Write("dev", svc, chr, nil, false))
	rf := must(t)(e.Read("dev", svc, chr))
	waitFor(t, "write in flight", func() bool { return len(a.callsOf(op.Write)) == 1 })

	a.dropLink("dev")

	if _, err := wait(t, wf); !errors.Is(err, op.ErrLinkLost) {
		t.Errorf("Write() error = %v, want ErrLinkLost", err)
	}
	if _, err := wait(t, rf); !errors.Is(err, op.ErrLinkLost) {
		t.Errorf("Read() error = %v, want ErrLinkLost", err)
	}
	if n := len(a.callsOf(op.Connect)); n != 1 {
		t.Errorf("Connect calls = %d, want 1", n)
	}
	s, _ := e.State("dev")
	if !s.Has(state.Disconnected) || s.HasAny(state.RecoveryMask) {
		t.Errorf("State() = %v, want Disconnected", s)
	}
}

func TestDisconnectStopsRecovery(t *testing.T) {
	e, a, _, rec := testEngine(t, nil)
	connectReady(t, e, "dev")
	a.setReject(op.Connect, errors.New("no route"))
	a.dropLink("dev")
	waitFor(t, "delayed reconnect", func() bool {
		return queued(e, func(t *task.Task) bool { return t.Implicit && t.Kind == op.Connect && !t.NotBefore.IsZero() })
	})

	r, err := wait(t, must(t)(e.Disconnect("dev")))
	if err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !r.Redundant {
		t.Error("Redundant = false, want true")
	}
	if evs := rec.reconnectEvents(); len(evs) != 1 || evs[0].Reason != op.ReasonCancelled {
		t.Errorf("reconnect events = %v, want one cancelled", evs)
	}
}

func TestDispatchRateLimit(t *testing.T) {
	e, a, clk, _ := testEngine(t, func(o *Options) {
		o.AutoDiscoverServices = false
		o.DispatchRate = 1
		o.DispatchBurst = 1
	})

	af := must(t)(e.Connect("a"))
	bf := must(t)(e.Connect("b"))
	wait(t, af)
	settle(e)
	if n := len(a.callsOf(op.Connect)); n != 1 {
		t.Fatalf("Connect calls = %d, want 1 before the limiter refills", n)
	}

	clk.Add(time.Second)
	if _, err := wait(t, bf); err != nil {
		t.Errorf("Connect(b) error = %v", err)
	}
}

func TestMaxInFlight(t *testing.T) {
	e, a, _, _ := testEngine(t, func(o *Options) {
		o.AutoDiscoverServices = false
		o.MaxInFlight = 1
	})
	a.hold(op.Connect)

	must(t)(e.Connect("a"))
	bf := must(t)(e.Connect("b"))
	waitFor(t, "first connect", func() bool { return len(a.callsOf(op.Connect)) == 1 })
	settle(e)
	if n := len(a.callsOf(op.Connect)); n != 1 {
		t.Fatalf("Connect calls = %d, want 1", n)
	}

	a.release(op.Connect)
	a.last(t, op.Connect).done(Completion{})
	if _, err := wait(t, bf); err != nil {
		t.Errorf("Connect(b) error = %v", err)
	}
}

func TestCloseFailsPendingWork(t *testing.T) {
	e, _, _, _ := testEngine(t, nil)

	f := must(t)(e.Read("dev", svc, chr))
	settle(e)
	e.Close()

	if _, err := wait(t, f); !errors.Is(err, op.ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
	if _, err := e.Connect("dev"); !errors.Is(err, op.ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
}

func TestHistorySinkReceivesEvents(t *testing.T) {
	sink := &memSink{}
	e, _, _, _ := testEngine(t, func(o *Options) { o.History = sink })
	connectReady(t, e, "dev")
	settle(e)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.states) == 0 {
		t.Error("no state events recorded")
	}
	if len(sink.tasks) != 2 {
		t.Errorf("task events = %d, want 2", len(sink.tasks))
	}
}

func TestScanWaitsForRadio(t *testing.T) {
	e, a, _, _ := testEngine(t, nil)
	e.SetRadio(false)
	settle(e)

	f := must(t)(e.Scan(time.Second))
	settle(e)
	if n := len(a.callsOf(op.Scan)); n != 0 {
		t.Fatalf("scan calls with radio off = %d, want 0", n)
	}
	if !queued(e, func(t *task.Task) bool { return t.Kind == op.Scan }) {
		t.Fatal("scan should stay queued while the radio is off")
	}

	e.SetRadio(true)
	if _, err := wait(t, f); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if m, _ := e.State(ManagerKey); !m.Has(state.RadioOn) {
		t.Errorf("manager = %v, want RadioOn", m)
	}
}

func TestDiscoveredCreatesNode(t *testing.T) {
	e, _, _, rec := testEngine(t, nil)
	e.Discovered(op.Discovery{Key: "CC:DD", Name: "scale", RSSI: -70})

	waitFor(t, "discovered node", func() bool {
		s, ok := e.State("CC:DD")
		return ok && s.Has(state.Discovered)
	})
	if evs := rec.eventsFor("CC:DD"); len(evs) == 0 {
		t.Error("no state event for discovered node")
	}

	e.Release("CC:DD")
	settle(e)
	e.Discovered(op.Discovery{Key: "CC:DD"})
	settle(e)
	if _, ok := e.State("CC:DD"); ok {
		t.Error("released node should not be recreated by discovery")
	}
}

func TestReconnectLongTermThenTimesOut(t *testing.T) {
	e, a, clk, rec := testEngine(t, func(o *Options) {
		o.Reconnect.ShortTermRate = time.Second
		o.Reconnect.ShortTermTimeout = 2 * time.Second
		o.Reconnect.LongTermRate = 2 * time.Second
		o.Reconnect.LongTermMaxDelay = 2 * time.Second
		o.Reconnect.LongTermTimeout = 5 * time.Second
		o.Reconnect.MaxAttempts = 0
	})
	connectReady(t, e, "dev")
	a.hold(op.Read)
	rf := must(t)(e.Read("dev", svc, chr))
	waitFor(t, "read in flight", func() bool { return len(a.callsOf(op.Read)) == 1 })
	a.setReject(op.Connect, errors.New("no route"))
	lostAt := clk.Now()
	a.dropLink("dev")

	var last time.Time
	for i := 0; i < 20 && len(rec.reconnectEvents()) == 0; i++ {
		var next time.Time
		waitFor(t, "next reconnect or end", func() bool {
			if len(rec.reconnectEvents()) > 0 {
				return true
			}
			at, ok := nextReconnect(e, "dev")
			if ok && at.After(last) {
				next = at
				return true
			}
			return false
		})
		if next.IsZero() {
			break
		}
		last = next
		clk.Add(next.Sub(clk.Now()))
	}

	var short, long bool
	for _, s := range rec.statesFor("dev") {
		short = short || s.Has(state.ReconnectingShortTerm)
		long = long || s.Has(state.ReconnectingLongTerm)
	}
	if !short || !long {
		t.Errorf("recovery phases short=%v long=%v, want both", short, long)
	}
	evs := rec.reconnectEvents()
	if len(evs) != 1 {
		t.Fatalf("reconnect events = %d, want 1", len(evs))
	}
	if evs[0].Reason != op.ReasonPolicyAbandoned {
		t.Errorf("Reason = %v, want policy_abandoned", evs[0].Reason)
	}
	if since := clk.Now().Sub(lostAt); since < 5*time.Second {
		t.Errorf("gave up %v after loss, want at least 5s", since)
	}
	if _, err := wait(t, rf); !errors.Is(err, op.ErrPolicyAbandoned) {
		t.Errorf("Read() error = %v, want ErrPolicyAbandoned", err)
	}
	s, _ := e.State("dev")
	if !s.Has(state.Disconnected) || s.HasAny(state.RecoveryMask) {
		t.Errorf("State() = %v, want Disconnected without recovery", s)
	}
}

func TestBondAbandonDisconnects(t *testing.T) {
	e, a, _, rec := testEngine(t, func(o *Options) {
		o.Bond.MaxRetries = 0
		o.Bond.DisconnectOnFailure = true
	})
	connectReady(t, e, "dev")
	a.setReject(op.Bond, errors.New("pairing rejected"))

	if _, err := wait(t, must(t)(e.Bond("dev"))); !errors.Is(err, op.ErrPolicyAbandoned) {
		t.Fatalf("Bond() error = %v, want ErrPolicyAbandoned", err)
	}
	waitFor(t, "disconnect after bond", func() bool { return len(rec.tasksOf(op.Disconnect)) == 1 })

	ev := rec.tasksOf(op.Disconnect)[0]
	if ev.Priority != op.Critical || !ev.Implicit || ev.Err != nil {
		t.Errorf("disconnect event = %+v, want implicit critical success", ev)
	}
	if n := len(a.callsOf(op.Disconnect)); n != 1 {
		t.Errorf("Disconnect calls = %d, want 1", n)
	}
	if n := len(a.callsOf(op.Bond)); n != 1 {
		t.Errorf("Bond calls = %d, want 1", n)
	}
	if s, _ := e.State("dev"); !s.Has(state.Disconnected) {
		t.Errorf("State() = %v, want Disconnected", s)
	}
}

func TestInvalidStateFailsWithoutRetry(t *testing.T) {
	e, a, _, _ := testEngine(t, nil)
	a.results[op.Read] = func(fakeCall) Completion { return Completion{Err: op.ErrInvalidState} }
	connectReady(t, e, "dev")

	r, err := wait(t, must(t)(e.Read("dev", svc, chr)))
	if !errors.Is(err, op.ErrInvalidState) {
		t.Fatalf("Read() error = %v, want ErrInvalidState", err)
	}
	if r.Retries != 0 {
		t.Errorf("Retries = %d, want 0", r.Retries)
	}
	settle(e)
	if n := len(a.callsOf(op.Read)); n != 1 {
		t.Errorf("Read calls = %d, want 1", n)
	}
}

func TestDisconnectCancelsQueuedWork(t *testing.T) {
	e, a, _, _ := testEngine(t, nil)
	connectReady(t, e, "dev")
	a.hold(op.Write)
	wf := must(t)(e.Write("dev", svc, chr, []byte{1}, false))
	waitFor(t, "write in flight", func() bool { return len(a.callsOf(op.Write)) == 1 })
	rf := must(t)(e.Read("dev", svc, chr))

	df := must(t)(e.Disconnect("dev"))
	r, err := wait(t, rf)
	if !errors.Is(err, op.ErrCancelled) {
		t.Errorf("Read() error = %v, want ErrCancelled", err)
	}
	if r.Retries != 0 {
		t.Errorf("Retries = %d, want 0", r.Retries)
	}

	a.last(t, op.Write).done(Completion{})
	if _, err := wait(t, wf); err != nil {
		t.Errorf("Write() error = %v, want the in-flight write to finish", err)
	}
	if _, err := wait(t, df); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if n := len(a.callsOf(op.Read)); n != 0 {
		t.Errorf("Read calls = %d, want 0", n)
	}
	if n := e.Pending("dev"); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestDisconnectDuringRecoveryCancelsQueuedWork(t *testing.T) {
	e, a, _, _ := testEngine(t, nil)
	connectReady(t, e, "dev")
	a.setReject(op.Connect, errors.New("no route"))
	a.dropLink("dev")
	waitFor(t, "delayed reconnect", func() bool {
		return queued(e, func(t *task.Task) bool { return t.Implicit && t.Kind == op.Connect && !t.NotBefore.IsZero() })
	})
	rf := must(t)(e.Read("dev", svc, chr))

	if _, err := wait(t, must(t)(e.Disconnect("dev"))); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if _, err := wait(t, rf); !errors.Is(err, op.ErrCancelled) {
		t.Errorf("Read() error = %v, want ErrCancelled", err)
	}
	if !rf.Cancelled() {
		t.Error("Read future not marked cancelled")
	}
	if n := e.Pending("dev"); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestUnbondCancelsQueuedBond(t *testing.T) {
	e, a, _, _ := testEngine(t, nil)
	connectReady(t, e, "dev")
	a.hold(op.Write)
	must(t)(e.Write("dev", svc, chr, nil, false))
	waitFor(t, "write in flight", func() bool { return len(a.callsOf(op.Write)) == 1 })

	bf := must(t)(e.Bond("dev"))
	must(t)(e.Read("dev", svc, chr))
	must(t)(e.Unbond("dev"))

	if _, err := wait(t, bf); !errors.Is(err, op.ErrCancelled) {
		t.Errorf("Bond() error = %v, want ErrCancelled", err)
	}
	if !queued(e, func(t *task.Task) bool { return t.Kind == op.Read }) {
		t.Error("Read should stay queued behind an unbond")
	}
}

func TestEnqueueRacingCloseResolves(t *testing.T) {
	for i := 0; i < 20; i++ {
		e, _, _, _ := testEngine(t, nil)

		futures := make(chan *task.Future, 64)
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 8; j++ {
					if f, err := e.Read("dev", svc, chr); err == nil {
						futures <- f
					}
				}
			}()
		}
		e.Close()
		wg.Wait()
		close(futures)

		for f := range futures {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_, err := f.Wait(ctx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				t.Fatal("future left unresolved after Close")
			}
			if !errors.Is(err, op.ErrClosed) {
				t.Errorf("Read() error = %v, want ErrClosed", err)
			}
		}
	}
}
