package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const historySize = 16

// Change describes one call to Tracker.Update.
type Change struct {
	Old    State
	New    State
	Intent Intent
	At     time.Time
}

// Changed returns the flags that flipped.
func (c Change) Changed() State { return c.Old ^ c.New }

// Entered returns the flags that became set.
func (c Change) Entered() State { return c.New &^ c.Old }

// Exited returns the flags that became clear.
func (c Change) Exited() State { return c.Old &^ c.New }

// Tracker holds the live state of one node plus a short history.
// Update must only be called from the engine's handler goroutine;
// Current may be called from anywhere.
type Tracker struct {
	kind  NodeKind
	clock clock.Clock
	cur   atomic.Uint32

	mu      sync.Mutex
	ring    [historySize]State
	head    int // next write position
	n       int
	entered [numFlags]time.Time
}

// NewTracker returns a tracker for a node of kind k starting at initial.
func NewTracker(k NodeKind, initial State, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	t := &Tracker{kind: k, clock: clk}
	t.cur.Store(uint32(initial))
	now := clk.Now()
	for _, f := range initial.Flags() {
		t.entered[f] = now
	}
	t.push(initial)
	return t
}

// Kind returns the node kind the tracker was created for.
func (t *Tracker) Kind() NodeKind { return t.kind }

// Current returns the live snapshot.
func (t *Tracker) Current() State { return State(t.cur.Load()) }

// Update applies i and returns the resulting change. An intent that
// changes nothing is not recorded in the history.
func (t *Tracker) Update(i Intent) Change {
	now := t.clock.Now()
	old := t.Current()
	next := Apply(old, i)
	c := Change{Old: old, New: next, Intent: i, At: now}
	if next == old {
		return c
	}

	t.mu.Lock()
	for _, f := range c.Entered().Flags() {
		t.entered[f] = now
	}
	for _, f := range c.Exited().Flags() {
		t.entered[f] = time.Time{}
	}
	t.push(next)
	t.mu.Unlock()

	t.cur.Store(uint32(next))
	return c
}

// push appends s to the ring (caller must hold mu or be constructing).
func (t *Tracker) push(s State) {
	t.ring[t.head] = s
	t.head = (t.head + 1) % historySize
	if t.n < historySize {
		t.n++
	}
}

// History returns the recorded snapshots, oldest first, ending with the
// current one.
func (t *Tracker) History() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]State, 0, t.n)
	start := (t.head - t.n + historySize) % historySize
	for i := 0; i < t.n; i++ {
		out = append(out, t.ring[(start+i)%historySize])
	}
	return out
}

// Previous returns the snapshot before the current one, or the current one
// if there has been no change yet.
func (t *Tracker) Previous() State {
	h := t.History()
	if len(h) < 2 {
		return t.Current()
	}
	return h[len(h)-2]
}

// TimeIn returns how long f has been continuously set, or zero if it is
// not set.
func (t *Tracker) TimeIn(f Flag) time.Duration {
	if f >= numFlags {
		return 0
	}
	t.mu.Lock()
	since := t.entered[f]
	t.mu.Unlock()
	if since.IsZero() {
		return 0
	}
	return t.clock.Since(since)
}
