// Package handler provides a serialized execution context: one goroutine
// that runs posted work items one at a time in post order.
package handler

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Handler runs posted functions on a single goroutine.
type Handler struct {
	clock clock.Clock
	log   *zap.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake    chan struct{}
	stopped chan struct{}
	gid     atomic.Uint64
}

// New starts a handler. A nil clock uses the wall clock, a nil logger
// discards.
func New(clk clock.Clock, log *zap.Logger) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		clock:   clk,
		log:     log,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go h.loop()
	return h
}

// Post queues fn to run on the handler goroutine. It returns false once the
// handler is closed.
func (h *Handler) Post(fn func()) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.queue = append(h.queue, fn)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
	return true
}

// Delayed is a handle to work posted with PostDelayed.
type Delayed struct {
	timer     *clock.Timer
	cancelled atomic.Bool
}

// Cancel prevents the work from running if it has not started yet. It
// reports whether this call cancelled it.
func (d *Delayed) Cancel() bool {
	if d == nil {
		return false
	}
	if !d.cancelled.CompareAndSwap(false, true) {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	return true
}

// PostDelayed posts fn once d has elapsed on the handler's clock.
func (h *Handler) PostDelayed(fn func(), d time.Duration) *Delayed {
	dl := &Delayed{}
	run := func() {
		if dl.cancelled.Load() {
			return
		}
		fn()
	}
	if d <= 0 {
		h.Post(run)
		return dl
	}
	dl.timer = h.clock.AfterFunc(d, func() { h.Post(run) })
	return dl
}

// IsCurrent reports whether the caller is running on the handler goroutine.
func (h *Handler) IsCurrent() bool {
	id := h.gid.Load()
	return id != 0 && id == goroutineID()
}

// Run executes fn on the handler and waits for it. Called from the handler
// itself, fn runs inline. It returns false if the handler is closed.
func (h *Handler) Run(fn func()) bool {
	if h.IsCurrent() {
		fn()
		return true
	}
	done := make(chan struct{})
	if !h.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-h.stopped:
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

// Close stops the handler after the item currently running. Work still
// queued is dropped.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		if !h.IsCurrent() {
			<-h.stopped
		}
		return
	}
	h.closed = true
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
	if !h.IsCurrent() {
		<-h.stopped
	}
}

// Done is closed when the handler goroutine has exited.
func (h *Handler) Done() <-chan struct{} { return h.stopped }

func (h *Handler) loop() {
	h.gid.Store(goroutineID())
	defer close(h.stopped)

	for {
		h.mu.Lock()
		if h.closed {
			h.queue = nil
			h.mu.Unlock()
			return
		}
		if len(h.queue) == 0 {
			h.mu.Unlock()
			<-h.wake
			continue
		}
		fn := h.queue[0]
		h.queue[0] = nil
		h.queue = h.queue[1:]
		h.mu.Unlock()

		h.run(fn)
	}
}

func (h *Handler) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("handler: recovered panic in posted work",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	fn()
}

// goroutineID parses the current goroutine's id from its stack header,
// "goroutine 42 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
