package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chaz8081/gattflow/internal/engine"
)

// Sink records engine events without blocking the engine. Events go through
// a buffered channel to one writer goroutine; when the buffer is full the
// event is dropped and counted.
type Sink struct {
	store   *Store
	log     *zap.Logger
	ch      chan any // StateRow or TaskRow
	dropped atomic.Int64
	written atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewSink starts a writer over store.
func NewSink(store *Store, buffer int, log *zap.Logger) *Sink {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sink{
		store:   store,
		log:     log.Named("history"),
		ch:      make(chan any, buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) RecordState(ev engine.StateEvent) {
	entered, exited := ev.Old.Diff(ev.New)
	s.offer(StateRow{
		Node:     ev.Node,
		NodeKind: ev.Kind.String(),
		Old:      ev.Old.String(),
		New:      ev.New.String(),
		At:       ev.At,
		Detail:   Detail{Entered: entered.Names(), Exited: exited.Names()},
	})
}

func (s *Sink) RecordTask(ev engine.TaskEvent) {
	d := Detail{
		Retries:   ev.Retries,
		Priority:  ev.Priority.String(),
		Implicit:  ev.Implicit,
		Redundant: ev.Redundant,
		Value:     ev.Value,
	}
	if ev.Err != nil {
		d.Error = ev.Err.Error()
	}
	s.offer(TaskRow{
		TaskID:   ev.Task.String(),
		Node:     ev.Node,
		Op:       ev.Kind.String(),
		Reason:   ev.Reason.String(),
		Duration: ev.Duration,
		At:       ev.At,
		Detail:   d,
	})
}

func (s *Sink) offer(row any) {
	select {
	case <-s.done:
		s.dropped.Add(1)
		return
	default:
	}
	select {
	case s.ch <- row:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.log.Warn("history buffer full, dropping events", zap.Int64("dropped", n))
		}
	}
}

func (s *Sink) run() {
	defer close(s.stopped)
	for {
		select {
		case row := <-s.ch:
			s.write(row)
		case <-s.done:
			// drain what is already buffered
			for {
				select {
				case row := <-s.ch:
					s.write(row)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(row any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	switch r := row.(type) {
	case StateRow:
		err = s.store.InsertState(ctx, r)
	case TaskRow:
		err = s.store.InsertTask(ctx, r)
	}
	if err != nil {
		s.log.Warn("history write failed", zap.Error(err))
		return
	}
	s.written.Add(1)
}

// Close stops accepting events and waits until what is buffered has been
// written. It does not close the store.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	<-s.stopped
}

// Dropped returns how many events were discarded.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Written returns how many events were stored.
func (s *Sink) Written() int64 { return s.written.Load() }

var _ engine.HistorySink = (*Sink)(nil)
