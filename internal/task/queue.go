package task

import (
	"sort"

	"github.com/google/uuid"
)

// Queue is a stable priority queue of tasks. It is not safe for concurrent
// use; the engine only touches it from its handler goroutine.
type Queue struct {
	items []*Task
	index map[uuid.UUID]*Task
	seq   uint64
}

// Push inserts t. A task that has never been queued gets the next sequence
// number; a requeued copy keeps its original one and so its FIFO position.
func (q *Queue) Push(t *Task) {
	if t.seq == 0 {
		q.seq++
		t.seq = q.seq
	}
	i := sort.Search(len(q.items), func(i int) bool { return less(t, q.items[i]) })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = t
	if q.index == nil {
		q.index = make(map[uuid.UUID]*Task)
	}
	q.index[t.ID] = t
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int { return len(q.items) }

// Items returns the queued tasks in dispatch order. The slice is a copy.
func (q *Queue) Items() []*Task {
	out := make([]*Task, len(q.items))
	copy(out, q.items)
	return out
}

// Find returns the queued task with id.
func (q *Queue) Find(id uuid.UUID) (*Task, bool) {
	t, ok := q.index[id]
	return t, ok
}

// Remove takes the task with id out of the queue.
func (q *Queue) Remove(id uuid.UUID) (*Task, bool) {
	if _, ok := q.index[id]; !ok {
		return nil, false
	}
	delete(q.index, id)
	for i, t := range q.items {
		if t.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return t, true
		}
	}
	return nil, false
}

// RemoveFunc removes every task for which match returns true and returns
// them in queue order.
func (q *Queue) RemoveFunc(match func(*Task) bool) []*Task {
	var removed []*Task
	kept := q.items[:0]
	for _, t := range q.items {
		if match(t) {
			delete(q.index, t.ID)
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return removed
}
