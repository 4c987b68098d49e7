package scheduler

import (
	"container/heap"
	"time"

	"github.com/floworc/floworc/pkg/schema"
)

// QueuedUnit wraps a task waiting for admission: its numeric priority,
// enqueue order, attempt bookkeeping, and an optional not-before time used
// for delayed admission and retry backoff.
type QueuedUnit struct {
	Task        *schema.Task
	Priority    int
	EnqueuedAt  time.Time
	Attempts    int
	MaxAttempts int
	NotBefore   time.Time // zero means ready immediately

	seq uint64 // FIFO tie-break within equal priority
}

// Ready reports whether the unit may be admitted at the given time.
func (u *QueuedUnit) Ready(now time.Time) bool {
	return u.NotBefore.IsZero() || !u.NotBefore.After(now)
}

// priorityQueue is a max-heap over QueuedUnits: higher priority first,
// earlier submission first within equal priority.
type priorityQueue []*QueuedUnit

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *priorityQueue) Push(x any) { *q = append(*q, x.(*QueuedUnit)) }

func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	unit := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return unit
}

// taskQueue is the scheduler-owned admission queue. Not safe for concurrent
// use; the scheduler serializes access through its own mutex.
type taskQueue struct {
	heap priorityQueue
	seq  uint64
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

// push inserts a unit, assigning its FIFO sequence number.
func (q *taskQueue) push(unit *QueuedUnit) {
	q.seq++
	unit.seq = q.seq
	heap.Push(&q.heap, unit)
}

// reinsert puts a unit back preserving its original sequence number, so a
// deferred unit does not lose its FIFO position.
func (q *taskQueue) reinsert(unit *QueuedUnit) {
	heap.Push(&q.heap, unit)
}

// popReady removes and returns the highest-priority unit whose not-before
// has passed. Units that are not yet ready are skipped and re-inserted.
func (q *taskQueue) popReady(now time.Time) *QueuedUnit {
	var deferred []*QueuedUnit
	var found *QueuedUnit

	for q.heap.Len() > 0 {
		unit := heap.Pop(&q.heap).(*QueuedUnit)
		if unit.Ready(now) {
			found = unit
			break
		}
		deferred = append(deferred, unit)
	}

	for _, unit := range deferred {
		heap.Push(&q.heap, unit)
	}
	return found
}

// remove deletes the unit for the given task ID, returning it if present.
func (q *taskQueue) remove(taskID string) *QueuedUnit {
	for i, unit := range q.heap {
		if unit.Task != nil && unit.Task.ID == taskID {
			removed := heap.Remove(&q.heap, i).(*QueuedUnit)
			return removed
		}
	}
	return nil
}

// len returns the number of queued units.
func (q *taskQueue) len() int {
	return q.heap.Len()
}

// snapshot returns the queued units in no particular order.
func (q *taskQueue) snapshot() []*QueuedUnit {
	out := make([]*QueuedUnit, len(q.heap))
	copy(out, q.heap)
	return out
}
