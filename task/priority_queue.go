package task

import (
	"sync"

	"github.com/MauriceGit/skiplist"
)

// pendingRun is one queued submission waiting for a worker slot.
type pendingRun struct {
	priority Priority
	seq      uint64
	run      func()
}

// ExtractKey orders entries by priority (descending, via negation) then by
// submission sequence (ascending), so higher-priority work is always
// popped first and same-priority work stays FIFO.
func (p *pendingRun) ExtractKey() float64 {
	return -float64(p.priority)*1e9 + float64(p.seq)
}

func (p *pendingRun) String() string { return "pendingRun" }

// priorityQueue is the scheduler's submission queue: a skip list keyed by
// (priority, sequence) guarded by a mutex and a condition variable, giving
// O(log n) insert/pop instead of a linear scan over pending submissions.
type priorityQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	list   skiplist.SkipList
	closed bool
}

func newPriorityQueue() *priorityQueue {
	q := &priorityQueue{list: skiplist.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *priorityQueue) push(r *pendingRun) {
	q.mu.Lock()
	q.list.Insert(r)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until an entry is available or the queue is closed, in which
// case ok is false.
func (q *priorityQueue) pop() (r *pendingRun, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.list.GetNodeCount() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.list.GetNodeCount() == 0 {
		return nil, false
	}
	smallest := q.list.GetSmallestNode()
	entry := smallest.GetValue().(*pendingRun)
	q.list.Delete(entry)
	return entry, true
}

func (q *priorityQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
