package task

import "sync"

// semaphore is a counting semaphore whose capacity can grow at runtime,
// used by the worker pool so a Parallel/Attempt controller blocked on its
// children can borrow one extra slot without risking deadlock against the
// very children it is waiting on.
type semaphore struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	inUse    int
}

func newSemaphore(capacity int) *semaphore {
	s := &semaphore{capacity: capacity}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *semaphore) acquire() {
	s.mu.Lock()
	for s.inUse >= s.capacity {
		s.cond.Wait()
	}
	s.inUse++
	s.mu.Unlock()
}

func (s *semaphore) release() {
	s.mu.Lock()
	s.inUse--
	s.mu.Unlock()
	s.cond.Signal()
}

// borrow increases capacity by one until the returned func is called.
func (s *semaphore) borrow() func() {
	s.mu.Lock()
	s.capacity++
	s.mu.Unlock()
	s.cond.Signal()
	return func() {
		s.mu.Lock()
		s.capacity--
		s.mu.Unlock()
	}
}

func (s *semaphore) inUseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}
