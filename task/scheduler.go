package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMinWorkers is the scheduler's default worker-pool floor.
const DefaultMinWorkers = 4

// Scheduler owns a worker pool, the task registry, and the composition
// operators. A Task may only be run by the Scheduler that created it.
type Scheduler struct {
	logger *slog.Logger
	loop   mainLoop
	metrics *Metrics

	minWorkers int
	slots      *semaphore
	queue      *priorityQueue

	mu    sync.Mutex
	tasks map[ID]*Task

	threadPriority sync.Map // goroutine id (int64) -> Priority

	allowMainSync bool

	seq uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// SchedulerOption configures a Scheduler at construction time.
type SchedulerOption func(*Scheduler)

// WithMinWorkers overrides the default worker-pool floor.
func WithMinWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.minWorkers = n
		}
	}
}

// WithLoop binds the Scheduler to an externally driven main-thread Loop for
// "restore context" callback delivery. Without one, Main-targeted handlers
// run inline.
func WithLoop(l *Loop) SchedulerOption {
	return func(s *Scheduler) { s.loop = l }
}

// WithSchedulerLogger overrides the scheduler's (and its tasks') logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics replaces the Scheduler's Prometheus instrumentation with m.
// Without this option, a private unregistered registry is used so
// instrumentation still runs but is not exposed anywhere.
func WithMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithMainThreadSyncAllowed permits RunSync to be called from the bound
// Loop's own goroutine. By default this is forbidden (it would deadlock any
// handler delivered via Main).
func WithMainThreadSyncAllowed() SchedulerOption {
	return func(s *Scheduler) { s.allowMainSync = true }
}

// NewScheduler creates a Scheduler and starts its worker-pool dispatcher.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		minWorkers: DefaultMinWorkers,
		loop:       inlineLoop{},
		tasks:      make(map[ID]*Task),
		closed:     make(chan struct{}),
		queue:      newPriorityQueue(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.metrics == nil {
		s.metrics = newMetrics(nil)
	}
	s.slots = newSemaphore(s.minWorkers)
	go s.dispatch()
	return s
}

func (s *Scheduler) dispatch() {
	for {
		// Wait for a free slot before taking the next entry, so that an
		// entry is only chosen when it can start and the highest priority
		// pending at that moment wins.
		s.slots.acquire()
		r, ok := s.queue.pop()
		if !ok {
			s.slots.release()
			return
		}
		s.metrics.activeWorkers.Inc()
		go func() {
			defer func() {
				s.slots.release()
				s.metrics.activeWorkers.Dec()
			}()
			r.run()
		}()
	}
}

// BorrowSlot temporarily increases the worker pool's capacity by one,
// returning a func that must be called to give the slot back. Parallel and
// Attempt controllers call this while blocked waiting on their children, so
// that a full pool does not deadlock against its own composition.
func (s *Scheduler) BorrowSlot() func() {
	return s.slots.borrow()
}

// Close stops accepting new work and shuts down the dispatcher. In-flight
// tasks are not forcibly canceled; callers that need that should Terminate
// them explicitly first (e.g. via a TaskManager).
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.queue.close()
	})
}

func (s *Scheduler) register(t *Task) {
	s.mu.Lock()
	s.tasks[t.id] = t
	s.mu.Unlock()
}

func (s *Scheduler) lookup(id ID) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Remove drops the task from the registry immediately, regardless of its
// state.
func (s *Scheduler) Remove(id ID) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

// RemoveLater drops the task once it reaches a terminal state.
func (s *Scheduler) RemoveLater(t *Task) {
	go func() {
		<-t.Done()
		s.Remove(t.id)
	}()
}

func (s *Scheduler) forget(t *Task) {
	t.mu.Lock()
	auto := t.autoRemove
	t.mu.Unlock()
	if auto {
		s.Remove(t.id)
	}
}

// setThreadPriority records the effective priority a worker goroutine is
// running at, so tasks it submits without an explicit priority inherit it.
func (s *Scheduler) setThreadPriority(p Priority) func() {
	id := goroutineID()
	s.threadPriority.Store(id, p)
	return func() { s.threadPriority.Delete(id) }
}

func (s *Scheduler) inheritedPriority() Priority {
	if v, ok := s.threadPriority.Load(goroutineID()); ok {
		return v.(Priority)
	}
	return Normal
}

// NewTask creates a Task wrapping body. The task starts in NotStarted and
// must be run via RunUnmanaged or RunSync.
func (s *Scheduler) NewTask(body Runnable) *Task {
	t := newTask(s, body, false)
	s.register(t)
	return t
}

// NewNoopTask creates a Task with no body. Running it always fails with
// ErrPrecondition, matching the spec's "running the no-op task" error.
func (s *Scheduler) NewNoopTask() *Task {
	t := newTask(s, nil, true)
	s.register(t)
	return t
}

// RunUnmanaged submits t to the worker pool with an effective priority of
// explicit (if given), else the calling goroutine's inherited priority,
// else Normal. It returns immediately.
func (t *Task) RunUnmanaged(priority ...Priority) error {
	return t.scheduler.submit(t, priority)
}

func (s *Scheduler) submit(t *Task, priority []Priority) error {
	if t.scheduler != s {
		return ErrForeignTask
	}
	if t.noop {
		return ErrPrecondition
	}
	select {
	case <-s.closed:
		return ErrPrecondition
	default:
	}
	if !t.transitionTo(Starting) {
		return ErrPrecondition
	}

	p := s.inheritedPriority()
	if len(priority) > 0 {
		p = priority[0]
	}
	t.mu.Lock()
	t.priority = p
	t.mu.Unlock()

	seq := atomic.AddUint64(&s.seq, 1)
	s.queue.push(&pendingRun{priority: p, seq: seq, run: func() { s.execute(t) }})
	s.metrics.tasksSubmitted.Inc()
	return nil
}

// RunSync submits t and blocks the calling goroutine until it reaches a
// terminal state, refusing to run if the caller is the bound Loop's own
// goroutine (unless WithMainThreadSyncAllowed was set). If rethrow is true
// and the task ends in Failed, its stored cause is returned wrapped in
// ErrBodyFailure.
func (t *Task) RunSync(rethrow bool, priority ...Priority) error {
	s := t.scheduler
	if l, bound := s.loop.(*Loop); bound && !s.allowMainSync && l.IsCurrent() {
		return ErrPrecondition
	}
	if err := t.RunUnmanaged(priority...); err != nil {
		return err
	}
	<-t.Done()
	if rethrow {
		if t.State() == Failed {
			return errors.Join(ErrBodyFailure, t.FailureCause())
		}
	}
	return nil
}

func (s *Scheduler) execute(t *Task) {
	if !t.transitionTo(Running) {
		return
	}
	t.emit(&t.started, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.runCtx, t.runCancel = ctx, cancel
	t.mu.Unlock()

	restore := s.setThreadPriority(t.Priority())
	defer restore()

	var timer *time.Timer
	t.mu.Lock()
	ms := t.timeoutMS
	t.mu.Unlock()
	if ms > 0 {
		timer = time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
			if t.transitionTo(TimingOut) {
				cancel()
			}
		})
	}

	err := t.body(ctx, t)

	if timer != nil {
		timer.Stop()
	}

	s.settle(t, err)
	s.forget(t)
}

// settle drives the task from whatever state it is actually in once its
// body returns to the matching terminal state, firing family-specific
// handlers and then the OnEnded union handler.
func (s *Scheduler) settle(t *Task, bodyErr error) {
	switch t.State() {
	case Running:
		if bodyErr == nil {
			if t.transitionTo(Finishing) && t.transitionTo(Finished) {
				s.metrics.tasksFinished.Inc()
				t.emit(&t.finished, nil)
				t.emit(&t.ended, true)
				t.closeDone()
			}
		} else {
			t.StoreFailure(bodyErr)
			if t.transitionTo(Failing) && t.transitionTo(Failed) {
				s.metrics.tasksFailed.Inc()
				t.emit(&t.failed, nil)
				t.emit(&t.ended, false)
				t.closeDone()
			}
		}
	case Cancelling:
		if t.transitionTo(Canceled) {
			s.metrics.tasksCanceled.Inc()
			t.emit(&t.canceled, nil)
			t.emit(&t.ended, false)
			t.closeDone()
		}
	case TimingOut:
		if t.transitionTo(TimedOut) {
			s.metrics.tasksTimedOut.Inc()
			t.emit(&t.timedOut, nil)
			t.emit(&t.ended, false)
			t.closeDone()
		}
	case Terminated:
		// Terminate() already fired its own handlers and closed Done.
	}
}
