package task

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rs/xid"
)

// ID is an opaque task handle.
type ID xid.ID

// String returns the canonical string form of the id.
func (id ID) String() string { return xid.ID(id).String() }

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return xid.ID(id).IsZero() }

// Runnable is the body of a task. It receives a context that is canceled
// the moment the task leaves Running for any reason, and the task itself
// (so the body can cooperatively check state, report progress, or store a
// failure cause explicitly). A nil error means the body succeeded.
type Runnable func(ctx context.Context, self *Task) error

// Task is a unit of asynchronous work with the lifecycle state machine
// described by State. A Task may only be run by the Scheduler that created
// it; it is otherwise safe to read, cancel, or terminate from any
// goroutine.
type Task struct {
	id        ID
	scheduler *Scheduler
	logger    *slog.Logger

	body  Runnable
	noop  bool

	mu         sync.Mutex
	state      State
	priority   Priority
	timeoutMS  int64
	progress   int
	autoRemove bool
	cause      error
	maintained []any
	subtasks   []ID

	started    callbackSet
	finished   callbackSet
	failed     callbackSet
	canceled   callbackSet
	timedOut   callbackSet
	terminated callbackSet
	ended      callbackSet
	progressed callbackSet

	deliverOn DeliverOn
	loop      mainLoop

	runCtx    context.Context
	runCancel context.CancelFunc

	terminateOnce sync.Once
	terminatedCh  chan struct{}
	doneCh        chan struct{}
	doneOnce      sync.Once

	timer timerHandle
}

// timerHandle abstracts the single-shot timeout timer so tests can fake it.
type timerHandle interface {
	Stop() bool
}

func newTask(sched *Scheduler, body Runnable, noop bool) *Task {
	t := &Task{
		id:           ID(xid.New()),
		scheduler:    sched,
		logger:       sched.logger,
		body:         body,
		noop:         noop,
		state:        NotStarted,
		priority:     Normal,
		autoRemove:   false,
		deliverOn:    Main,
		loop:         sched.loop,
		terminatedCh: make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	return t
}

// ID returns the task's opaque identifier.
func (t *Task) ID() ID { return t.id }

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Priority returns the task's current scheduling priority.
func (t *Task) Priority() Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// Progress returns the last value reported via ReportProgress.
func (t *Task) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// FailureCause returns the cause stored by StoreFailure or a failed body,
// if any.
func (t *Task) FailureCause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// SetTimeout sets (or clears, with ms<=0) the task's timeout in
// milliseconds. Only meaningful before the task finishes running.
func (t *Task) SetTimeout(ms int64) {
	t.mu.Lock()
	t.timeoutMS = ms
	t.mu.Unlock()
}

// SetAutoRemove toggles whether the scheduler forgets this task as soon as
// it reaches a terminal state.
func (t *Task) SetAutoRemove(v bool) {
	t.mu.Lock()
	t.autoRemove = v
	t.mu.Unlock()
}

// Maintain keeps obj alive for the lifetime of the task's run by holding a
// reference to it; it has no other effect.
func (t *Task) Maintain(obj any) {
	t.mu.Lock()
	t.maintained = append(t.maintained, obj)
	t.mu.Unlock()
}

// ReportProgress records a percentage-complete value and fires on_progress
// handlers. Valid at any state; out-of-range values are clamped to [0,100].
func (t *Task) ReportProgress(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	t.mu.Lock()
	t.progress = percent
	t.mu.Unlock()
	t.emit(&t.progressed, percent)
}

// StoreFailure records a cause without otherwise altering task state. It is
// typically called by a body just before returning a non-nil error.
func (t *Task) StoreFailure(cause error) {
	t.mu.Lock()
	t.cause = cause
	t.mu.Unlock()
}

// transitionTo attempts to move the task from its required predecessor
// state to target. It returns false (a no-op) if the task was not in the
// right state, matching the spec's "ignored, not errored" rule.
func (t *Task) transitionTo(target State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !validTransition(t.state, target) {
		return false
	}
	t.state = target
	return true
}

func validTransition(from, target State) bool {
	switch target {
	case Starting:
		return from == NotStarted
	case Running:
		return from == Starting
	case Finishing, Failing, Cancelling, TimingOut:
		return from == Running
	case Finished:
		return from == Finishing
	case Failed:
		return from == Failing
	case Canceled:
		return from == Cancelling
	case TimedOut:
		return from == TimingOut
	case Terminated:
		return from != Terminated
	default:
		return false
	}
}

// Cancel requests cancellation. It is a no-op unless the task is currently
// Running; cancellation is cooperative, so the body must observe ctx.Done()
// or check self.State() itself to actually stop.
func (t *Task) Cancel() {
	if !t.transitionTo(Cancelling) {
		return
	}
	t.mu.Lock()
	cancel := t.runCancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Terminate forces the task directly into Terminated from any state. It is
// the only transition that can force an exit from a non-Running state, and
// it recursively terminates subtasks. Termination notifications (on
// Terminated) fire synchronously from the calling goroutine.
func (t *Task) Terminate() {
	if !t.transitionTo(Terminated) {
		return
	}
	t.terminateOnce.Do(func() {
		close(t.terminatedCh)
		if t.runCancel != nil {
			t.runCancel()
		}
	})

	t.mu.Lock()
	subtasks := append([]ID(nil), t.subtasks...)
	t.mu.Unlock()

	t.emit(&t.terminated, nil)
	t.closeDone()

	for _, id := range subtasks {
		if sub, ok := t.scheduler.lookup(id); ok {
			sub.Terminate()
		}
	}
}

// addSubtask registers id as a subtask, transitively terminated when this
// task terminates.
func (t *Task) addSubtask(id ID) {
	t.mu.Lock()
	t.subtasks = append(t.subtasks, id)
	t.mu.Unlock()
}

func (t *Task) closeDone() {
	t.doneOnce.Do(func() {
		t.scheduler.forget(t)
		close(t.doneCh)
	})
}

// Done returns a channel closed once the task reaches any terminal state.
func (t *Task) Done() <-chan struct{} { return t.doneCh }

// emit invokes every live handler in set with payload, honoring each
// entry's DeliverOn and stopping early if the task is terminated mid-emit
// (invariant: no handler of a stale family fires after Terminated wins a
// race with the settling transition). The terminated family itself is
// always emitted in full.
func (t *Task) emit(set *callbackSet, payload any) {
	t.mu.Lock()
	entries := set.snapshot()
	t.mu.Unlock()

	stopOnTerminate := set != &t.terminated
	for _, e := range entries {
		if stopOnTerminate {
			select {
			case <-t.terminatedCh:
				return
			default:
			}
		}
		if e.deliverOn == Main && t.loop != nil && !t.loop.IsCurrent() {
			done := make(chan struct{})
			e := e
			t.loop.Post(func() {
				e.call(payload)
				close(done)
			})
			if !stopOnTerminate {
				<-done
				continue
			}
			select {
			case <-done:
			case <-t.terminatedCh:
				return
			}
		} else {
			e.call(payload)
		}
	}
}

func (t *Task) removeHandler(set *callbackSet, token HandlerToken) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return set.remove(token)
}

// OnStarted registers a callback fired once the task begins Running.
func (t *Task) OnStarted(fn func(self *Task), opts ...HandlerOption) HandlerToken {
	deliver := t.resolveDeliver(opts)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started.add(deliver, func(any) { fn(t) })
}

// OnFinished registers a callback fired when the task reaches Finished.
func (t *Task) OnFinished(fn func(self *Task), opts ...HandlerOption) HandlerToken {
	deliver := t.resolveDeliver(opts)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished.add(deliver, func(any) { fn(t) })
}

// OnFailed registers a callback fired when the task reaches Failed.
func (t *Task) OnFailed(fn func(self *Task), opts ...HandlerOption) HandlerToken {
	deliver := t.resolveDeliver(opts)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed.add(deliver, func(any) { fn(t) })
}

// OnCanceled registers a callback fired when the task reaches Canceled.
func (t *Task) OnCanceled(fn func(self *Task), opts ...HandlerOption) HandlerToken {
	deliver := t.resolveDeliver(opts)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled.add(deliver, func(any) { fn(t) })
}

// OnTimeout registers a callback fired when the task reaches TimedOut.
func (t *Task) OnTimeout(fn func(self *Task), opts ...HandlerOption) HandlerToken {
	deliver := t.resolveDeliver(opts)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timedOut.add(deliver, func(any) { fn(t) })
}

// OnTerminated registers a callback fired when the task reaches Terminated.
func (t *Task) OnTerminated(fn func(self *Task), opts ...HandlerOption) HandlerToken {
	deliver := t.resolveDeliver(opts)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminated.add(deliver, func(any) { fn(t) })
}

// OnEnded registers a union callback fired exactly once after any of the
// four non-terminated terminal transitions (Finished/Failed/Canceled/
// TimedOut) completes its family-specific handlers. success is true only
// for Finished.
func (t *Task) OnEnded(fn func(self *Task, success bool), opts ...HandlerOption) HandlerToken {
	deliver := t.resolveDeliver(opts)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended.add(deliver, func(payload any) { fn(t, payload.(bool)) })
}

// OnProgress registers a callback fired on every ReportProgress call.
func (t *Task) OnProgress(fn func(self *Task, percent int), opts ...HandlerOption) HandlerToken {
	deliver := t.resolveDeliver(opts)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressed.add(deliver, func(payload any) { fn(t, payload.(int)) })
}

// RemoveStartedHandler, etc. are provided via the generic RemoveHandler
// below; family is inferred by trying every set (cheap: at most 8 slices).
func (t *Task) RemoveHandler(token HandlerToken) bool {
	for _, set := range []*callbackSet{&t.started, &t.finished, &t.failed, &t.canceled, &t.timedOut, &t.terminated, &t.ended, &t.progressed} {
		if t.removeHandler(set, token) {
			return true
		}
	}
	return false
}

// HandlerOption configures a single callback registration.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	deliverOn    DeliverOn
	deliverOnSet bool
}

// WithDeliverOn overrides the default "restore context" delivery for a
// single handler registration.
func WithDeliverOn(d DeliverOn) HandlerOption {
	return func(c *handlerConfig) { c.deliverOn = d; c.deliverOnSet = true }
}

func (t *Task) resolveDeliver(opts []HandlerOption) DeliverOn {
	cfg := handlerConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.deliverOnSet {
		return cfg.deliverOn
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deliverOn
}
