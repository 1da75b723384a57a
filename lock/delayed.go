package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/concurrentedit/drls/task"
)

// pendingLock is one entry in the delayed service's retry queue: a
// still-unsatisfied lock request plus the task that is waiting to run once
// it is satisfied.
type pendingLock struct {
	owner     Owner
	resources map[LockableResource]ResourceLockType
	work      *task.Task
	created   time.Time
}

// DelayedService runs tasks that need a resource lock as soon as the lock
// becomes available, retrying on every change notification from a Manager
// instead of making the caller poll. Grounded on
// DelayedResourceLockService::onLocksChanged / manageAddedAsyncLock: a
// single in-flight retry pass at a time, with a "missed a signal while busy"
// flag so no notification is silently dropped.
type DelayedService struct {
	manager   *Manager
	scheduler *task.Scheduler
	logger    *slog.Logger
	listener  ListenerToken

	mu           sync.Mutex
	queue        []*pendingLock
	inProgress   bool
	missedSignal bool

	lastTaskEndedMu sync.Mutex
	lastTaskEnded   []func()
}

// DelayedServiceOption configures a DelayedService at construction time.
type DelayedServiceOption func(*DelayedService)

// WithDelayedLogger overrides the service's logger.
func WithDelayedLogger(logger *slog.Logger) DelayedServiceOption {
	return func(d *DelayedService) { d.logger = logger }
}

// NewDelayedService creates a DelayedService wired to manager's change
// notifications.
func NewDelayedService(manager *Manager, scheduler *task.Scheduler, opts ...DelayedServiceOption) *DelayedService {
	d := &DelayedService{manager: manager, scheduler: scheduler}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}

	token, _ := manager.ListenLocksChanged("", d.onLocksChanged, nil, false)
	d.listener = token
	return d
}

// Close unregisters the service from the Manager's change notifications.
func (d *DelayedService) Close() {
	d.manager.StopListenLocksChanged(d.listener)
}

// OnLastTaskEnded registers fn to be called whenever the retry queue
// transitions to empty after a retry pass.
func (d *DelayedService) OnLastTaskEnded(fn func()) {
	d.lastTaskEndedMu.Lock()
	d.lastTaskEnded = append(d.lastTaskEnded, fn)
	d.lastTaskEndedMu.Unlock()
}

func (d *DelayedService) fireLastTaskEnded() {
	d.lastTaskEndedMu.Lock()
	fns := append([]func(){}, d.lastTaskEnded...)
	d.lastTaskEndedMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// AddAsyncLock attempts to acquire resources for ctx immediately; if they
// are already available, work is run right away. Otherwise the request is
// queued and retried on every subsequent lock change, up to timeout. If the
// entry is still queued when timeout elapses, it is dropped, work is
// terminated, and onTimeout (if non-nil) is run. Once work has been started,
// the lock is released when work ends as Finished, Failed, Canceled or
// TimedOut (its OnEnded handlers); terminating work does not release it.
func (d *DelayedService) AddAsyncLock(
	ctx CallerContext,
	resources map[LockableResource]ResourceLockType,
	work *task.Task,
	timeout time.Duration,
	onTimeout *task.Task,
) error {
	return d.manageAddedAsyncLock(CallerOwner(ctx), resources, work, timeout, onTimeout)
}

// AddAsyncSystemLock is AddAsyncLock for a system subsystem identified by a
// free-form tag rather than a CallerContext.
func (d *DelayedService) AddAsyncSystemLock(
	tag string,
	resources map[LockableResource]ResourceLockType,
	work *task.Task,
	timeout time.Duration,
	onTimeout *task.Task,
) error {
	return d.manageAddedAsyncLock(SystemOwner(tag), resources, work, timeout, onTimeout)
}

func (d *DelayedService) acquire(owner Owner, resources map[LockableResource]ResourceLockType) (bool, error) {
	if owner.IsSystem() {
		return d.manager.AcquireSystemLocks(resources, owner.Tag)
	}
	return d.manager.AcquireLocks(resources, owner.Caller)
}

func (d *DelayedService) release(owner Owner, resources map[LockableResource]ResourceLockType) error {
	if owner.IsSystem() {
		return d.manager.ReleaseSystemLocks(resources, owner.Tag)
	}
	return d.manager.ReleaseLocks(resources, owner.Caller)
}

func (d *DelayedService) manageAddedAsyncLock(
	owner Owner,
	resources map[LockableResource]ResourceLockType,
	work *task.Task,
	timeout time.Duration,
	onTimeout *task.Task,
) error {
	pending := &pendingLock{owner: owner, resources: resources, work: work, created: time.Now()}

	releaseOnEnd := func() {
		work.OnEnded(func(*task.Task, bool) {
			_ = d.release(owner, resources)
		})
	}

	ok, err := d.acquire(owner, resources)
	if err != nil {
		d.logger.Warn("acquireLocks failed while adding an async lock", "error", err)
		return err
	}

	if ok {
		releaseOnEnd()
		return work.RunUnmanaged()
	}

	d.mu.Lock()
	d.queue = append(d.queue, pending)
	d.mu.Unlock()

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			if d.dropIfStillQueued(pending) && onTimeout != nil {
				_ = onTimeout.RunUnmanaged()
			}
		})
		_ = timer
	}

	return nil
}

func (d *DelayedService) dropIfStillQueued(p *pendingLock) bool {
	d.mu.Lock()
	removed := false
	for i, q := range d.queue {
		if q == p {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			removed = true
			break
		}
	}
	empty := len(d.queue) == 0
	d.mu.Unlock()

	if removed && p.work.State() != task.Terminated {
		p.work.Terminate()
	}
	if removed && empty {
		d.fireLastTaskEnded()
	}
	return removed
}

// onLocksChanged is the Manager change-notification handler: if a retry
// pass is already running, it just records that a signal was missed so a
// new pass is dispatched when the running one ends; otherwise it dispatches
// one.
// It runs synchronously on whatever goroutine called into the Manager (via
// publish), so it must never block on a retry pass itself — that work is
// handed to the scheduler instead of run inline.
func (d *DelayedService) onLocksChanged() {
	d.mu.Lock()
	if d.inProgress {
		d.missedSignal = true
		d.mu.Unlock()
		return
	}
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return
	}
	d.inProgress = true
	d.mu.Unlock()
	d.dispatchRetryPass()
}

// dispatchRetryPass hands runRetryPass to the scheduler's worker pool
// instead of calling it inline. A caller of AcquireLocks/ReleaseLocks/etc.
// only raises the change notification that leads here; it must not be made
// to wait out some other caller's queued task body. Mirrors
// DelayedResourceLockService::onLocksChanged's
// createTask(...)->run<ManagedTaskBehaviour::CancelOnExit>(this), which
// likewise dispatches the retry pass onto a worker rather than running it
// on the signaling thread. Callers must hold d.inProgress == true before
// calling this.
func (d *DelayedService) dispatchRetryPass() {
	t := d.scheduler.NewTask(func(ctx context.Context, self *task.Task) error {
		d.runRetryPass()
		return nil
	})
	if err := t.RunUnmanaged(); err != nil {
		d.logger.Warn("failed to dispatch delayed-lock retry pass", "error", err)
		d.mu.Lock()
		d.inProgress = false
		d.mu.Unlock()
	}
}

// runRetryPass performs one scan of the queue, attempting to acquire each
// entry's resources synchronously. A successful acquire wires the release
// and runs the task; a hard failure (error, not merely "denied") drops the
// entry. It dispatches another pass immediately if a change signal arrived
// while it was running, matching the single-flight-with-missed-signal-replay
// algorithm of the original service. Runs on a scheduler worker, never on
// the goroutine that raised the triggering change notification.
func (d *DelayedService) runRetryPass() {
	defer func() {
		d.mu.Lock()
		missed := d.missedSignal
		d.missedSignal = false
		if missed {
			d.mu.Unlock()
			d.dispatchRetryPass()
			return
		}
		d.inProgress = false
		d.mu.Unlock()
	}()

	d.mu.Lock()
	d.missedSignal = false
	snapshot := append([]*pendingLock(nil), d.queue...)
	d.mu.Unlock()

	remaining := make([]*pendingLock, 0, len(snapshot))

	for _, p := range snapshot {
		ok, err := d.acquire(p.owner, p.resources)
		if err != nil {
			d.logger.Warn("acquireLocks failed during a retry pass", "error", err)
			continue
		}
		if ok {
			owner, resources := p.owner, p.resources
			p.work.OnEnded(func(*task.Task, bool) {
				_ = d.release(owner, resources)
			})
			_ = p.work.RunSync(false)
			continue
		}
		remaining = append(remaining, p)
	}

	// Entries handled in this pass leave the queue; entries added while the
	// pass ran stay queued, and entries dropped by their timeout meanwhile
	// stay dropped.
	handled := make(map[*pendingLock]bool, len(snapshot))
	for _, p := range snapshot {
		handled[p] = true
	}
	for _, p := range remaining {
		delete(handled, p)
	}
	d.mu.Lock()
	queue := make([]*pendingLock, 0, len(d.queue))
	for _, q := range d.queue {
		if !handled[q] {
			queue = append(queue, q)
		}
	}
	d.queue = queue
	empty := len(d.queue) == 0
	d.mu.Unlock()

	if empty {
		d.fireLastTaskEnded()
	}
}
