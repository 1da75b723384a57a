package task

import (
	"bytes"
	"runtime"
	"strconv"
	"sync/atomic"
)

// goroutineID extracts the calling goroutine's numeric id from its stack
// trace header ("goroutine 123 [running]: ..."). It is only used to answer
// "is this the Loop's own goroutine", never for scheduling decisions, so
// the cost of a small stack dump per call is acceptable.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}

// Loop is the main/UI-thread stand-in used for "restore context" callback
// delivery. An embedding application runs Loop.Run() on whatever goroutine
// it considers its main thread (typically the same goroutine that owns the
// GUI event loop, if any); everything else posts work to it with Post.
//
// This is deliberately a plain channel-fed dispatcher rather than a full
// event loop: the module only needs a single-thread delivery guarantee for
// callbacks, not timers, microtasks, or I/O polling, so pulling in a
// general-purpose event loop library would be the wrong shape for an
// embeddable dependency.
type Loop struct {
	work      chan func()
	closed    chan struct{}
	ownerGoID int64 // set once Run starts, compared via a thread-local-ish trick
	running   int32
}

// NewLoop creates a Loop. Call Run on the goroutine that should be treated
// as the main thread before posting work to it.
func NewLoop() *Loop {
	return &Loop{
		work:   make(chan func(), 256),
		closed: make(chan struct{}),
	}
}

// Run drains posted work until Stop is called. It blocks the calling
// goroutine, which becomes this Loop's main thread for the duration.
func (l *Loop) Run() {
	atomic.StoreInt64(&l.ownerGoID, goroutineID())
	atomic.StoreInt32(&l.running, 1)
	defer atomic.StoreInt32(&l.running, 0)
	for {
		select {
		case fn := <-l.work:
			fn()
		case <-l.closed:
			// drain anything already queued before returning
			for {
				select {
				case fn := <-l.work:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Stop causes a running Run call to return after draining pending work.
func (l *Loop) Stop() {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
}

// Post enqueues fn to run on the Loop's goroutine. Safe to call before Run
// starts; fn simply waits in the queue.
func (l *Loop) Post(fn func()) {
	l.work <- fn
}

// IsCurrent reports whether the calling goroutine is the one currently
// executing Run.
func (l *Loop) IsCurrent() bool {
	return atomic.LoadInt32(&l.running) == 1 && atomic.LoadInt64(&l.ownerGoID) == goroutineID()
}

// inlineLoop is the default Loop used when a Scheduler is not given one
// explicitly: every callback runs inline, matching "restore context" being
// a no-op when there is no distinguished main thread.
type inlineLoop struct{}

func (inlineLoop) Post(f func()) { f() }
func (inlineLoop) IsCurrent() bool { return true }

// mainLoop is satisfied by both *Loop and inlineLoop.
type mainLoop interface {
	Post(func())
	IsCurrent() bool
}
