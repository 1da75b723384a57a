package task

import "sync/atomic"

// DeliverOn selects which goroutine a callback is invoked on.
type DeliverOn int

const (
	// Caller delivers the callback inline, on whichever goroutine emits it.
	Caller DeliverOn = iota
	// Main delivers the callback on the Loop bound to the owning Scheduler.
	// If the emitting goroutine already is the loop's goroutine, delivery
	// is inline; this is the "restore context" default.
	Main
)

// HandlerToken identifies a registered callback so it can be removed later.
type HandlerToken uint64

var handlerTokenSeq uint64

func nextHandlerToken() HandlerToken {
	return HandlerToken(atomic.AddUint64(&handlerTokenSeq, 1))
}

// handlerEntry is a single registered callback. call receives an
// arbitrary payload determined by the family emitting it (nil for
// self-only handlers, a bool for OnEnded, an int for OnProgress).
type handlerEntry struct {
	token     HandlerToken
	deliverOn DeliverOn
	call      func(payload any)
}

// callbackSet is a small append-mostly registry of handlers for a single
// family (started, finished, failed, ...). Removal compacts the slice; the
// emitting goroutine always works off a snapshot, so this is safe even
// while a handler mid-fire removes itself or a sibling.
type callbackSet struct {
	entries []*handlerEntry
}

func (c *callbackSet) add(deliverOn DeliverOn, call func(payload any)) HandlerToken {
	e := &handlerEntry{token: nextHandlerToken(), deliverOn: deliverOn, call: call}
	c.entries = append(c.entries, e)
	return e.token
}

func (c *callbackSet) remove(token HandlerToken) bool {
	for i, e := range c.entries {
		if e.token == token {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot returns a stable copy of the live entries for emission outside
// the owning task's mutex.
func (c *callbackSet) snapshot() []*handlerEntry {
	if len(c.entries) == 0 {
		return nil
	}
	out := make([]*handlerEntry, len(c.entries))
	copy(out, c.entries)
	return out
}
