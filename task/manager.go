package task

import (
	"fmt"
	"sync"
)

// ManagedBehavior controls what a Manager does to a task it still owns when
// the manager itself goes out of scope.
type ManagedBehavior int

const (
	// CancelOnExit requests cancellation of the task when the owning
	// Manager exits. Cancellation only takes effect on a Running task; the
	// Manager never terminates the task.
	CancelOnExit ManagedBehavior = iota
	// WaitOnExit leaves the task running; the Manager only logs a warning
	// that it is exiting with unfinished managed work.
	WaitOnExit
)

// managerPolicy is a closed enum selecting how a Manager's Close behaves, in
// place of a generic type parameter: the three policies differ only in
// behavior, never in the methods they expose.
type managerPolicy int

const (
	policyCancellableOnly managerPolicy = iota
	policyWaitOnExitRoot
	policyWaitOnExitChild
)

// Manager is a scope guard over a set of tasks: a lexical owner (a request
// handler, a connection, a subsystem) registers the tasks it starts with a
// Manager and the Manager makes sure none of them outlive the scope
// unaccounted for. Manager itself is not a Task.
type Manager struct {
	scheduler *Scheduler
	policy    managerPolicy
	parent    *Manager

	mu      sync.Mutex
	entries map[ID]*managedEntry
	pending bool
	closed  bool

	children map[*Manager]struct{}

	logger func(format string, args ...any)
}

type managedEntry struct {
	task     *Task
	behavior ManagedBehavior
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithManagerLogger overrides the func used to log the WaitOnExit warning.
func WithManagerLogger(logf func(format string, args ...any)) ManagerOption {
	return func(m *Manager) { m.logger = logf }
}

func newManager(s *Scheduler, policy managerPolicy, parent *Manager, opts []ManagerOption) *Manager {
	m := &Manager{
		scheduler: s,
		policy:    policy,
		parent:    parent,
		entries:   make(map[ID]*managedEntry),
		children:  make(map[*Manager]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = func(format string, args ...any) { s.logger.Warn(fmt.Sprintf(format, args...)) }
	}
	if parent != nil {
		parent.mu.Lock()
		parent.children[m] = struct{}{}
		parent.mu.Unlock()
	}
	return m
}

// NewCancellableManager creates a root Manager whose Close cancels every
// task still registered with CancelOnExit behavior and does not wait for
// WaitOnExit tasks at all; it only ever warns about them.
func NewCancellableManager(s *Scheduler, opts ...ManagerOption) *Manager {
	return newManager(s, policyCancellableOnly, nil, opts)
}

// NewRootManager creates a root Manager whose Close blocks until every
// registered task reaches a terminal state, after requesting cancellation
// of the CancelOnExit ones.
func NewRootManager(s *Scheduler, opts ...ManagerOption) *Manager {
	return newManager(s, policyWaitOnExitRoot, nil, opts)
}

// NewChildManager creates a Manager nested under parent. Closing parent
// recursively closes every child first, so a child's WaitOnExit tasks are
// waited on before the parent itself reports having no pending work.
func NewChildManager(parent *Manager, opts ...ManagerOption) *Manager {
	return newManager(parent.scheduler, policyWaitOnExitChild, parent, opts)
}

// Track registers t with the manager using behavior, which governs what
// happens to t if the Manager is closed before t reaches a terminal state.
func (m *Manager) Track(t *Task, behavior ManagedBehavior) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.entries[t.id] = &managedEntry{task: t, behavior: behavior}
	m.pending = true
	m.mu.Unlock()

	go func() {
		<-t.Done()
		m.untrack(t.id)
	}()
}

func (m *Manager) untrack(id ID) {
	m.mu.Lock()
	delete(m.entries, id)
	m.pending = len(m.entries) > 0
	m.mu.Unlock()
}

// HasPendingWork reports whether any tracked task has not yet reached a
// terminal state.
func (m *Manager) HasPendingWork() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Close ends the Manager's scope. Depending on the policy it was created
// with, it either fires-and-forgets (CancellableOnly), or blocks until every
// tracked task (and every child Manager's tracked tasks) reaches a terminal
// state (WaitOnExitRoot / WaitOnExitChild).
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	children := make([]*Manager, 0, len(m.children))
	for c := range m.children {
		children = append(children, c)
	}
	entries := make([]*managedEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	// Children close (and, if they wait, block) before the parent evaluates
	// its own tasks, so a parent's "still pending" check reflects the whole
	// subtree.
	for _, c := range children {
		c.Close()
	}

	for _, e := range entries {
		switch e.behavior {
		case CancelOnExit:
			e.task.Cancel()
		case WaitOnExit:
			if m.policy == policyCancellableOnly {
				m.logger("manager closing with unfinished wait-on-exit task %s", e.task.id.String())
			}
		}
	}

	if m.policy == policyCancellableOnly {
		return
	}

	for _, e := range entries {
		<-e.task.Done()
		m.untrack(e.task.id)
	}

	if m.parent != nil {
		m.parent.mu.Lock()
		delete(m.parent.children, m)
		m.parent.mu.Unlock()
	}
}
