package task

import (
	"context"
	"sync"
)

// ComposeOption configures a composition operator.
type ComposeOption func(*composeConfig)

type composeConfig struct {
	perChildTimeoutMS int64
}

// WithPerChildTimeout re-arms ms as each child's timeout just before it
// starts. It only applies to the sequential operators (Sequence, Fallback);
// Parallel and Attempt run every child's own pre-configured timeout
// independently and concurrently.
func WithPerChildTimeout(ms int64) ComposeOption {
	return func(c *composeConfig) { c.perChildTimeoutMS = ms }
}

func resolveCompose(opts []ComposeOption) composeConfig {
	var c composeConfig
	for _, o := range opts {
		o(&c)
	}
	return c
}

// Sequence runs children in order. The first child that does not Finish
// makes the parent settle in that same non-Finished terminal state and
// stops starting further children; if that child stored a failure cause,
// the parent re-raises it.
func (s *Scheduler) Sequence(children []*Task, opts ...ComposeOption) *Task {
	cfg := resolveCompose(opts)
	parent := s.NewTask(func(ctx context.Context, self *Task) error {
		for _, child := range children {
			self.addSubtask(child.id)
			if state := self.State(); state != Running {
				return nil
			}
			if cfg.perChildTimeoutMS > 0 {
				child.SetTimeout(cfg.perChildTimeoutMS)
			}
			if err := child.RunSync(false); err != nil {
				return err
			}
			switch child.State() {
			case Finished:
				continue
			case Failed:
				return child.FailureCause()
			case Canceled:
				self.Cancel()
				return nil
			case TimedOut:
				self.transitionToTimingOutFromChild()
				return nil
			case Terminated:
				self.Terminate()
				return nil
			}
		}
		return nil
	})
	return parent
}

// Fallback runs children in order; the first child that Finishes ends the
// parent as Finished. Any other outcome, including a Terminated child, is
// just a reason to try the next child; if every child fails, the parent
// fails with the last observed cause.
func (s *Scheduler) Fallback(children []*Task, opts ...ComposeOption) *Task {
	cfg := resolveCompose(opts)
	return s.NewTask(func(ctx context.Context, self *Task) error {
		var lastErr error
		for _, child := range children {
			self.addSubtask(child.id)
			if self.State() != Running {
				return nil
			}
			if cfg.perChildTimeoutMS > 0 {
				child.SetTimeout(cfg.perChildTimeoutMS)
			}
			if err := child.RunSync(false); err != nil {
				return err
			}
			switch child.State() {
			case Finished:
				return nil
			default:
				lastErr = child.FailureCause()
			}
		}
		if lastErr == nil {
			lastErr = ErrBodyFailure
		}
		return lastErr
	})
}

// Parallel runs children concurrently. The parent finishes only once every
// child finishes. On the first failure, every other child is canceled and
// the parent fails with that first cause. Any child reaching Terminated
// terminates the parent too. The controller borrows an extra pool slot
// while it blocks waiting on its children, so a saturated pool cannot
// deadlock against its own composition.
func (s *Scheduler) Parallel(children []*Task, _ ...ComposeOption) *Task {
	return s.NewTask(func(ctx context.Context, self *Task) error {
		for _, child := range children {
			self.addSubtask(child.id)
		}

		release := s.BorrowSlot()
		defer release()

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			failed    bool
			firstErr  error
			terminate bool
		)
		wg.Add(len(children))
		for _, child := range children {
			child := child
			go func() {
				defer wg.Done()
				_ = child.RunSync(false)
				switch child.State() {
				case Failed, Canceled, TimedOut:
					mu.Lock()
					if !failed {
						failed = true
						firstErr = child.FailureCause()
						for _, other := range children {
							if other != child {
								other.Cancel()
							}
						}
					}
					mu.Unlock()
				case Terminated:
					mu.Lock()
					terminate = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if terminate {
			self.Terminate()
			return nil
		}
		if failed {
			if firstErr == nil {
				firstErr = ErrBodyFailure
			}
			return firstErr
		}
		return nil
	})
}

// Attempt races children concurrently; the parent finishes as soon as any
// child finishes, canceling the rest. If every child fails or terminates,
// the parent fails.
func (s *Scheduler) Attempt(children []*Task, _ ...ComposeOption) *Task {
	return s.NewTask(func(ctx context.Context, self *Task) error {
		for _, child := range children {
			self.addSubtask(child.id)
		}

		release := s.BorrowSlot()
		defer release()

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			won      bool
			firstErr error
		)
		wg.Add(len(children))
		for _, child := range children {
			child := child
			go func() {
				defer wg.Done()
				_ = child.RunSync(false)
				mu.Lock()
				defer mu.Unlock()
				switch child.State() {
				case Finished:
					if !won {
						won = true
						for _, other := range children {
							if other != child {
								other.Cancel()
							}
						}
					}
				case Failed, Canceled, TimedOut, Terminated:
					if firstErr == nil {
						firstErr = child.FailureCause()
					}
				}
			}()
		}
		wg.Wait()

		if won {
			return nil
		}
		if firstErr == nil {
			firstErr = ErrBodyFailure
		}
		return firstErr
	})
}

// transitionToTimingOutFromChild mirrors a child's TimedOut state onto a
// Sequence parent: the parent is still Running (it never armed its own
// timer for this), so it moves straight into TimingOut itself. The body
// then returns nil and settle drives TimingOut to TimedOut exactly as it
// would for a task that timed out on its own timer, firing the same
// family-specific handlers.
func (t *Task) transitionToTimingOutFromChild() {
	t.transitionTo(TimingOut)
}
