package task

import (
	"context"
	"errors"
	"testing"
)

func TestSequenceStopsAtFirstFailure(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	boom := errors.New("boom")
	var ran []int
	mk := func(n int, err error) *Task {
		return s.NewTask(func(ctx context.Context, self *Task) error {
			ran = append(ran, n)
			return err
		})
	}
	children := []*Task{mk(1, nil), mk(2, boom), mk(3, nil)}
	parent := s.Sequence(children)
	err := parent.RunSync(true)

	assertError(t, err, ErrBodyFailure)
	assertError(t, err, boom)
	assertEqual(t, len(ran), 2)
	assertEqual(t, parent.State(), Failed)
}

func TestSequenceAllFinish(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	mk := func() *Task {
		return s.NewTask(func(ctx context.Context, self *Task) error { return nil })
	}
	parent := s.Sequence([]*Task{mk(), mk(), mk()})
	assertNoError(t, parent.RunSync(true))
	assertEqual(t, parent.State(), Finished)
}

func TestFallbackUsesFirstSuccess(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	failing := s.NewTask(func(ctx context.Context, self *Task) error { return errors.New("nope") })
	succeeding := s.NewTask(func(ctx context.Context, self *Task) error { return nil })
	unreached := s.NewTask(func(ctx context.Context, self *Task) error {
		t.Fatal("fallback should not have run a third child")
		return nil
	})
	parent := s.Fallback([]*Task{failing, succeeding, unreached})
	assertNoError(t, parent.RunSync(true))
	assertEqual(t, parent.State(), Finished)
}

func TestFallbackAllFail(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	mkFail := func() *Task {
		return s.NewTask(func(ctx context.Context, self *Task) error { return errors.New("nope") })
	}
	parent := s.Fallback([]*Task{mkFail(), mkFail()})
	err := parent.RunSync(true)
	assertError(t, err, ErrBodyFailure)
	assertEqual(t, parent.State(), Failed)
}

func TestParallelWaitsForAllAndFailsOnFirstError(t *testing.T) {
	s := NewScheduler(WithMinWorkers(2))
	defer s.Close()

	boom := errors.New("boom")
	release := make(chan struct{})
	ok := s.NewTask(func(ctx context.Context, self *Task) error {
		<-ctx.Done()
		return ctx.Err()
	})
	bad := s.NewTask(func(ctx context.Context, self *Task) error {
		close(release)
		return boom
	})
	parent := s.Parallel([]*Task{ok, bad})
	err := parent.RunSync(true)

	assertError(t, err, ErrBodyFailure)
	assertError(t, err, boom)
	assertEqual(t, parent.State(), Failed)
	assertEqual(t, ok.State(), Canceled)
}

func TestSequenceChildTimeoutTransitionsParentToTimedOut(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	slow := s.NewTask(func(ctx context.Context, self *Task) error {
		<-ctx.Done()
		return ctx.Err()
	})
	slow.SetTimeout(20)
	unreached := s.NewTask(func(ctx context.Context, self *Task) error {
		t.Fatal("sequence should not run a child after a timed-out predecessor")
		return nil
	})

	parent := s.Sequence([]*Task{slow, unreached})
	assertNoError(t, parent.RunSync(false))
	assertEqual(t, parent.State(), TimedOut)
	assertEqual(t, slow.State(), TimedOut)
}

func TestFallbackTriesNextChildAfterTerminatedChild(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	terminated := s.NewTask(func(ctx context.Context, self *Task) error {
		self.Terminate()
		return nil
	})
	succeeding := s.NewTask(func(ctx context.Context, self *Task) error { return nil })

	parent := s.Fallback([]*Task{terminated, succeeding})
	assertNoError(t, parent.RunSync(true))
	assertEqual(t, parent.State(), Finished)
	assertEqual(t, terminated.State(), Terminated)
}

func TestParallelFailsWhenChildTimesOutIndependently(t *testing.T) {
	s := NewScheduler(WithMinWorkers(2))
	defer s.Close()

	slow := s.NewTask(func(ctx context.Context, self *Task) error {
		<-ctx.Done()
		return ctx.Err()
	})
	slow.SetTimeout(20)
	other := s.NewTask(func(ctx context.Context, self *Task) error {
		<-ctx.Done()
		return ctx.Err()
	})
	parent := s.Parallel([]*Task{slow, other})
	err := parent.RunSync(true)

	assertError(t, err, ErrBodyFailure)
	assertEqual(t, parent.State(), Failed)
	assertEqual(t, slow.State(), TimedOut)
	waitFor(t, other.Done())
	assertEqual(t, other.State(), Canceled)
}

func TestAttemptFinishesOnFirstWinner(t *testing.T) {
	s := NewScheduler(WithMinWorkers(2))
	defer s.Close()

	slow := s.NewTask(func(ctx context.Context, self *Task) error {
		<-ctx.Done()
		return ctx.Err()
	})
	fast := s.NewTask(func(ctx context.Context, self *Task) error { return nil })
	parent := s.Attempt([]*Task{slow, fast})
	assertNoError(t, parent.RunSync(true))
	assertEqual(t, parent.State(), Finished)
	waitFor(t, slow.Done())
	assertEqual(t, slow.State(), Canceled)
}

func TestAttemptFailsWhenAllChildrenFail(t *testing.T) {
	s := NewScheduler(WithMinWorkers(2))
	defer s.Close()

	mkFail := func() *Task {
		return s.NewTask(func(ctx context.Context, self *Task) error { return errors.New("nope") })
	}
	parent := s.Attempt([]*Task{mkFail(), mkFail()})
	err := parent.RunSync(true)
	assertError(t, err, ErrBodyFailure)
	assertEqual(t, parent.State(), Failed)
}
