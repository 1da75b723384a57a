package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error, expected error) {
	t.Helper()
	if !errors.Is(err, expected) {
		t.Fatalf("expected error %v, got %v", expected, err)
	}
}

func assertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func waitFor(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task to settle")
	}
}

func TestRunSyncFinishes(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	tk := s.NewTask(func(ctx context.Context, self *Task) error { return nil })
	assertNoError(t, tk.RunSync(true))
	assertEqual(t, tk.State(), Finished)
}

func TestRunSyncFailurePropagatesCause(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	boom := errors.New("boom")
	tk := s.NewTask(func(ctx context.Context, self *Task) error { return boom })
	err := tk.RunSync(true)
	assertError(t, err, ErrBodyFailure)
	assertError(t, err, boom)
	assertEqual(t, tk.State(), Failed)
}

func TestCancelIsCooperative(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	started := make(chan struct{})
	tk := s.NewTask(func(ctx context.Context, self *Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	assertNoError(t, tk.RunUnmanaged())
	<-started
	tk.Cancel()
	waitFor(t, tk.Done())
	assertEqual(t, tk.State(), Canceled)
}

func TestNoopTaskFailsPrecondition(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	tk := s.NewNoopTask()
	assertError(t, tk.RunUnmanaged(), ErrPrecondition)
}

func TestForeignTaskRejected(t *testing.T) {
	s1 := NewScheduler()
	defer s1.Close()
	s2 := NewScheduler()
	defer s2.Close()

	tk := s1.NewTask(func(ctx context.Context, self *Task) error { return nil })
	tk.scheduler = s2
	assertError(t, tk.RunUnmanaged(), ErrForeignTask)
}

func TestTerminateSkipsStaleHandlers(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	release := make(chan struct{})
	var finishedFired, endedFired int32
	tk := s.NewTask(func(ctx context.Context, self *Task) error {
		<-release
		return nil
	})
	tk.OnFinished(func(*Task) { atomic.AddInt32(&finishedFired, 1) }, WithDeliverOn(Caller))
	tk.OnEnded(func(*Task, bool) { atomic.AddInt32(&endedFired, 1) }, WithDeliverOn(Caller))

	assertNoError(t, tk.RunUnmanaged())
	tk.Terminate()
	close(release)
	waitFor(t, tk.Done())

	assertEqual(t, tk.State(), Terminated)
	assertEqual(t, atomic.LoadInt32(&finishedFired), int32(0))
	assertEqual(t, atomic.LoadInt32(&endedFired), int32(0))
}

func TestTerminateCascadesToSubtasks(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	childRelease := make(chan struct{})
	parent := s.NewTask(func(ctx context.Context, self *Task) error { return nil })
	child := s.NewTask(func(ctx context.Context, self *Task) error {
		<-childRelease
		return nil
	})
	parent.addSubtask(child.id)

	assertNoError(t, child.RunUnmanaged())
	parent.Terminate()
	waitFor(t, child.Done())
	assertEqual(t, child.State(), Terminated)
}

func TestTimeoutTransitionsState(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	tk := s.NewTask(func(ctx context.Context, self *Task) error {
		<-ctx.Done()
		return ctx.Err()
	})
	tk.SetTimeout(20)
	assertNoError(t, tk.RunUnmanaged())
	waitFor(t, tk.Done())
	assertEqual(t, tk.State(), TimedOut)
}

func TestProgressReporting(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	seen := make(chan int, 4)
	tk := s.NewTask(func(ctx context.Context, self *Task) error {
		self.ReportProgress(50)
		self.ReportProgress(150) // clamped to 100
		return nil
	})
	tk.OnProgress(func(_ *Task, percent int) { seen <- percent }, WithDeliverOn(Caller))
	assertNoError(t, tk.RunSync(true))

	assertEqual(t, <-seen, 50)
	assertEqual(t, <-seen, 100)
}

func TestFunctionRequiresResult(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	f := s.NewFunction(func(ctx context.Context, self *Function[any]) error { return nil })
	err := f.RunSync(true)
	assertError(t, err, ErrBodyFailure)
	assertError(t, err, ErrNoResult)
}

func TestFunctionDeliversResult(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	f := NewTypedFunction(s, func(ctx context.Context, self *Function[int]) error {
		return self.SetResult(42)
	})
	var got int
	f.OnResultAvailable(func(_ *Function[int], result int) { got = result }, WithDeliverOn(Caller))
	assertNoError(t, f.RunSync(true))
	assertEqual(t, got, 42)
}

func TestMainThreadSyncRefused(t *testing.T) {
	loop := NewLoop()
	go loop.Run()
	defer loop.Stop()

	s := NewScheduler(WithLoop(loop))
	defer s.Close()

	errCh := make(chan error, 1)
	loop.Post(func() {
		tk := s.NewTask(func(ctx context.Context, self *Task) error { return nil })
		errCh <- tk.RunSync(false)
	})
	assertError(t, <-errCh, ErrPrecondition)
}
