package task

import (
	"context"
	"testing"
	"time"
)

func TestCancellableManagerCancelsOnClose(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	started := make(chan struct{})
	tk := s.NewTask(func(ctx context.Context, self *Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	m := NewCancellableManager(s)
	m.Track(tk, CancelOnExit)
	assertNoError(t, tk.RunUnmanaged())
	<-started

	m.Close()
	waitFor(t, tk.Done())
	assertEqual(t, tk.State(), Canceled)
}

func TestRootManagerWaitsOnClose(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	release := make(chan struct{})
	finished := make(chan struct{})
	tk := s.NewTask(func(ctx context.Context, self *Task) error {
		<-release
		return nil
	})

	m := NewRootManager(s)
	m.Track(tk, WaitOnExit)
	assertNoError(t, tk.RunUnmanaged())

	go func() {
		m.Close()
		close(finished)
	}()

	select {
	case <-finished:
		t.Fatal("root manager returned before its waited task finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("root manager never returned after task finished")
	}
	assertEqual(t, m.HasPendingWork(), false)
}

func TestChildManagerClosesBeforeParent(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	release := make(chan struct{})
	tk := s.NewTask(func(ctx context.Context, self *Task) error {
		<-release
		return nil
	})

	root := NewRootManager(s)
	child := NewChildManager(root)
	child.Track(tk, WaitOnExit)
	assertNoError(t, tk.RunUnmanaged())

	finished := make(chan struct{})
	go func() {
		root.Close()
		close(finished)
	}()

	select {
	case <-finished:
		t.Fatal("parent manager returned before child's tracked task finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("parent manager never returned after child task finished")
	}
}

func TestHasPendingWorkReflectsTracking(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	tk := s.NewTask(func(ctx context.Context, self *Task) error { return nil })
	m := NewRootManager(s)
	assertEqual(t, m.HasPendingWork(), false)

	m.Track(tk, WaitOnExit)
	assertEqual(t, m.HasPendingWork(), true)

	assertNoError(t, tk.RunSync(true))
	waitFor(t, tk.Done())
	time.Sleep(20 * time.Millisecond)
	assertEqual(t, m.HasPendingWork(), false)
}
