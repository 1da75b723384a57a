package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPriorityOrderingWithinSaturatedPool(t *testing.T) {
	s := NewScheduler(WithMinWorkers(1))
	defer s.Close()

	gate := make(chan struct{})
	blocker := s.NewTask(func(ctx context.Context, self *Task) error {
		<-gate
		return nil
	})
	assertNoError(t, blocker.RunUnmanaged())

	var mu sync.Mutex
	var order []string
	mk := func(name string, p Priority) *Task {
		return s.NewTask(func(ctx context.Context, self *Task) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	low := mk("low", Low)
	normal := mk("normal", Normal)
	high := mk("high", High)

	assertNoError(t, low.RunUnmanaged(Low))
	assertNoError(t, normal.RunUnmanaged(Normal))
	assertNoError(t, high.RunUnmanaged(High))

	close(gate)
	waitFor(t, high.Done())
	waitFor(t, normal.Done())
	waitFor(t, low.Done())

	mu.Lock()
	defer mu.Unlock()
	assertEqual(t, len(order), 3)
	assertEqual(t, order[0], "high")
	assertEqual(t, order[1], "normal")
	assertEqual(t, order[2], "low")
}

func TestAutoRemoveForgetsTask(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	tk := s.NewTask(func(ctx context.Context, self *Task) error { return nil })
	tk.SetAutoRemove(true)
	assertNoError(t, tk.RunSync(true))

	_, ok := s.lookup(tk.id)
	assertEqual(t, ok, false)
}

func TestRemoveLaterKeepsTaskUntilDone(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	release := make(chan struct{})
	tk := s.NewTask(func(ctx context.Context, self *Task) error {
		<-release
		return nil
	})
	s.RemoveLater(tk)
	assertNoError(t, tk.RunUnmanaged())

	if _, ok := s.lookup(tk.id); !ok {
		t.Fatal("task removed before it finished")
	}
	close(release)
	waitFor(t, tk.Done())

	time.Sleep(20 * time.Millisecond)
	if _, ok := s.lookup(tk.id); ok {
		t.Fatal("task not removed after finishing")
	}
}

func TestBorrowSlotAllowsExtraConcurrency(t *testing.T) {
	s := NewScheduler(WithMinWorkers(1))
	defer s.Close()

	release := s.BorrowSlot()
	defer release()

	var ran int32
	tk := s.NewTask(func(ctx context.Context, self *Task) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})
	assertNoError(t, tk.RunSync(true))
	assertEqual(t, atomic.LoadInt32(&ran), int32(1))
}

func TestMetricsCountSubmissions(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	tk := s.NewTask(func(ctx context.Context, self *Task) error { return nil })
	assertNoError(t, tk.RunSync(true))

	if got := testutil.ToFloat64(s.metrics.tasksSubmitted); got != 1 {
		t.Fatalf("expected 1 submission, got %v", got)
	}
	if got := testutil.ToFloat64(s.metrics.tasksFinished); got != 1 {
		t.Fatalf("expected 1 finish, got %v", got)
	}
}
