// Command drlsdemo boots a Scheduler and a Manager and walks through a
// short acquire/contend/release cycle, to exercise the ambient logging and
// configuration stack end to end outside of the test suite.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/concurrentedit/drls/lock"
	"github.com/concurrentedit/drls/task"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	minWorkers := task.DefaultMinWorkers
	if v := os.Getenv("DRLS_MIN_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			minWorkers = n
		}
	}

	sched := task.NewScheduler(task.WithMinWorkers(minWorkers), task.WithSchedulerLogger(logger))
	defer sched.Close()

	store := lock.NewStaticEntityStore()
	store.Put(lock.AdminRef{ID: 1, Username: "alice", FullName: "Alice Anderson"})
	store.Put(lock.AdminRef{ID: 2, Username: "bob", FullName: "Bob Baker"})
	manager := lock.NewManager(store, lock.WithManagerLogger(logger))

	stopListening, err := manager.ListenLocksChanged("demo", func() {
		logger.Info("lock table changed")
	}, nil, false)
	if err != nil {
		logger.Error("failed to listen for lock changes", "error", err)
		os.Exit(1)
	}
	defer manager.StopListenLocksChanged(stopListening)

	alice := lock.CallerContext{Username: "alice", Token: lock.NewSessionToken()}
	bob := lock.CallerContext{Username: "bob", Token: lock.NewSessionToken()}
	doc := map[lock.LockableResource]lock.ResourceLockType{
		{EntitySet: "Document", InstanceID: 1}: lock.Write,
	}

	ok, err := manager.AcquireLocks(doc, alice)
	if err != nil {
		logger.Error("acquire failed", "error", err)
		os.Exit(1)
	}
	logger.Info("alice acquired the document lock", "granted", ok)

	delayed := lock.NewDelayedService(manager, sched)
	defer delayed.Close()

	bobWaiting := sched.NewTask(func(ctx context.Context, self *task.Task) error {
		logger.Info("bob's queued edit finally ran")
		return nil
	})
	if err := delayed.AddAsyncLock(bob, doc, bobWaiting, 5*time.Second, nil); err != nil {
		logger.Error("addAsyncLock failed", "error", err)
	}

	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return
	}

	if err := manager.ReleaseLocks(doc, alice); err != nil {
		logger.Error("release failed", "error", err)
	}

	select {
	case <-bobWaiting.Done():
		logger.Info("demo complete", "bob_state", bobWaiting.State().String())
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		logger.Warn("bob's task never completed")
	}
}
