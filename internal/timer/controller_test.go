package timer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clockline/internal/config"
	"clockline/internal/db"
	"clockline/internal/engine"
	"clockline/internal/migrate"
	"clockline/internal/timer"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, config.Default())
}

func mustTask(t *testing.T, eng engine.Engine, name string) string {
	t.Helper()
	task, err := eng.CreateTask(context.Background(), name, "", "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task.ID
}

func TestStartStopTransitions(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	taskID := mustTask(t, eng, "Docs")

	c, err := timer.New(ctx, eng, "u1", 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.State() != timer.Idle {
		t.Fatalf("fresh controller should be idle")
	}
	if _, err := c.Stop(ctx, ""); !errors.Is(err, timer.ErrNotRunning) {
		t.Fatalf("stop while idle = %v", err)
	}

	entry, err := c.Start(ctx, taskID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.State() != timer.Running {
		t.Fatalf("state after start = %v", c.State())
	}
	if _, err := c.Start(ctx, taskID); err == nil {
		t.Fatalf("second start should be refused")
	}

	closed, err := c.Stop(ctx, "done")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if closed.ID != entry.ID || closed.EndedAt == nil {
		t.Fatalf("closed entry %+v", closed)
	}
	if c.State() != timer.Idle {
		t.Fatalf("state after stop = %v", c.State())
	}
}

func TestDoubleStopSavesOnce(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	taskID := mustTask(t, eng, "Burst clicks")

	// The clock stalls inside the save so the second stop arrives while the
	// first one is still persisting.
	var stall atomic.Bool
	release := make(chan struct{})
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		if stall.Load() {
			<-release
		}
		return base
	}

	c, err := timer.New(ctx, eng, "u1", 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Start(ctx, taskID); err != nil {
		t.Fatalf("start: %v", err)
	}

	base = base.Add(time.Hour)
	stall.Store(true)

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = c.Stop(ctx, "first click")
	}()

	// Wait for the first stop to take the saving flag.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := c.Stop(ctx, "second click")
		if errors.Is(err, timer.ErrSaveInFlight) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second stop never saw the in-flight save, err=%v", err)
		}
		time.Sleep(time.Millisecond)
	}

	stall.Store(false)
	close(release)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("first stop: %v", firstErr)
	}

	// Exactly one close reached the store.
	if n, _ := eng.Repo.CountOpenEntries(ctx, "u1"); n != 0 {
		t.Fatalf("open entries after stop = %d", n)
	}
	if _, err := c.Stop(ctx, "third click"); !errors.Is(err, timer.ErrNotRunning) {
		t.Fatalf("stop after close = %v", err)
	}
}

func TestFailedStopKeepsRunning(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	taskID := mustTask(t, eng, "Flaky save")

	c, err := timer.New(ctx, eng, "u1", 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	entry, err := c.Start(ctx, taskID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Yank the row out from under the controller so the close cannot land.
	if err := eng.Repo.DeleteEntry(ctx, entry.ID, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Stop(ctx, "lost"); err == nil {
		t.Fatalf("expected stop to fail")
	}
	if c.State() != timer.Running {
		t.Fatalf("timer must stay running after a failed save")
	}
}

func TestTickSplitsAtMidnight(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	taskID := mustTask(t, eng, "Night shift")

	clock := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }

	c, err := timer.New(ctx, eng, "u1", 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	started, err := c.Start(ctx, taskID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	clock = time.Date(2025, 6, 2, 0, 0, 2, 0, time.UTC)
	if err := c.Tick(ctx); err != nil {
		t.Fatalf("crossover tick: %v", err)
	}
	if c.State() != timer.Running {
		t.Fatalf("timer should keep running across midnight")
	}
	cur, ok := c.Entry()
	if !ok || cur.ID == started.ID {
		t.Fatalf("timer should continue on the split half, got %+v", cur)
	}
	if cur.Day != "2025-06-02" {
		t.Fatalf("continued entry day = %s", cur.Day)
	}
	if got := c.Elapsed(); got != 2*time.Second {
		t.Fatalf("elapsed on new half = %v", got)
	}
	if n, _ := eng.Repo.CountOpenEntries(ctx, "u1"); n != 1 {
		t.Fatalf("open entries after split = %d", n)
	}
}

func TestRecoveryResumesOpenEntry(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	taskID := mustTask(t, eng, "Survives restart")

	clock := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	entry, err := eng.StartEntry(ctx, "u1", taskID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	clock = clock.Add(45 * time.Minute)
	c, err := timer.New(ctx, eng, "u1", 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.State() != timer.Running {
		t.Fatalf("controller should resume running")
	}
	cur, _ := c.Entry()
	if cur.ID != entry.ID {
		t.Fatalf("resumed entry id = %s, want %s", cur.ID, entry.ID)
	}
	if got := c.Elapsed(); got != 45*time.Minute {
		t.Fatalf("elapsed = %v", got)
	}
}
