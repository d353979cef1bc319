package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clockline/internal/config"
	"clockline/internal/db"
	"clockline/internal/engine"
	"clockline/internal/export"
	"clockline/internal/linear"
	"clockline/internal/migrate"
	"clockline/internal/repo"
)

// recordingNotifier captures mirror calls so tests can assert on them.
type recordingNotifier struct {
	mu      sync.Mutex
	upserts []export.Row
	deletes []string
}

func (n *recordingNotifier) UpsertRow(_ context.Context, row export.Row) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.upserts = append(n.upserts, row)
	return nil
}

func (n *recordingNotifier) DeleteRow(_ context.Context, entryID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deletes = append(n.deletes, entryID)
	return nil
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.upserts), len(n.deletes)
}

// waitFor polls until cond is true or the deadline passes; mirror calls are
// fire and forget so tests cannot observe them synchronously.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

type testEnv struct {
	Engine   engine.Engine
	Notifier *recordingNotifier
	Ctx      context.Context
}

func newTestEnv(t *testing.T) *testEnv {
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
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	notifier := &recordingNotifier{}
	eng.Export = notifier
	return &testEnv{Engine: eng, Notifier: notifier, Ctx: context.Background()}
}

func (env *testEnv) task(t *testing.T, name string) string {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, name, "", "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task.ID
}

func TestStartStopLifecycle(t *testing.T) {
	env := newTestEnv(t)
	taskID := env.task(t, "Fix login")

	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return start }
	entry, err := env.Engine.StartEntry(env.Ctx, "u1", taskID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if entry.ID == "" || !entry.Open() {
		t.Fatalf("expected persisted open entry, got %+v", entry)
	}
	if entry.Day != "2025-06-01" {
		t.Fatalf("day = %s", entry.Day)
	}

	env.Engine.Now = func() time.Time { return start.Add(90 * time.Minute) }
	closed, err := env.Engine.StopOpenEntry(env.Ctx, "u1", "reviewed PRs")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if closed.EndedAt == nil || closed.Comment != "reviewed PRs" {
		t.Fatalf("unexpected closed entry %+v", closed)
	}
	if n, _ := env.Engine.Repo.CountOpenEntries(env.Ctx, "u1"); n != 0 {
		t.Fatalf("expected no open entries, got %d", n)
	}
	waitFor(t, func() bool { up, _ := env.Notifier.counts(); return up == 1 })
	env.Notifier.mu.Lock()
	row := env.Notifier.upserts[0]
	env.Notifier.mu.Unlock()
	if row.EntryID != closed.ID || row.TaskName != "Fix login" {
		t.Fatalf("mirror row %+v", row)
	}
}

func TestSecondOpenEntryConflicts(t *testing.T) {
	env := newTestEnv(t)
	taskID := env.task(t, "Triage")
	if _, err := env.Engine.StartEntry(env.Ctx, "u1", taskID); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := env.Engine.StartEntry(env.Ctx, "u1", taskID)
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if n, _ := env.Engine.Repo.CountOpenEntries(env.Ctx, "u1"); n != 1 {
		t.Fatalf("expected exactly one open row, got %d", n)
	}
	// Other users are unaffected.
	if _, err := env.Engine.StartEntry(env.Ctx, "u2", taskID); err != nil {
		t.Fatalf("other user start: %v", err)
	}
}

func TestAtMostOneOpenAcrossSequence(t *testing.T) {
	env := newTestEnv(t)
	taskID := env.task(t, "Ops")
	for i := 0; i < 5; i++ {
		if _, err := env.Engine.StartEntry(env.Ctx, "u1", taskID); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if n, _ := env.Engine.Repo.CountOpenEntries(env.Ctx, "u1"); n != 1 {
			t.Fatalf("open count after start %d = %d", i, n)
		}
		if _, err := env.Engine.StopOpenEntry(env.Ctx, "u1", ""); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
		if n, _ := env.Engine.Repo.CountOpenEntries(env.Ctx, "u1"); n != 0 {
			t.Fatalf("open count after stop %d = %d", i, n)
		}
	}
}

func TestSplitAtMidnight(t *testing.T) {
	env := newTestEnv(t)
	taskID := env.task(t, "Late shift")

	start := time.Date(2025, 6, 1, 23, 58, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return start }
	entry, err := env.Engine.StartEntry(env.Ctx, "u1", taskID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// The tick that notices the crossover fires a few seconds past midnight.
	now := time.Date(2025, 6, 2, 0, 0, 5, 0, time.UTC)
	env.Engine.Now = func() time.Time { return now }
	closed, next, err := env.Engine.SplitOpenEntry(env.Ctx, "u1")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if closed.ID != entry.ID {
		t.Fatalf("closed half should keep the original id")
	}
	wantDur := time.Minute + 59*time.Second + 999*time.Millisecond
	if got := closed.EndedAt.Sub(closed.StartedAt); got != wantDur {
		t.Fatalf("closed duration = %v, want %v", got, wantDur)
	}
	if closed.Day != "2025-06-01" || next.Day != "2025-06-02" {
		t.Fatalf("day attribution: closed=%s next=%s", closed.Day, next.Day)
	}
	if !next.StartedAt.Equal(time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("next start = %v", next.StartedAt)
	}
	// Continuity: the two pieces cover the whole elapsed interval within
	// the sub-second truncation at the boundary.
	total := now.Sub(entry.StartedAt)
	pieces := closed.EndedAt.Sub(closed.StartedAt) + now.Sub(next.StartedAt)
	if diff := total - pieces; diff < 0 || diff > time.Second {
		t.Fatalf("split lost %v", diff)
	}
	// Both halves persisted atomically: one open row, old row closed.
	if n, _ := env.Engine.Repo.CountOpenEntries(env.Ctx, "u1"); n != 1 {
		t.Fatalf("open rows after split = %d", n)
	}
	stored, err := env.Engine.Repo.GetEntry(env.Ctx, entry.ID, "u1")
	if err != nil || stored.EndedAt == nil {
		t.Fatalf("original row not closed: %+v err=%v", stored, err)
	}
	waitFor(t, func() bool { up, _ := env.Notifier.counts(); return up == 1 })
}

func TestSplitFailureLeavesEntryOpen(t *testing.T) {
	env := newTestEnv(t)
	taskID := env.task(t, "Risky split")

	start := time.Date(2025, 6, 1, 23, 58, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return start }
	entry, err := env.Engine.StartEntry(env.Ctx, "u1", taskID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Break the audit table so the split transaction cannot complete after
	// the close and the insert have both run. The whole transaction must
	// roll back; a committed close with no new open entry would silently
	// lose the user's running time.
	if _, err := env.Engine.DB.Exec(`DROP TABLE events`); err != nil {
		t.Fatalf("drop events: %v", err)
	}

	env.Engine.Now = func() time.Time { return time.Date(2025, 6, 2, 0, 0, 5, 0, time.UTC) }
	if _, _, err := env.Engine.SplitOpenEntry(env.Ctx, "u1"); err == nil {
		t.Fatalf("expected split to fail")
	}

	stored, err := env.Engine.Repo.GetEntry(env.Ctx, entry.ID, "u1")
	if err != nil {
		t.Fatalf("original entry gone after failed split: %v", err)
	}
	if !stored.Open() {
		t.Fatalf("original entry closed despite rollback: %+v", stored)
	}
	if stored.Day != "2025-06-01" || !stored.StartedAt.Equal(entry.StartedAt) {
		t.Fatalf("original entry mutated: %+v", stored)
	}
	if n, _ := env.Engine.Repo.CountOpenEntries(env.Ctx, "u1"); n != 1 {
		t.Fatalf("open rows after failed split = %d, want the original only", n)
	}
}

func TestSplitSameDayRefused(t *testing.T) {
	env := newTestEnv(t)
	taskID := env.task(t, "Day work")
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return start }
	if _, err := env.Engine.StartEntry(env.Ctx, "u1", taskID); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.Engine.Now = func() time.Time { return start.Add(8 * time.Hour) }
	_, _, err := env.Engine.SplitOpenEntry(env.Ctx, "u1")
	if !errors.Is(err, engine.ErrNoCrossover) {
		t.Fatalf("expected ErrNoCrossover, got %v", err)
	}
}

func TestRecoverSplitsStaleEntry(t *testing.T) {
	env := newTestEnv(t)
	taskID := env.task(t, "Forgotten timer")
	start := time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return start }
	entry, err := env.Engine.StartEntry(env.Ctx, "u1", taskID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Process restart two days later: recovery splits once per midnight.
	env.Engine.Now = func() time.Time { return time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC) }
	open, err := env.Engine.Recover(env.Ctx, "u1")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if open == nil {
		t.Fatalf("expected a resumed open entry")
	}
	if open.Day != "2025-06-03" {
		t.Fatalf("resumed entry day = %s", open.Day)
	}
	if open.ID == entry.ID {
		t.Fatalf("resumed entry should be a split continuation")
	}
	entries, err := env.Engine.Repo.ListEntries(env.Ctx, repo.EntryFilters{UserID: "u1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 rows (two closed halves + open), got %d", len(entries))
	}
}

func TestRecoverSameDayResumes(t *testing.T) {
	env := newTestEnv(t)
	taskID := env.task(t, "Morning")
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return start }
	entry, err := env.Engine.StartEntry(env.Ctx, "u1", taskID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	env.Engine.Now = func() time.Time { return start.Add(time.Hour) }
	open, err := env.Engine.Recover(env.Ctx, "u1")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if open == nil || open.ID != entry.ID {
		t.Fatalf("expected same entry resumed, got %+v", open)
	}
}

func TestRecoverNoOpenEntry(t *testing.T) {
	env := newTestEnv(t)
	open, err := env.Engine.Recover(env.Ctx, "u1")
	if err != nil || open != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", open, err)
	}
}

func TestDeleteNotOwned(t *testing.T) {
	env := newTestEnv(t)
	taskID := env.task(t, "Private work")
	entry, err := env.Engine.StartEntry(env.Ctx, "u1", taskID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	err = env.Engine.DeleteEntry(env.Ctx, "intruder", entry.ID)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.Repo.GetEntry(env.Ctx, entry.ID, "u1"); err != nil {
		t.Fatalf("row should still exist: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, del := env.Notifier.counts(); del != 0 {
		t.Fatalf("no export delete may be issued for a refused delete")
	}
}

func TestDeleteOwnedRemovesMirrorRow(t *testing.T) {
	env := newTestEnv(t)
	taskID := env.task(t, "Removable")
	entry, err := env.Engine.StartEntry(env.Ctx, "u1", taskID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.StopOpenEntry(env.Ctx, "u1", ""); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := env.Engine.DeleteEntry(env.Ctx, "u1", entry.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, func() bool { _, del := env.Notifier.counts(); return del == 1 })
	env.Notifier.mu.Lock()
	if env.Notifier.deletes[0] != entry.ID {
		env.Notifier.mu.Unlock()
		t.Fatalf("export delete keyed by %s, want %s", env.Notifier.deletes[0], entry.ID)
	}
	env.Notifier.mu.Unlock()

	// The delete and its audit event commit together.
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, "u1", "entry.deleted", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].EntityID != entry.ID {
		t.Fatalf("expected one entry.deleted event for %s, got %+v", entry.ID, events)
	}
}

func TestUpdateEntryValidation(t *testing.T) {
	env := newTestEnv(t)
	taskID := env.task(t, "Edit target")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return now }
	entry, err := env.Engine.StartEntry(env.Ctx, "u1", taskID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.StopOpenEntry(env.Ctx, "u1", ""); err != nil {
		t.Fatalf("stop: %v", err)
	}

	before := now.Add(-time.Hour)
	_, err = env.Engine.UpdateEntry(env.Ctx, engine.EntryUpdateOptions{
		ID: entry.ID, UserID: "u1", EndedAt: &before,
	})
	if err == nil {
		t.Fatalf("expected end-before-start rejection")
	}

	future := now.Add(time.Hour)
	_, err = env.Engine.UpdateEntry(env.Ctx, engine.EntryUpdateOptions{
		ID: entry.ID, UserID: "u1", StartedAt: &future, EndedAt: &future,
	})
	if err == nil {
		t.Fatalf("expected future-start rejection")
	}

	_, err = env.Engine.UpdateEntry(env.Ctx, engine.EntryUpdateOptions{
		ID: entry.ID, UserID: "other", Comment: strptr("hijack"),
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("edit by non-owner should be not found, got %v", err)
	}
}

func strptr(s string) *string { return &s }

func TestSyncIssuesAndVisibility(t *testing.T) {
	env := newTestEnv(t)
	issues := []linear.Issue{
		{ID: "lin-1", Identifier: "ENG-1", Title: "Open bug", StateType: "started", TeamName: "Platform"},
		{ID: "lin-2", Identifier: "ENG-2", Title: "Done work", StateType: "completed"},
		{ID: "lin-3", Identifier: "ENG-3", Title: "Mine", StateType: "started", AssigneeID: "u1"},
		{ID: "lin-4", Identifier: "ENG-4", Title: "Someone else's", StateType: "started", AssigneeID: "u2"},
	}
	if _, err := env.Engine.SyncIssues(env.Ctx, issues); err != nil {
		t.Fatalf("sync: %v", err)
	}

	tasks, err := env.Engine.ListActiveTasks(env.Ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	names := map[string]bool{}
	for _, task := range tasks {
		names[task.Name] = true
	}
	if !names["ENG-1 Open bug"] || !names["ENG-3 Mine"] {
		t.Fatalf("visible tasks missing: %v", names)
	}
	if names["ENG-2 Done work"] {
		t.Fatalf("terminal issue must be filtered")
	}
	if names["ENG-4 Someone else's"] {
		t.Fatalf("other user's task must be hidden")
	}

	// Re-sync with a state change updates in place, id stays stable.
	issues[0].StateType = "completed"
	if _, err := env.Engine.SyncIssues(env.Ctx, issues); err != nil {
		t.Fatalf("resync: %v", err)
	}
	tasks, _ = env.Engine.ListActiveTasks(env.Ctx, "u1")
	for _, task := range tasks {
		if task.Name == "ENG-1 Open bug" {
			t.Fatalf("completed issue still listed after resync")
		}
	}
}

func TestSyncPrunesVanishedIssues(t *testing.T) {
	env := newTestEnv(t)
	issues := []linear.Issue{
		{ID: "lin-1", Identifier: "ENG-1", Title: "Tracked", StateType: "started"},
		{ID: "lin-2", Identifier: "ENG-2", Title: "Untouched", StateType: "started"},
	}
	if _, err := env.Engine.SyncIssues(env.Ctx, issues); err != nil {
		t.Fatalf("sync: %v", err)
	}
	tasks, _ := env.Engine.ListActiveTasks(env.Ctx, "u1")
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	var trackedID string
	for _, task := range tasks {
		if task.Name == "ENG-1 Tracked" {
			trackedID = task.ID
		}
	}

	// Clock time against ENG-1 so it carries history.
	if _, err := env.Engine.StartEntry(env.Ctx, "u1", trackedID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.StopOpenEntry(env.Ctx, "u1", ""); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Both issues vanish upstream. The untouched one is pruned; the one
	// with entries stays so its history is preserved.
	if _, err := env.Engine.SyncIssues(env.Ctx, nil); err != nil {
		t.Fatalf("resync: %v", err)
	}
	tasks, _ = env.Engine.ListActiveTasks(env.Ctx, "u1")
	if len(tasks) != 1 || tasks[0].Name != "ENG-1 Tracked" {
		t.Fatalf("after prune: %+v", tasks)
	}
}

func TestDailyReport(t *testing.T) {
	env := newTestEnv(t)
	taskA := env.task(t, "Alpha")
	taskB := env.task(t, "Beta")
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	clock := base
	env.Engine.Now = func() time.Time { return clock }
	if _, err := env.Engine.StartEntry(env.Ctx, "u1", taskA); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(time.Hour)
	if _, err := env.Engine.StopOpenEntry(env.Ctx, "u1", "morning"); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(2 * time.Hour)
	if _, err := env.Engine.StartEntry(env.Ctx, "u1", taskB); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(2*time.Hour + 30*time.Minute)
	if _, err := env.Engine.StopOpenEntry(env.Ctx, "u1", "standup"); err != nil {
		t.Fatal(err)
	}

	rep, err := env.Engine.Report(env.Ctx, "u1", "2025-06-01")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.TotalSeconds != 90*60 {
		t.Fatalf("total = %d", rep.TotalSeconds)
	}
	if len(rep.Lines) != 2 || len(rep.Entries) != 2 {
		t.Fatalf("lines=%d entries=%d", len(rep.Lines), len(rep.Entries))
	}

	if _, err := env.Engine.Report(env.Ctx, "u1", "June 1st"); err == nil {
		t.Fatalf("expected invalid day rejection")
	}
}
