package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"clockline/internal/config"
	"clockline/internal/domain"
	"clockline/internal/events"
	"clockline/internal/export"
	"clockline/internal/linear"
	"clockline/internal/repo"
	"clockline/internal/timecalc"
)

// ErrNoCrossover is returned by SplitOpenEntry when the open entry is still
// on today's local date; same-day entries are never split.
var ErrNoCrossover = errors.New("entry does not cross a day boundary")

// clock skew tolerated before a timestamp counts as "in the future".
const futureSkew = 2 * time.Minute

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Export export.Notifier
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) zone() timecalc.Zone {
	if e.Config == nil {
		return 0
	}
	return e.Config.Zone()
}

// StartEntry opens a new time entry for the user. The entry is persisted
// immediately so a durable identifier exists before the first tick. A user
// who already holds an open entry gets repo.ErrConflict from the store.
func (e Engine) StartEntry(ctx context.Context, userID, taskID string) (domain.TimeEntry, error) {
	if userID == "" {
		return domain.TimeEntry{}, errors.New("user is required")
	}
	if taskID == "" {
		return domain.TimeEntry{}, errors.New("task is required")
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.TimeEntry{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	if !task.Visible(userID) {
		return domain.TimeEntry{}, repo.ErrNotFound
	}
	if task.Terminal() {
		return domain.TimeEntry{}, fmt.Errorf("task %s is %s; pick an active task", taskID, *task.ExternalStatus)
	}
	now := e.now()
	entry := domain.TimeEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		TaskID:    taskID,
		StartedAt: now,
		Day:       timecalc.Date(now, e.zone()),
		CreatedAt: repo.Stamp(now),
		UpdatedAt: repo.Stamp(now),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEntryTx(ctx, tx, entry); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := e.Events.Append(ctx, tx, "entry.started", userID, "entry", entry.ID, events.EventPayload{
		"task_id": taskID,
		"day":     entry.Day,
	}); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TimeEntry{}, err
	}
	return entry, nil
}

// StopOpenEntry closes the user's open entry with the given comment. An open
// entry that already crossed its local midnight is split first, so the close
// always lands on the post-midnight half.
func (e Engine) StopOpenEntry(ctx context.Context, userID, comment string) (domain.TimeEntry, error) {
	open, err := e.Recover(ctx, userID)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	if open == nil {
		return domain.TimeEntry{}, fmt.Errorf("no running entry: %w", repo.ErrNotFound)
	}
	now := e.now()
	if now.Before(open.StartedAt) {
		return domain.TimeEntry{}, errors.New("end before start")
	}
	entry := *open
	entry.EndedAt = &now
	entry.Comment = comment
	entry.UpdatedAt = repo.Stamp(now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEntryTx(ctx, tx, entry); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := e.Events.Append(ctx, tx, "entry.stopped", userID, "entry", entry.ID, events.EventPayload{
		"task_id": entry.TaskID,
		"seconds": int64(entry.EndedAt.Sub(entry.StartedAt).Seconds()),
	}); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TimeEntry{}, err
	}
	e.notifyClosed(ctx, entry)
	return entry, nil
}

// SplitOpenEntry divides the user's open entry at its local midnight. The
// close of the first half and the insert of the second commit in a single
// transaction; a failure leaves the original open entry untouched, never a
// user with no open entry and lost time.
func (e Engine) SplitOpenEntry(ctx context.Context, userID string) (closed, next domain.TimeEntry, err error) {
	open, err := e.Repo.FindOpenEntry(ctx, userID)
	if err != nil {
		return domain.TimeEntry{}, domain.TimeEntry{}, err
	}
	now := e.now()
	zone := e.zone()
	if timecalc.SameDay(open.StartedAt, now, zone) {
		return domain.TimeEntry{}, domain.TimeEntry{}, ErrNoCrossover
	}
	closed, next = timecalc.Split(open, zone, uuid.New().String())
	closed.UpdatedAt = repo.Stamp(now)
	next.CreatedAt = repo.Stamp(now)
	next.UpdatedAt = repo.Stamp(now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimeEntry{}, domain.TimeEntry{}, err
	}
	defer tx.Rollback()
	// Closing the first half frees the open-entry index before the second
	// half is inserted.
	if err := e.Repo.UpdateEntryTx(ctx, tx, closed); err != nil {
		return domain.TimeEntry{}, domain.TimeEntry{}, err
	}
	if err := e.Repo.InsertEntryTx(ctx, tx, next); err != nil {
		return domain.TimeEntry{}, domain.TimeEntry{}, err
	}
	if err := e.Events.Append(ctx, tx, "entry.split", userID, "entry", closed.ID, events.EventPayload{
		"continued_by": next.ID,
		"closed_day":   closed.Day,
		"next_day":     next.Day,
	}); err != nil {
		return domain.TimeEntry{}, domain.TimeEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TimeEntry{}, domain.TimeEntry{}, err
	}
	e.notifyClosed(ctx, closed)
	return closed, next, nil
}

// Recover returns the user's open entry, splitting stale ones first. An open
// entry started on an earlier local date is split once per crossed midnight
// until its start lands on today; nil means no open entry.
func (e Engine) Recover(ctx context.Context, userID string) (*domain.TimeEntry, error) {
	open, err := e.Repo.FindOpenEntry(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	zone := e.zone()
	for !timecalc.SameDay(open.StartedAt, e.now(), zone) {
		_, next, err := e.SplitOpenEntry(ctx, userID)
		if err != nil {
			return nil, err
		}
		open = next
	}
	return &open, nil
}

// EntryUpdateOptions carries an explicit user edit of an entry.
type EntryUpdateOptions struct {
	ID        string
	UserID    string
	TaskID    *string
	StartedAt *time.Time
	EndedAt   *time.Time
	Comment   *string
}

// UpdateEntry applies an explicit edit to an owned entry. The day the entry
// counts toward is recomputed from the edited start in the user's zone.
func (e Engine) UpdateEntry(ctx context.Context, opts EntryUpdateOptions) (domain.TimeEntry, error) {
	entry, err := e.Repo.GetEntry(ctx, opts.ID, opts.UserID)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	if opts.TaskID != nil {
		task, err := e.Repo.GetTask(ctx, *opts.TaskID)
		if err != nil {
			return domain.TimeEntry{}, fmt.Errorf("task %s: %w", *opts.TaskID, err)
		}
		if !task.Visible(opts.UserID) {
			return domain.TimeEntry{}, repo.ErrNotFound
		}
		entry.TaskID = task.ID
	}
	if opts.StartedAt != nil {
		entry.StartedAt = *opts.StartedAt
	}
	if opts.EndedAt != nil {
		entry.EndedAt = opts.EndedAt
	}
	if opts.Comment != nil {
		entry.Comment = *opts.Comment
	}
	now := e.now()
	if entry.StartedAt.After(now.Add(futureSkew)) {
		return domain.TimeEntry{}, errors.New("start is in the future")
	}
	if entry.EndedAt != nil {
		if entry.EndedAt.Before(entry.StartedAt) {
			return domain.TimeEntry{}, errors.New("end before start")
		}
		if entry.EndedAt.After(now.Add(futureSkew)) {
			return domain.TimeEntry{}, errors.New("end is in the future")
		}
	}
	entry.Day = timecalc.Date(entry.StartedAt, e.zone())
	entry.UpdatedAt = repo.Stamp(now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEntryTx(ctx, tx, entry); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := e.Events.Append(ctx, tx, "entry.updated", opts.UserID, "entry", entry.ID, nil); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TimeEntry{}, err
	}
	if entry.EndedAt != nil {
		e.notifyClosed(ctx, entry)
	}
	return entry, nil
}

// DeleteEntry removes an owned entry and requests removal of its mirrored
// spreadsheet row. The row delete and its audit event commit together; no
// export call is made when the delete is refused.
func (e Engine) DeleteEntry(ctx context.Context, userID, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteEntryTx(ctx, tx, id, userID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "entry.deleted", userID, "entry", id, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	export.AsyncDelete(e.Export, id)
	return nil
}

// notifyClosed mirrors a closed entry to the spreadsheet, best effort.
func (e Engine) notifyClosed(ctx context.Context, entry domain.TimeEntry) {
	if e.Export == nil || entry.EndedAt == nil {
		return
	}
	task, err := e.Repo.GetTask(ctx, entry.TaskID)
	if err != nil {
		task = domain.Task{ID: entry.TaskID, Name: entry.TaskID}
	}
	export.Async(e.Export, export.Row{
		EntryID:         entry.ID,
		UserID:          entry.UserID,
		Day:             entry.Day,
		TaskName:        task.Name,
		TeamName:        task.TeamName,
		Comment:         entry.Comment,
		StartedAt:       entry.StartedAt,
		EndedAt:         *entry.EndedAt,
		DurationSeconds: int64(entry.EndedAt.Sub(entry.StartedAt).Seconds()),
	})
}

// ExportRow rebuilds the spreadsheet row for a closed entry, for re-pushes.
func (e Engine) ExportRow(ctx context.Context, entry domain.TimeEntry) (export.Row, error) {
	if entry.EndedAt == nil {
		return export.Row{}, errors.New("entry is still open")
	}
	task, err := e.Repo.GetTask(ctx, entry.TaskID)
	if err != nil {
		return export.Row{}, err
	}
	return export.Row{
		EntryID:         entry.ID,
		UserID:          entry.UserID,
		Day:             entry.Day,
		TaskName:        task.Name,
		TeamName:        task.TeamName,
		Comment:         entry.Comment,
		StartedAt:       entry.StartedAt,
		EndedAt:         *entry.EndedAt,
		DurationSeconds: int64(entry.EndedAt.Sub(entry.StartedAt).Seconds()),
	}, nil
}

// CreateTask adds a locally defined task to the catalog.
func (e Engine) CreateTask(ctx context.Context, name, color, assigneeID string) (domain.Task, error) {
	if name == "" {
		return domain.Task{}, errors.New("name is required")
	}
	now := repo.Stamp(e.now())
	t := domain.Task{
		ID:        uuid.New().String(),
		Name:      name,
		Color:     color,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if assigneeID != "" {
		t.AssigneeID = &assigneeID
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// CreateAPIKey mints a key for the user and stores only its hash. The raw
// key is returned once and cannot be recovered later.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (string, domain.APIKey, error) {
	if userID == "" {
		return "", domain.APIKey{}, errors.New("user is required")
	}
	raw := "clk_" + uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: repo.Stamp(e.now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, key, nil
}

// ListActiveTasks returns the tasks the user may clock time against:
// visible to them and not in a terminal external state.
func (e Engine) ListActiveTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, repo.TaskFilters{VisibleTo: userID, ActiveOnly: true})
}

// SyncIssues reconciles the task catalog with the fetched issue list. Task
// ids are derived from the external id so repeated syncs stay stable. Synced
// tasks whose issue vanished upstream are removed, unless entries already
// reference them; those keep their history and stay in place.
func (e Engine) SyncIssues(ctx context.Context, issues []linear.Issue) (int, error) {
	now := repo.Stamp(e.now())
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, iss := range issues {
		externalID := iss.ID
		state := iss.StateType
		t := domain.Task{
			ID:             uuid.NewSHA1(uuid.NameSpaceURL, []byte("linear:"+iss.ID)).String(),
			Name:           fmt.Sprintf("%s %s", iss.Identifier, iss.Title),
			Color:          iss.Color,
			ExternalID:     &externalID,
			ExternalStatus: &state,
			TeamName:       iss.TeamName,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if iss.AssigneeID != "" {
			assignee := iss.AssigneeID
			t.AssigneeID = &assignee
		}
		if err := e.Repo.UpsertTaskByExternalID(ctx, tx, t); err != nil {
			return 0, fmt.Errorf("upsert issue %s: %w", iss.Identifier, err)
		}
	}
	if err := e.Events.Append(ctx, tx, "task.synced", "", "task", "", events.EventPayload{
		"count": len(issues),
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.pruneVanishedTasks(ctx, issues)
	return len(issues), nil
}

func (e Engine) pruneVanishedTasks(ctx context.Context, issues []linear.Issue) {
	known := make(map[string]bool, len(issues))
	for _, iss := range issues {
		known[iss.ID] = true
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{})
	if err != nil {
		return
	}
	for _, t := range tasks {
		if t.ExternalID == nil || known[*t.ExternalID] {
			continue
		}
		// A task with recorded entries fails the FK and stays; history wins.
		_ = e.Repo.DeleteTaskByExternalID(ctx, *t.ExternalID)
	}
}
