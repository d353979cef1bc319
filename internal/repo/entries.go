package repo

import (
	"context"
	"database/sql"
	"time"

	"clockline/internal/domain"
)

const entryColumns = `id,user_id,task_id,started_at,ended_at,comment,day,created_at,updated_at`

func scanEntry(scan func(dest ...any) error) (domain.TimeEntry, error) {
	var e domain.TimeEntry
	var started string
	var ended, comment sql.NullString
	err := scan(&e.ID, &e.UserID, &e.TaskID, &started, &ended, &comment, &e.Day, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if e.StartedAt, err = parseTime(started); err != nil {
		return e, err
	}
	if ended.Valid {
		t, err := parseTime(ended.String)
		if err != nil {
			return e, err
		}
		e.EndedAt = &t
	}
	e.Comment = comment.String
	return e, nil
}

// InsertEntry stores a new time entry. Returns ErrConflict when the user
// already has an open entry; the partial unique index closes the race window
// so concurrent starts cannot both land.
func (r Repo) InsertEntry(ctx context.Context, e domain.TimeEntry) error {
	return insertEntry(ctx, r.DB.ExecContext, e)
}

// InsertEntryTx is InsertEntry inside the caller's transaction.
func (r Repo) InsertEntryTx(ctx context.Context, tx *sql.Tx, e domain.TimeEntry) error {
	return insertEntry(ctx, tx.ExecContext, e)
}

type execFunc func(ctx context.Context, query string, args ...any) (sql.Result, error)

func insertEntry(ctx context.Context, exec execFunc, e domain.TimeEntry) error {
	_, err := exec(ctx, `INSERT INTO time_entries(`+entryColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.UserID, e.TaskID, e.StartedAt.UTC().Format(timeLayout), nullableTimePtr(e.EndedAt),
		nullable(e.Comment), e.Day, e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// UpdateEntry rewrites a time entry. The update is scoped to the owning
// user; a row that does not exist or belongs to someone else is ErrNotFound.
func (r Repo) UpdateEntry(ctx context.Context, e domain.TimeEntry) error {
	return updateEntry(ctx, r.DB.ExecContext, e)
}

// UpdateEntryTx is UpdateEntry inside the caller's transaction.
func (r Repo) UpdateEntryTx(ctx context.Context, tx *sql.Tx, e domain.TimeEntry) error {
	return updateEntry(ctx, tx.ExecContext, e)
}

func updateEntry(ctx context.Context, exec execFunc, e domain.TimeEntry) error {
	res, err := exec(ctx, `UPDATE time_entries SET task_id=?, started_at=?, ended_at=?, comment=?, day=?, updated_at=? WHERE id=? AND user_id=?`,
		e.TaskID, e.StartedAt.UTC().Format(timeLayout), nullableTimePtr(e.EndedAt),
		nullable(e.Comment), e.Day, e.UpdatedAt, e.ID, e.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEntry removes a time entry owned by the user.
func (r Repo) DeleteEntry(ctx context.Context, id, userID string) error {
	return deleteEntry(ctx, r.DB.ExecContext, id, userID)
}

// DeleteEntryTx is DeleteEntry inside the caller's transaction.
func (r Repo) DeleteEntryTx(ctx context.Context, tx *sql.Tx, id, userID string) error {
	return deleteEntry(ctx, tx.ExecContext, id, userID)
}

func deleteEntry(ctx context.Context, exec execFunc, id, userID string) error {
	res, err := exec(ctx, `DELETE FROM time_entries WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetEntry returns an entry visible to the user.
func (r Repo) GetEntry(ctx context.Context, id, userID string) (domain.TimeEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM time_entries WHERE id=? AND user_id=?`, id, userID)
	return scanEntry(row.Scan)
}

// FindOpenEntry returns the user's open entry, if any. The store holds at
// most one, so this is used on startup to resume or split.
func (r Repo) FindOpenEntry(ctx context.Context, userID string) (domain.TimeEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM time_entries WHERE user_id=? AND ended_at IS NULL`, userID)
	return scanEntry(row.Scan)
}

// EntryFilters narrows ListEntries.
type EntryFilters struct {
	UserID string
	Day    string
	TaskID string
	Limit  int
}

// ListEntries returns entries for a user, newest start first.
func (r Repo) ListEntries(ctx context.Context, f EntryFilters) ([]domain.TimeEntry, error) {
	clauses := []string{"user_id=?"}
	args := []any{f.UserID}
	if f.Day != "" {
		clauses = append(clauses, "day=?")
		args = append(args, f.Day)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	query := `SELECT ` + entryColumns + ` FROM time_entries WHERE ` + joinAnd(clauses) + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountOpenEntries reports how many open rows a user holds. The invariant
// keeps it at zero or one; tests assert against it directly.
func (r Repo) CountOpenEntries(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM time_entries WHERE user_id=? AND ended_at IS NULL`, userID).Scan(&n)
	return n, err
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

// Touch timestamps in one place so insert/update agree on the format.
func Stamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}
