package repo

import (
	"context"
	"database/sql"
	"strings"

	"clockline/internal/domain"
)

const taskColumns = `id,name,color,external_id,external_status,assignee_id,team_name,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var color, externalID, externalStatus, assigneeID, teamName sql.NullString
	err := scan(&t.ID, &t.Name, &color, &externalID, &externalStatus, &assigneeID, &teamName, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Color = color.String
	if externalID.Valid {
		t.ExternalID = &externalID.String
	}
	if externalStatus.Valid {
		t.ExternalStatus = &externalStatus.String
	}
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.String
	}
	t.TeamName = teamName.String
	return t, nil
}

// InsertTask stores a locally created task.
func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, nullable(t.Color), nullableStringPtr(t.ExternalID), nullableStringPtr(t.ExternalStatus),
		nullableStringPtr(t.AssigneeID), nullable(t.TeamName), t.CreatedAt, t.UpdatedAt)
	return err
}

// UpsertTaskByExternalID inserts or refreshes a synced task keyed by the
// external issue identifier, preserving the local task id on update.
func (r Repo) UpsertTaskByExternalID(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(external_id) DO UPDATE SET name=excluded.name, color=excluded.color,
external_status=excluded.external_status, assignee_id=excluded.assignee_id,
team_name=excluded.team_name, updated_at=excluded.updated_at`,
		t.ID, t.Name, nullable(t.Color), nullableStringPtr(t.ExternalID), nullableStringPtr(t.ExternalStatus),
		nullableStringPtr(t.AssigneeID), nullable(t.TeamName), t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask returns a task by id.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// TaskFilters narrows ListTasks.
type TaskFilters struct {
	// VisibleTo keeps only tasks that are unassigned or assigned to the user.
	VisibleTo string
	// ActiveOnly drops tasks whose external issue reached a terminal state.
	ActiveOnly bool
	Limit      int
}

// ListTasks returns the task catalog, most recently updated first.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.VisibleTo != "" {
		clauses = append(clauses, "(assignee_id IS NULL OR assignee_id=?)")
		args = append(args, f.VisibleTo)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "(external_status IS NULL OR external_status NOT IN (?,?))")
		args = append(args, domain.StateCompleted, domain.StateCanceled)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// DeleteTaskByExternalID removes a synced task when the upstream issue is
// deleted. Entries that already reference it are kept.
func (r Repo) DeleteTaskByExternalID(ctx context.Context, externalID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE external_id=?`, externalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
