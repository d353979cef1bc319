package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"clockline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert would give a user a second
	// open entry; the unique index on open rows enforces it.
	ErrConflict = errors.New("conflict")
)

const timeLayout = time.RFC3339Nano

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableTimePtr(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

// isUniqueViolation matches sqlite unique-index failures. The driver only
// exposes the message, so this follows the same string matching the rest of
// the error mapping uses.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "constraint failed: unique")
}

// LatestEvents returns the most recent audit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, userID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if userID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, userID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,user_id,entity_kind,entity_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var user, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &user, &e.EntityKind, &entity, &payload); err != nil {
			return nil, err
		}
		e.UserID = user.String
		e.EntityID = entity.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}
