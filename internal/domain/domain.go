package domain

import "time"

// Terminal external states; tasks in these states are hidden from the picker.
const (
	StateCompleted = "completed"
	StateCanceled  = "canceled"
)

// Task is a unit of work a user can clock time against. Tasks either come
// from the issue sync (ExternalID set) or are created locally.
type Task struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Color          string  `json:"color,omitempty"`
	ExternalID     *string `json:"external_id,omitempty"`
	ExternalStatus *string `json:"external_status,omitempty"`
	AssigneeID     *string `json:"assignee_id,omitempty"`
	TeamName       string  `json:"team_name,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Visible reports whether the task may be shown to the given user.
// A task is either globally visible (no assignee) or visible to its assignee.
func (t Task) Visible(userID string) bool {
	return t.AssigneeID == nil || *t.AssigneeID == userID
}

// Terminal reports whether the external issue is in a closed state.
func (t Task) Terminal() bool {
	if t.ExternalStatus == nil {
		return false
	}
	return *t.ExternalStatus == StateCompleted || *t.ExternalStatus == StateCanceled
}

// TimeEntry is one contiguous interval of work on one task by one user.
// EndedAt nil means the entry is open and accumulating time. Day is the
// calendar date the entry counts toward, in the user's selected zone.
type TimeEntry struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TaskID    string     `json:"task_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	Day       string     `json:"day"`
	CreatedAt string     `json:"created_at" format:"date-time"`
	UpdatedAt string     `json:"updated_at" format:"date-time"`
}

// Open reports whether the entry is still accumulating time.
func (e TimeEntry) Open() bool {
	return e.EndedAt == nil
}

// Duration returns the closed duration, or elapsed-until-now for open entries.
func (e TimeEntry) Duration(now time.Time) time.Duration {
	if e.EndedAt == nil {
		return now.Sub(e.StartedAt)
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// Event is one audit log row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	UserID     string `json:"user_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates non-interactive clients.
type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
