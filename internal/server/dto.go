package server

import (
	"time"

	"clockline/internal/domain"
	"clockline/internal/engine"
)

type TaskResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Color          string `json:"color,omitempty"`
	ExternalID     string `json:"external_id,omitempty"`
	ExternalStatus string `json:"external_status,omitempty"`
	TeamName       string `json:"team_name,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:        t.ID,
		Name:      t.Name,
		Color:     t.Color,
		TeamName:  t.TeamName,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if t.ExternalID != nil {
		resp.ExternalID = *t.ExternalID
	}
	if t.ExternalStatus != nil {
		resp.ExternalStatus = *t.ExternalStatus
	}
	return resp
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	return out
}

type EntryResponse struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	Day       string     `json:"day"`
	Seconds   int64      `json:"seconds"`
}

func entryResponse(e domain.TimeEntry, now time.Time) EntryResponse {
	return EntryResponse{
		ID:        e.ID,
		TaskID:    e.TaskID,
		StartedAt: e.StartedAt,
		EndedAt:   e.EndedAt,
		Comment:   e.Comment,
		Day:       e.Day,
		Seconds:   int64(e.Duration(now).Seconds()),
	}
}

func mapEntries(entries []domain.TimeEntry, now time.Time) []EntryResponse {
	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse(e, now))
	}
	return out
}

type CreateTaskRequest struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type StartTimerRequest struct {
	TaskID string `json:"task_id"`
}

type StopTimerRequest struct {
	Comment string `json:"comment,omitempty"`
}

// TimerResponse describes the caller's timer: running plus the open entry,
// or idle with no entry.
type TimerResponse struct {
	State   string         `json:"state"`
	Entry   *EntryResponse `json:"entry,omitempty"`
	Seconds int64          `json:"seconds"`
}

type UpdateEntryRequest struct {
	TaskID    *string    `json:"task_id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Comment   *string    `json:"comment,omitempty"`
}

type ReportResponse struct {
	Day          string              `json:"day"`
	TotalSeconds int64               `json:"total_seconds"`
	Lines        []engine.ReportLine `json:"lines"`
	Entries      []EntryResponse     `json:"entries"`
}

type SyncResponse struct {
	Synced int `json:"synced"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    e.Payload,
	}
}
