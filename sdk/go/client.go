package clocklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Clockline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Color          string `json:"color,omitempty"`
	ExternalID     string `json:"external_id,omitempty"`
	ExternalStatus string `json:"external_status,omitempty"`
	TeamName       string `json:"team_name,omitempty"`
}

// Entry represents one interval of clocked time.
type Entry struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	Day       string     `json:"day"`
	Seconds   int64      `json:"seconds"`
}

// Timer is the caller's timer state.
type Timer struct {
	State   string `json:"state"`
	Entry   *Entry `json:"entry,omitempty"`
	Seconds int64  `json:"seconds"`
}

// ReportLine aggregates one task inside a daily report.
type ReportLine struct {
	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`
	TeamName string `json:"team_name,omitempty"`
	Seconds  int64  `json:"seconds"`
	Entries  int    `json:"entries"`
}

// Report is the per-day summary.
type Report struct {
	Day          string       `json:"day"`
	TotalSeconds int64        `json:"total_seconds"`
	Lines        []ReportLine `json:"lines"`
	Entries      []Entry      `json:"entries"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Tasks lists the tasks the caller may clock time against.
func (c *Client) Tasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "v0/tasks", nil, &resp)
	return resp, err
}

// CreateTask creates a local task.
func (c *Client) CreateTask(ctx context.Context, name, color string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", map[string]any{"name": name, "color": color}, &resp)
	return resp, err
}

// Timer returns the caller's timer state.
func (c *Client) Timer(ctx context.Context) (Timer, error) {
	var resp Timer
	err := c.do(ctx, http.MethodGet, "v0/timer", nil, &resp)
	return resp, err
}

// StartTimer opens an entry on the task.
func (c *Client) StartTimer(ctx context.Context, taskID string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, "v0/timer/start", map[string]any{"task_id": taskID}, &resp)
	return resp, err
}

// StopTimer closes the running entry with the comment.
func (c *Client) StopTimer(ctx context.Context, comment string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, "v0/timer/stop", map[string]any{"comment": comment}, &resp)
	return resp, err
}

// Entries lists the caller's entries, optionally filtered by day.
func (c *Client) Entries(ctx context.Context, day string) ([]Entry, error) {
	endpoint := "v0/entries"
	if day != "" {
		endpoint += "?day=" + url.QueryEscape(day)
	}
	var resp []Entry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateEntry edits an entry; nil fields are left unchanged.
func (c *Client) UpdateEntry(ctx context.Context, id string, taskID, comment *string, start, end *time.Time) (Entry, error) {
	body := map[string]any{}
	if taskID != nil {
		body["task_id"] = *taskID
	}
	if comment != nil {
		body["comment"] = *comment
	}
	if start != nil {
		body["started_at"] = start.Format(time.RFC3339Nano)
	}
	if end != nil {
		body["ended_at"] = end.Format(time.RFC3339Nano)
	}
	var resp Entry
	err := c.do(ctx, http.MethodPatch, "v0/entries/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// DeleteEntry removes an entry.
func (c *Client) DeleteEntry(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/entries/"+url.PathEscape(id), nil, nil)
}

// DailyReport returns the report for a day (YYYY-MM-DD).
func (c *Client) DailyReport(ctx context.Context, day string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, "v0/reports/daily/"+url.PathEscape(day), nil, &resp)
	return resp, err
}

// Sync pulls tracker issues into the task catalog.
func (c *Client) Sync(ctx context.Context) (int, error) {
	var resp struct {
		Synced int `json:"synced"`
	}
	err := c.do(ctx, http.MethodPost, "v0/sync", nil, &resp)
	return resp.Synced, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/log"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
