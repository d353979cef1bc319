// Package export mirrors closed time entries into an external spreadsheet.
// The mirror is best effort: one row per entry keyed by entry ID, failures
// logged and never propagated to the caller.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Row is one spreadsheet line for a closed entry. Task and team names are
// denormalized so the sheet stays readable without joins.
type Row struct {
	EntryID         string    `json:"entry_id"`
	UserID          string    `json:"user_id"`
	Day             string    `json:"day"`
	TaskName        string    `json:"task_name"`
	TeamName        string    `json:"team_name,omitempty"`
	Comment         string    `json:"comment,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int64     `json:"duration_seconds"`
}

// Notifier mirrors rows keyed by entry ID. UpsertRow is idempotent per key.
type Notifier interface {
	UpsertRow(ctx context.Context, row Row) error
	DeleteRow(ctx context.Context, entryID string) error
}

// SheetClient talks to the spreadsheet bridge over REST.
type SheetClient struct {
	BaseURL       string
	SpreadsheetID string
	Sheet         string
	HTTPClient    *http.Client
}

// NewSheetClient builds a client whose transport injects the oauth2 token.
func NewSheetClient(ctx context.Context, baseURL, spreadsheetID, sheet string, ts oauth2.TokenSource) *SheetClient {
	return &SheetClient{
		BaseURL:       baseURL,
		SpreadsheetID: spreadsheetID,
		Sheet:         sheet,
		HTTPClient:    oauth2.NewClient(ctx, ts),
	}
}

func (c *SheetClient) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *SheetClient) rowURL(entryID string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	sheet := c.Sheet
	if sheet == "" {
		sheet = "entries"
	}
	return fmt.Sprintf("%s/spreadsheets/%s/sheets/%s/rows/%s",
		base, url.PathEscape(c.SpreadsheetID), url.PathEscape(sheet), url.PathEscape(entryID))
}

// UpsertRow writes the row for the entry, replacing an existing one with the
// same key. Calling it twice with the same entry leaves one row.
func (c *SheetClient) UpsertRow(ctx context.Context, row Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.rowURL(row.EntryID), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// DeleteRow removes the row for the entry; a missing row is not an error.
func (c *SheetClient) DeleteRow(ctx context.Context, entryID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.rowURL(entryID), nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *SheetClient) do(req *http.Request) error {
	res, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound && req.Method == http.MethodDelete {
		return nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("sheet bridge status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Async fires a mirror write without blocking or failing the caller.
// A sheet failure never rolls back the entry mutation that triggered it.
func Async(n Notifier, row Row) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.UpsertRow(ctx, row); err != nil {
			log.Printf("export: mirror entry %s failed: %v", row.EntryID, err)
		}
	}()
}

// AsyncDelete fires a mirror row delete without blocking the caller.
func AsyncDelete(n Notifier, entryID string) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.DeleteRow(ctx, entryID); err != nil {
			log.Printf("export: remove row %s failed: %v", entryID, err)
		}
	}()
}
