// Package linear pulls issues from the Linear GraphQL API into the local
// task catalog.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultEndpoint = "https://api.linear.app/graphql"

// Issue is the slice of a Linear issue the task catalog cares about.
type Issue struct {
	ID         string
	Identifier string
	Title      string
	Color      string
	StateType  string
	AssigneeID string
	TeamName   string
}

// Client is an authenticated Linear GraphQL client.
type Client struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a client for the given API key.
func NewClient(apiKey string) *Client {
	return &Client{
		Endpoint:   defaultEndpoint,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

const issuesQuery = `query Issues($after: String, $team: String) {
  issues(first: 100, after: $after, filter: {team: {name: {eq: $team}}}) {
    pageInfo { hasNextPage endCursor }
    nodes {
      id
      identifier
      title
      state { type color }
      assignee { id }
      team { name }
    }
  }
}`

type issuesResponse struct {
	Data struct {
		Issues struct {
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
			Nodes []struct {
				ID         string `json:"id"`
				Identifier string `json:"identifier"`
				Title      string `json:"title"`
				State      struct {
					Type  string `json:"type"`
					Color string `json:"color"`
				} `json:"state"`
				Assignee *struct {
					ID string `json:"id"`
				} `json:"assignee"`
				Team *struct {
					Name string `json:"name"`
				} `json:"team"`
			} `json:"nodes"`
		} `json:"issues"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Issues fetches all issues for the configured team, following cursors.
func (c *Client) Issues(ctx context.Context, team string) ([]Issue, error) {
	var all []Issue
	var after *string
	for {
		page, err := c.issuesPage(ctx, team, after)
		if err != nil {
			return nil, err
		}
		for _, n := range page.Data.Issues.Nodes {
			iss := Issue{
				ID:         n.ID,
				Identifier: n.Identifier,
				Title:      n.Title,
				Color:      n.State.Color,
				StateType:  n.State.Type,
			}
			if n.Assignee != nil {
				iss.AssigneeID = n.Assignee.ID
			}
			if n.Team != nil {
				iss.TeamName = n.Team.Name
			}
			all = append(all, iss)
		}
		if !page.Data.Issues.PageInfo.HasNextPage {
			return all, nil
		}
		cursor := page.Data.Issues.PageInfo.EndCursor
		after = &cursor
	}
}

func (c *Client) issuesPage(ctx context.Context, team string, after *string) (*issuesResponse, error) {
	vars := map[string]any{"team": team}
	if after != nil {
		vars["after"] = *after
	}
	body, err := json.Marshal(map[string]any{
		"query":     issuesQuery,
		"variables": vars,
	})
	if err != nil {
		return nil, err
	}
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.APIKey)

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("linear request failed: %w", err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("linear API error %d: %s", resp.StatusCode, string(data))
	}
	var page issuesResponse
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decoding linear response: %w", err)
	}
	if len(page.Errors) > 0 {
		return nil, fmt.Errorf("linear API: %s", page.Errors[0].Message)
	}
	return &page, nil
}
