package engine

import (
	"context"
	"fmt"
	"regexp"

	"clockline/internal/domain"
	"clockline/internal/repo"
)

var dayPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ReportLine aggregates one task's time within a day.
type ReportLine struct {
	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`
	TeamName string `json:"team_name,omitempty"`
	Seconds  int64  `json:"seconds"`
	Entries  int    `json:"entries"`
}

// DailyReport is the per-day summary users hand in.
type DailyReport struct {
	Day          string             `json:"day"`
	UserID       string             `json:"user_id"`
	TotalSeconds int64              `json:"total_seconds"`
	Lines        []ReportLine       `json:"lines"`
	Entries      []domain.TimeEntry `json:"entries"`
}

// Report builds the daily report for a user. Open entries count their
// elapsed time up to now so a running day still reads correctly.
func (e Engine) Report(ctx context.Context, userID, day string) (DailyReport, error) {
	if !dayPattern.MatchString(day) {
		return DailyReport{}, fmt.Errorf("invalid day %q; want YYYY-MM-DD", day)
	}
	entries, err := e.Repo.ListEntries(ctx, repo.EntryFilters{UserID: userID, Day: day})
	if err != nil {
		return DailyReport{}, err
	}
	rep := DailyReport{Day: day, UserID: userID, Entries: entries}
	now := e.now()
	byTask := map[string]*ReportLine{}
	var order []string
	for _, entry := range entries {
		secs := int64(entry.Duration(now).Seconds())
		rep.TotalSeconds += secs
		line, ok := byTask[entry.TaskID]
		if !ok {
			line = &ReportLine{TaskID: entry.TaskID}
			if task, err := e.Repo.GetTask(ctx, entry.TaskID); err == nil {
				line.TaskName = task.Name
				line.TeamName = task.TeamName
			} else {
				line.TaskName = entry.TaskID
			}
			byTask[entry.TaskID] = line
			order = append(order, entry.TaskID)
		}
		line.Seconds += secs
		line.Entries++
	}
	for _, id := range order {
		rep.Lines = append(rep.Lines, *byTask[id])
	}
	return rep, nil
}
