package server

import (
	"context"
	"log"
	"time"

	"clockline/internal/engine"
	"clockline/internal/linear"
)

const defaultSyncTimeout = 30 * time.Second

// IssueFetcher pulls the current issue list from the tracker.
type IssueFetcher interface {
	Issues(ctx context.Context, team string) ([]linear.Issue, error)
}

type syncPoller struct {
	engine   engine.Engine
	issues   IssueFetcher
	team     string
	interval time.Duration
}

// startSyncPoller keeps the task catalog in step with the tracker. It runs in
// the background so a sync failure never blocks a request; failures are
// logged and retried on the next interval.
func startSyncPoller(e engine.Engine, issues IssueFetcher) {
	if issues == nil || e.Config == nil {
		return
	}
	interval := time.Duration(e.Config.Linear.IntervalSeconds) * time.Second
	if interval <= 0 {
		return
	}
	p := &syncPoller{
		engine:   e,
		issues:   issues,
		team:     e.Config.Linear.Team,
		interval: interval,
	}
	go p.run()
}

func (p *syncPoller) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.syncOnce()
		<-ticker.C
	}
}

func (p *syncPoller) syncOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSyncTimeout)
	defer cancel()
	issues, err := p.issues.Issues(ctx, p.team)
	if err != nil {
		log.Printf("sync: fetch issues failed: %v", err)
		return
	}
	if _, err := p.engine.SyncIssues(ctx, issues); err != nil {
		log.Printf("sync: upsert issues failed: %v", err)
	}
}
