// Package timer drives the interactive clock: a small idle/running state
// machine ticking once a second on top of the engine's entry operations.
package timer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"clockline/internal/domain"
	"clockline/internal/engine"
	"clockline/internal/timecalc"
)

type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// ErrSaveInFlight marks a stop request that arrived while the previous
// stop's save was still being persisted; the request is dropped so a
// double-click cannot close the same entry twice.
var ErrSaveInFlight = errors.New("stop already in progress")

// ErrNotRunning marks start/stop calls in the wrong state.
var ErrNotRunning = errors.New("timer is not running")

// Controller owns one user's timer. All mutable state lives behind the
// mutex; the tick loop and the start/stop entry points share it.
type Controller struct {
	eng    engine.Engine
	userID string
	zone   timecalc.Zone
	now    func() time.Time

	mu      sync.Mutex
	state   State
	entry   domain.TimeEntry
	elapsed time.Duration
	saving  bool
}

// New builds a controller and runs the recovery step: a persisted open
// entry resumes the running state, split first if it started on an
// earlier local date.
func New(ctx context.Context, eng engine.Engine, userID string, zone timecalc.Zone) (*Controller, error) {
	c := &Controller{
		eng:    eng,
		userID: userID,
		zone:   zone,
		now:    eng.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	open, err := eng.Recover(ctx, userID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		c.state = Running
		c.entry = *open
		c.elapsed = c.now().Sub(open.StartedAt)
	}
	return c, nil
}

// Start opens an entry for the task and moves the timer to running.
func (c *Controller) Start(ctx context.Context, taskID string) (domain.TimeEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Running {
		return c.entry, errors.New("timer already running")
	}
	entry, err := c.eng.StartEntry(ctx, c.userID, taskID)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	c.state = Running
	c.entry = entry
	c.elapsed = 0
	return entry, nil
}

// Stop closes the running entry with the captured comment. A stop that
// arrives while a previous stop is still saving is ignored. When the close
// fails to persist the timer stays running so the user can retry.
func (c *Controller) Stop(ctx context.Context, comment string) (domain.TimeEntry, error) {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return domain.TimeEntry{}, ErrNotRunning
	}
	if c.saving {
		c.mu.Unlock()
		return domain.TimeEntry{}, ErrSaveInFlight
	}
	c.saving = true
	c.mu.Unlock()

	closed, err := c.eng.StopOpenEntry(ctx, c.userID, comment)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.saving = false
	if err != nil {
		// Close did not persist; stay running so the user may retry.
		return domain.TimeEntry{}, err
	}
	c.state = Idle
	c.entry = domain.TimeEntry{}
	c.elapsed = 0
	return closed, nil
}

// Tick advances the timer by recomputing elapsed from the wall clock. When
// the local date moved past the entry's start date the entry is split at
// midnight and the timer continues on the new open half.
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running || c.saving {
		return nil
	}
	now := c.now()
	if timecalc.SameDay(c.entry.StartedAt, now, c.zone) {
		c.elapsed = now.Sub(c.entry.StartedAt)
		return nil
	}
	_, next, err := c.eng.SplitOpenEntry(ctx, c.userID)
	if err != nil {
		if errors.Is(err, engine.ErrNoCrossover) {
			c.elapsed = now.Sub(c.entry.StartedAt)
			return nil
		}
		return err
	}
	c.entry = next
	c.elapsed = now.Sub(next.StartedAt)
	return nil
}

// Run drives the one-second tick loop until the context ends or the timer
// goes idle. Tick errors are logged and the loop keeps going; the next
// tick retries.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.State() == Idle {
				return nil
			}
			if err := c.Tick(ctx); err != nil {
				log.Printf("timer: tick failed: %v", err)
			}
		}
	}
}

// State returns the current machine state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Entry returns the running entry, if any.
func (c *Controller) Entry() (domain.TimeEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry, c.state == Running
}

// Elapsed returns the last computed elapsed duration.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}
