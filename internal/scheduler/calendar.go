package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CalendarStore persists the reservation calendar between cycles and
// across restarts. internal/store implements it.
type CalendarStore interface {
	ReplaceCalendar(ctx context.Context, entries map[string]time.Time) error
	LoadCalendar(ctx context.Context) (map[string]time.Time, error)
}

// Calendar maps top jobs to their estimated start time. It is the only
// scheduling state that outlives a cycle.
type Calendar struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	store   CalendarStore
	logger  *slog.Logger
}

// NewCalendar creates a calendar. st may be nil for an in-memory calendar.
func NewCalendar(st CalendarStore, logger *slog.Logger) *Calendar {
	return &Calendar{
		entries: make(map[string]time.Time),
		store:   st,
		logger:  logger.With("component", "calendar"),
	}
}

// Load restores the calendar from its store.
func (c *Calendar) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	entries, err := c.store.LoadCalendar(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	c.logger.Debug("calendar loaded", "entries", len(entries))
	return nil
}

// Replace swaps in the reservations of the latest cycle and persists them.
func (c *Calendar) Replace(ctx context.Context, entries map[string]time.Time) error {
	cp := make(map[string]time.Time, len(entries))
	for k, v := range entries {
		cp[k] = v
	}
	c.mu.Lock()
	c.entries = cp
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	return c.store.ReplaceCalendar(ctx, cp)
}

// Start returns the estimated start of a top job.
func (c *Calendar) Start(jobID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.entries[jobID]
	return t, ok
}

// Entries returns a copy of every reservation.
func (c *Calendar) Entries() map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Time, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}
