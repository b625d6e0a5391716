// Package quota tracks daily cost-unit consumption against a metered
// external API. Spending is atomic in the backing store, so concurrent
// workers sharing one backend can never over-consume the daily budget, and
// a rejected spend leaves usage untouched.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultDailyLimit    = 10000
	DefaultRetentionDays = 30

	dayFormat = "2006-01-02"
)

// Operation costs in quota units. Search is two orders of magnitude more
// expensive than list-style lookups, matching the metered API the scrape
// handlers call. Operations missing from the table cost 1 unit, so new
// operation names work without a code change.
var defaultCosts = map[string]int{
	"search":         100,
	"videos":         1,
	"channels":       1,
	"playlistItems":  1,
	"commentThreads": 1,
	"captions":       50,
}

// ExceededError reports a spend that would cross the daily limit. The
// runtime treats it as "defer this task", never as a task failure.
type ExceededError struct {
	Operation string
	Cost      int
	Remaining int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: operation %q costs %d, %d remaining today", e.Operation, e.Cost, e.Remaining)
}

// IsExceeded reports whether err is (or wraps) a quota ExceededError.
func IsExceeded(err error) bool {
	var e *ExceededError
	return errors.As(err, &e)
}

// UsageStore persists per-day per-operation consumption. Spend must be
// atomic: the check against limit and the increment happen as one
// operation in the backend.
type UsageStore interface {
	// Spend adds cost to (day, op) if the day's total would stay within
	// limit. It returns the day's total before the spend and whether the
	// spend was applied.
	Spend(ctx context.Context, day, op string, cost, limit int) (used int, ok bool, err error)
	UsedToday(ctx context.Context, day string) (int, error)
	ByOperation(ctx context.Context, day string) (map[string]int, error)
	Reset(ctx context.Context, day string) error
	Prune(ctx context.Context, before string) error
}

type Tracker struct {
	store UsageStore
	now   func() time.Time

	mu            sync.RWMutex
	limit         int
	costs         map[string]int
	retentionDays int
}

func NewTracker(store UsageStore) *Tracker {
	costs := make(map[string]int, len(defaultCosts))
	for op, cost := range defaultCosts {
		costs[op] = cost
	}

	return &Tracker{
		store:         store,
		now:           time.Now,
		limit:         DefaultDailyLimit,
		costs:         costs,
		retentionDays: DefaultRetentionDays,
	}
}

func (t *Tracker) SetDailyLimit(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limit = n
}

func (t *Tracker) DailyLimit() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limit
}

func (t *Tracker) SetCost(op string, cost int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.costs[op] = cost
}

// Cost returns the per-call cost of an operation, defaulting unknown names
// to 1 unit.
func (t *Tracker) Cost(op string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if cost, ok := t.costs[op]; ok {
		return cost
	}

	return 1
}

func (t *Tracker) today() string {
	return t.now().UTC().Format(dayFormat)
}

// CanExecute reports whether count calls of op fit in today's remaining
// budget. It never mutates usage, so a later Consume can still fail if a
// concurrent spender gets there first.
func (t *Tracker) CanExecute(ctx context.Context, op string, count int) (bool, error) {
	used, err := t.store.UsedToday(ctx, t.today())
	if err != nil {
		return false, fmt.Errorf("failed to read quota usage: %w", err)
	}

	return t.DailyLimit()-used >= t.Cost(op)*count, nil
}

// Consume spends count calls of op, or returns *ExceededError with usage
// untouched when the spend would cross the daily limit.
func (t *Tracker) Consume(ctx context.Context, op string, count int) error {
	cost := t.Cost(op) * count
	limit := t.DailyLimit()

	used, ok, err := t.store.Spend(ctx, t.today(), op, cost, limit)
	if err != nil {
		return fmt.Errorf("failed to spend quota: %w", err)
	}
	if !ok {
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		return &ExceededError{Operation: op, Cost: cost, Remaining: remaining}
	}

	return nil
}

// CheckAndConsume is the boolean convenience form of Consume: false means
// the quota was exhausted, any other failure is returned as an error.
func (t *Tracker) CheckAndConsume(ctx context.Context, op string, count int) (bool, error) {
	err := t.Consume(ctx, op, count)
	if err == nil {
		return true, nil
	}
	if IsExceeded(err) {
		return false, nil
	}

	return false, err
}

func (t *Tracker) Remaining(ctx context.Context) (int, error) {
	used, err := t.store.UsedToday(ctx, t.today())
	if err != nil {
		return 0, fmt.Errorf("failed to read quota usage: %w", err)
	}

	remaining := t.DailyLimit() - used
	if remaining < 0 {
		remaining = 0
	}

	return remaining, nil
}

func (t *Tracker) UsageByOperation(ctx context.Context) (map[string]int, error) {
	usage, err := t.store.ByOperation(ctx, t.today())
	if err != nil {
		return nil, fmt.Errorf("failed to read quota usage: %w", err)
	}

	return usage, nil
}

// Reset zeroes today's usage. History stays intact.
func (t *Tracker) Reset(ctx context.Context) error {
	if err := t.store.Reset(ctx, t.today()); err != nil {
		return fmt.Errorf("failed to reset quota: %w", err)
	}

	return nil
}

// Prune drops usage rows older than the retention window.
func (t *Tracker) Prune(ctx context.Context) error {
	t.mu.RLock()
	days := t.retentionDays
	t.mu.RUnlock()

	cutoff := t.now().UTC().AddDate(0, 0, -days).Format(dayFormat)
	if err := t.store.Prune(ctx, cutoff); err != nil {
		return fmt.Errorf("failed to prune quota history: %w", err)
	}

	return nil
}
