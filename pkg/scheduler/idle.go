package scheduler

import (
	"context"
	"time"
)

// IdleDeadline bounds one idle window.
type IdleDeadline struct {
	end time.Time
}

// NewIdleDeadline creates a deadline ending at end.
func NewIdleDeadline(end time.Time) IdleDeadline {
	return IdleDeadline{end: end}
}

// TimeRemaining returns the idle budget left in this window, never negative.
func (d IdleDeadline) TimeRemaining() time.Duration {
	remaining := time.Until(d.end)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IdleSource grants idle windows. NextIdle blocks until the next window
// opens and returns its deadline.
type IdleSource interface {
	NextIdle(ctx context.Context) (IdleDeadline, error)
}

// TickerIdleSource grants a fixed idle budget once per interval. It stands in
// for a host-provided idle callback when the process has no better signal.
type TickerIdleSource struct {
	Interval time.Duration
	Budget   time.Duration
}

// NewTickerIdleSource creates a ticker-based idle source.
func NewTickerIdleSource(interval, budget time.Duration) *TickerIdleSource {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	if budget <= 0 {
		budget = 40 * time.Millisecond
	}
	return &TickerIdleSource{Interval: interval, Budget: budget}
}

// NextIdle waits one interval and opens a window of the configured budget.
func (t *TickerIdleSource) NextIdle(ctx context.Context) (IdleDeadline, error) {
	timer := time.NewTimer(t.Interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return NewIdleDeadline(time.Now().Add(t.Budget)), nil
	case <-ctx.Done():
		return IdleDeadline{}, ctx.Err()
	}
}

// ImmediateIdleSource opens a generous window on every request. Tests use it
// to drive the scheduler without waiting on timers.
type ImmediateIdleSource struct {
	Budget time.Duration
}

// NextIdle opens a window immediately.
func (i *ImmediateIdleSource) NextIdle(ctx context.Context) (IdleDeadline, error) {
	if err := ctx.Err(); err != nil {
		return IdleDeadline{}, err
	}
	budget := i.Budget
	if budget <= 0 {
		budget = time.Second
	}
	return NewIdleDeadline(time.Now().Add(budget)), nil
}
