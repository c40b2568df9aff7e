package session

import "time"

// Clock tracks how much of a session's wall-clock time budget has been
// consumed. Start/Stop bracket each unit of work (typically one test case)
// so that time spent outside Run (e.g. waiting on a paused session) is not
// charged against the budget.
type Clock struct {
	budget  time.Duration
	elapsed time.Duration
	started time.Time
	running bool
}

// NewClock returns a Clock with the given total budget. A zero budget means
// unbounded: Exhausted never returns true.
func NewClock(budget time.Duration) *Clock {
	return &Clock{budget: budget}
}

// Start begins timing a unit of work. It is a no-op if already running.
func (c *Clock) Start() {
	if c.running {
		return
	}
	c.started = time.Now()
	c.running = true
}

// Stop ends timing the current unit of work and accumulates the elapsed
// duration into the clock's total. It is a no-op if not running.
func (c *Clock) Stop() {
	if !c.running {
		return
	}
	c.elapsed += time.Since(c.started)
	c.running = false
}

// Exhausted reports whether the clock's budget has been consumed. A zero
// budget is never exhausted.
func (c *Clock) Exhausted() bool {
	if c.budget <= 0 {
		return false
	}
	return c.elapsed >= c.budget
}

// Elapsed returns the total time accumulated so far, including the
// currently running unit of work if any.
func (c *Clock) Elapsed() time.Duration {
	if c.running {
		return c.elapsed + time.Since(c.started)
	}
	return c.elapsed
}
