package engine

import (
	"context"
	"errors"
	"time"
)

// ErrNotEnoughMemory is raised in the guest when a heap check finds the
// memory quota exceeded.
var ErrNotEnoughMemory = errors.New("not enough memory")

// DefaultCheckInterval is the number of guest instructions between heap checks.
const DefaultCheckInterval = 1000

// closedChan is returned by Done once a check failed.
var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Checkpoint is the context installed in the guest engine for one top-level
// call. gopher-lua polls Done before every instruction; the checkpoint counts
// those polls and runs check every interval instructions. A failing check
// closes Done for one poll and reports the check's error through Err, which
// the engine raises as a Lua error. Otherwise Done and Err follow the
// call's Deadline, if any.
//
// A Checkpoint is confined to the goroutine running the guest.
type Checkpoint struct {
	deadline *Deadline
	check    func() error
	interval int
	count    int
	tripped  error
}

// NewCheckpoint creates a checkpoint over deadline, which may be nil. A nil
// check only enforces the deadline. An interval of 0 uses
// DefaultCheckInterval.
func NewCheckpoint(deadline *Deadline, check func() error, interval int) *Checkpoint {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Checkpoint{deadline: deadline, check: check, interval: interval}
}

// Done implements context.Context.
func (c *Checkpoint) Done() <-chan struct{} {
	if c.tripped != nil {
		return closedChan
	}
	if c.check != nil {
		c.count++
		if c.count >= c.interval {
			c.count = 0
			if err := c.check(); err != nil {
				c.tripped = err
				return closedChan
			}
		}
	}
	if c.deadline == nil {
		return nil
	}
	return c.deadline.Done()
}

// Err implements context.Context. A failed check is reported once.
func (c *Checkpoint) Err() error {
	if err := c.tripped; err != nil {
		c.tripped = nil
		return err
	}
	if c.deadline == nil {
		return nil
	}
	return c.deadline.Err()
}

// Deadline implements context.Context.
func (c *Checkpoint) Deadline() (time.Time, bool) {
	if c.deadline == nil {
		return time.Time{}, false
	}
	return c.deadline.Deadline()
}

// Value implements context.Context.
func (c *Checkpoint) Value(any) any {
	return nil
}

// AfterFunc runs f once the deadline expires. Failed checks do not cancel
// derived contexts.
func (c *Checkpoint) AfterFunc(f func()) (stop func() bool) {
	if c.deadline == nil {
		return func() bool { return true }
	}
	return c.deadline.AfterFunc(f)
}

// Stop disarms the deadline.
func (c *Checkpoint) Stop() {
	if c.deadline != nil {
		c.deadline.Stop()
	}
}

var _ context.Context = (*Checkpoint)(nil)
