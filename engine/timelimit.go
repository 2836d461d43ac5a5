package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LimitExceeded is the error a Deadline reports once the time limit passed.
// The guest sees its message as a Lua error.
type LimitExceeded struct {
	Limit   time.Duration
	Elapsed time.Duration
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("exceeded time limit of %d ms (%d ms)", e.Limit.Milliseconds(), e.Elapsed.Milliseconds())
}

// Deadline is the time limit of one top-level call. The Checkpoint installed
// in the guest follows it: gopher-lua polls Done before every instruction and
// raises Err as a Lua error once it is closed, so the limit is enforced
// through the guest's own error channel.
type Deadline struct {
	start time.Time
	limit time.Duration
	done  chan struct{}
	timer *time.Timer
	once  sync.Once

	mu    sync.Mutex
	fired bool
	next  int
	funcs map[int]func()
}

// NewDeadline arms a deadline of limit measured from start.
func NewDeadline(start time.Time, limit time.Duration) *Deadline {
	d := &Deadline{
		start: start,
		limit: limit,
		done:  make(chan struct{}),
	}
	remaining := limit - time.Since(start)
	if remaining <= 0 {
		d.expire()
		return d
	}
	d.timer = time.AfterFunc(remaining, d.expire)
	return d
}

// Deadline implements context.Context.
func (d *Deadline) Deadline() (time.Time, bool) {
	return d.start.Add(d.limit), true
}

// Done implements context.Context.
func (d *Deadline) Done() <-chan struct{} {
	return d.done
}

// Err implements context.Context.
func (d *Deadline) Err() error {
	select {
	case <-d.done:
		return &LimitExceeded{Limit: d.limit, Elapsed: time.Since(d.start)}
	default:
		return nil
	}
}

// Value implements context.Context.
func (d *Deadline) Value(any) any {
	return nil
}

// Stop disarms the timer. The deadline stays expired if it already fired.
func (d *Deadline) Stop() {
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Limit returns the configured limit.
func (d *Deadline) Limit() time.Duration {
	return d.limit
}

// AfterFunc runs f once the deadline expires. Contexts derived from the
// deadline register here instead of starting a goroutine per child.
func (d *Deadline) AfterFunc(f func()) (stop func() bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired {
		go f()
		return func() bool { return false }
	}
	if d.funcs == nil {
		d.funcs = make(map[int]func())
	}
	id := d.next
	d.next++
	d.funcs[id] = f
	return func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.funcs[id]; !ok {
			return false
		}
		delete(d.funcs, id)
		return true
	}
}

func (d *Deadline) expire() {
	d.once.Do(func() {
		d.mu.Lock()
		d.fired = true
		funcs := d.funcs
		d.funcs = nil
		d.mu.Unlock()

		close(d.done)
		for _, f := range funcs {
			go f()
		}
	})
}

var _ context.Context = (*Deadline)(nil)

// halted is an already-cancelled context. Installed in a guest engine that
// must not execute another instruction.
type halted struct {
	err  error
	done chan struct{}
}

// Halted returns a context that is done from the start and reports err.
func Halted(err error) context.Context {
	h := &halted{err: err, done: make(chan struct{})}
	close(h.done)
	return h
}

func (h *halted) Deadline() (time.Time, bool) { return time.Time{}, false }
func (h *halted) Done() <-chan struct{}       { return h.done }
func (h *halted) Err() error                  { return h.err }
func (h *halted) Value(any) any               { return nil }
