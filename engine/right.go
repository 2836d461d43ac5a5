package engine

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/wippyai/luabridge/errors"
)

// Ticket is the host execution context that holds an interpreter's
// execution right. Its Context is what host callbacks receive; passing it
// back into the interpreter re-enters on the same ticket.
type Ticket struct {
	right  *Right
	ctx    context.Context
	nested int
}

// Context returns the context bound to the ticket.
func (t *Ticket) Context() context.Context {
	return t.ctx
}

type ticketKey struct{}

// Right is the single execution right of one interpreter.
//
// The right is a one-permit semaphore that is never waited on: a contending
// Acquire fails at once. While a host-to-guest call is in flight the holder's
// ticket is parked; a guest-to-host callback restores it for the duration
// of the host code and reparks it before returning to the guest. Host code
// running under a restored ticket re-enters the interpreter through the
// ticket's context.
//
// Correctness depends on callers not leaking a ticket's context to other
// goroutines; concurrent use of one interpreter from several goroutines
// without external serialization is unsupported.
type Right struct {
	sem    *semaphore.Weighted
	holder atomic.Pointer[Ticket]
	parked atomic.Pointer[Ticket]
}

// NewRight creates an unheld execution right.
func NewRight() *Right {
	return &Right{sem: semaphore.NewWeighted(1)}
}

// Acquire grants the right to the caller. A ctx carrying the ticket of the
// current holder re-enters; otherwise the permit must be free.
func (r *Right) Acquire(ctx context.Context) (*Ticket, error) {
	if t, ok := ctx.Value(ticketKey{}).(*Ticket); ok && t.right == r && r.holder.Load() == t {
		t.nested++
		return t, nil
	}
	if !r.sem.TryAcquire(1) {
		return nil, errors.NotThreadSafe(errors.PhaseState)
	}
	t := &Ticket{right: r}
	t.ctx = context.WithValue(ctx, ticketKey{}, t)
	r.holder.Store(t)
	return t, nil
}

// TryAcquire grants the right only if the permit is free.
func (r *Right) TryAcquire() (*Ticket, bool) {
	if !r.sem.TryAcquire(1) {
		return nil, false
	}
	t := &Ticket{right: r, ctx: context.Background()}
	t.ctx = context.WithValue(t.ctx, ticketKey{}, t)
	r.holder.Store(t)
	return t, true
}

// Release gives back one Acquire of t.
func (r *Right) Release(t *Ticket) {
	if t.nested > 0 {
		t.nested--
		return
	}
	r.holder.CompareAndSwap(t, nil)
	r.sem.Release(1)
}

// Park suspends t while control is inside the guest. Parking fails if
// another call is already parked.
func (r *Right) Park(t *Ticket) error {
	if !r.parked.CompareAndSwap(nil, t) {
		return errors.NotThreadSafe(errors.PhaseCall)
	}
	r.holder.CompareAndSwap(t, nil)
	return nil
}

// Unpark reclaims t after the guest returned.
func (r *Right) Unpark(t *Ticket) {
	r.parked.CompareAndSwap(t, nil)
	r.holder.Store(t)
}

// Restore hands the parked ticket to a guest-to-host callback.
func (r *Right) Restore() (*Ticket, bool) {
	t := r.parked.Swap(nil)
	if t == nil {
		return nil, false
	}
	r.holder.Store(t)
	return t, true
}

// Repark suspends t again before a callback returns to the guest.
func (r *Right) Repark(t *Ticket) {
	r.holder.CompareAndSwap(t, nil)
	r.parked.Store(t)
}
