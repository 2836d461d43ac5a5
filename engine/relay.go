package engine

import (
	"go.uber.org/zap"
)

// Frame is one recovery point on a Relay.
type Frame struct {
	depth int
}

// Depth returns the frame's position on its relay, starting at 1.
func (f *Frame) Depth() int {
	return f.depth
}

// unwind carries a fatal guest error to the frame it targets.
type unwind struct {
	frame *Frame
	err   error
}

// AbortFunc terminates the process after a fatal error nothing can catch.
// It must not return.
type AbortFunc func(err error)

// DefaultAbort logs the error and exits the process.
func DefaultAbort(err error) {
	Logger().Fatal("unprotected fatal lua error", zap.Error(err))
}

// Relay is a LIFO stack of recovery points for one guest engine thread.
//
// Protect installs a frame around a region of host code that manipulates
// the guest engine. When the engine's fatal panic hook fires inside that
// region, the hook calls Unwind, which pops the innermost frame and
// transfers control back to its Protect call with the fatal error. With no
// frame installed there is nowhere to return to, so Unwind aborts.
//
// Frames must nest strictly. A Relay is confined to the execution-right
// holder and is not safe for concurrent use.
type Relay struct {
	frames []*Frame
	abort  AbortFunc
}

// NewRelay creates a relay. A nil abort uses DefaultAbort.
func NewRelay(abort AbortFunc) *Relay {
	if abort == nil {
		abort = DefaultAbort
	}
	return &Relay{abort: abort}
}

// Protect runs fn under a fresh frame.
//
// It returns fn's own error with fatal false, or the error passed to Unwind
// with fatal true. In the fatal case the frame was already popped by Unwind.
// Panics that are not an unwind aimed at this frame pass through after the
// frame is popped.
func (r *Relay) Protect(fn func() error) (fatal bool, err error) {
	f := r.push()
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if u, ok := rec.(*unwind); ok && u.frame == f {
			fatal, err = true, u.err
			return
		}
		r.pop(f)
		panic(rec)
	}()

	err = fn()
	r.pop(f)
	return false, err
}

// Unwind transfers control to the innermost frame with err. With no frame
// installed it calls the abort handler; if that returns, Unwind panics
// with err.
func (r *Relay) Unwind(err error) {
	n := len(r.frames)
	if n == 0 {
		r.abort(err)
		panic(err)
	}
	f := r.frames[n-1]
	r.frames[n-1] = nil
	r.frames = r.frames[:n-1]
	debugf("relay: unwinding to frame %d: %v", f.depth, err)
	panic(&unwind{frame: f, err: err})
}

// Depth returns the number of installed frames.
func (r *Relay) Depth() int {
	return len(r.frames)
}

func (r *Relay) push() *Frame {
	f := &Frame{depth: len(r.frames) + 1}
	r.frames = append(r.frames, f)
	return f
}

// pop removes f. A frame that is not innermost drops the frames above it.
func (r *Relay) pop(f *Frame) {
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i] != f {
			continue
		}
		if i != len(r.frames)-1 {
			Logger().Warn("panic frame popped out of order",
				zap.Int("frame", f.depth),
				zap.Int("dangling", len(r.frames)-1-i))
		}
		clear(r.frames[i:])
		r.frames = r.frames[:i]
		return
	}
}
