package engine

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/wippyai/luabridge"
)

// Unlimited is the default memory quota.
const Unlimited = math.MaxUint64

// Governor is the byte accountant of one interpreter.
//
// Usage has two parts. Bridge usage is exact: every allocation the bridge
// makes on the guest's behalf goes through Realloc or Charge. Guest usage is
// an estimate of the memory the guest's own code keeps reachable, replaced
// wholesale by SetGuest after each heap walk. Objects accounted on the
// bridge side are registered with Track so a heap walk can skip them.
//
// Usage and limit are mutated only by the holder of the interpreter's
// execution right. They are stored atomically so that other goroutines can
// read them. Frees observed off the execution right (GC cleanups of guest
// objects) are queued and applied by Settle.
type Governor struct {
	alloc luabridge.Allocator
	usage atomic.Uint64
	guest atomic.Uint64
	limit atomic.Uint64

	mu      sync.Mutex
	pending uint64
	owned   map[uintptr]int
}

type trackedObject struct {
	addr uintptr
	size int
}

// NewGovernor creates a governor over alloc. A limit of 0 means Unlimited.
func NewGovernor(alloc luabridge.Allocator, limit uint64) *Governor {
	if alloc == nil {
		alloc = luabridge.GoAllocator{}
	}
	g := &Governor{alloc: alloc}
	g.SetLimit(limit)
	return g
}

// Realloc resizes ptr from oldSize to newSize bytes.
//
// A newSize of 0 frees: it always succeeds, decrements usage by oldSize and
// returns nil. Growth that would exceed the limit fails without calling the
// underlying allocator. An underlying failure leaves usage unchanged.
func (g *Governor) Realloc(ptr []byte, oldSize, newSize int) []byte {
	if ptr == nil {
		oldSize = 0
	}
	if newSize == 0 {
		g.release(uint64(oldSize))
		return nil
	}
	if !g.fits(oldSize, newSize) {
		debugf("governor: reject %d -> %d bytes (usage %d, limit %d)", oldSize, newSize, g.Usage(), g.Limit())
		return nil
	}
	buf := g.alloc.Realloc(ptr, newSize)
	if buf == nil {
		return nil
	}
	g.apply(oldSize, newSize)
	return buf
}

// Charge accounts for an object the guest engine allocates itself. It has
// the same quota semantics as Realloc without producing memory.
func (g *Governor) Charge(oldSize, newSize int) bool {
	if newSize == 0 {
		g.release(uint64(oldSize))
		return true
	}
	if !g.fits(oldSize, newSize) {
		return false
	}
	g.apply(oldSize, newSize)
	return true
}

// queueFree records a free of size bytes for the next Settle. Safe to call
// from any goroutine.
func (g *Governor) queueFree(size int) {
	g.mu.Lock()
	g.queueFreeLocked(size)
	g.mu.Unlock()
}

func (g *Governor) queueFreeLocked(size int) {
	if size > 0 {
		g.pending += uint64(size)
	}
}

// Settle applies the queued frees and returns how many bytes were released.
func (g *Governor) Settle() uint64 {
	g.mu.Lock()
	n := g.pending
	g.pending = 0
	g.mu.Unlock()
	if n > 0 {
		g.release(n)
	}
	return n
}

// Usage returns the bytes currently accounted, bridge and guest together.
func (g *Governor) Usage() uint64 {
	bridge, guest := g.usage.Load(), g.guest.Load()
	if bridge > math.MaxUint64-guest {
		return math.MaxUint64
	}
	return bridge + guest
}

// Guest returns the last guest heap estimate.
func (g *Governor) Guest() uint64 {
	return g.guest.Load()
}

// SetGuest replaces the guest heap estimate.
func (g *Governor) SetGuest(n uint64) {
	g.guest.Store(n)
}

// Headroom returns the bytes left under the limit.
func (g *Governor) Headroom() uint64 {
	usage, limit := g.Usage(), g.Limit()
	if usage >= limit {
		return 0
	}
	return limit - usage
}

// Track registers obj as accounted on the bridge side and returns size
// bytes to the governor once obj is collected.
func Track[T any](g *Governor, obj *T, size int) {
	addr := uintptr(unsafe.Pointer(obj))
	g.mu.Lock()
	if g.owned == nil {
		g.owned = make(map[uintptr]int)
	}
	g.owned[addr]++
	g.mu.Unlock()
	runtime.AddCleanup(obj, g.disown, trackedObject{addr: addr, size: size})
}

// IsOwned reports whether the object at addr is accounted on the bridge
// side.
func (g *Governor) IsOwned(addr uintptr) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owned[addr] > 0
}

func (g *Governor) disown(o trackedObject) {
	g.mu.Lock()
	if n := g.owned[o.addr]; n > 1 {
		g.owned[o.addr] = n - 1
	} else {
		delete(g.owned, o.addr)
	}
	g.queueFreeLocked(o.size)
	g.mu.Unlock()
}

// Limit returns the quota in bytes.
func (g *Governor) Limit() uint64 {
	return g.limit.Load()
}

// SetLimit replaces the quota. A limit of 0 means Unlimited.
// Lowering the limit below current usage only affects future growth.
func (g *Governor) SetLimit(limit uint64) {
	if limit == 0 {
		limit = Unlimited
	}
	g.limit.Store(limit)
}

// Reset drops all accounting. Used when the guest engine is torn down.
func (g *Governor) Reset() {
	g.mu.Lock()
	g.pending = 0
	g.owned = nil
	g.mu.Unlock()
	g.usage.Store(0)
	g.guest.Store(0)
}

func (g *Governor) fits(oldSize, newSize int) bool {
	if newSize <= oldSize {
		return true
	}
	delta := uint64(newSize - oldSize)
	usage := g.Usage()
	if usage > math.MaxUint64-delta {
		return false
	}
	return usage+delta <= g.limit.Load()
}

func (g *Governor) apply(oldSize, newSize int) {
	if newSize >= oldSize {
		g.usage.Add(uint64(newSize - oldSize))
	} else {
		g.release(uint64(oldSize - newSize))
	}
}

func (g *Governor) release(n uint64) {
	usage := g.usage.Load()
	if n > usage {
		n = usage
	}
	g.usage.Store(usage - n)
}
