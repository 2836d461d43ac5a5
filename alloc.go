package luabridge

// Allocator is the underlying allocator behind an interpreter's memory quota.
//
// Realloc resizes ptr to newSize bytes and returns the resized buffer, or nil
// when the allocation cannot be satisfied. A nil ptr requests a fresh
// buffer. The quota accounting lives in engine.Governor; an Allocator only
// has to produce memory.
type Allocator interface {
	Realloc(ptr []byte, newSize int) []byte
}

// minAlloc keeps buffers out of the runtime's tiny-object allocator, where
// GC cleanups are not guaranteed to run.
const minAlloc = 16

// GoAllocator allocates from the Go heap.
type GoAllocator struct{}

// Realloc implements Allocator.
func (GoAllocator) Realloc(ptr []byte, newSize int) []byte {
	if newSize <= 0 {
		return nil
	}
	if cap(ptr) >= newSize {
		return ptr[:newSize]
	}
	buf := make([]byte, newSize, max(newSize, minAlloc))
	copy(buf, ptr)
	return buf
}

// AllocatorFunc adapts a function to the Allocator interface.
type AllocatorFunc func(ptr []byte, newSize int) []byte

// Realloc implements Allocator.
func (f AllocatorFunc) Realloc(ptr []byte, newSize int) []byte {
	return f(ptr, newSize)
}
