// Package registry keeps guest composite values alive on behalf of the host.
//
// A Table is an arena of slots addressed by Handle. Registering a value
// stores it in a free slot (reusing released slots first) and returns the
// slot's handle; resolving a handle returns the stored value; releasing it
// empties the slot. Handle 0 is never issued.
//
//	h := refs.Register(tbl)
//	v, ok := refs.Resolve(h)
//	refs.Release(h)
//
// A Table is not safe for concurrent use. Callers serialize access through
// the interpreter's execution right, which also orders handle reuse.
//
// Observers receive EventRegistered and EventReleased notifications, which
// the runtime uses for debug logging.
package registry
