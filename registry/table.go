package registry

import (
	lua "github.com/yuin/gopher-lua"
)

// Table is an arena of guest values with free-list slot reuse.
type Table struct {
	entries   []entry
	freeList  []Handle
	observers []Observer
	closed    bool
}

type entry struct {
	value lua.LValue
	valid bool
}

// NewTable creates an empty registry.
func NewTable() *Table {
	return &Table{
		entries:  make([]entry, 0, 64),
		freeList: make([]Handle, 0, 16),
	}
}

// Register stores v and returns a fresh handle, or 0 once the table is closed.
func (t *Table) Register(v lua.LValue) Handle {
	if t.closed {
		return 0
	}

	e := entry{value: v, valid: true}

	var handle Handle
	if n := len(t.freeList); n > 0 {
		handle = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.entries[handle-1] = e
	} else {
		t.entries = append(t.entries, e)
		handle = Handle(len(t.entries))
	}

	t.notify(Event{Type: EventRegistered, Handle: handle, Value: v})
	return handle
}

// Resolve returns the value registered under handle.
func (t *Table) Resolve(handle Handle) (lua.LValue, bool) {
	e := t.lookup(handle)
	if e == nil {
		return nil, false
	}
	return e.value, true
}

// Release empties the slot behind handle and makes it reusable.
// Releasing an unknown handle, or any handle after Close, is a no-op.
func (t *Table) Release(handle Handle) bool {
	e := t.lookup(handle)
	if e == nil {
		return false
	}

	value := e.value
	e.valid = false
	e.value = nil
	t.freeList = append(t.freeList, handle)

	t.notify(Event{Type: EventReleased, Handle: handle, Value: value})
	return true
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	return len(t.entries) - len(t.freeList)
}

// Each iterates over all live handles in slot order.
func (t *Table) Each(fn func(Handle, lua.LValue) bool) {
	for i, e := range t.entries {
		if e.valid && !fn(Handle(i+1), e.value) {
			return
		}
	}
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.observers = append(t.observers, o)
}

// Close discards every entry. Later releases are no-ops and later
// registrations return 0.
func (t *Table) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.entries = nil
	t.freeList = nil
	t.observers = nil
}

// Closed reports whether Close has been called.
func (t *Table) Closed() bool {
	return t.closed
}

func (t *Table) lookup(handle Handle) *entry {
	if handle == 0 || t.closed {
		return nil
	}
	idx := int(handle) - 1
	if idx >= len(t.entries) {
		return nil
	}
	e := &t.entries[idx]
	if !e.valid {
		return nil
	}
	return e
}

func (t *Table) notify(e Event) {
	for _, o := range t.observers {
		o.OnRegistryEvent(e)
	}
}
