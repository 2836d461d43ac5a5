package registry

import (
	lua "github.com/yuin/gopher-lua"
)

// Handle is an opaque reference to a guest value held by a Table.
// Handle 0 is reserved and always invalid.
type Handle uint32

// EventType identifies a registry lifecycle notification.
type EventType uint8

const (
	EventRegistered EventType = iota
	EventReleased
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Event represents a registry lifecycle event.
type Event struct {
	Value  lua.LValue
	Handle Handle
	Type   EventType
}

// Observer receives notifications about registry lifecycle events.
type Observer interface {
	OnRegistryEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnRegistryEvent(e Event) { f(e) }
