// Package engine provides the low-level pieces that sit between the runtime
// package and the gopher-lua guest engine.
//
// # Architecture
//
// The engine package provides these building blocks:
//
//	Governor   - byte accountant enforcing an interpreter's memory quota
//	Deadline   - per-call time limit
//	Checkpoint - per-instruction context combining a Deadline with a heap check
//	Relay      - LIFO stack of recovery points for fatal guest failures
//	Right      - single-permit, non-blocking execution right with park/restore
//
// None of them touches an LState directly; runtime.State wires them to the
// engine's hooks:
//
//	LState.Panic       -> Relay.Unwind     (fatal path)
//	LState.SetContext  -> Checkpoint       (time limit, guest heap check)
//	bridge allocations -> Governor.Realloc (memory quota)
//	heap walk          -> Governor.SetGuest
//
// # Fatal Path
//
// gopher-lua calls LState.Panic when an error is raised outside any
// protected call. The runtime's hook converts the error, tears the engine
// down and calls Relay.Unwind, which returns control to the innermost
// Protect. With no frame installed, the process is aborted with
// DefaultAbort (a zap Fatal log).
//
// # Logging
//
// Logger returns the package logger, a no-op logger until SetLogger is
// called.
package engine
