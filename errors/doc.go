// Package errors provides structured error types for the luabridge library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type includes rich context: field path, Go/Lua type names, and cause chain.
// Every error the bridge reports is an *Error, which plays the role of the generic
// Lua error; compile, runtime and fatal errors are distinguished by Kind.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseEncode, errors.KindUnsupported).
//		Path("args", "2").
//		GoType("chan int").
//		Detail("cannot convert to lua value").
//		Build()
//
// Match categories with the kind sentinels and the standard library:
//
//	if stderrors.Is(err, errors.ErrRuntime) { ... }
//	if stderrors.Is(err, errors.ErrStateDead) { ... }
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
