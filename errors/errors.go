package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseCompile Phase = "compile" // chunk parsing and compilation
	PhaseEncode  Phase = "encode"  // Go to Lua
	PhaseDecode  Phase = "decode"  // Lua to Go
	PhaseCall    Phase = "call"    // guest execution
	PhaseHost    Phase = "host"    // host function callbacks and registration
	PhaseState   Phase = "state"   // interpreter lifecycle
	PhaseConfig  Phase = "config"  // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindUnsupported   Kind = "unsupported"
	KindCompile       Kind = "compile"
	KindRuntime       Kind = "runtime"
	KindFatal         Kind = "fatal"
	KindNotThreadSafe Kind = "not_thread_safe"
	KindForeignValue  Kind = "foreign_value"
	KindAllocation    Kind = "allocation"
	KindInvalidInput  Kind = "invalid_input"
	KindNotFound      Kind = "not_found"
	KindHostPanic     Kind = "host_panic"
)

// ErrStateDead is the cause carried by every error reported against a closed
// or torn down interpreter.
var ErrStateDead = stderrors.New("lua state is dead")

// Sentinels for errors.Is. They carry no phase, so they match any error of
// the same kind.
var (
	ErrConversion    = &Error{Kind: KindUnsupported}
	ErrCompile       = &Error{Kind: KindCompile}
	ErrRuntime       = &Error{Kind: KindRuntime}
	ErrFatal         = &Error{Kind: KindFatal}
	ErrNotThreadSafe = &Error{Kind: KindNotThreadSafe}
	ErrForeignValue  = &Error{Kind: KindForeignValue}
	ErrInvalidInput  = &Error{Kind: KindInvalidInput}
	ErrAllocation    = &Error{Kind: KindAllocation}
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value   any
	Cause   error
	Phase   Phase
	Kind    Kind
	GoType  string
	LuaType string
	Detail  string
	Path    []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.GoType != "" || e.LuaType != "" {
		b.WriteString(": ")
		switch {
		case e.GoType != "" && e.LuaType != "":
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
			b.WriteString(", Lua type ")
			b.WriteString(e.LuaType)
		case e.GoType != "":
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
		default:
			b.WriteString("Lua type ")
			b.WriteString(e.LuaType)
		}
	}

	if e.Detail != "" {
		if e.GoType != "" || e.LuaType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil && e.Cause.Error() != e.Detail {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target without a phase matches on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Message returns the detail without the phase/kind decoration.
// Runtime errors use it to expose the guest's own error string.
func (e *Error) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Kind)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// GoType sets the Go type name
func (b *Builder) GoType(t string) *Builder {
	b.err.GoType = t
	return b
}

// LuaType sets the Lua type name
func (b *Builder) LuaType(t string) *Builder {
	b.err.LuaType = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// UnsupportedGoType reports a Go value with no Lua representation.
func UnsupportedGoType(goType string, path ...string) *Error {
	return &Error{
		Phase:  PhaseEncode,
		Kind:   KindUnsupported,
		Path:   path,
		GoType: goType,
		Detail: "cannot convert to lua value",
	}
}

// UnsupportedLuaType reports a Lua value with no Go representation.
func UnsupportedLuaType(luaType string, path ...string) *Error {
	return &Error{
		Phase:   PhaseDecode,
		Kind:    KindUnsupported,
		Path:    path,
		LuaType: luaType,
		Detail:  "cannot convert to go value",
	}
}

// ForeignValue reports a bridged value pushed into an interpreter that did
// not create it.
func ForeignValue(luaType string) *Error {
	return &Error{
		Phase:   PhaseEncode,
		Kind:    KindForeignValue,
		LuaType: luaType,
		Detail:  "value belongs to another interpreter",
	}
}

// Compile wraps a chunk compilation failure.
func Compile(name string, cause error) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindCompile,
		Path:   []string{name},
		Detail: cause.Error(),
		Cause:  cause,
	}
}

// Runtime wraps an error raised by guest code during a protected call.
func Runtime(msg string, cause error) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindRuntime,
		Detail: msg,
		Cause:  cause,
	}
}

// Fatal reports an unrecoverable guest failure. The interpreter is dead.
func Fatal(msg string) *Error {
	return &Error{
		Phase:  PhaseState,
		Kind:   KindFatal,
		Detail: msg,
		Cause:  ErrStateDead,
	}
}

// Dead reports an operation attempted against a closed interpreter.
func Dead() *Error {
	return &Error{
		Phase: PhaseState,
		Kind:  KindFatal,
		Cause: ErrStateDead,
	}
}

// NotThreadSafe reports a call that contended for a held execution right.
func NotThreadSafe(phase Phase) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotThreadSafe,
		Detail: "not thread safe",
	}
}

// OutOfMemory reports an allocation rejected by the memory quota.
func OutOfMemory(size int, usage, limit uint64) *Error {
	return &Error{
		Phase:  PhaseState,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (usage %d, limit %d)", size, usage, limit),
	}
}

// HostPanic wraps a panic recovered from a host function.
func HostPanic(name string, rec any) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindHostPanic,
		Path:   pathOf(name),
		Detail: fmt.Sprintf("panic: %v", rec),
		Value:  rec,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

func pathOf(name string) []string {
	if name == "" {
		return nil
	}
	return []string{name}
}
