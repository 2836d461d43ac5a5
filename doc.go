// Package luabridge embeds Lua interpreters in Go programs and lets each side
// call into the other with native values.
//
// The bridge owns the hard parts of embedding: converting values between Go
// and Lua, turning Lua errors into Go errors (and fatal engine failures into
// dead interpreters instead of corrupted stacks), handing the single
// execution right back and forth when Lua calls Go, and enforcing memory and
// time quotas.
//
// # Architecture Overview
//
//	luabridge/           Root package with the Allocator interface
//	├── runtime/         Interpreter handle, value bridge, call engine, host functions
//	├── engine/          Resource governor, panic relay, execution-right coordinator
//	├── registry/        Handle arena keeping Lua values alive for Go wrappers
//	├── config/          TOML interpreter configuration
//	├── errors/          Structured error types
//	└── cmd/run/         Script runner and interactive REPL
//
// # Quick Start
//
//	L, err := runtime.New(runtime.WithMemoryLimit(64 << 20))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer L.Close(ctx)
//
//	res, err := L.DoString(ctx, "return 1 + 1")
//	fmt.Println(res[0]) // 2
//
// # Host Functions
//
// Any HostFunc can be exposed to Lua:
//
//	L.Register(ctx, "greet", func(ctx context.Context, args []any) ([]any, error) {
//	    return []any{"hello " + string(args[0].([]byte))}, nil
//	})
//
// Returned slices become multiple Lua return values. A returned error is
// raised inside Lua and, if Lua does not catch it, surfaced unchanged to the
// Go caller of the outer call.
//
// # Values
//
// Go nil, bool, strings, byte slices, integers and floats map to Lua nil,
// booleans, strings and numbers. Lua strings come back as []byte and numbers
// as float64. Tables, functions, coroutines and userdata come back as
// reference-counted wrappers (runtime.Table, runtime.Function,
// runtime.Coroutine, runtime.UserData) that keep the Lua value alive until
// released.
//
// # Concurrency
//
// An interpreter runs one call at a time. A call that contends for an
// interpreter already executing fails immediately with
// errors.ErrNotThreadSafe; it never waits. Host functions may call back into
// the interpreter through the context they receive.
package luabridge
