// Package runtime embeds Lua interpreters in Go programs.
//
// # Quick Start
//
//	ctx := context.Background()
//	L, err := runtime.New(runtime.WithMemoryLimit(64 << 20))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer L.Close(ctx)
//
//	err = L.Register(ctx, "add", func(ctx context.Context, args []any) ([]any, error) {
//	    return []any{args[0].(float64) + args[1].(float64)}, nil
//	})
//
//	results, err := L.DoString(ctx, "return add(1, 2)")
//	fmt.Println(results[0]) // 3
//
// # Values
//
// Go values pushed into Lua: nil, bool, string, []byte, every integer and
// float type, and the wrappers this package returns. Lua values pulled into
// Go: nil, bool, float64, []byte for strings, *Table, *Function, *UserData
// and *Coroutine. Anything else fails with errors.ErrConversion.
//
// Wrappers hold a registry reference keeping the Lua value alive. Call
// Release when done; unreleased wrappers are released after they are
// garbage collected. A wrapper can only be passed back to the interpreter
// that created it.
//
// # Calls and Host Functions
//
// An interpreter is single-threaded. Every method acquires its execution
// right and fails with errors.ErrNotThreadSafe while another goroutine holds
// it. Host functions receive a context carrying the right of the running
// call: pass it to nested calls and they re-enter instead of failing.
//
// A host function error is raised in the guest. If the guest does not catch
// it, the outermost call returns the original Go error rather than the Lua
// error string. Panics in host functions are recovered into errors.
//
// # Limits
//
// WithMemoryLimit caps the interpreter's memory. Strings pushed from Go and
// objects created through the API are accounted exactly; an allocation over
// the quota raises "not enough memory" in the guest, or returns an error
// matching errors.ErrAllocation when made from Go. Memory the guest
// allocates itself is estimated by walking its reachable heap every few
// thousand instructions; a guest over the quota fails with "not enough
// memory" at the next check. See WithMemoryCheckInterval.
//
// Coroutines run under the limits of the call that resumes them, whichever
// call created them.
//
// WithTimeLimit caps the wall-clock time of each top-level call. Guest code
// is interrupted at its next instruction once the limit passed; a host
// function that blocks is not interrupted.
//
// # Fatal Errors
//
// An error raised outside any protected call kills the interpreter: the
// operation fails with errors.ErrFatal and every later operation with
// errors.ErrStateDead.
package runtime
