package runtime

import (
	"context"
	"fmt"
	"reflect"
	goruntime "runtime"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/wippyai/luabridge/errors"
	"github.com/wippyai/luabridge/registry"
)

// Object is a Go-side reference to a Lua value held in the interpreter's
// registry. The value stays alive until every reference is released or the
// Object is garbage collected.
type Object struct {
	state   *State
	cleanup goruntime.Cleanup
	ptr     uintptr
	handle  registry.Handle
	typ     lua.LValueType
	refs    atomic.Int32
}

func (s *State) newObject(lv lua.LValue) *Object {
	h := s.refs.Register(lv)
	o := &Object{
		state:  s,
		handle: h,
		typ:    lv.Type(),
		ptr:    pointerOf(lv),
	}
	o.refs.Store(1)
	o.cleanup = goruntime.AddCleanup(o, s.releases.push, h)
	return o
}

func pointerOf(lv lua.LValue) uintptr {
	rv := reflect.ValueOf(lv)
	if rv.Kind() != reflect.Pointer {
		return 0
	}
	return rv.Pointer()
}

func (o *Object) object() *Object { return o }

// State returns the interpreter the value belongs to.
func (o *Object) State() *State { return o.state }

// Handle returns the registry handle.
func (o *Object) Handle() registry.Handle { return o.handle }

// Type returns the Lua type of the value.
func (o *Object) Type() lua.LValueType { return o.typ }

// Pointer returns the address of the underlying Lua object, identifying it
// for as long as the value is alive.
func (o *Object) Pointer() (uintptr, error) {
	if o.state.Closed() {
		return 0, errors.Dead()
	}
	return o.ptr, nil
}

// Equal reports whether both references denote the same Lua object.
func (o *Object) Equal(other *Object) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.state == other.state && !o.state.Closed() && o.ptr == other.ptr
}

// Retain adds a reference. It returns nil if the value was released.
func (o *Object) Retain() *Object {
	for {
		n := o.refs.Load()
		if n <= 0 {
			return nil
		}
		if o.refs.CompareAndSwap(n, n+1) {
			return o
		}
	}
}

// Release drops a reference. The registry slot is freed with the last one.
func (o *Object) Release() {
	for {
		n := o.refs.Load()
		if n <= 0 {
			return
		}
		if o.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				o.cleanup.Stop()
				o.state.release(o.handle)
			}
			return
		}
	}
}

// Released reports whether every reference was dropped.
func (o *Object) Released() bool {
	return o.refs.Load() <= 0
}

func (o *Object) String() string {
	return fmt.Sprintf("%s: %#x", o.typ, o.ptr)
}

func (o *Object) value() (lua.LValue, error) {
	return o.state.resolve(o)
}

// Table is a reference to a Lua table. Accesses are raw: metamethods are
// not invoked.
type Table struct {
	*Object
}

func (t *Table) table() (*lua.LTable, error) {
	lv, err := t.state.resolve(t.Object)
	if err != nil {
		return nil, err
	}
	return lv.(*lua.LTable), nil
}

// Len returns the border of the table's sequence part.
func (t *Table) Len(ctx context.Context) (int, error) {
	var n int
	err := t.state.do(ctx, func(*lua.LState) error {
		tbl, err := t.table()
		if err != nil {
			return err
		}
		n = tbl.Len()
		return nil
	})
	return n, err
}

// Get returns t[key].
func (t *Table) Get(ctx context.Context, key any) (any, error) {
	var out any
	err := t.state.do(ctx, func(L *lua.LState) error {
		tbl, err := t.table()
		if err != nil {
			return err
		}
		k, err := t.state.toLValue(L, key)
		if err != nil {
			return err
		}
		out, err = t.state.fromLValue(tbl.RawGet(k))
		return err
	})
	return out, err
}

// Set assigns t[key] = value. Assigning nil removes the key.
func (t *Table) Set(ctx context.Context, key, value any) error {
	return t.state.do(ctx, func(L *lua.LState) error {
		tbl, err := t.table()
		if err != nil {
			return err
		}
		k, err := t.state.toLValue(L, key)
		if err != nil {
			return err
		}
		switch {
		case k == lua.LNil:
			return errors.InvalidInput(errors.PhaseEncode, "table index is nil")
		case isNaN(k):
			return errors.InvalidInput(errors.PhaseEncode, "table index is NaN")
		}
		v, err := t.state.toLValue(L, value)
		if err != nil {
			return err
		}
		tbl.RawSet(k, v)
		return nil
	})
}

// ForEach calls fn for every pair in unspecified order. The pairs are
// collected first, so fn may use the interpreter. Returning an error stops
// the iteration.
func (t *Table) ForEach(ctx context.Context, fn func(key, value any) error) error {
	type pair struct{ key, value any }
	var pairs []pair
	err := t.state.do(ctx, func(L *lua.LState) error {
		tbl, err := t.table()
		if err != nil {
			return err
		}
		for k, v := tbl.Next(lua.LNil); k != lua.LNil; k, v = tbl.Next(k) {
			key, err := t.state.fromLValue(k)
			if err != nil {
				for _, p := range pairs {
					t.state.discard([]any{p.key, p.value})
				}
				pairs = nil
				return err
			}
			value, err := t.state.fromLValue(v)
			if err != nil {
				t.state.discard([]any{key})
				for _, p := range pairs {
					t.state.discard([]any{p.key, p.value})
				}
				pairs = nil
				return err
			}
			pairs = append(pairs, pair{key, value})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, p := range pairs {
		if err := fn(p.key, p.value); err != nil {
			for _, rest := range pairs[i+1:] {
				releaseAll([]any{rest.key, rest.value})
			}
			return err
		}
	}
	return nil
}

// Function is a reference to a Lua or host function.
type Function struct {
	*Object
}

// Call invokes the function on the root thread.
func (f *Function) Call(ctx context.Context, args ...any) ([]any, error) {
	return f.state.call(ctx, nil, f.Object, args, 0)
}

// Env returns the function's environment table, or nil for host functions
// without one.
func (f *Function) Env(ctx context.Context) (*Table, error) {
	var env *Table
	err := f.state.do(ctx, func(L *lua.LState) error {
		lv, err := f.value()
		if err != nil {
			return err
		}
		if tbl, ok := L.GetFEnv(lv).(*lua.LTable); ok {
			env = &Table{f.state.newObject(tbl)}
		}
		return nil
	})
	return env, err
}

// SetEnv replaces the function's environment table.
func (f *Function) SetEnv(ctx context.Context, env *Table) error {
	if env == nil {
		return errors.InvalidInput(errors.PhaseEncode, "environment table is nil")
	}
	return f.state.do(ctx, func(L *lua.LState) error {
		lv, err := f.value()
		if err != nil {
			return err
		}
		tbl, err := f.state.resolve(env.Object)
		if err != nil {
			return err
		}
		L.SetFEnv(lv, tbl)
		return nil
	})
}

// Coroutine is a reference to a Lua thread.
type Coroutine struct {
	*Object
	thread *lua.LState
}

// Call runs args[0], which must be a function, inside the coroutine with
// the remaining arguments.
func (c *Coroutine) Call(ctx context.Context, args ...any) ([]any, error) {
	if len(args) == 0 {
		return nil, errors.InvalidInput(errors.PhaseCall, "missing function argument")
	}
	ref, ok := args[0].(objectRef)
	if !ok {
		return nil, errors.New(errors.PhaseCall, errors.KindInvalidInput).
			GoType(fmt.Sprintf("%T", args[0])).
			Detail("first argument must be a lua function").
			Build()
	}
	if c.Released() {
		return nil, errors.InvalidInput(errors.PhaseCall, "coroutine already released")
	}
	return c.state.call(ctx, c.thread, ref.object(), args, 1)
}

// Interpreter returns the interpreter owning the coroutine.
func (c *Coroutine) Interpreter() *State {
	return c.state
}

// Status returns "suspended", "running", "normal" or "dead".
func (c *Coroutine) Status(ctx context.Context) (string, error) {
	var status string
	err := c.state.do(ctx, func(L *lua.LState) error {
		if _, err := c.value(); err != nil {
			return err
		}
		status = L.Status(c.thread)
		return nil
	})
	return status, err
}

// UserData is a reference to a Lua userdata blob.
type UserData struct {
	*Object
}

// Value returns the Go value stored in the userdata.
func (u *UserData) Value(ctx context.Context) (any, error) {
	var v any
	err := u.state.do(ctx, func(L *lua.LState) error {
		lv, err := u.value()
		if err != nil {
			return err
		}
		v = lv.(*lua.LUserData).Value
		return nil
	})
	return v, err
}
