package runtime

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"unsafe"

	lua "github.com/yuin/gopher-lua"

	"github.com/wippyai/luabridge/engine"
	"github.com/wippyai/luabridge/errors"
)

// Value conversion between Go and Lua.
//
//	Go                          Lua
//	nil                    <->  nil
//	bool                   <->  boolean
//	string, []byte          ->  string
//	[]byte                 <-   string
//	integers, floats        ->  number
//	float64                <-   number
//	*Table, *Function, ... <->  table, function, userdata, thread
//
// Lua numbers are doubles: integers beyond 2^53 lose precision.

// objectRef is implemented by every wrapper around a registered Lua value.
type objectRef interface {
	object() *Object
}

// pushValue converts v and pushes it onto L.
func (s *State) pushValue(L *lua.LState, v any) error {
	lv, err := s.toLValue(L, v)
	if err != nil {
		return err
	}
	L.Push(lv)
	return nil
}

// pullValue converts the value at idx without popping it.
func (s *State) pullValue(L *lua.LState, idx int) (any, error) {
	return s.fromLValue(L.Get(idx))
}

func (s *State) toLValue(L *lua.LState, v any) (lua.LValue, error) {
	switch x := v.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(x), nil
	case string:
		return newString(s, x)
	case []byte:
		return newString(s, x)
	case int:
		return lua.LNumber(x), nil
	case int8:
		return lua.LNumber(x), nil
	case int16:
		return lua.LNumber(x), nil
	case int32:
		return lua.LNumber(x), nil
	case int64:
		return lua.LNumber(x), nil
	case uint:
		return lua.LNumber(x), nil
	case uint8:
		return lua.LNumber(x), nil
	case uint16:
		return lua.LNumber(x), nil
	case uint32:
		return lua.LNumber(x), nil
	case uint64:
		return lua.LNumber(x), nil
	case float32:
		return lua.LNumber(x), nil
	case float64:
		return lua.LNumber(x), nil
	case objectRef:
		if rv := reflect.ValueOf(x); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil, errors.InvalidInput(errors.PhaseEncode, "nil lua value")
		}
		return s.resolve(x.object())
	}
	return s.reflectLValue(v)
}

// reflectLValue handles named types over the supported kinds.
func (s *State) reflectLValue(v any) (lua.LValue, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return lua.LBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return lua.LNumber(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return lua.LNumber(rv.Float()), nil
	case reflect.String:
		return newString(s, rv.String())
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return newString(s, rv.Bytes())
		}
	}
	return nil, errors.UnsupportedGoType(fmt.Sprintf("%T", v))
}

func (s *State) fromLValue(lv lua.LValue) (any, error) {
	switch v := lv.(type) {
	case nil, *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LNumber:
		return float64(v), nil
	case lua.LString:
		return []byte(v), nil
	case *lua.LTable:
		return &Table{s.newObject(v)}, nil
	case *lua.LFunction:
		return &Function{s.newObject(v)}, nil
	case *lua.LUserData:
		return &UserData{s.newObject(v)}, nil
	case *lua.LState:
		return &Coroutine{Object: s.newObject(v), thread: v}, nil
	}
	return nil, errors.UnsupportedLuaType(lv.Type().String())
}

// pushSequence pushes values[skip:] and returns how many were pushed.
// On failure the stack is restored to its previous top.
func (s *State) pushSequence(L *lua.LState, values []any, skip int) (int, error) {
	if skip >= len(values) {
		return 0, nil
	}
	top := L.GetTop()
	for i := skip; i < len(values); i++ {
		if err := s.pushValue(L, values[i]); err != nil {
			L.SetTop(top)
			return 0, atIndex(err, i)
		}
	}
	return len(values) - skip, nil
}

// pullSequence converts the top count values, bottom first, and pops them.
// On failure nothing is popped and values converted so far are released.
func (s *State) pullSequence(L *lua.LState, count int) ([]any, error) {
	top := L.GetTop()
	if count < 0 || count > top {
		return nil, errors.InvalidInput(errors.PhaseDecode,
			fmt.Sprintf("cannot pull %d values from a stack of %d", count, top))
	}
	out := make([]any, count)
	first := top - count + 1
	for i := range out {
		v, err := s.pullValue(L, first+i)
		if err != nil {
			s.discard(out[:i])
			return nil, atIndex(err, i)
		}
		out[i] = v
	}
	L.Pop(count)
	return out, nil
}

// resolve returns the Lua value behind o, which must belong to s.
func (s *State) resolve(o *Object) (lua.LValue, error) {
	if o == nil {
		return nil, errors.InvalidInput(errors.PhaseEncode, "nil lua value")
	}
	if o.state != s {
		return nil, errors.ForeignValue(o.typ.String())
	}
	if o.refs.Load() <= 0 {
		return nil, errors.InvalidInput(errors.PhaseEncode, "lua value already released")
	}
	lv, ok := s.refs.Resolve(o.handle)
	if !ok {
		return nil, errors.NotFound(errors.PhaseEncode, "registry handle", strconv.FormatUint(uint64(o.handle), 10))
	}
	return lv, nil
}

// newString copies data into governor-accounted memory and exposes it to
// Lua without a second copy.
func newString[T string | []byte](s *State, data T) (lua.LValue, error) {
	n := len(data)
	if n == 0 {
		return lua.LString(""), nil
	}
	buf := s.governor.Realloc(nil, 0, n)
	if buf == nil {
		return nil, s.outOfMemory(n)
	}
	copy(buf, data)
	engine.Track(s.governor, &buf[0], n)
	return lua.LString(unsafe.String(&buf[0], n)), nil
}

// discard drops wrappers created under the currently held right.
func (s *State) discard(values []any) {
	for _, v := range values {
		ref, ok := v.(objectRef)
		if !ok {
			continue
		}
		if o := ref.object(); o.refs.Swap(0) > 0 {
			o.cleanup.Stop()
			s.refs.Release(o.handle)
		}
	}
}

func releaseAll(values []any) {
	for _, v := range values {
		if ref, ok := v.(objectRef); ok {
			ref.object().Release()
		}
	}
}

// atIndex records the 1-based position of a failing value.
func atIndex(err error, i int) error {
	e, ok := err.(*errors.Error)
	if !ok || len(e.Path) > 0 {
		return err
	}
	c := *e
	c.Path = []string{strconv.Itoa(i + 1)}
	return &c
}

// isNaN reports whether lv is a NaN number, which Lua rejects as a key.
func isNaN(lv lua.LValue) bool {
	n, ok := lv.(lua.LNumber)
	return ok && math.IsNaN(float64(n))
}
