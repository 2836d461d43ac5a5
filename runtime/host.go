package runtime

import (
	"context"
	stderrors "errors"
	"reflect"
	"strings"
	"unicode"

	lua "github.com/yuin/gopher-lua"

	"github.com/wippyai/luabridge/engine"
	"github.com/wippyai/luabridge/errors"
)

// HostFunc is a Go function callable from Lua. Arguments arrive converted
// to Go values; results are converted back in order. A returned error is
// raised in the guest and, if the guest does not catch it, reported by the
// outermost call instead of the Lua error.
//
// ctx carries the execution right of the running call. Pass it to any
// interpreter method the function uses.
type HostFunc func(ctx context.Context, args []any) ([]any, error)

// Host is a struct-based host module. Exported methods with the HostFunc
// signature are registered under Namespace() with snake_case names.
type Host interface {
	Namespace() string
}

var hostFuncType = reflect.TypeFor[func(context.Context, []any) ([]any, error)]()

type hostNameKey struct{}

// FunctionName returns the name a host function was registered under, or
// "" for anonymous functions.
func FunctionName(ctx context.Context) string {
	name, _ := ctx.Value(hostNameKey{}).(string)
	return name
}

// Register binds fn to the global name.
func (s *State) Register(ctx context.Context, name string, fn HostFunc) error {
	if name == "" {
		return errors.InvalidInput(errors.PhaseHost, "function name cannot be empty")
	}
	if fn == nil {
		return errors.InvalidInput(errors.PhaseHost, "host function is nil")
	}
	return s.do(ctx, func(L *lua.LState) error {
		lf, err := s.newGoFunction(L, name, fn)
		if err != nil {
			return err
		}
		L.SetGlobal(name, lf)
		return nil
	})
}

// RegisterHost binds the methods of h into a global table named after its
// namespace.
func (s *State) RegisterHost(ctx context.Context, h Host) error {
	ns := h.Namespace()
	if ns == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}
	funcs := hostMethods(h)
	if len(funcs) == 0 {
		return errors.New(errors.PhaseHost, errors.KindInvalidInput).
			GoType(reflect.TypeOf(h).String()).
			Detail("no methods with the host function signature").
			Build()
	}
	return s.do(ctx, func(L *lua.LState) error {
		mod, ok := L.GetGlobal(ns).(*lua.LTable)
		if !ok {
			var err error
			if mod, err = s.newTable(L); err != nil {
				return err
			}
			L.SetGlobal(ns, mod)
		}
		for name, fn := range funcs {
			lf, err := s.newGoFunction(L, ns+"."+name, fn)
			if err != nil {
				return err
			}
			mod.RawSetString(name, lf)
		}
		return nil
	})
}

func hostMethods(h Host) map[string]HostFunc {
	rv := reflect.ValueOf(h)
	rt := rv.Type()
	funcs := make(map[string]HostFunc)
	for i := 0; i < rt.NumMethod(); i++ {
		method := rt.Method(i)
		if !method.IsExported() || method.Name == "Namespace" {
			continue
		}
		bound := rv.Method(i)
		if bound.Type() != hostFuncType {
			continue
		}
		funcs[toSnakeCase(method.Name)] = bound.Interface().(func(context.Context, []any) ([]any, error))
	}
	return funcs
}

func (s *State) newGoFunction(L *lua.LState, name string, fn HostFunc) (*lua.LFunction, error) {
	if err := s.charge(sizeFunction); err != nil {
		return nil, err
	}
	lf := L.NewFunction(s.trampoline(name, fn))
	engine.Track(s.governor, lf, sizeFunction)
	return lf, nil
}

// trampoline adapts fn to the guest calling convention. The parked ticket is
// handed to fn for the duration of the call and parked again before control
// returns to the guest.
func (s *State) trampoline(name string, fn HostFunc) lua.LGFunction {
	fn = s.chain(name, fn)
	return func(L *lua.LState) int {
		tk, ok := s.right.Restore()
		if !ok {
			L.RaiseError("host function called outside of a call")
			return 0
		}
		defer s.right.Repark(tk)

		args, err := s.pullSequence(L, L.GetTop())
		if err != nil {
			s.pending = err
			L.RaiseError("failed to convert host call arguments")
			return 0
		}

		ctx := tk.Context()
		if name != "" {
			ctx = context.WithValue(ctx, hostNameKey{}, name)
		}
		results, err := fn(ctx, args)
		if s.dead.Load() {
			L.RaiseError("%s", errors.ErrStateDead.Error())
			return 0
		}
		if err != nil {
			s.pending = err
			L.RaiseError("host error on call: %s", err.Error())
			return 0
		}

		n, err := s.pushSequence(L, results, 0)
		if stderrors.Is(err, errors.ErrAllocation) {
			L.RaiseError("not enough memory")
			return 0
		}
		if err != nil {
			s.pending = err
			L.RaiseError("host error on convert")
			return 0
		}
		return n
	}
}

// toSnakeCase converts PascalCase to snake_case.
// Handles acronyms: GetHTTPURL -> get_http_url
func toSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !unicode.IsUpper(r) {
			b.WriteRune(r)
			continue
		}
		end := i + 1
		for end < len(runes) && unicode.IsUpper(runes[end]) {
			end++
		}
		// the last capital of a run starts the next word
		if end > i+1 && end < len(runes) && unicode.IsLower(runes[end]) {
			end--
		}
		if i > 0 {
			b.WriteByte('_')
		}
		for j := i; j < end; j++ {
			b.WriteRune(unicode.ToLower(runes[j]))
		}
		i = end - 1
	}
	return b.String()
}
