package runtime

import (
	"context"
	stderrors "errors"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/wippyai/luabridge/errors"
)

// call runs callee with args[skip:] on thread L (nil for the root thread)
// and returns every result.
//
// A call moves through four stages: the callee and arguments are pushed, the
// ticket is parked while the guest runs under a protected call, the results
// are pulled, and the right is released. Errors raised outside the protected
// call are fatal and tear the interpreter down.
func (s *State) call(ctx context.Context, L *lua.LState, callee *Object, args []any, skip int) ([]any, error) {
	tk, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer s.right.Release(tk)

	th := s.threadFor(L)
	L = th.L
	defer s.detach(th)
	base := L.GetTop()

	var argc int
	fatal, err := th.relay.Protect(func() error {
		fn, err := s.resolve(callee)
		if err != nil {
			return err
		}
		if fn.Type() != lua.LTFunction {
			return errors.New(errors.PhaseCall, errors.KindInvalidInput).
				LuaType(fn.Type().String()).
				Detail("attempt to call a non-function value").
				Build()
		}
		L.Push(fn)
		argc, err = s.pushSequence(L, args, skip)
		if err != nil {
			L.SetTop(base)
		}
		return err
	})
	if fatal {
		s.finishTeardown()
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := s.right.Park(tk); err != nil {
		L.SetTop(base)
		return nil, err
	}
	if th.depth == 0 {
		s.arm(th)
	}
	th.depth++
	s.calls++

	fatal, callErr := th.relay.Protect(func() error {
		return L.PCall(argc, lua.MultRet, nil)
	})

	s.right.Unpark(tk)
	th.depth--
	s.calls--
	if th.depth == 0 && !s.dead.Load() {
		s.disarm(th)
	}

	if s.dead.Load() {
		s.finishTeardown()
		if fatal {
			return nil, callErr
		}
		return nil, errors.Dead()
	}

	if callErr != nil {
		L.SetTop(base)
		if pending := s.pending; pending != nil {
			s.pending = nil
			return nil, pending
		}
		s.log.Debug("lua call failed", zap.Int("depth", th.depth), zap.Error(callErr))
		return nil, runtimeError(callErr)
	}
	s.pending = nil

	var results []any
	fatal, err = th.relay.Protect(func() error {
		var err error
		results, err = s.pullSequence(L, L.GetTop()-base)
		return err
	})
	if fatal {
		s.finishTeardown()
		return nil, err
	}
	if err != nil {
		L.SetTop(base)
		return nil, err
	}
	return results, nil
}

// runtimeError converts a protected call failure. The guest's error value
// becomes the message.
func runtimeError(err error) error {
	var apiErr *lua.ApiError
	if stderrors.As(err, &apiErr) {
		return errors.Runtime(errorString(apiErr.Object), apiErr)
	}
	return errors.Runtime(err.Error(), err)
}
