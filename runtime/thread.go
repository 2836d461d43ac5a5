package runtime

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/wippyai/luabridge/engine"
	"github.com/wippyai/luabridge/errors"
)

// thread is the per-LState call bookkeeping. The root thread lives as long
// as the interpreter; coroutine threads are attached while a call runs on
// them.
type thread struct {
	L         *lua.LState
	relay     *engine.Relay
	prevPanic func(*lua.LState)
	depth     int
}

func (s *State) attach(L *lua.LState) *thread {
	th := &thread{
		L:         L,
		relay:     engine.NewRelay(s.opts.abort),
		prevPanic: L.Panic,
	}
	L.Panic = s.panicHook(th)
	s.threads[L] = th
	return th
}

// threadFor returns the bookkeeping for L, attaching it on first use.
// A nil L is the root thread.
func (s *State) threadFor(L *lua.LState) *thread {
	if L == nil {
		return s.root
	}
	if th, ok := s.threads[L]; ok {
		return th
	}
	return s.attach(L)
}

// detach forgets a coroutine thread once no call runs on it.
func (s *State) detach(th *thread) {
	if th == s.root || th.depth > 0 || s.threads == nil {
		return
	}
	th.restorePanic()
	delete(s.threads, th.L)
}

// arm installs the call's checkpoint on th. The outermost call creates it;
// calls nested on other threads share it.
func (s *State) arm(th *thread) {
	if s.calls == 0 {
		s.clock = s.newCheckpoint()
	}
	s.bind(th.L)
}

// newCheckpoint builds the checkpoint for one top-level call, or nil when
// neither a time limit nor a memory quota applies. The quota in force when
// the call starts decides whether the guest heap is checked.
func (s *State) newCheckpoint() *engine.Checkpoint {
	var deadline *engine.Deadline
	if limit := s.TimeLimit(); limit > 0 {
		deadline = engine.NewDeadline(time.Now(), limit)
	}
	var check func() error
	if s.governor.Limit() != engine.Unlimited {
		check = s.meter.check
	}
	if deadline == nil && check == nil {
		return nil
	}
	return engine.NewCheckpoint(deadline, check, s.opts.checkInterval)
}

// bind makes L run under the current call's checkpoint. Coroutines carry
// the context of the call that created them, so every resume rebinds.
func (s *State) bind(L *lua.LState) {
	switch {
	case s.dead.Load():
		L.SetContext(engine.Halted(errors.ErrStateDead))
	case s.clock != nil:
		L.SetContext(s.clock)
	default:
		L.RemoveContext()
	}
}

// disarm removes the checkpoint from th once no call runs on it and stops
// the clock after the outermost call.
func (s *State) disarm(th *thread) {
	th.L.RemoveContext()
	if s.calls == 0 {
		s.stopClock()
	}
}

func (s *State) stopClock() {
	if s.clock != nil {
		s.clock.Stop()
		s.clock = nil
	}
}

// bindCoroutines replaces coroutine.resume and coroutine.wrap with versions
// that bind the resumed thread to the running call before it executes.
func (s *State) bindCoroutines(L *lua.LState) {
	mod, ok := L.GetGlobal(lua.CoroutineLibName).(*lua.LTable)
	if !ok {
		return
	}
	resume, ok := mod.RawGetString("resume").(*lua.LFunction)
	if !ok || !resume.IsG {
		return
	}
	wrap, ok := mod.RawGetString("wrap").(*lua.LFunction)
	if !ok || !wrap.IsG {
		return
	}
	resumeG, wrapG := resume.GFunction, wrap.GFunction

	mod.RawSetString("resume", L.NewFunction(func(L *lua.LState) int {
		if co, ok := L.Get(1).(*lua.LState); ok {
			s.bind(co)
		}
		return resumeG(L)
	}))

	resumeWrapped := func(L *lua.LState) int {
		co := L.ToThread(lua.UpvalueIndex(1))
		if co != nil {
			s.bind(co)
		}
		L.Insert(co, 1)
		return resumeG(L)
	}
	mod.RawSetString("wrap", L.NewFunction(func(L *lua.LState) int {
		n := wrapG(L)
		fn, ok := L.Get(-1).(*lua.LFunction)
		if !ok || len(fn.Upvalues) == 0 {
			return n
		}
		co, ok := fn.Upvalues[0].Value().(*lua.LState)
		if !ok {
			return n
		}
		L.Pop(1)
		L.Push(L.NewClosure(resumeWrapped, co))
		return 1
	}))
}

func (th *thread) restorePanic() {
	th.L.Panic = th.prevPanic
}
