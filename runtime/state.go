package runtime

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/wippyai/luabridge/engine"
	"github.com/wippyai/luabridge/errors"
	"github.com/wippyai/luabridge/registry"
)

// DefaultChunkName names chunks loaded without an explicit name.
const DefaultChunkName = "<string>"

// Sizes charged to the memory quota for objects the engine allocates itself.
var (
	sizeTable    = int(unsafe.Sizeof(lua.LTable{}))
	sizeUserData = int(unsafe.Sizeof(lua.LUserData{}))
	sizeFunction = int(unsafe.Sizeof(lua.LFunction{}))
	sizeThread   = int(unsafe.Sizeof(lua.LState{}))
)

// State is one Lua interpreter together with the bridge state kept for it:
// the registry of values referenced from Go, the memory governor, the
// execution right and the per-thread call bookkeeping.
//
// All guest-touching methods take a context. Inside a host function, pass
// the context the function received to re-enter the interpreter.
type State struct {
	ls       *lua.LState
	root     *thread
	threads  map[*lua.LState]*thread
	refs     *registry.Table
	governor *engine.Governor
	right    *engine.Right
	log      *zap.Logger
	opts     options
	releases releaseQueue
	meter    *meter

	// Guarded by the execution right.
	pending error
	clock   *engine.Checkpoint
	calls   int
	closing bool

	timeLimit atomic.Int64
	dead      atomic.Bool
}

// New creates an interpreter.
func New(opts ...Option) (*State, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	log := o.logger
	if log == nil {
		log = engine.Logger()
	}
	log = log.Named("luabridge")

	ls := lua.NewState(lua.Options{
		SkipOpenLibs:    !o.openLibs,
		CallStackSize:   o.callStackSize,
		RegistrySize:    o.registrySize,
		RegistryMaxSize: o.registryMaxSize,
	})

	s := &State{
		ls:       ls,
		threads:  make(map[*lua.LState]*thread),
		refs:     registry.NewTable(),
		governor: engine.NewGovernor(o.allocator, o.memoryLimit),
		right:    engine.NewRight(),
		log:      log,
		opts:     o,
	}
	s.timeLimit.Store(int64(o.timeLimit))
	s.root = s.attach(ls)
	s.meter = newMeter(s)
	if o.openLibs {
		s.guardRepeat(ls)
		s.bindCoroutines(ls)
	}
	s.meter.measure()

	if log.Core().Enabled(zap.DebugLevel) {
		s.refs.Subscribe(registry.ObserverFunc(func(e registry.Event) {
			log.Debug("registry "+e.Type.String(),
				zap.Uint32("handle", uint32(e.Handle)),
				zap.Stringer("type", e.Value.Type()))
		}))
	}

	log.Debug("interpreter created",
		zap.Bool("open_libs", o.openLibs),
		zap.Uint64("memory_limit", o.memoryLimit),
		zap.Duration("time_limit", o.timeLimit))
	return s, nil
}

// Close tears the interpreter down. Closing a closed interpreter is a no-op.
// Closing from inside a host function stops the running call, which then
// fails with a dead-interpreter error.
func (s *State) Close(ctx context.Context) error {
	if s.dead.Load() {
		return nil
	}
	tk, err := s.right.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.right.Release(tk)

	s.teardown(nil)
	return nil
}

// Closed reports whether the interpreter is dead.
func (s *State) Closed() bool {
	return s.dead.Load()
}

// MemoryUsage returns the bytes accounted to the interpreter: exact bridge
// allocations plus the guest heap estimate of the last heap walk.
func (s *State) MemoryUsage() uint64 {
	return s.governor.Usage()
}

// MeasureMemory walks the guest heap, refreshes the estimate and returns
// the resulting usage.
func (s *State) MeasureMemory(ctx context.Context) (uint64, error) {
	err := s.do(ctx, func(*lua.LState) error {
		s.meter.measure()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return s.governor.Usage(), nil
}

// MemoryLimit returns the memory quota in bytes.
func (s *State) MemoryLimit() uint64 {
	return s.governor.Limit()
}

// SetMemoryLimit replaces the memory quota. 0 is unlimited.
func (s *State) SetMemoryLimit(limit uint64) {
	s.governor.SetLimit(limit)
}

// TimeLimit returns the per-call time limit. 0 means disabled.
func (s *State) TimeLimit() time.Duration {
	return time.Duration(s.timeLimit.Load())
}

// SetTimeLimit sets the per-call time limit, applied from the next
// top-level call. 0 disables it.
func (s *State) SetTimeLimit(limit time.Duration) {
	s.timeLimit.Store(int64(max(limit, 0)))
}

// Load compiles source into a function without running it.
func (s *State) Load(ctx context.Context, source, name string) (*Function, error) {
	if name == "" {
		name = DefaultChunkName
	}
	var fn *Function
	err := s.do(ctx, func(L *lua.LState) error {
		lf, err := L.Load(strings.NewReader(source), name)
		if err != nil {
			return errors.Compile(name, err)
		}
		fn = &Function{s.newObject(lf)}
		return nil
	})
	return fn, err
}

// LoadFile compiles the file at path into a function without running it.
func (s *State) LoadFile(ctx context.Context, path string) (*Function, error) {
	var fn *Function
	err := s.do(ctx, func(L *lua.LState) error {
		lf, err := L.LoadFile(path)
		if err != nil {
			var apiErr *lua.ApiError
			if stderrors.As(err, &apiErr) && apiErr.Type == lua.ApiErrorFile {
				return errors.Wrap(errors.PhaseCompile, errors.KindNotFound, err, path)
			}
			return errors.Compile(path, err)
		}
		fn = &Function{s.newObject(lf)}
		return nil
	})
	return fn, err
}

// DoString compiles and runs source, returning its results.
func (s *State) DoString(ctx context.Context, source string) ([]any, error) {
	fn, err := s.Load(ctx, source, "")
	if err != nil {
		return nil, err
	}
	defer fn.Release()
	return fn.Call(ctx)
}

// Globals returns the global table.
func (s *State) Globals(ctx context.Context) (*Table, error) {
	var t *Table
	err := s.do(ctx, func(L *lua.LState) error {
		t = &Table{s.newObject(L.G.Global)}
		return nil
	})
	return t, err
}

// NewTable creates an empty table.
func (s *State) NewTable(ctx context.Context) (*Table, error) {
	var t *Table
	err := s.do(ctx, func(L *lua.LState) error {
		tbl, err := s.newTable(L)
		if err != nil {
			return err
		}
		t = &Table{s.newObject(tbl)}
		return nil
	})
	return t, err
}

// NewUserData wraps value in a userdata blob.
func (s *State) NewUserData(ctx context.Context, value any) (*UserData, error) {
	var u *UserData
	err := s.do(ctx, func(L *lua.LState) error {
		if err := s.charge(sizeUserData); err != nil {
			return err
		}
		ud := L.NewUserData()
		ud.Value = value
		engine.Track(s.governor, ud, sizeUserData)
		u = &UserData{s.newObject(ud)}
		return nil
	})
	return u, err
}

// NewFunction exposes fn to Lua as a function value.
func (s *State) NewFunction(ctx context.Context, fn HostFunc) (*Function, error) {
	if fn == nil {
		return nil, errors.InvalidInput(errors.PhaseHost, "host function is nil")
	}
	var f *Function
	err := s.do(ctx, func(L *lua.LState) error {
		lf, err := s.newGoFunction(L, "", fn)
		if err != nil {
			return err
		}
		f = &Function{s.newObject(lf)}
		return nil
	})
	return f, err
}

// NewCoroutine creates a coroutine sharing the interpreter's globals.
func (s *State) NewCoroutine(ctx context.Context) (*Coroutine, error) {
	var c *Coroutine
	err := s.do(ctx, func(L *lua.LState) error {
		if err := s.charge(s.threadSize()); err != nil {
			return err
		}
		co, cancel := L.NewThread()
		if cancel != nil {
			co.RemoveContext()
			cancel()
		}
		engine.Track(s.governor, co, s.threadSize())
		c = &Coroutine{Object: s.newObject(co), thread: co}
		return nil
	})
	return c, err
}

// enter acquires the execution right for one operation.
func (s *State) enter(ctx context.Context) (*engine.Ticket, error) {
	if s.dead.Load() {
		return nil, errors.Dead()
	}
	tk, err := s.right.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if s.dead.Load() {
		s.right.Release(tk)
		return nil, errors.Dead()
	}
	s.settle()
	return tk, nil
}

// do runs fn against the root thread under the execution right and a
// protect scope.
func (s *State) do(ctx context.Context, fn func(L *lua.LState) error) error {
	tk, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer s.right.Release(tk)

	fatal, err := s.root.relay.Protect(func() error {
		return fn(s.ls)
	})
	if fatal {
		s.finishTeardown()
	}
	return err
}

// settle applies frees and releases queued while the right was held elsewhere.
func (s *State) settle() {
	s.governor.Settle()
	for _, h := range s.releases.drain() {
		s.refs.Release(h)
	}
}

// release frees a registry handle on behalf of a wrapper.
func (s *State) release(h registry.Handle) {
	if s.dead.Load() {
		return
	}
	if tk, ok := s.right.TryAcquire(); ok {
		if !s.dead.Load() {
			s.refs.Release(h)
		}
		s.right.Release(tk)
		return
	}
	s.releases.push(h)
}

// panicHook is installed as LState.Panic. gopher-lua calls it for errors
// raised outside a protected call; the engine cannot continue after that.
func (s *State) panicHook(th *thread) func(*lua.LState) {
	return func(L *lua.LState) {
		err := errors.Fatal(errorString(L.Get(-1)))
		s.teardown(err)
		th.relay.Unwind(err)
	}
}

// teardown marks the interpreter dead. With guest calls in flight the engine
// is halted and destroyed once the outermost call returns.
func (s *State) teardown(cause error) {
	if !s.dead.CompareAndSwap(false, true) {
		return
	}
	if cause != nil {
		s.log.Error("fatal lua error, interpreter torn down", zap.Error(cause))
	}

	if s.calls > 0 {
		s.stopClock()
		halt := engine.Halted(errors.ErrStateDead)
		for _, th := range s.threads {
			if th.depth > 0 {
				th.L.SetContext(halt)
			}
		}
		if co := s.ls.G.CurrentThread; co != nil && co != s.ls {
			co.SetContext(halt)
		}
		s.closing = true
		return
	}
	s.shutdown()
}

func (s *State) finishTeardown() {
	if s.closing && s.calls == 0 {
		s.shutdown()
	}
}

func (s *State) shutdown() {
	s.closing = false
	s.stopClock()
	for _, th := range s.threads {
		if th != s.root {
			th.restorePanic()
		}
	}
	s.threads = nil
	s.ls.Close()
	s.ls = nil
	s.refs.Close()
	s.governor.Reset()
	s.releases.close()
	s.pending = nil
	s.log.Debug("interpreter closed")
}

func (s *State) newTable(L *lua.LState) (*lua.LTable, error) {
	if err := s.charge(sizeTable); err != nil {
		return nil, err
	}
	tbl := L.NewTable()
	engine.Track(s.governor, tbl, sizeTable)
	return tbl, nil
}

// charge accounts size bytes for an object the engine allocates itself.
func (s *State) charge(size int) error {
	if s.governor.Charge(0, size) {
		return nil
	}
	return s.outOfMemory(size)
}

func (s *State) outOfMemory(size int) error {
	usage, limit := s.governor.Usage(), s.governor.Limit()
	s.log.Debug("memory quota exceeded",
		zap.Int("size", size),
		zap.Uint64("usage", usage),
		zap.Uint64("limit", limit))
	return errors.OutOfMemory(size, usage, limit)
}

func errorString(lv lua.LValue) string {
	switch v := lv.(type) {
	case nil:
		return "unknown error"
	case lua.LString:
		return string(v)
	default:
		return lv.String()
	}
}

// releaseQueue collects handles released while the right was unavailable.
type releaseQueue struct {
	mu      sync.Mutex
	handles []registry.Handle
	closed  bool
}

func (q *releaseQueue) push(h registry.Handle) {
	q.mu.Lock()
	if !q.closed {
		q.handles = append(q.handles, h)
	}
	q.mu.Unlock()
}

func (q *releaseQueue) drain() []registry.Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.handles
	q.handles = nil
	return out
}

func (q *releaseQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.handles = nil
	q.mu.Unlock()
}
