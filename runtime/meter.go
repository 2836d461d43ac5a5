package runtime

import (
	"math"
	"runtime/metrics"
	"unsafe"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/wippyai/luabridge/engine"
	"github.com/wippyai/luabridge/registry"
)

// Estimated sizes of guest heap objects the walk counts.
var (
	sizeString = int(unsafe.Sizeof(""))
	sizeValue  = int(unsafe.Sizeof(lua.LValue(nil)))
	sizeProto  = int(unsafe.Sizeof(lua.FunctionProto{}))
	sizeUpval  = int(unsafe.Sizeof(lua.Upvalue{}))
	sizeSlot   = 2 * sizeValue
)

const heapAllocsMetric = "/gc/heap/allocs:bytes"

// meter estimates the memory the guest keeps reachable.
//
// The estimate comes from walking every value reachable from the
// interpreter's roots: globals, the engine registry, values referenced from
// Go and the stacks of running threads. Objects the bridge already accounted
// for contribute their children but not themselves. A walk costs time
// proportional to the live guest heap, so check only walks once the process
// allocated more than the quota's remaining headroom since the last walk.
//
// The estimate covers reachable memory at the time of the walk. Garbage the
// guest produced in between is not counted, and a single instruction that
// allocates a large value is only seen at the next check.
type meter struct {
	s       *State
	sample  []metrics.Sample
	mark    uint64
	visited map[unsafe.Pointer]struct{}
	pending []lua.LValue
	total   uint64
}

func newMeter(s *State) *meter {
	return &meter{
		s:       s,
		sample:  []metrics.Sample{{Name: heapAllocsMetric}},
		visited: make(map[unsafe.Pointer]struct{}),
	}
}

// check is the checkpoint callback of a call running under a memory quota.
func (m *meter) check() error {
	g := m.s.governor
	if m.allocated()-m.mark < g.Headroom() {
		return nil
	}
	m.measure()
	if g.Usage() > g.Limit() {
		m.s.log.Debug("guest heap over quota",
			zap.Uint64("guest", g.Guest()),
			zap.Uint64("usage", g.Usage()),
			zap.Uint64("limit", g.Limit()))
		return engine.ErrNotEnoughMemory
	}
	return nil
}

// measure walks the guest heap and stores the estimate in the governor.
func (m *meter) measure() {
	if m.s.ls == nil {
		return
	}
	m.total = 0
	clear(m.visited)

	L := m.s.ls
	m.push(L.G.Global)
	m.push(L.G.Registry)
	m.s.refs.Each(func(_ registry.Handle, v lua.LValue) bool {
		m.push(v)
		return true
	})
	m.stack(L)
	for th := range m.s.threads {
		m.stack(th)
	}
	if cur := L.G.CurrentThread; cur != nil {
		m.push(cur)
	}
	m.drain()

	m.s.governor.SetGuest(m.total)
	m.mark = m.allocated()
	clear(m.visited)
}

func (m *meter) allocated() uint64 {
	metrics.Read(m.sample)
	if m.sample[0].Value.Kind() != metrics.KindUint64 {
		return math.MaxUint64
	}
	return m.sample[0].Value.Uint64()
}

func (m *meter) push(v lua.LValue) {
	if v != nil && v != lua.LNil {
		m.pending = append(m.pending, v)
	}
}

func (m *meter) drain() {
	for len(m.pending) > 0 {
		n := len(m.pending) - 1
		v := m.pending[n]
		m.pending[n] = nil
		m.pending = m.pending[:n]
		m.visit(v)
	}
}

// first marks p visited and reports whether this is the first visit.
func (m *meter) first(p unsafe.Pointer) bool {
	if _, ok := m.visited[p]; ok {
		return false
	}
	m.visited[p] = struct{}{}
	return true
}

func (m *meter) add(p unsafe.Pointer, size int) {
	if !m.s.governor.IsOwned(uintptr(p)) {
		m.total += uint64(size)
	}
}

func (m *meter) visit(v lua.LValue) {
	switch x := v.(type) {
	case lua.LString:
		if len(x) == 0 {
			return
		}
		p := unsafe.Pointer(unsafe.StringData(string(x)))
		if m.first(p) {
			m.add(p, sizeString+len(x))
		}
	case *lua.LTable:
		p := unsafe.Pointer(x)
		if !m.first(p) {
			return
		}
		entries := 0
		x.ForEach(func(k, v lua.LValue) {
			entries++
			m.push(k)
			m.push(v)
		})
		m.push(x.Metatable)
		m.add(p, sizeTable+entries*sizeSlot)
	case *lua.LFunction:
		p := unsafe.Pointer(x)
		if !m.first(p) {
			return
		}
		m.add(p, sizeFunction+len(x.Upvalues)*sizeUpval)
		if x.Env != nil {
			m.push(x.Env)
		}
		for _, uv := range x.Upvalues {
			if uv != nil {
				m.push(uv.Value())
			}
		}
		m.proto(x.Proto)
	case *lua.LUserData:
		p := unsafe.Pointer(x)
		if !m.first(p) {
			return
		}
		m.add(p, sizeUserData)
		if x.Env != nil {
			m.push(x.Env)
		}
		m.push(x.Metatable)
	case *lua.LState:
		p := unsafe.Pointer(x)
		if !m.first(p) || x == m.s.ls {
			return
		}
		m.add(p, m.s.threadSize())
		if x.Env != nil {
			m.push(x.Env)
		}
		if x.Parent != nil {
			m.push(x.Parent)
		}
		m.stack(x)
	}
}

// proto counts compiled code once per prototype.
func (m *meter) proto(fp *lua.FunctionProto) {
	if fp == nil || !m.first(unsafe.Pointer(fp)) {
		return
	}
	m.total += uint64(sizeProto + 4*len(fp.Code) + sizeValue*len(fp.Constants))
	for _, c := range fp.Constants {
		m.push(c)
	}
	for _, nested := range fp.FunctionPrototypes {
		m.proto(nested)
	}
}

// stack queues the functions and registers of every frame of L.
func (m *meter) stack(L *lua.LState) {
	if L == nil || L.IsClosed() {
		return
	}
	for level := 0; level < m.s.callStackSize(); level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			return
		}
		if fn, err := L.GetInfo("f", dbg, lua.LNil); err == nil {
			m.push(fn)
		}
		for n := 1; ; n++ {
			name, v := L.GetLocal(dbg, n)
			if name == "" {
				break
			}
			m.push(v)
		}
	}
}

// threadSize is the accounted size of one coroutine thread, including its
// preallocated value stack.
func (s *State) threadSize() int {
	slots := s.opts.registrySize
	if slots < 128 {
		slots = lua.RegistrySize
	}
	return sizeThread + slots*sizeValue
}

func (s *State) callStackSize() int {
	if s.opts.callStackSize > 0 {
		return s.opts.callStackSize
	}
	return lua.CallStackSize
}

// guardRepeat wraps string.rep so a single call cannot build a string larger
// than the remaining quota before the next heap check.
func (s *State) guardRepeat(L *lua.LState) {
	mod, ok := L.GetGlobal(lua.StringLibName).(*lua.LTable)
	if !ok {
		return
	}
	rep, ok := mod.RawGetString("rep").(*lua.LFunction)
	if !ok || !rep.IsG {
		return
	}
	next := rep.GFunction
	mod.RawSetString("rep", L.NewFunction(func(L *lua.LState) int {
		if s.governor.Limit() != engine.Unlimited {
			str := L.CheckString(1)
			n := L.CheckInt(2)
			if n > 0 && len(str) > 0 && uint64(len(str)) > s.governor.Headroom()/uint64(n) {
				L.RaiseError("not enough memory")
				return 0
			}
		}
		return next(L)
	}))
}
