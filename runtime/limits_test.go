package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/luabridge"
	"github.com/wippyai/luabridge/engine"
	"github.com/wippyai/luabridge/errors"
)

func registerBlob(t *testing.T, L *State) {
	t.Helper()
	require.NoError(t, L.Register(context.Background(), "blob", func(_ context.Context, args []any) ([]any, error) {
		return []any{strings.Repeat("x", int(args[0].(float64)))}, nil
	}))
}

func TestMemoryLimit_GuestSeesOutOfMemory(t *testing.T) {
	ctx := context.Background()
	L := newState(t)
	registerBlob(t, L)

	L.SetMemoryLimit(L.MemoryUsage() + 10)

	results, err := L.DoString(ctx, `return pcall(blob, 11)`)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, false, results[0])
	assert.Contains(t, string(results[1].([]byte)), "not enough memory")

	results, err = L.DoString(ctx, `local ok, s = pcall(blob, 10); return ok, #s`)
	require.NoError(t, err)
	assert.Equal(t, []any{true, 10.0}, results)
}

func TestMemoryLimit_UncaughtIsRuntimeError(t *testing.T) {
	L := newState(t)
	registerBlob(t, L)

	L.SetMemoryLimit(L.MemoryUsage() + 4)

	_, err := L.DoString(context.Background(), `return blob(64)`)
	require.ErrorIs(t, err, errors.ErrRuntime)
	assert.Contains(t, err.Error(), "not enough memory")
	assert.False(t, L.Closed())
}

func TestMemoryLimit_PushFromGoReturnsError(t *testing.T) {
	L := newState(t, WithAbortHandler(func(err error) {
		t.Errorf("abort handler called: %v", err)
	}))
	echo := load(t, L, "return ...")

	L.SetMemoryLimit(L.MemoryUsage() + 1)

	_, err := echo.Call(context.Background(), strings.Repeat("y", 128))
	require.ErrorIs(t, err, errors.ErrAllocation)
	assert.Contains(t, err.Error(), "failed to allocate 128 bytes")
	assert.False(t, L.Closed())

	L.SetMemoryLimit(0)
	results, err := echo.Call(context.Background(), "y")
	require.NoError(t, err)
	assert.Equal(t, []any{[]byte("y")}, results)
}

func TestMemoryLimit_Accounting(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	before := L.MemoryUsage()
	tbl, err := L.NewTable(ctx)
	require.NoError(t, err)
	defer tbl.Release()
	assert.Greater(t, L.MemoryUsage(), before)

	L.SetMemoryLimit(1 << 20)
	assert.Equal(t, uint64(1<<20), L.MemoryLimit())
	L.SetMemoryLimit(0)
	assert.Equal(t, uint64(engine.Unlimited), L.MemoryLimit())
}

func TestMemoryLimit_CustomAllocator(t *testing.T) {
	var calls int
	alloc := luabridge.AllocatorFunc(func(ptr []byte, size int) []byte {
		calls++
		return luabridge.GoAllocator{}.Realloc(ptr, size)
	})
	L := newState(t, WithAllocator(alloc))
	echo := load(t, L, "return ...")

	results, err := echo.Call(context.Background(), "through the allocator")
	require.NoError(t, err)
	assert.Equal(t, []any{[]byte("through the allocator")}, results)
	assert.Positive(t, calls)
}

func TestMemoryLimit_NewTableOverQuota(t *testing.T) {
	L := newState(t)
	L.SetMemoryLimit(L.MemoryUsage() + 1)

	_, err := L.NewTable(context.Background())
	require.ErrorIs(t, err, errors.ErrAllocation)
	assert.False(t, L.Closed())
}

func TestMemoryLimit_NestedOperationReturnsError(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	outer, err := L.NewTable(ctx)
	require.NoError(t, err)
	defer outer.Release()

	var tableErr, setErr error
	require.NoError(t, L.Register(ctx, "build", func(ctx context.Context, _ []any) ([]any, error) {
		var tbl *Table
		tbl, tableErr = L.NewTable(ctx)
		if tbl != nil {
			tbl.Release()
		}
		setErr = outer.Set(ctx, "key", "a string over the quota")
		return []any{tableErr == nil && setErr == nil}, nil
	}))

	L.SetMemoryLimit(L.MemoryUsage() + 1)

	results, err := L.DoString(ctx, `return build()`)
	require.NoError(t, err)
	assert.Equal(t, []any{false}, results)
	assert.ErrorIs(t, tableErr, errors.ErrAllocation)
	assert.ErrorIs(t, setErr, errors.ErrAllocation)
	assert.False(t, L.Closed())
}

func TestMemoryLimit_GuestHeap(t *testing.T) {
	ctx := context.Background()
	L := newState(t)
	L.SetMemoryLimit(L.MemoryUsage() + 64<<10)

	_, err := L.DoString(ctx, `
		local t = {}
		for i = 1, 200000 do
			t[i] = string.rep('x', 100) .. i
		end
		return #t
	`)
	require.ErrorIs(t, err, errors.ErrRuntime)
	assert.Contains(t, err.Error(), "not enough memory")
	assert.False(t, L.Closed())

	// The table died with the call.
	usage, err := L.MeasureMemory(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, usage, L.MemoryLimit())

	results, err := L.DoString(ctx, `
		local t = {}
		for i = 1, 100 do
			t[i] = i
		end
		return #t
	`)
	require.NoError(t, err)
	assert.Equal(t, []any{100.0}, results)
}

func TestMemoryLimit_GuestHeapCatchable(t *testing.T) {
	ctx := context.Background()
	L := newState(t, WithMemoryCheckInterval(100))
	L.SetMemoryLimit(L.MemoryUsage() + 64<<10)

	results, err := L.DoString(ctx, `
		local ok, msg = pcall(function()
			local t = {}
			for i = 1, 200000 do
				t[i] = tostring(i) .. string.rep('y', 64)
			end
		end)
		return ok, msg
	`)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, false, results[0])
	assert.Contains(t, string(results[1].([]byte)), "not enough memory")
}

func TestMeasureMemory_TracksGuestHeap(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	base, err := L.MeasureMemory(ctx)
	require.NoError(t, err)
	assert.Equal(t, base, L.MemoryUsage())

	_, err = L.DoString(ctx, `
		big = {}
		for i = 1, 1000 do
			big[i] = string.rep("z", 100) .. i
		end
	`)
	require.NoError(t, err)
	grown, err := L.MeasureMemory(ctx)
	require.NoError(t, err)
	assert.Greater(t, grown, base+100*1000)

	_, err = L.DoString(ctx, `big = nil`)
	require.NoError(t, err)
	shrunk, err := L.MeasureMemory(ctx)
	require.NoError(t, err)
	assert.Less(t, shrunk, base+100*1000)
}

func TestMemoryLimit_StringRepGuard(t *testing.T) {
	ctx := context.Background()
	L := newState(t)
	L.SetMemoryLimit(L.MemoryUsage() + 1024)

	results, err := L.DoString(ctx, `return pcall(string.rep, "x", 1000000)`)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, false, results[0])
	assert.Contains(t, string(results[1].([]byte)), "not enough memory")

	results, err = L.DoString(ctx, `return ("ab"):rep(3)`)
	require.NoError(t, err)
	assert.Equal(t, []any{[]byte("ababab")}, results)
}

func TestTimeLimit_InfiniteLoop(t *testing.T) {
	ctx := context.Background()
	L := newState(t, WithTimeLimit(10*time.Millisecond))

	_, err := L.DoString(ctx, `while true do end`)
	require.ErrorIs(t, err, errors.ErrRuntime)
	assert.Contains(t, err.Error(), "exceeded time limit of 10 ms")
	assert.False(t, L.Closed())

	results, err := L.DoString(ctx, `return 1`)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0}, results)
}

func TestTimeLimit_GuestCannotSwallow(t *testing.T) {
	L := newState(t, WithTimeLimit(10*time.Millisecond))

	_, err := L.DoString(context.Background(), `
		while true do
			pcall(function() while true do end end)
		end
	`)
	require.ErrorIs(t, err, errors.ErrRuntime)
	assert.Contains(t, err.Error(), "exceeded time limit")
}

func TestTimeLimit_HostFunctionNotInterrupted(t *testing.T) {
	ctx := context.Background()
	L := newState(t, WithTimeLimit(10*time.Millisecond))

	sleep, err := L.NewFunction(ctx, func(context.Context, []any) ([]any, error) {
		time.Sleep(30 * time.Millisecond)
		return []any{"done"}, nil
	})
	require.NoError(t, err)
	defer sleep.Release()

	results, err := sleep.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{[]byte("done")}, results)
}

func TestTimeLimit_SetAtRuntime(t *testing.T) {
	ctx := context.Background()
	L := newState(t)
	assert.Equal(t, time.Duration(0), L.TimeLimit())

	L.SetTimeLimit(10 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, L.TimeLimit())

	_, err := L.DoString(ctx, `while true do end`)
	require.ErrorIs(t, err, errors.ErrRuntime)

	L.SetTimeLimit(-time.Second)
	assert.Equal(t, time.Duration(0), L.TimeLimit())

	results, err := L.DoString(ctx, `local n = 0; for i = 1, 1000 do n = n + i end; return n`)
	require.NoError(t, err)
	assert.Equal(t, []any{500500.0}, results)
}

func TestTimeLimit_CoversNestedCalls(t *testing.T) {
	ctx := context.Background()
	L := newState(t, WithTimeLimit(20*time.Millisecond))

	spin := load(t, L, `while true do end`)
	require.NoError(t, L.Register(ctx, "nested", func(ctx context.Context, _ []any) ([]any, error) {
		return spin.Call(ctx)
	}))

	start := time.Now()
	_, err := L.DoString(ctx, `nested()`)
	require.ErrorIs(t, err, errors.ErrRuntime)
	assert.Contains(t, err.Error(), "exceeded time limit")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTimeLimit_CoroutineFromEarlierCall(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	_, err := L.DoString(ctx, `
		co = coroutine.create(function() while true do end end)
		spin = coroutine.wrap(function() while true do end end)
	`)
	require.NoError(t, err)

	L.SetTimeLimit(50 * time.Millisecond)
	for _, source := range []string{`return coroutine.resume(co)`, `return spin()`} {
		start := time.Now()
		_, err = L.DoString(ctx, source)
		require.ErrorIs(t, err, errors.ErrRuntime, source)
		assert.Contains(t, err.Error(), "exceeded time limit", source)
		assert.Less(t, time.Since(start), 5*time.Second, source)
	}
}

func TestTimeLimit_CoroutineOutlivesTimedOutCall(t *testing.T) {
	ctx := context.Background()
	L := newState(t, WithTimeLimit(30*time.Millisecond))

	_, err := L.DoString(ctx, `
		co = coroutine.create(function(a)
			local b = coroutine.yield(a + 1)
			return b * 2
		end)
		gen = coroutine.wrap(function()
			for i = 1, 3 do coroutine.yield(i) end
		end)
		while true do end
	`)
	require.ErrorIs(t, err, errors.ErrRuntime)
	assert.Contains(t, err.Error(), "exceeded time limit")

	results, err := L.DoString(ctx, `
		local ok1, x = coroutine.resume(co, 1)
		local ok2, y = coroutine.resume(co, 10)
		return ok1, x, ok2, y, gen(), gen()
	`)
	require.NoError(t, err)
	assert.Equal(t, []any{true, 2.0, true, 20.0, 1.0, 2.0}, results)
}

func TestCoroutine_WrapKeepsErrorSemantics(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	results, err := L.DoString(ctx, `
		local f = coroutine.wrap(function() return 1 end)
		local first = f()
		local ok, msg = pcall(f)
		return first, ok, msg
	`)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 1.0, results[0])
	assert.Equal(t, false, results[1])
	assert.Contains(t, string(results[2].([]byte)), "dead")
}

func TestRegistryOverflow_IsFatal(t *testing.T) {
	ctx := context.Background()
	L := newState(t,
		WithRegistrySize(128, 0),
		WithAbortHandler(func(err error) {
			t.Errorf("abort handler called: %v", err)
		}))

	count := load(t, L, "return select('#', ...)")
	args := make([]any, 200)
	for i := range args {
		args[i] = i
	}

	_, err := count.Call(ctx, args...)
	require.ErrorIs(t, err, errors.ErrFatal)
	require.ErrorIs(t, err, errors.ErrStateDead)
	assert.Contains(t, err.Error(), "registry overflow")
	assert.True(t, L.Closed())

	_, err = L.DoString(ctx, "return 1")
	require.ErrorIs(t, err, errors.ErrStateDead)
}
