package runtime

import (
	"context"
	"math"
	goruntime "runtime"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/luabridge/errors"
)

func TestObject_IdentityAndHandles(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	fn := load(t, L, "local t = {}; return t, t, {}")
	results, err := fn.Call(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)

	a, b, c := results[0].(*Table), results[1].(*Table), results[2].(*Table)
	defer a.Release()
	defer b.Release()
	defer c.Release()

	assert.NotEqual(t, a.Handle(), b.Handle(), "every pull registers a fresh handle")
	assert.True(t, a.Equal(b.Object))
	assert.False(t, a.Equal(c.Object))

	pa, err := a.Pointer()
	require.NoError(t, err)
	pb, err := b.Pointer()
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
	assert.Contains(t, a.String(), "table")
}

func TestObject_ReleaseFreesHandle(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	base := L.refs.Len()
	tbl, err := L.NewTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, base+1, L.refs.Len())

	require.NotNil(t, tbl.Retain())
	tbl.Release()
	assert.False(t, tbl.Released())
	assert.Equal(t, base+1, L.refs.Len())

	tbl.Release()
	assert.True(t, tbl.Released())
	assert.Equal(t, base, L.refs.Len())
	assert.Nil(t, tbl.Retain())

	// extra releases are ignored
	tbl.Release()
	assert.Equal(t, base, L.refs.Len())

	_, err = tbl.Len(ctx)
	require.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestObject_ReleaseDuringCallIsDeferred(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	tbl, err := L.NewTable(ctx)
	require.NoError(t, err)
	base := L.refs.Len()

	require.NoError(t, L.Register(ctx, "drop", func(context.Context, []any) ([]any, error) {
		tbl.Release()
		return nil, nil
	}))

	_, err = L.DoString(ctx, "drop()")
	require.NoError(t, err)

	_, err = L.DoString(ctx, "return nil")
	require.NoError(t, err)
	assert.Equal(t, base-1, L.refs.Len())
}

func TestObject_GarbageCollectedRelease(t *testing.T) {
	ctx := context.Background()
	L := newState(t)
	base := L.refs.Len()

	func() {
		for range 10 {
			_, err := L.NewTable(ctx)
			require.NoError(t, err)
		}
	}()

	require.Eventually(t, func() bool {
		goruntime.GC()
		_, err := L.DoString(ctx, "return nil")
		return err == nil && L.refs.Len() <= base
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTable_GetSetLen(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	tbl, err := L.NewTable(ctx)
	require.NoError(t, err)
	defer tbl.Release()

	for i := 1; i <= 3; i++ {
		require.NoError(t, tbl.Set(ctx, i, i*10))
	}
	require.NoError(t, tbl.Set(ctx, "name", "lua"))

	n, err := tbl.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	v, err := tbl.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 20.0, v)

	v, err = tbl.Get(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, []byte("lua"), v)

	v, err = tbl.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, tbl.Set(ctx, "name", nil))
	v, err = tbl.Get(ctx, "name")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestTable_InvalidKeys(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	tbl, err := L.NewTable(ctx)
	require.NoError(t, err)
	defer tbl.Release()

	require.ErrorIs(t, tbl.Set(ctx, nil, 1), errors.ErrInvalidInput)
	require.ErrorIs(t, tbl.Set(ctx, math.NaN(), 1), errors.ErrInvalidInput)
	require.ErrorIs(t, tbl.Set(ctx, make(chan int), 1), errors.ErrConversion)
}

func TestTable_ForEach(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	fn := load(t, L, "return {a = 1, b = 2, c = 3}")
	results, err := fn.Call(ctx)
	require.NoError(t, err)
	tbl := results[0].(*Table)
	defer tbl.Release()

	var keys []string
	sum := 0.0
	err = tbl.ForEach(ctx, func(key, value any) error {
		keys = append(keys, string(key.([]byte)))
		sum += value.(float64)
		// the interpreter is usable from inside the iteration
		_, err := L.DoString(ctx, "return 1")
		return err
	})
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.Equal(t, 6.0, sum)

	stop := errors.InvalidInput(errors.PhaseCall, "stop")
	calls := 0
	err = tbl.ForEach(ctx, func(any, any) error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestFunction_Env(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	fn := load(t, L, "return x")

	env, err := fn.Env(ctx)
	require.NoError(t, err)
	require.NotNil(t, env)
	defer env.Release()

	globals, err := L.Globals(ctx)
	require.NoError(t, err)
	defer globals.Release()
	assert.True(t, env.Equal(globals.Object))

	sandbox, err := L.NewTable(ctx)
	require.NoError(t, err)
	defer sandbox.Release()
	require.NoError(t, sandbox.Set(ctx, "x", 5))

	require.NoError(t, fn.SetEnv(ctx, sandbox))
	results, err := fn.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{5.0}, results)

	require.ErrorIs(t, fn.SetEnv(ctx, nil), errors.ErrInvalidInput)
}

func TestCoroutine_Call(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	co, err := L.NewCoroutine(ctx)
	require.NoError(t, err)
	defer co.Release()
	assert.Same(t, L, co.Interpreter())

	inc := load(t, L, "return ... + 1")
	results, err := co.Call(ctx, inc, 1)
	require.NoError(t, err)
	assert.Equal(t, []any{2.0}, results)

	status, err := co.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "suspended", status)

	_, err = co.Call(ctx)
	require.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = co.Call(ctx, "not a function")
	require.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestCoroutine_FromGuest(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	fn := load(t, L, `return coroutine.create(function() end)`)
	results, err := fn.Call(ctx)
	require.NoError(t, err)
	co, ok := results[0].(*Coroutine)
	require.True(t, ok, "got %T", results[0])
	defer co.Release()

	echo := load(t, L, "return ...")
	results, err = co.Call(ctx, echo, "inside")
	require.NoError(t, err)
	assert.Equal(t, []any{[]byte("inside")}, results)
}

func TestUserData_Value(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	type payload struct{ ID int }
	ud, err := L.NewUserData(ctx, &payload{ID: 7})
	require.NoError(t, err)
	defer ud.Release()

	echo := load(t, L, "return ...")
	results, err := echo.Call(ctx, ud)
	require.NoError(t, err)
	back, ok := results[0].(*UserData)
	require.True(t, ok, "got %T", results[0])
	defer back.Release()
	assert.True(t, ud.Equal(back.Object))

	v, err := back.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, &payload{ID: 7}, v)
}
