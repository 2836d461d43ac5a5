package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/luabridge/config"
	"github.com/wippyai/luabridge/errors"
)

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(WithTimeLimit(-time.Second))
	require.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = New(WithCallStackSize(-1))
	require.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = New(WithMemoryCheckInterval(-1))
	require.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestNew_WithoutLibs(t *testing.T) {
	L := newState(t, WithOpenLibs(false))

	results, err := L.DoString(context.Background(), "return string, 1")
	require.NoError(t, err)
	assert.Equal(t, []any{nil, 1.0}, results)
}

func TestNew_WithConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MemoryLimit = 1 << 20
	cfg.TimeLimit = config.Duration(50 * time.Millisecond)

	L := newState(t, WithConfig(cfg))
	assert.Equal(t, uint64(1<<20), L.MemoryLimit())
	assert.Equal(t, 50*time.Millisecond, L.TimeLimit())
}

func TestNew_LogsAtDebug(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	L := newState(t, WithLogger(zap.New(core)))

	tbl, err := L.NewTable(context.Background())
	require.NoError(t, err)
	tbl.Release()

	assert.Equal(t, 1, logs.FilterMessage("interpreter created").Len())
	assert.NotZero(t, logs.FilterMessage("registry registered").Len())
	assert.NotZero(t, logs.FilterMessage("registry released").Len())
}

func TestClose_Idempotent(t *testing.T) {
	ctx := context.Background()
	L, err := New()
	require.NoError(t, err)

	require.NoError(t, L.Close(ctx))
	require.NoError(t, L.Close(ctx))
	assert.True(t, L.Closed())
}

func TestClose_OperationsFail(t *testing.T) {
	ctx := context.Background()
	L, err := New()
	require.NoError(t, err)

	fn, err := L.Load(ctx, "return 1", "")
	require.NoError(t, err)
	tbl, err := L.NewTable(ctx)
	require.NoError(t, err)

	require.NoError(t, L.Close(ctx))

	_, err = L.DoString(ctx, "return 1")
	assert.ErrorIs(t, err, errors.ErrStateDead)
	_, err = fn.Call(ctx)
	assert.ErrorIs(t, err, errors.ErrStateDead)
	_, err = tbl.Get(ctx, "x")
	assert.ErrorIs(t, err, errors.ErrStateDead)
	_, err = L.Globals(ctx)
	assert.ErrorIs(t, err, errors.ErrStateDead)
	assert.ErrorIs(t, L.Register(ctx, "f", func(context.Context, []any) ([]any, error) { return nil, nil }), errors.ErrStateDead)

	_, err = tbl.Pointer()
	assert.ErrorIs(t, err, errors.ErrStateDead)
	assert.False(t, tbl.Equal(tbl.Object))

	// releasing after close is a no-op
	fn.Release()
	tbl.Release()
}

func TestClose_FromCallback(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	require.NoError(t, L.Register(ctx, "shutdown", func(ctx context.Context, _ []any) ([]any, error) {
		return nil, L.Close(ctx)
	}))

	_, err := L.DoString(ctx, `shutdown(); return 1`)
	require.ErrorIs(t, err, errors.ErrStateDead)
	assert.True(t, L.Closed())
	assert.Nil(t, L.ls)
}

func TestClose_FromForeignGoroutineDuringCall(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	var closeErr error
	require.NoError(t, L.Register(ctx, "try_close", func(context.Context, []any) ([]any, error) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			closeErr = L.Close(context.Background())
		}()
		<-done
		return nil, nil
	}))

	_, err := L.DoString(ctx, `try_close()`)
	require.NoError(t, err)
	require.ErrorIs(t, closeErr, errors.ErrNotThreadSafe)
	assert.False(t, L.Closed())
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	path := filepath.Join(t.TempDir(), "seven.lua")
	require.NoError(t, os.WriteFile(path, []byte("return 7"), 0o600))

	fn, err := L.LoadFile(ctx, path)
	require.NoError(t, err)
	defer fn.Release()

	results, err := fn.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{7.0}, results)

	_, err = L.LoadFile(ctx, filepath.Join(t.TempDir(), "missing.lua"))
	require.ErrorIs(t, err, &errors.Error{Kind: errors.KindNotFound})

	bad := filepath.Join(t.TempDir(), "bad.lua")
	require.NoError(t, os.WriteFile(bad, []byte("return +"), 0o600))
	_, err = L.LoadFile(ctx, bad)
	require.ErrorIs(t, err, errors.ErrCompile)
}

func TestGlobals(t *testing.T) {
	ctx := context.Background()
	L := newState(t)

	g, err := L.Globals(ctx)
	require.NoError(t, err)
	defer g.Release()

	require.NoError(t, g.Set(ctx, "answer", 42))

	results, err := L.DoString(ctx, "greeting = 'hi'; return answer")
	require.NoError(t, err)
	assert.Equal(t, []any{42.0}, results)

	v, err := g.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), v)
}
