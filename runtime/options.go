package runtime

import (
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/luabridge"
	"github.com/wippyai/luabridge/config"
	"github.com/wippyai/luabridge/engine"
	"github.com/wippyai/luabridge/errors"
)

// DefaultRegistryMaxSize lets the Lua value stack grow to 1M slots.
const DefaultRegistryMaxSize = 1024 * 1024

type options struct {
	allocator       luabridge.Allocator
	logger          *zap.Logger
	abort           engine.AbortFunc
	middleware      []Middleware
	memoryLimit     uint64
	timeLimit       time.Duration
	callStackSize   int
	registrySize    int
	registryMaxSize int
	checkInterval   int
	openLibs        bool
}

func defaultOptions() options {
	return options{
		openLibs:        true,
		registryMaxSize: DefaultRegistryMaxSize,
	}
}

// Option configures a State.
type Option func(*options)

// WithOpenLibs controls whether the Lua standard library is loaded.
func WithOpenLibs(open bool) Option {
	return func(o *options) {
		o.openLibs = open
	}
}

// WithMemoryLimit sets the memory quota in bytes. 0 is unlimited.
func WithMemoryLimit(limit uint64) Option {
	return func(o *options) {
		o.memoryLimit = limit
	}
}

// WithTimeLimit caps the wall-clock time of each top-level call. 0 disables it.
func WithTimeLimit(limit time.Duration) Option {
	return func(o *options) {
		o.timeLimit = limit
	}
}

// WithMemoryCheckInterval sets how many guest instructions run between
// guest heap checks while a memory quota applies. 0 uses
// engine.DefaultCheckInterval.
func WithMemoryCheckInterval(n int) Option {
	return func(o *options) {
		o.checkInterval = n
	}
}

// WithAllocator replaces the allocator behind the memory quota.
func WithAllocator(a luabridge.Allocator) Option {
	return func(o *options) {
		o.allocator = a
	}
}

// WithLogger sets the logger. Defaults to engine.Logger().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithCallStackSize sets the maximum Lua call depth.
func WithCallStackSize(n int) Option {
	return func(o *options) {
		o.callStackSize = n
	}
}

// WithRegistrySize sets the initial and maximum Lua value stack sizes.
// A max below size disables growth.
func WithRegistrySize(size, maxSize int) Option {
	return func(o *options) {
		o.registrySize = size
		o.registryMaxSize = maxSize
	}
}

// WithMiddleware wraps every host function created by the State.
// Middleware runs in the given order, outermost first.
func WithMiddleware(mw ...Middleware) Option {
	return func(o *options) {
		o.middleware = append(o.middleware, mw...)
	}
}

// WithAbortHandler replaces the handler invoked when a fatal Lua error has
// no protected frame to return to. The handler must not return.
func WithAbortHandler(fn func(error)) Option {
	return func(o *options) {
		o.abort = fn
	}
}

// WithConfig applies a configuration file.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		if cfg == nil {
			return
		}
		o.openLibs = cfg.LibsEnabled()
		o.memoryLimit = cfg.MemoryLimit
		o.timeLimit = cfg.TimeLimit.Std()
		if cfg.CallStackSize > 0 {
			o.callStackSize = cfg.CallStackSize
		}
		if cfg.RegistrySize > 0 {
			o.registrySize = cfg.RegistrySize
			o.registryMaxSize = max(cfg.RegistryMaxSize, cfg.RegistrySize)
			if cfg.RegistryMaxSize == 0 {
				o.registryMaxSize = DefaultRegistryMaxSize
			}
		}
	}
}

func (o *options) validate() error {
	switch {
	case o.timeLimit < 0:
		return errors.InvalidInput(errors.PhaseState, "time limit must not be negative")
	case o.checkInterval < 0:
		return errors.InvalidInput(errors.PhaseState, "memory check interval must not be negative")
	case o.callStackSize < 0:
		return errors.InvalidInput(errors.PhaseState, "call stack size must not be negative")
	case o.registrySize < 0 || o.registryMaxSize < 0:
		return errors.InvalidInput(errors.PhaseState, "registry size must not be negative")
	}
	return nil
}
