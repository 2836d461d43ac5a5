package main

import (
	"context"
	"fmt"
	"os"
	"time"
)

// sysHost exposes a few process facilities to scripts as the sys table.
type sysHost struct {
	start time.Time
	args  []string
}

func (h *sysHost) Namespace() string { return "sys" }

// Args returns the script name followed by its arguments.
func (h *sysHost) Args(_ context.Context, _ []any) ([]any, error) {
	out := make([]any, len(h.args))
	for i, a := range h.args {
		out[i] = a
	}
	return out, nil
}

// Getenv returns the value of an environment variable, or nil if unset.
func (h *sysHost) Getenv(_ context.Context, args []any) ([]any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("getenv: expected 1 argument, got %d", len(args))
	}
	name, ok := args[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("getenv: expected string, got %T", args[0])
	}
	if v, ok := os.LookupEnv(string(name)); ok {
		return []any{v}, nil
	}
	return []any{nil}, nil
}

// Elapsed returns the seconds since the interpreter was created.
func (h *sysHost) Elapsed(_ context.Context, _ []any) ([]any, error) {
	return []any{time.Since(h.start).Seconds()}, nil
}

// Sleep blocks for the given number of seconds.
func (h *sysHost) Sleep(ctx context.Context, args []any) ([]any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("sleep: expected 1 argument, got %d", len(args))
	}
	secs, ok := args[0].(float64)
	if !ok {
		return nil, fmt.Errorf("sleep: expected number, got %T", args[0])
	}
	select {
	case <-time.After(time.Duration(secs * float64(time.Second))):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
