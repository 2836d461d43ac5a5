package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/wippyai/luabridge/config"
	"github.com/wippyai/luabridge/engine"
	"github.com/wippyai/luabridge/runtime"
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	var (
		execute     = flag.String("e", "", "Lua chunk to execute; results are printed")
		configPath  = flag.String("config", "", "Path to "+config.FileName+" (default: ./"+config.FileName+" if present)")
		printSchema = flag.Bool("config-schema", false, "Print the JSON schema of the config file and exit")
		memLimit    = flag.Uint64("mem-limit", 0, "Memory quota in bytes (0 = unlimited)")
		timeLimit   = flag.Duration("time-limit", 0, "Time limit per top-level call (0 = none)")
		noLibs      = flag.Bool("nolibs", false, "Do not load the Lua standard library")
		verbose     = flag.Bool("v", false, "Debug logging, including every host function call")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: run [flags] [script.lua | -] [args...]")
		fmt.Fprintln(os.Stderr, "       run -e 'return 1 + 1'")
		fmt.Fprintln(os.Stderr, "       run -i  (interactive mode)")
		fmt.Fprintln(os.Stderr)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *printSchema {
		schema, err := config.Schema()
		if err != nil {
			return fail(err)
		}
		fmt.Println(string(schema))
		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mem-limit":
			cfg.MemoryLimit = *memLimit
		case "time-limit":
			cfg.TimeLimit = config.Duration(*timeLimit)
		case "nolibs":
			libs := !*noLibs
			cfg.OpenLibs = &libs
		case "v":
			cfg.LogLevel = "debug"
		}
	})
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fail(err)
	}
	engine.SetLogger(log)

	opts := []runtime.Option{
		runtime.WithConfig(cfg),
		runtime.WithLogger(log),
	}
	if *verbose {
		opts = append(opts, runtime.WithMiddleware(runtime.Logging(log)))
	}

	script := flag.Arg(0)
	if *interactive || (script == "" && *execute == "" && term.IsTerminal(int(os.Stdin.Fd()))) {
		return exit(log, runInteractive(opts))
	}
	return exit(log, run(opts, *execute, script, flag.Args()))
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// exit flushes the logger and maps err to a process exit code.
func exit(log *zap.Logger, err error) int {
	code := 0
	if err != nil {
		code = fail(err)
	}
	_ = log.Sync()
	return code
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(config.FileName); err != nil {
			return config.Default(), nil
		}
		path = config.FileName
	}
	return config.Load(path)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = lvl > zapcore.DebugLevel
	return cfg.Build()
}

func newState(ctx context.Context, opts []runtime.Option, argv []string) (*runtime.State, error) {
	L, err := runtime.New(opts...)
	if err != nil {
		return nil, err
	}
	if err := L.RegisterHost(ctx, &sysHost{start: time.Now(), args: argv}); err != nil {
		_ = L.Close(ctx)
		return nil, err
	}
	return L, nil
}

func run(opts []runtime.Option, chunk, script string, argv []string) error {
	ctx := context.Background()

	L, err := newState(ctx, opts, argv)
	if err != nil {
		return err
	}
	defer func() { _ = L.Close(ctx) }()

	if chunk != "" {
		results, err := L.DoString(ctx, chunk)
		if err != nil {
			return err
		}
		if len(results) > 0 {
			fmt.Println(formatValues(results))
		}
		if script == "" {
			return nil
		}
	}

	var fn *runtime.Function
	switch script {
	case "", "-":
		src, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		fn, err = L.Load(ctx, string(src), "=stdin")
		if err != nil {
			return err
		}
	default:
		fn, err = L.LoadFile(ctx, script)
		if err != nil {
			return err
		}
	}
	defer fn.Release()

	args := make([]any, 0, len(argv))
	for _, a := range argv[min(1, len(argv)):] {
		args = append(args, a)
	}
	_, err = fn.Call(ctx, args...)
	return err
}

// formatValues renders results the way the Lua REPL prints them and
// releases any wrapped Lua values.
func formatValues(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatValue(v)
		if r, ok := v.(interface{ Release() }); ok {
			r.Release()
		}
	}
	return strings.Join(parts, "\t")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', 14, 64)
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}
