// Command tensorcache inspects and maintains a tensorcache directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/meigma/tensorcache/internal/config"
	"github.com/meigma/tensorcache/store"
)

// Env is what every command runs with.
type Env struct {
	Out    io.Writer
	Err    io.Writer
	Config config.Config
	Logger *slog.Logger
}

// OpenStore opens the configured cache dir.
func (e *Env) OpenStore() (*store.Store, error) {
	if err := e.Config.RequireCacheDir(); err != nil {
		return nil, fmt.Errorf("%w (use --cache-dir, %s or %s)", err, config.EnvCacheDir, config.FileName)
	}
	return store.New(e.Config.CacheDir, e.Config.StoreOptions(e.Logger)...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := Run(ctx, os.Stdout, os.Stderr, os.Args, environ())
	stop()
	os.Exit(code)
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

func commands() []*Command {
	return []*Command{
		keyCmd(),
		lsCmd(),
		inspectCmd(),
		verifyCmd(),
		purgeCmd(),
	}
}

// Run is the main entry point. Returns the exit code.
func Run(ctx context.Context, out, errOut io.Writer, args []string, env map[string]string) int {
	global := flag.NewFlagSet("tensorcache", flag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(io.Discard)
	configPath := global.StringP("config", "c", "", "config file (default: ./"+config.FileName+")")
	cacheDir := global.String("cache-dir", "", "cache directory (overrides config and $"+config.EnvCacheDir+")")
	workDir := global.StringP("cwd", "C", "", "run as if started in `dir`")
	verbose := global.BoolP("verbose", "v", false, "debug logging on stderr")

	if len(args) > 0 {
		args = args[1:]
	}
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(out, global)
			return 0
		}
		fmt.Fprintln(errOut, "error:", err)
		printUsage(errOut, global)
		return 1
	}
	rest := global.Args()
	if len(rest) == 0 || rest[0] == "help" {
		printUsage(out, global)
		return 0
	}

	var cmd *Command
	for _, c := range commands() {
		if c.Name() == rest[0] {
			cmd = c
			break
		}
	}
	if cmd == nil {
		fmt.Fprintln(errOut, "error: unknown command:", rest[0])
		printUsage(errOut, global)
		return 1
	}

	cfg, err := config.Load(config.Input{
		WorkDir:  *workDir,
		Path:     *configPath,
		CacheDir: *cacheDir,
		Env:      env,
	})
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	level, _ := cfg.Level() //nolint:errcheck // validated by Load
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))
	logger.Debug("config loaded", "source", cfg.Source, "cache_dir", cfg.CacheDir)

	return cmd.Run(ctx, &Env{Out: out, Err: errOut, Config: cfg, Logger: logger}, rest[1:])
}

func printUsage(w io.Writer, global *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: tensorcache [global flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands() {
		fmt.Fprintln(w, c.HelpLine())
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global flags:")
	global.SetOutput(w)
	global.PrintDefaults()
	global.SetOutput(io.Discard)
}
