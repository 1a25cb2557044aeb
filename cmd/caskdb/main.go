// Command caskdb is the CLI entry point for the bitcask-style key-value
// store: it loads configuration, opens the engine, and dispatches exactly
// one get/set/rm verb per invocation, the way the teacher's cmd/main.go
// wires logger → config → engine → handler, adapted from a REPL to a
// one-shot process per spec.md §6.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/kvcask/caskdb/internal/cli"
	"github.com/kvcask/caskdb/internal/config"
	"github.com/kvcask/caskdb/internal/engine"
)

func main() {
	os.Exit(int(run(os.Args[1:])))
}

// parseLogLevel maps cfg.LogLevel (debug, info, warn, error) to a slog
// level, defaulting to Info for an empty or unrecognized value.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(args []string) cli.ExitCode {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("main: failed to load configuration", "error", err)
		return cli.ExitUsageError
	}

	slogHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})
	slog.SetDefault(slog.New(slogHandler))

	e, err := engine.Open(cfg)
	if err != nil {
		slog.Error("main: failed to open engine", "error", err)
		return cli.ExitUsageError
	}
	defer func() {
		if err := e.Close(); err != nil {
			slog.Error("main: error closing engine", "error", err)
		}
	}()

	handler := cli.NewHandler(e, os.Stdout)
	return handler.Run(args)
}
