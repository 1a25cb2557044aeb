// Package cli implements the command-line verb grammar described in
// spec.md §6: a single process invocation maps to one of get/set/rm
// against an already-open Engine. This replaces the teacher's interactive
// REPL (internal/cli/handler.go's bufio.Scanner loop) with the one-shot
// argv shape the spec and the original talent-plan kvs CLI both specify,
// while keeping the teacher's pattern of a thin Handler wired around the
// engine with slog logging at every branch.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	engineerr "github.com/cockroachdb/errors"

	"github.com/kvcask/caskdb/internal/engine"
)

// ExitCode mirrors the process exit status the CLI collaborator contract
// in spec.md §6 requires: 0 on success (including a get that prints
// Key not found), nonzero when rm finds no such key or on any other failure.
type ExitCode int

const (
	ExitOK          ExitCode = 0
	ExitKeyNotFound ExitCode = 1
	ExitUsageError  ExitCode = 2
)

// Handler dispatches the get/set/rm verb grammar against an engine.
type Handler struct {
	engine *engine.Engine
	stdout io.Writer
}

// NewHandler wraps an already-open engine.
func NewHandler(e *engine.Engine, stdout io.Writer) *Handler {
	return &Handler{engine: e, stdout: stdout}
}

// Run dispatches a single verb invocation — args is the command-line
// arguments after the program name, e.g. []string{"get", "k"}.
func (h *Handler) Run(args []string) ExitCode {
	if len(args) == 0 {
		fmt.Fprintln(h.stdout, "usage: caskdb <get|set|rm> ...")
		return ExitUsageError
	}

	switch args[0] {
	case "get":
		return h.runGet(args[1:])
	case "set":
		return h.runSet(args[1:])
	case "rm":
		return h.runRemove(args[1:])
	default:
		slog.Warn("cli: unknown verb", "verb", args[0])
		fmt.Fprintf(h.stdout, "unknown command: %s\n", args[0])
		return ExitUsageError
	}
}

func (h *Handler) runGet(args []string) ExitCode {
	if len(args) != 1 {
		fmt.Fprintln(h.stdout, "usage: caskdb get <key>")
		return ExitUsageError
	}
	key := args[0]

	value, found, err := h.engine.Get(key)
	if err != nil {
		slog.Error("cli: get failed", "key", key, "error", err)
		fmt.Fprintf(h.stdout, "Error: %v\n", err)
		return ExitUsageError
	}
	if !found {
		fmt.Fprintln(h.stdout, "Key not found")
		return ExitOK
	}
	fmt.Fprintln(h.stdout, value)
	return ExitOK
}

func (h *Handler) runSet(args []string) ExitCode {
	if len(args) != 2 {
		fmt.Fprintln(h.stdout, "usage: caskdb set <key> <value>")
		return ExitUsageError
	}
	key, value := args[0], args[1]

	if err := h.engine.Set(key, value); err != nil {
		slog.Error("cli: set failed", "key", key, "error", err)
		fmt.Fprintf(h.stdout, "Error: %v\n", err)
		return ExitUsageError
	}
	return ExitOK
}

func (h *Handler) runRemove(args []string) ExitCode {
	if len(args) != 1 {
		fmt.Fprintln(h.stdout, "usage: caskdb rm <key>")
		return ExitUsageError
	}
	key := args[0]

	err := h.engine.Remove(key)
	if err == nil {
		return ExitOK
	}

	if engineerr.Is(err, engine.ErrKeyNotFound) {
		fmt.Fprintln(h.stdout, "Key not found")
		return ExitKeyNotFound
	}

	slog.Error("cli: rm failed", "key", key, "error", err)
	fmt.Fprintf(h.stdout, "Error: %v\n", err)
	return ExitUsageError
}
