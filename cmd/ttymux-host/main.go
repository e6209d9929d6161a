// Command ttymux-host is the standalone PTY Host process (spec.md §4.C).
// The Session Manager spawns one of these per session; it owns the PTY,
// the scrollback ring buffer, and the Host IPC endpoint.
//
// It also doubles as the PTY exec helper (spec.md §4.J): when invoked as
// `ttymux-host --pty-exec <slave-path> -- <argv...>`, it never reaches the
// host's own flag parsing and instead execs argv onto the given PTY slave,
// since internal/ptyproc re-execs this same binary for that purpose.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ttymux/ttymux/internal/host"
	"github.com/ttymux/ttymux/internal/ptyproc"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--pty-exec" {
		os.Exit(runPTYExec(os.Args[2:]))
	}

	sessionID := flag.String("session-id", "", "session id this host serves")
	shell := flag.String("shell", "/bin/sh", "shell or command to run")
	cwd := flag.String("cwd", "", "working directory for the shell")
	cols := flag.Uint("cols", 80, "initial terminal width")
	rows := flag.Uint("rows", 24, "initial terminal height")
	scrollbackCapacity := flag.Int("scrollback-capacity", 0, "scrollback ring buffer size in bytes (0 = host default)")
	flag.Parse()

	if *sessionID == "" {
		log.Fatal("--session-id is required")
	}

	cfg := host.Config{
		SessionID:          *sessionID,
		Shell:              *shell,
		Command:            strings.Fields(*shell),
		Cwd:                *cwd,
		Cols:               uint16(*cols),
		Rows:               uint16(*rows),
		Env:                os.Environ(),
		ScrollbackCapacity: *scrollbackCapacity,
	}
	if *cwd != "" {
		// The PTY child inherits this process's working directory.
		if err := os.Chdir(*cwd); err != nil {
			log.Fatalf("chdir %s: %v", *cwd, err)
		}
		cfg.Env = append(cfg.Env, "PWD="+*cwd)
	}

	h, err := host.New(cfg)
	if err != nil {
		log.Fatalf("spawn pty: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	os.Exit(h.Run(ctx))
}

// runPTYExec handles the `--pty-exec <slave-path> -- <argv...>` subcommand
// (spec.md §4.J): it does not return on success, since it execs argv.
func runPTYExec(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "ttymux-host --pty-exec: missing slave path")
		return ptyproc.ExitInvalidArgs
	}
	slavePath := args[0]
	rest := args[1:]

	sep := 0
	for sep < len(rest) && rest[sep] != "--" {
		sep++
	}
	if sep >= len(rest) {
		fmt.Fprintln(os.Stderr, "ttymux-host --pty-exec: missing -- separator before argv")
		return ptyproc.ExitInvalidArgs
	}
	argv := rest[sep+1:]

	return ptyproc.RunPTYExecHelper(slavePath, argv)
}
