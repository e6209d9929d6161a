//go:build !windows

package ptyproc

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Exit codes for RunPTYExecHelper, per spec.md §4.J and §6 (host process
// exit codes 1-5 are reserved for this helper specifically).
const (
	ExitSetsidFailed = 1
	ExitOpenFailed   = 2
	ExitDup2Failed   = 3
	ExitExecvpFailed = 4
	ExitInvalidArgs  = 5
)

// RunPTYExecHelper implements the Unix PTY Exec Helper (Component J): it is
// invoked as `ttymux-host --pty-exec <slave-path> -- <argv...>` immediately
// after the parent's fork+exec, runs setsid/open/dup2/execvp in order, and
// on success never returns. On failure it returns one of the Exit constants
// above; the caller (main) is expected to os.Exit with it.
func RunPTYExecHelper(slavePath string, argv []string) int {
	if slavePath == "" || len(argv) == 0 {
		return ExitInvalidArgs
	}

	if _, err := unix.Setsid(); err != nil {
		return ExitSetsidFailed
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		return ExitOpenFailed
	}
	fd := int(slave.Fd())

	// Make the slave the controlling terminal of this new session.
	_ = unix.IoctlSetInt(fd, unix.TIOCSCTTY, 0)

	for _, target := range []int{0, 1, 2} {
		if err := syscall.Dup2(fd, target); err != nil {
			return ExitDup2Failed
		}
	}
	if fd > 2 {
		slave.Close()
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return ExitExecvpFailed
	}

	env := os.Environ()
	if err := syscall.Exec(path, argv, env); err != nil {
		return ExitExecvpFailed
	}
	// Exec only returns on error.
	return ExitExecvpFailed
}
