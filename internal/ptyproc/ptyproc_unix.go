//go:build !windows

package ptyproc

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// spawn implements the Unix path of spec.md §4.B: open a PTY pair, then
// fork+exec the host binary's own --pty-exec helper (§4.J) as the child,
// so setsid/dup2/execvp happen in a fresh process image rather than in a
// forked copy of this (possibly multi-threaded, cgo-using) Go runtime.
func spawn(spec Spec) (*Process, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	if err := pty.Setsize(master, &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows}); err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}

	self, err := os.Executable()
	if err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}

	args := append([]string{"--pty-exec", slave.Name(), "--"}, spec.Command...)
	cmd := exec.Command(self, args...)
	cmd.Env = spec.Env
	// Setsid is not set here: execve preserves pid/pgid/sid across the
	// re-exec, so the helper itself (ptyexec_unix.go) is the one that calls
	// unix.Setsid() to actually detach into a new session.

	if err := cmd.Start(); err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}
	// The slave fd is only needed by the child; the parent's copy would
	// otherwise keep the PTY open after the child exits.
	slave.Close()

	p := &Process{
		cmd:     cmd,
		pty:     master,
		running: true,
		done:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.markExited(err)
	}()
	return p, nil
}

func (p *Process) resize(cols, rows uint16) error {
	p.mu.RLock()
	f := p.pty
	p.mu.RUnlock()
	master, ok := f.(*os.File)
	if !ok {
		return nil
	}
	return pty.Setsize(master, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *Process) terminate() error {
	p.mu.RLock()
	cmd := p.cmd
	p.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	// Signal the whole process group (negative pid), since Setsid made the
	// child its own session/group leader.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}
	return nil
}
