// Package process starts the executables interactive sessions run on a node.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Process is a running executable. Output is read from it; input is written
// to it. Wait blocks until it exits and returns its exit code.
type Process interface {
	io.ReadWriter
	Wait() (int, error)
	Kill() error
	Close() error
}

// Spawner starts an executable.
type Spawner interface {
	Spawn(ctx context.Context, executable string) (Process, error)
}

// PTY spawns executables on a pseudo terminal, so shells behave as they would
// for a human at a console.
type PTY struct {
	Dir  string
	Env  []string
	Rows uint16
	Cols uint16
}

func (s PTY) Spawn(ctx context.Context, executable string) (Process, error) {
	argv := strings.Fields(executable)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty executable")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	rows, cols := s.Rows, s.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return &ptyProcess{cmd: cmd, ptmx: ptmx}, nil
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

// Read maps the EIO Linux reports once the child side closes to io.EOF.
func (p *ptyProcess) Read(b []byte) (int, error) {
	n, err := p.ptmx.Read(b)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (p *ptyProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *ptyProcess) Wait() (int, error) {
	return exitCode(p.cmd.Wait())
}

func (p *ptyProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *ptyProcess) Close() error { return p.ptmx.Close() }

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		// Killed by a signal.
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
	}
	return -1, err
}
