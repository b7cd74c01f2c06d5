// Package ptyhost runs child processes on a pseudo-terminal and streams
// their output to callbacks.
package ptyhost

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"

	"github.com/tchow-twistedxcom/crewdeck/internal/logging"
)

var ptyLog = logging.ForComponent(logging.CompPTY)

// ErrProcessExited is returned by writes and resizes after the child exited
// or the terminal was closed.
var ErrProcessExited = errors.New("process exited")

const (
	readBufferSize = 32 * 1024

	// drainTimeout bounds how long exit delivery waits for buffered output
	// once the child is gone. Grandchildren can hold the terminal open.
	drainTimeout = 2 * time.Second

	// killGrace is how long Kill waits after SIGHUP/SIGTERM before SIGKILL.
	killGrace = 3 * time.Second
)

// Spec describes a child to start.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Cols    uint16
	Rows    uint16

	// OnData receives each output chunk in order. The slice is owned by the
	// callee. Called from a reader goroutine.
	OnData func([]byte)

	// OnExit is called once, after the last OnData call.
	OnExit func(exitCode int)
}

// Process is a running child.
type Process interface {
	// Write sends bytes to the child's terminal. A zero-length write probes
	// liveness: it fails once the child has exited.
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Kill() error
	Pid() int
}

// Spawner starts processes.
type Spawner interface {
	Spawn(spec Spec) (Process, error)
}

// PTYSpawner starts children on a real pseudo-terminal.
type PTYSpawner struct{}

// Spawn starts spec.Command. Output and exit are delivered through the
// spec callbacks.
func (PTYSpawner) Spawn(spec Spec) (Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", spec.Command, err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Args[0] = spec.Command
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	ws := &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows}
	if ws.Cols == 0 || ws.Rows == 0 {
		ws.Cols, ws.Rows = 80, 24
	}
	ptmx, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, fmt.Errorf("start %s pty: %w", spec.Command, err)
	}

	p := &ptyProcess{
		cmd:      cmd,
		ptmx:     ptmx,
		onData:   spec.OnData,
		onExit:   spec.OnExit,
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}
	ptyLog.Debug("process_started",
		slog.String("command", spec.Command),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("dir", spec.Dir))

	go p.readLoop()
	go p.waitLoop()
	return p, nil
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	onData func([]byte)
	onExit func(int)

	gone      atomic.Bool
	closeOnce sync.Once
	killOnce  sync.Once
	readDone  chan struct{}
	exited    chan struct{}
}

func (p *ptyProcess) Pid() int { return p.cmd.Process.Pid }

func (p *ptyProcess) Write(b []byte) (int, error) {
	if p.gone.Load() {
		return 0, ErrProcessExited
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := p.ptmx.Write(b)
	if errors.Is(err, os.ErrClosed) {
		return n, ErrProcessExited
	}
	return n, err
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	if p.gone.Load() {
		return ErrProcessExited
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill hangs up the child's process group, then escalates to SIGKILL if it
// has not exited after a grace period. Killing an exited child is a no-op.
func (p *ptyProcess) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	p.killOnce.Do(func() {
		signalGroup(p.cmd.Process, false)
		p.closePTY()
		go func() {
			select {
			case <-p.exited:
			case <-time.After(killGrace):
				signalGroup(p.cmd.Process, true)
			}
		}()
	})
	return nil
}

func (p *ptyProcess) closePTY() {
	p.closeOnce.Do(func() {
		p.gone.Store(true)
		_ = p.ptmx.Close()
	})
}

func (p *ptyProcess) readLoop() {
	defer close(p.readDone)

	buf := make([]byte, readBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 && p.onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.onData(chunk)
		}
		if err != nil {
			// EIO is the normal end of a Linux pty once the child is gone.
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !isEIO(err) {
				ptyLog.Debug("pty_read_error", slog.Int("pid", p.Pid()), slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (p *ptyProcess) waitLoop() {
	err := p.cmd.Wait()
	p.gone.Store(true)
	close(p.exited)

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	select {
	case <-p.readDone:
	case <-time.After(drainTimeout):
		ptyLog.Debug("pty_drain_timeout", slog.Int("pid", p.Pid()))
	}
	p.closePTY()
	<-p.readDone

	ptyLog.Debug("process_exited", slog.Int("pid", p.Pid()), slog.Int("exit_code", code))
	if p.onExit != nil {
		p.onExit(code)
	}
}
