// Package ptyhosttest provides an in-memory ptyhost.Spawner for tests of
// code that supervises sessions.
package ptyhosttest

import (
	"sync"

	"github.com/tchow-twistedxcom/crewdeck/internal/ptyhost"
)

// Process is a fake child. Tests drive it with Emit and Exit.
type Process struct {
	Spec ptyhost.Spec

	mu      sync.Mutex
	pid     int
	input   []byte
	resizes [][2]uint16
	kills   int
	dead    bool
}

func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return 0, ptyhost.ErrProcessExited
	}
	p.input = append(p.input, b...)
	return len(b), nil
}

func (p *Process) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return ptyhost.ErrProcessExited
	}
	p.resizes = append(p.resizes, [2]uint16{cols, rows})
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
	p.dead = true
	return nil
}

func (p *Process) Pid() int { return p.pid }

// Emit delivers output as the PTY reader would.
func (p *Process) Emit(s string) { p.Spec.OnData([]byte(s)) }

// Exit marks the process dead and reports the exit code.
func (p *Process) Exit(code int) {
	p.mu.Lock()
	p.dead = true
	p.mu.Unlock()
	p.Spec.OnExit(code)
}

// Input returns everything written to the process.
func (p *Process) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.input)
}

// Resizes returns the applied sizes in order.
func (p *Process) Resizes() [][2]uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]uint16(nil), p.resizes...)
}

// Kills returns how many times Kill was called.
func (p *Process) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

// Spawner records every spawned Process. Setting Fail makes Spawn fail.
type Spawner struct {
	mu    sync.Mutex
	procs []*Process
	Fail  error
}

func (s *Spawner) Spawn(spec ptyhost.Spec) (ptyhost.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	p := &Process{Spec: spec, pid: 1000 + len(s.procs)}
	s.procs = append(s.procs, p)
	return p, nil
}

// Procs returns the spawned processes, oldest first.
func (s *Spawner) Procs() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Last returns the most recently spawned process, or nil.
func (s *Spawner) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// SetFail sets or clears the spawn error.
func (s *Spawner) SetFail(err error) {
	s.mu.Lock()
	s.Fail = err
	s.mu.Unlock()
}
