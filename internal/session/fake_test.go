package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tchow-twistedxcom/crewdeck/internal/ptyhost"
)

type fakeProcess struct {
	mu      sync.Mutex
	spec    ptyhost.Spec
	pid     int
	writes  [][]byte
	resizes [][2]uint16
	kills   int
	dead    bool
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return 0, ptyhost.ErrProcessExited
	}
	if len(b) > 0 {
		p.writes = append(p.writes, append([]byte(nil), b...))
	}
	return len(b), nil
}

func (p *fakeProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return ptyhost.ErrProcessExited
	}
	p.resizes = append(p.resizes, [2]uint16{cols, rows})
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
	p.dead = true
	return nil
}

func (p *fakeProcess) Pid() int { return p.pid }

// emit delivers output the way the PTY reader goroutine does.
func (p *fakeProcess) emit(s string) { p.spec.OnData([]byte(s)) }

// exit marks the process dead and reports it.
func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	p.dead = true
	p.mu.Unlock()
	p.spec.OnExit(code)
}

func (p *fakeProcess) kill() {
	p.mu.Lock()
	p.dead = true
	p.mu.Unlock()
}

func (p *fakeProcess) writtenString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out string
	for _, w := range p.writes {
		out += string(w)
	}
	return out
}

func (p *fakeProcess) resizeCalls() [][2]uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]uint16(nil), p.resizes...)
}

func (p *fakeProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProcess
	fail  error
}

func (f *fakeSpawner) Spawn(spec ptyhost.Spec) (ptyhost.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	p := &fakeProcess{spec: spec, pid: 1000 + len(f.procs)}
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeSpawner) last() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[len(f.procs)-1]
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

var errSpawn = errors.New("exec: no such file")

type recorder struct {
	events []Event
}

func (r *recorder) Publish(e Event) { r.events = append(r.events, e) }

func (r *recorder) ofType(t EventType) []Event {
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() { r.events = nil }

type harness struct {
	t       *testing.T
	clock   *ManualClock
	loop    *Loop
	spawner *fakeSpawner
	rec     *recorder
	mgr     *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   NewManualClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		spawner: &fakeSpawner{},
		rec:     &recorder{},
	}
	h.loop = NewLoop(h.clock)
	seq := 0
	h.mgr = NewManager(Config{
		AgentCommand: "agent-bin",
		ShellCommand: "/bin/testsh",
		ShellLogin:   true,
		BaseEnv:      []string{"PATH=/usr/bin", "TERM=dumb", "TMUX=/tmp/x,1,0"},
	}, h.loop, h.spawner, h.rec)
	h.mgr.newID = func() string {
		seq++
		return fmt.Sprintf("session-%d", seq)
	}
	return h
}

// advance moves the clock and runs whatever the timers posted.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.loop.Drain()
}
