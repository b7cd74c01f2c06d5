package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tchow-twistedxcom/crewdeck/internal/git"
	"github.com/tchow-twistedxcom/crewdeck/internal/ptyhost/ptyhosttest"
	"github.com/tchow-twistedxcom/crewdeck/internal/router"
	"github.com/tchow-twistedxcom/crewdeck/internal/session"
)

type fakeViewer struct {
	id string

	mu     sync.Mutex
	msgs   []router.Message
	full   bool
	closed bool
}

func newViewer(id string) *fakeViewer { return &fakeViewer{id: id} }

func (v *fakeViewer) ID() string { return v.id }

func (v *fakeViewer) Send(m router.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.full {
		return false
	}
	v.msgs = append(v.msgs, m)
	return true
}

func (v *fakeViewer) Close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
}

func (v *fakeViewer) setFull() {
	v.mu.Lock()
	v.full = true
	v.mu.Unlock()
}

func (v *fakeViewer) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *fakeViewer) all() []router.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]router.Message(nil), v.msgs...)
}

func (v *fakeViewer) events(name string) []router.Message {
	var out []router.Message
	for _, m := range v.all() {
		if m.Event == name {
			out = append(out, m)
		}
	}
	return out
}

// names lists event names in order, skipping summary broadcasts which
// arrive asynchronously.
func (v *fakeViewer) names() []string {
	var out []string
	for _, m := range v.all() {
		if m.Event != router.EventWorktrees {
			out = append(out, m.Event)
		}
	}
	return out
}

func (v *fakeViewer) reset() {
	v.mu.Lock()
	v.msgs = nil
	v.mu.Unlock()
}

type fakeWorktrees struct {
	mu       sync.Mutex
	entries  []git.Entry
	err      error
	selected string
}

func (w *fakeWorktrees) List(context.Context) ([]git.Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	return append([]git.Entry(nil), w.entries...), nil
}

func (w *fakeWorktrees) SetSelected(path string) {
	w.mu.Lock()
	w.selected = path
	w.mu.Unlock()
}

func (w *fakeWorktrees) getSelected() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selected
}

type fakeNotifier struct {
	sent chan Notification
}

func (n *fakeNotifier) Notify(_ context.Context, note Notification) error {
	n.sent <- note
	return nil
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	hub     *Hub
	clock   *session.ManualClock
	spawner *ptyhosttest.Spawner
	wt      *fakeWorktrees
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   session.NewManualClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		spawner: &ptyhosttest.Spawner{},
		wt: &fakeWorktrees{entries: []git.Entry{
			{Path: "/repo", Name: "main", Branch: "main", IsDefault: true},
			{Path: "/repo-wt/feature", Name: "feature", Branch: "feature"},
		}},
	}
	opts := Options{
		Session: session.Config{
			AgentCommand: "agent-bin",
			ShellCommand: "/bin/testsh",
			BaseEnv:      []string{"PATH=/usr/bin"},
		},
		Clock:     h.clock,
		Spawner:   h.spawner,
		Worktrees: h.wt,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.hub = New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.ctx = ctx
	go func() { _ = h.hub.Run(ctx) }()
	return h
}

// sync waits until everything posted so far has run on the loop.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.hub.loop.Call(h.ctx, func() {}))
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.sync()
}

func (h *harness) connect(id string) *fakeViewer {
	h.t.Helper()
	v := newViewer(id)
	require.NoError(h.t, h.hub.Connect(h.ctx, v))
	return v
}

func (h *harness) create(viewerID, dir string, kind session.Kind) (session.Descriptor, *ptyhosttest.Process) {
	h.t.Helper()
	d, err := h.hub.Create(h.ctx, viewerID, dir, kind, nil)
	require.NoError(h.t, err)
	return d, h.spawner.Last()
}

func (h *harness) state(id string) string {
	h.t.Helper()
	d, ok, err := h.hub.Get(h.ctx, id)
	require.NoError(h.t, err)
	require.True(h.t, ok, "session %s not found", id)
	return d.State.String()
}
