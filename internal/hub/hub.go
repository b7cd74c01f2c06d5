// Package hub implements the viewer request contract. Every request runs as
// one closure on the session event loop, so the registry and the viewer
// table are always observed and updated together.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tchow-twistedxcom/crewdeck/internal/git"
	"github.com/tchow-twistedxcom/crewdeck/internal/logging"
	"github.com/tchow-twistedxcom/crewdeck/internal/ptyhost"
	"github.com/tchow-twistedxcom/crewdeck/internal/router"
	"github.com/tchow-twistedxcom/crewdeck/internal/session"
)

var hubLog = logging.ForComponent(logging.CompHub)

var (
	// ErrReadOnly rejects requests that would change a session.
	ErrReadOnly = errors.New("server is read-only")
	// ErrRateLimited rejects create requests over the per-viewer budget.
	ErrRateLimited = errors.New("too many create requests")
)

// restViewer keys the create limiter shared by requests that do not come
// from a connected viewer.
const restViewer = ""

// Worktrees enumerates the working directories shown in the summary.
type Worktrees interface {
	List(ctx context.Context) ([]git.Entry, error)
	SetSelected(path string)
}

// Options configures a Hub.
type Options struct {
	Session session.Config
	Clock   session.Clock // nil means the real clock
	Spawner ptyhost.Spawner

	Worktrees Worktrees // optional
	Notifier  Notifier  // optional, told when a session starts waiting for input

	ReadOnly    bool
	CreateRate  rate.Limit // per viewer; zero means unlimited
	CreateBurst int

	// Publishers receive every session event after the router.
	Publishers []session.Publisher
}

// Hub owns the event loop and everything that runs on it.
type Hub struct {
	loop      *session.Loop
	mgr       *session.Manager
	router    *router.Router
	worktrees Worktrees
	summary   *summarizer

	readOnly    bool
	createRate  rate.Limit
	createBurst int
	limiters    map[string]*rate.Limiter // loop-owned

	entriesMu   sync.Mutex
	lastEntries []git.Entry
}

// New wires a Hub. Call Run to start processing.
func New(opts Options) *Hub {
	clock := opts.Clock
	if clock == nil {
		clock = session.RealClock{}
	}
	h := &Hub{
		loop:        session.NewLoop(clock),
		router:      router.New(),
		worktrees:   opts.Worktrees,
		readOnly:    opts.ReadOnly,
		createRate:  opts.CreateRate,
		createBurst: opts.CreateBurst,
		limiters:    make(map[string]*rate.Limiter),
	}
	if h.createRate <= 0 {
		h.createRate = rate.Inf
	}
	if h.createBurst <= 0 {
		h.createBurst = 1
	}
	h.summary = newSummarizer(h)
	h.router.OnLifecycle = func(session.Event) { h.summary.Trigger() }

	pubs := session.MultiPublisher{h.router}
	var prompts *promptWatcher
	if opts.Notifier != nil {
		prompts = newPromptWatcher(opts.Notifier)
		pubs = append(pubs, prompts)
	}
	pubs = append(pubs, opts.Publishers...)

	h.mgr = session.NewManager(opts.Session, h.loop, opts.Spawner, pubs)
	if prompts != nil {
		prompts.recent = h.mgr.RecentChunks
	}
	return h
}

// Run processes requests and session events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	go h.summary.run(ctx)
	return h.loop.Run(ctx)
}

// Shutdown destroys every session. Viewers see the destroyed events.
func (h *Hub) Shutdown(ctx context.Context) error {
	var n int
	err := h.loop.Call(ctx, func() {
		n = h.mgr.Len()
		h.mgr.Shutdown()
	})
	if err == nil {
		hubLog.Info("hub_shutdown", slog.Int("sessions_destroyed", n))
	}
	return err
}

// RefreshSummary recomputes and broadcasts the worktree summary, for
// example after the worktree set changed on disk.
func (h *Hub) RefreshSummary() {
	h.summary.Trigger()
}

// ReadOnly reports whether mutating requests are refused.
func (h *Hub) ReadOnly() bool { return h.readOnly }

func (h *Hub) limiter(viewerID string) *rate.Limiter {
	l, ok := h.limiters[viewerID]
	if !ok {
		l = rate.NewLimiter(h.createRate, h.createBurst)
		h.limiters[viewerID] = l
	}
	return l
}

// listWorktrees enumerates outside the loop. On failure it falls back to the
// last good list so a transient git error does not blank the summary.
func (h *Hub) listWorktrees(ctx context.Context) []git.Entry {
	if h.worktrees == nil {
		return nil
	}
	entries, err := h.worktrees.List(ctx)
	h.entriesMu.Lock()
	defer h.entriesMu.Unlock()
	if err != nil {
		hubLog.Warn("worktree_enumeration_failed", slog.String("error", err.Error()))
		return h.lastEntries
	}
	h.lastEntries = entries
	return entries
}

func (h *Hub) setSelected(dir string) {
	if h.worktrees != nil {
		h.worktrees.SetSelected(dir)
	}
}
