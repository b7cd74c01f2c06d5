package hub

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tchow-twistedxcom/crewdeck/internal/git"
	"github.com/tchow-twistedxcom/crewdeck/internal/router"
	"github.com/tchow-twistedxcom/crewdeck/internal/session"
)

// WorktreeSummary is one working directory joined with its live sessions.
type WorktreeSummary struct {
	git.Entry
	// Session is the directory's primary session: the agent if one runs,
	// else the shell.
	Session  *session.Descriptor `json:"session,omitempty"`
	Sessions []session.Descriptor `json:"sessions"`
}

func joinSummary(entries []git.Entry, sessions []session.Descriptor) []WorktreeSummary {
	byDir := make(map[string][]session.Descriptor, len(sessions))
	for _, d := range sessions {
		byDir[d.WorkingDir] = append(byDir[d.WorkingDir], d)
	}
	out := make([]WorktreeSummary, 0, len(entries))
	for _, e := range entries {
		ws := WorktreeSummary{Entry: e, Sessions: []session.Descriptor{}}
		for _, kind := range []session.Kind{session.KindAgent, session.KindShell} {
			for _, d := range byDir[e.Path] {
				if d.Kind == kind {
					ws.Sessions = append(ws.Sessions, d)
				}
			}
		}
		if len(ws.Sessions) > 0 {
			primary := ws.Sessions[0]
			ws.Session = &primary
		}
		out = append(out, ws)
	}
	return out
}

// summarizer recomputes the summary off the loop. Triggers that arrive
// while a broadcast is being prepared collapse into one follow-up.
type summarizer struct {
	h    *Hub
	kick chan struct{}
}

func newSummarizer(h *Hub) *summarizer {
	return &summarizer{h: h, kick: make(chan struct{}, 1)}
}

// Trigger never blocks, so it is safe on the loop goroutine.
func (s *summarizer) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *summarizer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.publish(ctx)
		}
	}
}

func (s *summarizer) publish(ctx context.Context) {
	entries := s.h.listWorktrees(ctx)
	err := s.h.loop.Call(ctx, func() {
		summary := joinSummary(entries, s.h.mgr.ListAll())
		s.h.router.Broadcast(router.Message{Event: router.EventWorktrees, Data: summary})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		hubLog.Warn("summary_broadcast_failed", slog.String("error", err.Error()))
	}
}
