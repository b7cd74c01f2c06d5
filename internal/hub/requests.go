package hub

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tchow-twistedxcom/crewdeck/internal/logging"
	"github.com/tchow-twistedxcom/crewdeck/internal/router"
	"github.com/tchow-twistedxcom/crewdeck/internal/session"
)

// Target names a session either by id or by (working directory, kind).
type Target struct {
	SessionID  string
	WorkingDir string
	Kind       session.Kind
}

func (h *Hub) resolve(t Target) (session.Descriptor, bool) {
	if t.SessionID != "" {
		return h.mgr.GetByID(t.SessionID)
	}
	if t.WorkingDir != "" && t.Kind != "" {
		return h.mgr.GetByKey(t.WorkingDir, t.Kind)
	}
	return session.Descriptor{}, false
}

// BroadcastResult lists where a broadcast input went.
type BroadcastResult struct {
	Delivered []string `json:"delivered"`
	Skipped   []string `json:"skipped"`
}

// Connect attaches a viewer and sends it the worktree summary and the
// session list.
func (h *Hub) Connect(ctx context.Context, v router.Viewer) error {
	entries := h.listWorktrees(ctx)
	return h.loop.Call(ctx, func() {
		h.router.Attach(v)
		all := h.mgr.ListAll()
		if h.router.SendTo(v.ID(), router.Message{Event: router.EventWorktrees, Data: joinSummary(entries, all)}) != nil {
			return
		}
		_ = h.router.SendTo(v.ID(), router.Message{Event: router.EventSessionsList, Data: all})
		hubLog.Info("viewer_connected", slog.String("viewer_id", v.ID()), slog.Int("viewers", h.router.Len()))
	})
}

// Disconnect detaches a viewer. Its sessions keep running.
func (h *Hub) Disconnect(viewerID string) {
	h.loop.Post(func() {
		if h.router.Detach(viewerID) {
			hubLog.Info("viewer_disconnected", slog.String("viewer_id", viewerID), slog.Int("viewers", h.router.Len()))
		}
		delete(h.limiters, viewerID)
	})
}

// Create returns the session for (dir, kind), starting it if needed. A
// viewer that creates a session watches it, the directory is activated and
// the viewer gets a create acknowledgement. viewerID may be empty for
// requests that do not come from a viewer.
func (h *Hub) Create(ctx context.Context, viewerID, dir string, kind session.Kind, params []string) (session.Descriptor, error) {
	if h.readOnly {
		return session.Descriptor{}, ErrReadOnly
	}
	var (
		d   session.Descriptor
		err error
	)
	callErr := h.loop.Call(ctx, func() {
		if !h.limiter(viewerID).Allow() {
			err = ErrRateLimited
			return
		}
		d, _, err = h.mgr.Create(dir, kind, params)
		if err != nil {
			return
		}
		if viewerID != restViewer {
			_ = h.router.Watch(viewerID, d.ID)
		}
		h.mgr.SetActive(d.WorkingDir, true)
		d, _ = h.mgr.GetByID(d.ID)
		if viewerID != restViewer {
			_ = h.router.SendTo(viewerID, router.Message{Event: router.EventCreateAck, Data: d})
		}
	})
	if callErr != nil {
		return session.Descriptor{}, callErr
	}
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			logging.Aggregate(logging.CompHub, "create_rate_limited", slog.String("viewer_id", viewerID))
		}
		return session.Descriptor{}, err
	}
	h.setSelected(d.WorkingDir)
	return d, nil
}

// Input writes to a session. An unknown session is logged and ignored.
func (h *Hub) Input(ctx context.Context, sessionID string, data []byte) error {
	if h.readOnly {
		return ErrReadOnly
	}
	return h.loop.Call(ctx, func() {
		if err := h.mgr.Write(sessionID, data); err != nil {
			hubLog.Warn("input_dropped", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}
	})
}

// Resize requests a debounced resize of a session.
func (h *Hub) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	if h.readOnly {
		return ErrReadOnly
	}
	return h.loop.Call(ctx, func() {
		h.mgr.RequestResize(sessionID, cols, rows)
	})
}

// Restore maps the viewer to the target session and sends it that session's
// history, if any. found is false when the target does not resolve.
func (h *Hub) Restore(ctx context.Context, viewerID string, t Target) (found bool, err error) {
	err = h.loop.Call(ctx, func() {
		d, ok := h.resolve(t)
		if !ok {
			hubLog.Warn("restore_unresolved",
				slog.String("viewer_id", viewerID),
				slog.String("session_id", t.SessionID),
				slog.String("dir", t.WorkingDir),
				slog.String("kind", string(t.Kind)))
			return
		}
		found = true
		if h.router.Watch(viewerID, d.ID) != nil {
			return
		}
		hist, _ := h.mgr.History(d.ID)
		if len(hist) == 0 {
			hubLog.Debug("restore_without_history", slog.String("session_id", d.ID))
			return
		}
		_ = h.router.SendTo(viewerID, router.Message{
			Event: router.EventRestore,
			Data:  router.RestorePayload{SessionID: d.ID, History: string(hist)},
		})
	})
	return found, err
}

// SetActive marks the sessions of dir observed or not. Activating also maps
// the viewer to the directory's first session, agent before shell.
func (h *Hub) SetActive(ctx context.Context, viewerID, dir string, observed bool) error {
	err := h.loop.Call(ctx, func() {
		if observed && viewerID != restViewer {
			if ds := h.mgr.SessionsForPath(dir); len(ds) > 0 {
				_ = h.router.Watch(viewerID, ds[0].ID)
			}
		}
		h.mgr.SetActive(dir, observed)
	})
	if err == nil && observed {
		h.setSelected(dir)
	}
	return err
}

// Switch maps the viewer to the session of (dir, kind) and acknowledges.
// ok is false when no such session exists.
func (h *Hub) Switch(ctx context.Context, viewerID, dir string, kind session.Kind) (ack router.SwitchAck, ok bool, err error) {
	err = h.loop.Call(ctx, func() {
		d, found := h.mgr.GetByKey(dir, kind)
		if !found {
			hubLog.Warn("switch_unresolved", slog.String("viewer_id", viewerID), slog.String("dir", dir), slog.String("kind", string(kind)))
			return
		}
		if h.router.Watch(viewerID, d.ID) != nil {
			return
		}
		ack = router.SwitchAck{SessionID: d.ID, Kind: d.Kind, WorkingDir: d.WorkingDir}
		ok = true
		_ = h.router.SendTo(viewerID, router.Message{Event: router.EventSwitchAck, Data: ack})
	})
	return ack, ok, err
}

// Destroy kills a session. Destroying an unknown id is a no-op.
func (h *Hub) Destroy(ctx context.Context, sessionID string) (destroyed bool, err error) {
	if h.readOnly {
		return false, ErrReadOnly
	}
	err = h.loop.Call(ctx, func() {
		destroyed = h.mgr.Destroy(sessionID)
	})
	return destroyed, err
}

// BroadcastInput writes the same input to the session of kind in each
// directory. Directories without such a session are skipped.
func (h *Hub) BroadcastInput(ctx context.Context, viewerID string, dirs []string, kind session.Kind, data []byte) (BroadcastResult, error) {
	if h.readOnly {
		return BroadcastResult{}, ErrReadOnly
	}
	res := BroadcastResult{Delivered: []string{}, Skipped: []string{}}
	err := h.loop.Call(ctx, func() {
		for _, dir := range dirs {
			d, ok := h.mgr.GetByKey(dir, kind)
			if !ok {
				res.Skipped = append(res.Skipped, dir)
				continue
			}
			if err := h.mgr.Write(d.ID, data); err != nil {
				res.Skipped = append(res.Skipped, dir)
				continue
			}
			res.Delivered = append(res.Delivered, d.WorkingDir)
		}
		hubLog.Info("broadcast_input",
			slog.Int("delivered", len(res.Delivered)),
			slog.Int("skipped", len(res.Skipped)))
		if viewerID != restViewer {
			_ = h.router.SendTo(viewerID, router.Message{Event: router.EventBroadcastAck, Data: res})
		}
	})
	return res, err
}

// List returns every live session, oldest first.
func (h *Hub) List(ctx context.Context) ([]session.Descriptor, error) {
	var out []session.Descriptor
	err := h.loop.Call(ctx, func() { out = h.mgr.ListAll() })
	return out, err
}

// Get returns one session.
func (h *Hub) Get(ctx context.Context, sessionID string) (session.Descriptor, bool, error) {
	var (
		d  session.Descriptor
		ok bool
	)
	err := h.loop.Call(ctx, func() { d, ok = h.mgr.GetByID(sessionID) })
	return d, ok, err
}

// Summary returns the worktree list joined with live sessions.
func (h *Hub) Summary(ctx context.Context) ([]WorktreeSummary, error) {
	entries := h.listWorktrees(ctx)
	var out []WorktreeSummary
	err := h.loop.Call(ctx, func() { out = joinSummary(entries, h.mgr.ListAll()) })
	return out, err
}
