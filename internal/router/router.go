// Package router fans session events out to connected viewers. Lifecycle
// events reach every viewer; output and restores reach only the viewers
// currently watching that session.
package router

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/tchow-twistedxcom/crewdeck/internal/logging"
	"github.com/tchow-twistedxcom/crewdeck/internal/session"
)

var routerLog = logging.ForComponent(logging.CompRouter)

// ErrViewerNotFound is returned for operations on a detached viewer.
var ErrViewerNotFound = errors.New("viewer not found")

// Viewer is one connected party.
type Viewer interface {
	ID() string
	// Send queues msg without blocking. It returns false when the viewer
	// cannot keep up; the router then disconnects it.
	Send(msg Message) bool
	Close()
}

type viewerEntry struct {
	viewer    Viewer
	sessionID string
}

// Router holds the viewer table. Like the session Manager it is owned by
// the event loop and takes no locks.
type Router struct {
	viewers map[string]*viewerEntry

	// OnLifecycle runs after a created, stateChanged or destroyed event has
	// been broadcast.
	OnLifecycle func(session.Event)
}

// New returns an empty router.
func New() *Router {
	return &Router{viewers: make(map[string]*viewerEntry)}
}

// Attach adds a viewer watching nothing.
func (r *Router) Attach(v Viewer) {
	r.viewers[v.ID()] = &viewerEntry{viewer: v}
	routerLog.Debug("viewer_attached", slog.String("viewer_id", v.ID()), slog.Int("viewers", len(r.viewers)))
}

// Detach removes a viewer and its mapping. The watched session is untouched.
func (r *Router) Detach(viewerID string) bool {
	if _, ok := r.viewers[viewerID]; !ok {
		return false
	}
	delete(r.viewers, viewerID)
	routerLog.Debug("viewer_detached", slog.String("viewer_id", viewerID), slog.Int("viewers", len(r.viewers)))
	return true
}

// Watch maps a viewer to sessionID, replacing its previous mapping.
func (r *Router) Watch(viewerID, sessionID string) error {
	e, ok := r.viewers[viewerID]
	if !ok {
		return ErrViewerNotFound
	}
	e.sessionID = sessionID
	return nil
}

// Unwatch clears a viewer's mapping.
func (r *Router) Unwatch(viewerID string) {
	if e, ok := r.viewers[viewerID]; ok {
		e.sessionID = ""
	}
}

// Watching returns the session a viewer watches.
func (r *Router) Watching(viewerID string) (string, bool) {
	e, ok := r.viewers[viewerID]
	if !ok || e.sessionID == "" {
		return "", false
	}
	return e.sessionID, true
}

// ViewersOf returns the ids of viewers watching sessionID, sorted.
func (r *Router) ViewersOf(sessionID string) []string {
	var out []string
	for id, e := range r.viewers {
		if e.sessionID == sessionID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of attached viewers.
func (r *Router) Len() int { return len(r.viewers) }

// Publish implements session.Publisher.
func (r *Router) Publish(e session.Event) {
	msg, ok := SessionMessage(e)
	if !ok {
		return
	}
	switch e.Type {
	case session.EventOutput, session.EventRestore:
		r.sendToWatchers(e.Session.ID, msg)
		return
	case session.EventDestroyed:
		for _, entry := range r.viewers {
			if entry.sessionID == e.Session.ID {
				entry.sessionID = ""
			}
		}
	}
	r.Broadcast(msg)
	if e.Type != session.EventExited && r.OnLifecycle != nil {
		r.OnLifecycle(e)
	}
}

func (r *Router) sendToWatchers(sessionID string, msg Message) {
	for id, e := range r.viewers {
		if e.sessionID == sessionID {
			r.deliver(id, e, msg)
		}
	}
}

// Broadcast sends msg to every viewer.
func (r *Router) Broadcast(msg Message) {
	for id, e := range r.viewers {
		r.deliver(id, e, msg)
	}
}

// SendTo sends msg to one viewer.
func (r *Router) SendTo(viewerID string, msg Message) error {
	e, ok := r.viewers[viewerID]
	if !ok {
		return ErrViewerNotFound
	}
	if !r.deliver(viewerID, e, msg) {
		return ErrViewerNotFound
	}
	return nil
}

func (r *Router) deliver(id string, e *viewerEntry, msg Message) bool {
	if e.viewer.Send(msg) {
		return true
	}
	logging.Aggregate(logging.CompRouter, "viewer_dropped", slog.String("viewer_id", id))
	routerLog.Warn("viewer_too_slow", slog.String("viewer_id", id), slog.String("event", msg.Event))
	delete(r.viewers, id)
	e.viewer.Close()
	return false
}
