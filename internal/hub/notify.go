package hub

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/tchow-twistedxcom/crewdeck/internal/session"
	"github.com/tchow-twistedxcom/crewdeck/internal/status"
	"github.com/tchow-twistedxcom/crewdeck/internal/termseq"
)

const (
	notifyTimeout = 30 * time.Second
	notifyBodyMax = 120
)

// Notification tells a user that a session is waiting for them.
type Notification struct {
	SessionID  string       `json:"sessionId"`
	WorkingDir string       `json:"workingDir"`
	Kind       session.Kind `json:"kind"`
	Title      string       `json:"title"`
	Body       string       `json:"body"`
}

// Notifier delivers notifications, typically as web push messages.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// promptWatcher turns transitions into waiting_input into notifications.
// Publish runs on the loop; delivery happens on its own goroutine.
type promptWatcher struct {
	notifier Notifier
	recent   func(id string) ([][]byte, bool)
	last     map[string]status.State
	send     func(func()) // replaced in tests
}

func newPromptWatcher(n Notifier) *promptWatcher {
	return &promptWatcher{
		notifier: n,
		last:     make(map[string]status.State),
		send:     func(f func()) { go f() },
	}
}

func (w *promptWatcher) Publish(e session.Event) {
	id := e.Session.ID
	switch e.Type {
	case session.EventCreated:
		w.last[id] = e.Session.State
	case session.EventStateChanged:
		prev := w.last[id]
		w.last[id] = e.Session.State
		if e.Session.State != status.StateWaitingInput || prev == status.StateWaitingInput {
			return
		}
		n := w.build(e.Session)
		w.send(func() {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := w.notifier.Notify(ctx, n); err != nil {
				hubLog.Warn("notify_failed", slog.String("session_id", n.SessionID), slog.String("error", err.Error()))
			}
		})
	case session.EventDestroyed:
		delete(w.last, id)
	}
}

func (w *promptWatcher) build(d session.Descriptor) Notification {
	n := Notification{
		SessionID:  d.ID,
		WorkingDir: d.WorkingDir,
		Kind:       d.Kind,
		Title:      fmt.Sprintf("%s is waiting for input", filepath.Base(d.WorkingDir)),
	}
	if w.recent != nil {
		if chunks, ok := w.recent(d.ID); ok {
			n.Body = lastLine(termseq.Strip(bytes.Join(chunks, nil)))
		}
	}
	if n.Body == "" {
		n.Body = d.WorkingDir
	}
	return n
}

// lastLine returns the last non-blank line, trimmed to fit a notification.
func lastLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		return runewidth.Truncate(line, notifyBodyMax, "…")
	}
	return ""
}
