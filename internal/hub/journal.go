package hub

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tchow-twistedxcom/crewdeck/internal/logging"
	"github.com/tchow-twistedxcom/crewdeck/internal/session"
	"github.com/tchow-twistedxcom/crewdeck/internal/statedb"
)

var journalLog = logging.ForComponent(logging.CompStateDB)

// Journal appends session lifecycle events to the state database. Publish
// runs on the loop and never blocks; a writer goroutine does the I/O.
type Journal struct {
	db       *statedb.StateDB
	events   chan session.Event
	shutdown atomic.Bool
	done     chan struct{}
}

// NewJournal returns a journal buffering up to size events.
func NewJournal(db *statedb.StateDB, size int) *Journal {
	if size <= 0 {
		size = 1024
	}
	return &Journal{
		db:     db,
		events: make(chan session.Event, size),
		done:   make(chan struct{}),
	}
}

// Publish implements session.Publisher. Output and restore events are not
// journaled.
func (j *Journal) Publish(e session.Event) {
	switch e.Type {
	case session.EventCreated, session.EventStateChanged, session.EventDestroyed, session.EventExited:
	default:
		return
	}
	select {
	case j.events <- e:
	default:
		logging.Aggregate(logging.CompStateDB, "journal_event_dropped", slog.String("event", e.Type.String()))
	}
}

// BeginShutdown records subsequent destroys as shutdown rather than an
// explicit destroy request.
func (j *Journal) BeginShutdown() {
	j.shutdown.Store(true)
}

// Run writes events until ctx is cancelled, then flushes what is queued.
func (j *Journal) Run(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case e := <-j.events:
			j.apply(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-j.events:
					j.apply(e)
				default:
					return
				}
			}
		}
	}
}

// Done is closed when Run has returned.
func (j *Journal) Done() <-chan struct{} { return j.done }

func (j *Journal) apply(e session.Event) {
	d := e.Session
	var err error
	switch e.Type {
	case session.EventCreated:
		err = j.db.InsertSession(&statedb.SessionRow{
			ID:           d.ID,
			WorkingDir:   d.WorkingDir,
			Kind:         string(d.Kind),
			State:        d.State.String(),
			CreatedAt:    d.CreatedAt,
			LastActivity: d.LastActivity,
		})
	case session.EventStateChanged:
		err = j.db.UpdateSessionState(d.ID, d.State.String(), d.LastActivity)
	case session.EventDestroyed:
		reason := statedb.EndDestroyed
		if j.shutdown.Load() {
			reason = statedb.EndShutdown
		}
		err = j.db.CloseSession(d.ID, reason, time.Now(), nil)
	case session.EventExited:
		code := e.ExitCode
		err = j.db.CloseSession(d.ID, statedb.EndExited, time.Now(), &code)
	}
	if err != nil {
		journalLog.Warn("journal_write_failed",
			slog.String("session_id", d.ID),
			slog.String("event", e.Type.String()),
			slog.String("error", err.Error()))
	}
}
