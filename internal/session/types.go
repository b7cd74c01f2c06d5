// Package session supervises interactive child processes, one per
// (working directory, kind) key, and turns their output into events.
//
// Everything in this package except Loop.Post, Loop.Call and the Clock runs
// on a single Loop goroutine; Manager methods must only be called there.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/tchow-twistedxcom/crewdeck/internal/logging"
	"github.com/tchow-twistedxcom/crewdeck/internal/status"
)

var sessionLog = logging.ForComponent(logging.CompSession)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidKind     = errors.New("invalid session kind")
	ErrInvalidDir      = errors.New("working directory is required")
)

// Kind selects what a session runs.
type Kind string

const (
	// KindAgent runs the wrapped agent program.
	KindAgent Kind = "agent"
	// KindShell runs the user's interactive shell.
	KindShell Kind = "shell"
)

// ParseKind accepts "agent" and "shell", plus the older "claude" and
// "terminal" names. Empty means agent.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "agent", "claude":
		return KindAgent, nil
	case "shell", "terminal":
		return KindShell, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Key identifies at most one live session.
type Key struct {
	WorkingDir string
	Kind       Kind
}

// Descriptor is the externally visible snapshot of a session.
type Descriptor struct {
	ID           string       `json:"id"`
	WorkingDir   string       `json:"workingDir"`
	Kind         Kind         `json:"kind"`
	State        status.State `json:"state"`
	LastActivity time.Time    `json:"lastActivity"`
	CreatedAt    time.Time    `json:"createdAt"`
	Observed     bool         `json:"observed"`
}

// EventType enumerates the events a Manager publishes.
type EventType int

const (
	EventCreated EventType = iota + 1
	EventOutput
	EventStateChanged
	EventDestroyed
	EventRestore
	EventExited
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventOutput:
		return "output"
	case EventStateChanged:
		return "stateChanged"
	case EventDestroyed:
		return "destroyed"
	case EventRestore:
		return "restore"
	case EventExited:
		return "exited"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is published on the loop goroutine. Data is never modified after
// publication, so subscribers may hand it to other goroutines.
type Event struct {
	Type    EventType
	Session Descriptor
	// Data is filtered output for EventOutput and filtered history for
	// EventRestore.
	Data     []byte
	ExitCode int
}

// Publisher receives session events. Publish runs on the loop goroutine and
// must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// MultiPublisher fans an event out to several publishers in order.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}
