package router

import (
	"github.com/tchow-twistedxcom/crewdeck/internal/session"
)

// Server-to-viewer event names.
const (
	EventCreated      = "session:created"
	EventOutput       = "session:output"
	EventStateChanged = "session:stateChanged"
	EventDestroyed    = "session:destroyed"
	EventRestore      = "session:restore"
	EventExited       = "session:exited"
	EventSwitchAck    = "session:switchTab:ack"
	EventCreateAck    = "session:create:ack"
	EventBroadcastAck = "session:broadcastInput:ack"
	EventWorktrees    = "worktrees:updated"
	EventSessionsList = "sessions:list"
	EventError        = "error"
)

// Message is one named event on a viewer's channel.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// OutputPayload carries filtered terminal output.
type OutputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// RestorePayload carries a session's filtered history.
type RestorePayload struct {
	SessionID string `json:"sessionId"`
	History   string `json:"history"`
}

// DestroyedPayload names a destroyed session.
type DestroyedPayload struct {
	SessionID string `json:"sessionId"`
}

// ExitedPayload reports a child that exited on its own.
type ExitedPayload struct {
	SessionID  string `json:"sessionId"`
	WorkingDir string `json:"workingDir"`
	ExitCode   int    `json:"exitCode"`
}

// SwitchAck answers a switch request.
type SwitchAck struct {
	SessionID  string       `json:"sessionId"`
	Kind       session.Kind `json:"kind"`
	WorkingDir string       `json:"workingDir"`
}

// ErrorPayload reports a failed request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

// SessionMessage builds the message for a session event. ok is false for
// event types viewers never see.
func SessionMessage(e session.Event) (Message, bool) {
	switch e.Type {
	case session.EventCreated:
		return Message{Event: EventCreated, Data: e.Session}, true
	case session.EventStateChanged:
		return Message{Event: EventStateChanged, Data: e.Session}, true
	case session.EventDestroyed:
		return Message{Event: EventDestroyed, Data: DestroyedPayload{SessionID: e.Session.ID}}, true
	case session.EventExited:
		return Message{Event: EventExited, Data: ExitedPayload{
			SessionID:  e.Session.ID,
			WorkingDir: e.Session.WorkingDir,
			ExitCode:   e.ExitCode,
		}}, true
	case session.EventOutput:
		return Message{Event: EventOutput, Data: OutputPayload{SessionID: e.Session.ID, Data: string(e.Data)}}, true
	case session.EventRestore:
		return Message{Event: EventRestore, Data: RestorePayload{SessionID: e.Session.ID, History: string(e.Data)}}, true
	}
	return Message{}, false
}
