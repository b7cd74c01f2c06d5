package session

import (
	"log/slog"

	"github.com/tchow-twistedxcom/crewdeck/internal/logging"
	"github.com/tchow-twistedxcom/crewdeck/internal/status"
	"github.com/tchow-twistedxcom/crewdeck/internal/termseq"
)

// handleData processes one output chunk in arrival order: record it, forward
// a filtered copy to observers, then classify its visible text.
func (m *Manager) handleData(id string, chunk []byte) {
	s, ok := m.sessions[id]
	if !ok || len(chunk) == 0 {
		return
	}

	_, _ = s.history.Write(chunk)
	s.window.push(chunk)
	s.lastActivity = m.loop.Clock().Now()
	logging.Aggregate(logging.CompSession, "output_chunk", slog.String("session_id", id))

	data := chunk
	if len(s.carry) > 0 {
		data = append(s.carry, chunk...)
		s.carry = nil
	}
	complete, rest := termseq.SplitIncomplete(data)
	if len(rest) > 0 {
		s.carry = append([]byte(nil), rest...)
	}
	if len(complete) == 0 {
		return
	}

	if s.observed {
		m.pub.Publish(Event{
			Type:    EventOutput,
			Session: s.descriptor(),
			Data:    termseq.FilterInterrogation(complete),
		})
	}

	if s.key.Kind != KindAgent {
		return
	}
	text := termseq.Strip(complete)
	if termseq.IsBlank(text) {
		return
	}
	m.classify(s, text)
}

func (m *Manager) classify(s *session, text string) {
	r := m.classifier.Next(text, s.state, s.flags)
	s.flags = r.Flags

	switch r.Timer {
	case status.TimerCancel:
		s.idleTimer.Cancel()
		s.idleTimer = nil
	case status.TimerEnsure:
		if !s.idleTimer.Active() {
			s.idleTimer = m.scheduleIdle(s.id)
		}
	}

	if r.State != s.state {
		statusLog.Debug("state_transition",
			slog.String("session_id", s.id),
			slog.String("from", s.state.String()),
			slog.String("to", r.State.String()),
			slog.Int("rule", r.Rule))
		s.state = r.State
		m.pub.Publish(Event{Type: EventStateChanged, Session: s.descriptor()})
	}
}

var statusLog = logging.ForComponent(logging.CompStatus)

// scheduleIdle arms the busy-to-idle debounce. When it fires the session
// goes idle only if it is still registered, still busy and still running.
func (m *Manager) scheduleIdle(id string) *Timer {
	var t *Timer
	t = m.loop.AfterFunc(m.cfg.IdleDelay, func() {
		s, ok := m.sessions[id]
		if !ok || s.idleTimer != t {
			return
		}
		s.idleTimer = nil
		if s.state != status.StateBusy || !m.alive(s) {
			statusLog.Debug("idle_transition_skipped", slog.String("session_id", id))
			return
		}
		s.state = status.StateIdle
		statusLog.Debug("state_transition",
			slog.String("session_id", id),
			slog.String("from", status.StateBusy.String()),
			slog.String("to", status.StateIdle.String()))
		m.pub.Publish(Event{Type: EventStateChanged, Session: s.descriptor()})
	})
	return t
}

func (m *Manager) filteredHistory(s *session) []byte {
	raw := s.history.Bytes()
	return termseq.FilterInterrogation(raw)
}
