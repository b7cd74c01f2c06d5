package session

import (
	"log/slog"
)

// Terminal dimensions outside [MinDimension, MaxDimension] are rejected.
const (
	MinDimension = 1
	MaxDimension = 1000
)

// RequestResize debounces a resize for the session. Out-of-range sizes and
// unknown ids are logged and dropped. Only the last request inside the
// debounce window reaches the process.
func (m *Manager) RequestResize(id string, cols, rows int) {
	if cols < MinDimension || cols > MaxDimension || rows < MinDimension || rows > MaxDimension {
		sessionLog.Warn("resize_rejected",
			slog.String("session_id", id),
			slog.Int("cols", cols),
			slog.Int("rows", rows))
		return
	}
	s, ok := m.sessions[id]
	if !ok {
		sessionLog.Warn("resize_unknown_session", slog.String("session_id", id))
		return
	}

	s.resizeTimer.Cancel()
	var t *Timer
	t = m.loop.AfterFunc(m.cfg.ResizeDelay, func() {
		s, ok := m.sessions[id]
		if !ok || s.resizeTimer != t {
			return
		}
		s.resizeTimer = nil
		if err := s.proc.Resize(uint16(cols), uint16(rows)); err != nil {
			sessionLog.Warn("resize_failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
			return
		}
		sessionLog.Debug("resize_applied", slog.String("session_id", id), slog.Int("cols", cols), slog.Int("rows", rows))
	})
	s.resizeTimer = t
}
