package session

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tchow-twistedxcom/crewdeck/internal/ptyhost"
	"github.com/tchow-twistedxcom/crewdeck/internal/ringbuf"
	"github.com/tchow-twistedxcom/crewdeck/internal/status"
)

// terminalEnv declares a color-capable terminal so children do not query
// the terminal for its capabilities. TERM_PROGRAM is set to a name no program
// special-cases.
var terminalEnv = []string{
	"COLORTERM=truecolor",
	"TERM=xterm-256color",
	"TERM_PROGRAM=crewdeck",
}

// childEnv returns base without variables that would make the child think it
// runs inside another multiplexer, with terminalEnv appended.
func childEnv(base []string) []string {
	env := make([]string, 0, len(base)+len(terminalEnv))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		switch name {
		case "TERM", "COLORTERM", "TERM_PROGRAM", "TERM_PROGRAM_VERSION", "TMUX", "TMUX_PANE":
			continue
		}
		env = append(env, kv)
	}
	return append(env, terminalEnv...)
}

// command picks the program for a session. Agent sessions run the agent
// with params (or the configured defaults). Shell sessions run a shell, unless
// params are given, in which case they run the agent with those params.
func (m *Manager) command(kind Kind, params []string) (string, []string) {
	if kind == KindAgent {
		if len(params) > 0 {
			return m.cfg.AgentCommand, params
		}
		return m.cfg.AgentCommand, append([]string(nil), m.cfg.AgentArgs...)
	}
	if len(params) > 0 {
		return m.cfg.AgentCommand, params
	}
	if m.cfg.ShellLogin {
		return m.cfg.ShellCommand, []string{"-l"}
	}
	return m.cfg.ShellCommand, nil
}

// initialState is busy for agents, which start working immediately.
func initialState(kind Kind) status.State {
	if kind == KindAgent {
		return status.StateBusy
	}
	return status.StateIdle
}

func (m *Manager) spawn(key Key, params []string) (*session, error) {
	id := m.newID()
	cmd, args := m.command(key.Kind, params)

	base := m.cfg.BaseEnv
	if base == nil {
		base = os.Environ()
	}

	proc, err := m.spawner.Spawn(ptyhost.Spec{
		Command: cmd,
		Args:    args,
		Dir:     key.WorkingDir,
		Env:     childEnv(base),
		Cols:    m.cfg.Cols,
		Rows:    m.cfg.Rows,
		OnData: func(b []byte) {
			m.loop.Post(func() { m.handleData(id, b) })
		},
		OnExit: func(code int) {
			m.loop.Post(func() { m.handleExit(id, code) })
		},
	})
	if err != nil {
		sessionLog.Warn("session_spawn_failed",
			slog.String("dir", key.WorkingDir),
			slog.String("kind", string(key.Kind)),
			slog.String("command", cmd),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("spawn %s session in %s: %w", key.Kind, key.WorkingDir, err)
	}

	now := m.loop.Clock().Now()
	return &session{
		id:           id,
		key:          key,
		state:        initialState(key.Kind),
		createdAt:    now,
		lastActivity: now,
		history:      ringbuf.New(m.cfg.HistoryBytes),
		window:       newChunkWindow(m.cfg.ShortWindow),
		proc:         proc,
	}, nil
}

// Write forwards input to the session's process. Write failures are logged
// and swallowed; only an unknown id is reported.
func (m *Manager) Write(id string, data []byte) error {
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := s.proc.Write(data); err != nil {
		sessionLog.Warn("session_write_failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
	return nil
}

// handleExit runs when the child exits on its own or after a kill.
func (m *Manager) handleExit(id string, code int) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.exited = true
	s.idleTimer.Cancel()
	s.idleTimer = nil

	sessionLog.Info("session_exited", slog.String("session_id", id), slog.Int("exit_code", code))

	if s.state != status.StateIdle {
		s.state = status.StateIdle
		m.pub.Publish(Event{Type: EventStateChanged, Session: s.descriptor()})
	}
	final := s.descriptor()
	m.Destroy(id)
	m.pub.Publish(Event{Type: EventExited, Session: final, ExitCode: code})
}
