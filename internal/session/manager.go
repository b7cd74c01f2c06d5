package session

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tchow-twistedxcom/crewdeck/internal/ptyhost"
	"github.com/tchow-twistedxcom/crewdeck/internal/ringbuf"
	"github.com/tchow-twistedxcom/crewdeck/internal/status"
)

// Config tunes a Manager. Zero values fall back to the defaults noted.
type Config struct {
	AgentCommand string   // default "claude"
	AgentArgs    []string // used when a create request carries no parameters
	ShellCommand string   // default "/bin/sh"
	ShellLogin   bool

	HistoryBytes int           // default 10 MiB
	ShortWindow  int           // default 100 chunks
	IdleDelay    time.Duration // default 500ms
	ResizeDelay  time.Duration // default 50ms

	Cols uint16 // initial terminal size, default 80x24
	Rows uint16

	// BaseEnv is the environment children inherit; nil means os.Environ().
	BaseEnv []string

	Patterns *status.Patterns
}

func (c *Config) applyDefaults() {
	if c.AgentCommand == "" {
		c.AgentCommand = "claude"
	}
	if c.ShellCommand == "" {
		c.ShellCommand = "/bin/sh"
	}
	if c.HistoryBytes <= 0 {
		c.HistoryBytes = 10 * 1024 * 1024
	}
	if c.ShortWindow <= 0 {
		c.ShortWindow = 100
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = 500 * time.Millisecond
	}
	if c.ResizeDelay <= 0 {
		c.ResizeDelay = 50 * time.Millisecond
	}
	if c.Cols == 0 || c.Rows == 0 {
		c.Cols, c.Rows = 80, 24
	}
}

// session is one supervised child. Owned by the Manager; touched only on
// the loop goroutine.
type session struct {
	id           string
	key          Key
	state        status.State
	createdAt    time.Time
	lastActivity time.Time
	observed     bool

	history *ringbuf.Ring
	window  *chunkWindow
	carry   []byte // incomplete trailing UTF-8 sequence from the last chunk

	flags       status.Flags
	idleTimer   *Timer
	resizeTimer *Timer

	proc   ptyhost.Process
	exited bool
}

func (s *session) descriptor() Descriptor {
	return Descriptor{
		ID:           s.id,
		WorkingDir:   s.key.WorkingDir,
		Kind:         s.key.Kind,
		State:        s.state,
		LastActivity: s.lastActivity,
		CreatedAt:    s.createdAt,
		Observed:     s.observed,
	}
}

// Manager is the session registry: the only owner of live sessions, keyed
// by id and by (working directory, kind).
type Manager struct {
	cfg        Config
	loop       *Loop
	spawner    ptyhost.Spawner
	classifier *status.Classifier
	pub        Publisher

	sessions map[string]*session
	byKey    map[Key]string

	newID func() string
}

// NewManager creates a registry whose callbacks and timers run on loop.
func NewManager(cfg Config, loop *Loop, spawner ptyhost.Spawner, pub Publisher) *Manager {
	cfg.applyDefaults()
	if pub == nil {
		pub = PublisherFunc(func(Event) {})
	}
	return &Manager{
		cfg:        cfg,
		loop:       loop,
		spawner:    spawner,
		classifier: status.NewClassifier(cfg.Patterns),
		pub:        pub,
		sessions:   make(map[string]*session),
		byKey:      make(map[Key]string),
		newID:      func() string { return "session-" + uuid.NewString() },
	}
}

// Create returns the live session for (workingDir, kind), starting one if
// none exists. A registered session whose process fails the liveness probe
// is destroyed and replaced. created reports whether a new process started.
func (m *Manager) Create(workingDir string, kind Kind, params []string) (desc Descriptor, created bool, err error) {
	if workingDir == "" {
		return Descriptor{}, false, ErrInvalidDir
	}
	if kind != KindAgent && kind != KindShell {
		return Descriptor{}, false, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	key := Key{WorkingDir: filepath.Clean(workingDir), Kind: kind}

	if id, ok := m.byKey[key]; ok {
		if s := m.sessions[id]; s != nil {
			if m.alive(s) {
				sessionLog.Debug("session_reused", slog.String("session_id", id), slog.String("dir", key.WorkingDir))
				return s.descriptor(), false, nil
			}
			sessionLog.Info("stale_session_replaced", slog.String("session_id", id), slog.String("dir", key.WorkingDir))
			m.Destroy(id)
		}
	}

	s, err := m.spawn(key, params)
	if err != nil {
		return Descriptor{}, false, err
	}

	m.sessions[s.id] = s
	m.byKey[key] = s.id
	sessionLog.Info("session_created",
		slog.String("session_id", s.id),
		slog.String("dir", key.WorkingDir),
		slog.String("kind", string(kind)),
		slog.Int("pid", s.proc.Pid()))

	d := s.descriptor()
	m.pub.Publish(Event{Type: EventCreated, Session: d})
	return d, true, nil
}

func (m *Manager) alive(s *session) bool {
	if s.exited || s.proc == nil {
		return false
	}
	_, err := s.proc.Write(nil)
	return err == nil
}

// GetByKey returns the live session for (workingDir, kind).
func (m *Manager) GetByKey(workingDir string, kind Kind) (Descriptor, bool) {
	id, ok := m.byKey[Key{WorkingDir: filepath.Clean(workingDir), Kind: kind}]
	if !ok {
		return Descriptor{}, false
	}
	return m.GetByID(id)
}

// GetByID returns the session with id.
func (m *Manager) GetByID(id string) (Descriptor, bool) {
	s, ok := m.sessions[id]
	if !ok {
		return Descriptor{}, false
	}
	return s.descriptor(), true
}

// SessionsForPath returns the sessions bound to workingDir, agent first.
func (m *Manager) SessionsForPath(workingDir string) []Descriptor {
	dir := filepath.Clean(workingDir)
	var out []Descriptor
	for _, kind := range []Kind{KindAgent, KindShell} {
		if d, ok := m.GetByKey(dir, kind); ok {
			out = append(out, d)
		}
	}
	return out
}

// SetActive marks every session of workingDir observed or not. Activating a
// session with history publishes a restore event carrying that history with
// terminal interrogation sequences removed.
func (m *Manager) SetActive(workingDir string, observed bool) {
	dir := filepath.Clean(workingDir)
	for _, kind := range []Kind{KindAgent, KindShell} {
		id, ok := m.byKey[Key{WorkingDir: dir, Kind: kind}]
		if !ok {
			continue
		}
		s := m.sessions[id]
		if s == nil {
			continue
		}
		s.observed = observed
		if !observed {
			continue
		}
		if s.history.Len() == 0 {
			sessionLog.Debug("session_activated_without_history", slog.String("session_id", id))
			continue
		}
		m.pub.Publish(Event{Type: EventRestore, Session: s.descriptor(), Data: m.filteredHistory(s)})
	}
}

// History returns the session's retained output with interrogation
// sequences removed.
func (m *Manager) History(id string) ([]byte, bool) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return m.filteredHistory(s), true
}

// RecentChunks returns the raw short window, oldest first.
func (m *Manager) RecentChunks(id string) ([][]byte, bool) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.window.snapshot(), true
}

// Destroy kills the session's process, cancels its timers and forgets it.
// Destroying an unknown id is a no-op and returns false.
func (m *Manager) Destroy(id string) bool {
	s, ok := m.sessions[id]
	if !ok {
		return false
	}

	s.idleTimer.Cancel()
	s.idleTimer = nil
	s.resizeTimer.Cancel()
	s.resizeTimer = nil

	if s.proc != nil {
		if err := s.proc.Kill(); err != nil {
			sessionLog.Debug("session_kill_failed", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}

	if m.byKey[s.key] == id {
		delete(m.byKey, s.key)
	}
	delete(m.sessions, id)
	s.history.Reset()

	sessionLog.Info("session_destroyed", slog.String("session_id", id), slog.String("dir", s.key.WorkingDir))
	m.pub.Publish(Event{Type: EventDestroyed, Session: s.descriptor()})
	return true
}

// DestroyAllForPath destroys every session bound to workingDir and returns
// how many there were.
func (m *Manager) DestroyAllForPath(workingDir string) int {
	n := 0
	for _, d := range m.SessionsForPath(workingDir) {
		if m.Destroy(d.ID) {
			n++
		}
	}
	return n
}

// ListAll returns every live session, oldest first.
func (m *Manager) ListAll() []Descriptor {
	out := make([]Descriptor, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.descriptor())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int { return len(m.sessions) }

// Shutdown destroys every session.
func (m *Manager) Shutdown() {
	for _, d := range m.ListAll() {
		m.Destroy(d.ID)
	}
}
