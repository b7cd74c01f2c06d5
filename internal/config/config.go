// Package config loads crewdeck's TOML configuration from ~/.crewdeck/config.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file inside the crewdeck home directory.
const FileName = "config.toml"

// HomeEnv overrides the crewdeck home directory.
const HomeEnv = "CREWDECK_HOME"

// AgentArgsEnv supplies default agent arguments, space separated.
const AgentArgsEnv = "CREWDECK_AGENT_ARGS"

// Config is the full on-disk configuration.
type Config struct {
	Server    ServerSettings   `toml:"server"`
	Agent     AgentSettings    `toml:"agent"`
	Shell     ShellSettings    `toml:"shell"`
	Sessions  SessionSettings  `toml:"sessions"`
	Status    StatusSettings   `toml:"status"`
	Worktrees WorktreeSettings `toml:"worktrees"`
	Limits    LimitSettings    `toml:"limits"`
	Logs      LogSettings      `toml:"logs"`
	Push      PushSettings     `toml:"push"`
	Journal   JournalSettings  `toml:"journal"`
}

// ServerSettings configures the HTTP/WebSocket listener.
type ServerSettings struct {
	// Listen is the address to bind, e.g. "127.0.0.1:3001"
	Listen string `toml:"listen"`

	// Token, when set, must accompany every request (?token= or Bearer)
	Token string `toml:"token"`

	// ReadOnly refuses input, resize, create and destroy
	ReadOnly bool `toml:"read_only"`

	// AllowedOrigins lists extra WebSocket origins besides the request host
	AllowedOrigins []string `toml:"allowed_origins"`
}

// AgentSettings selects the wrapped agent program.
type AgentSettings struct {
	Command     string   `toml:"command"`
	DefaultArgs []string `toml:"default_args"`
}

// ShellSettings selects the interactive shell for shell-kind sessions.
type ShellSettings struct {
	// Command defaults to $SHELL, then /bin/sh
	Command string `toml:"command"`
	Login   *bool  `toml:"login"`
}

// SessionSettings tunes buffering and debounce timers.
type SessionSettings struct {
	HistoryBytes      int `toml:"history_bytes"`
	ShortWindowChunks int `toml:"short_window_chunks"`
	IdleDelayMs       int `toml:"idle_delay_ms"`
	ResizeDelayMs     int `toml:"resize_delay_ms"`

	// DefaultCols/DefaultRows of 0 mean "detect from the server's terminal"
	DefaultCols int `toml:"default_cols"`
	DefaultRows int `toml:"default_rows"`
}

// StatusSettings extends the built-in classifier patterns.
// Entries prefixed with "re:" are compiled as regular expressions.
type StatusSettings struct {
	PromptPatternsExtra []string `toml:"prompt_patterns_extra"`
	BusyPatternsExtra   []string `toml:"busy_patterns_extra"`
	BorderPatternsExtra []string `toml:"border_patterns_extra"`
}

// WorktreeSettings configures working-directory enumeration.
type WorktreeSettings struct {
	// Root is the repository whose worktrees are listed (default: $WORK_DIR, then cwd)
	Root       string `toml:"root"`
	CacheTTLMs int    `toml:"cache_ttl_ms"`
	Watch      *bool  `toml:"watch"`
}

// LimitSettings bounds per-viewer request rates and queues.
type LimitSettings struct {
	CreatePerSecond float64 `toml:"create_per_second"`
	CreateBurst     int     `toml:"create_burst"`
	ViewerQueue     int     `toml:"viewer_queue"`
}

// LogSettings mirrors logging.Config.
type LogSettings struct {
	Dir        string `toml:"dir"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   *bool  `toml:"compress"`
	Debug      bool   `toml:"debug"`
	PprofAddr  string `toml:"pprof_addr"`
}

// PushSettings configures browser push notifications.
type PushSettings struct {
	Enabled bool   `toml:"enabled"`
	Subject string `toml:"subject"`
}

// JournalSettings configures the SQLite session journal.
type JournalSettings struct {
	Enabled *bool  `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerSettings{Listen: "127.0.0.1:3001"},
		Agent:  AgentSettings{Command: "claude"},
		Sessions: SessionSettings{
			HistoryBytes:      10 * 1024 * 1024,
			ShortWindowChunks: 100,
			IdleDelayMs:       500,
			ResizeDelayMs:     50,
		},
		Worktrees: WorktreeSettings{CacheTTLMs: 2000},
		Limits: LimitSettings{
			CreatePerSecond: 2,
			CreateBurst:     5,
			ViewerQueue:     256,
		},
		Logs: LogSettings{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 10,
		},
		Push: PushSettings{Subject: "mailto:crewdeck@localhost"},
	}
}

// HomeDir returns the crewdeck state directory ($CREWDECK_HOME or ~/.crewdeck).
func HomeDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".crewdeck"), nil
}

// Path returns the default config file path.
func Path() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads the config at path on top of the defaults. A missing file yields
// the defaults. A parse error yields the defaults and the error, so callers
// can log it and keep running.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return Default(), fmt.Errorf("%s parse error: %w", filepath.Base(path), err)
	}
	cfg.fillZeroes()
	return cfg, nil
}

// fillZeroes restores defaults for numeric fields explicitly set to zero or less.
func (c *Config) fillZeroes() {
	d := Default()
	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Agent.Command == "" {
		c.Agent.Command = d.Agent.Command
	}
	if c.Sessions.HistoryBytes <= 0 {
		c.Sessions.HistoryBytes = d.Sessions.HistoryBytes
	}
	if c.Sessions.ShortWindowChunks <= 0 {
		c.Sessions.ShortWindowChunks = d.Sessions.ShortWindowChunks
	}
	if c.Sessions.IdleDelayMs <= 0 {
		c.Sessions.IdleDelayMs = d.Sessions.IdleDelayMs
	}
	if c.Sessions.ResizeDelayMs <= 0 {
		c.Sessions.ResizeDelayMs = d.Sessions.ResizeDelayMs
	}
	if c.Worktrees.CacheTTLMs < 0 {
		c.Worktrees.CacheTTLMs = d.Worktrees.CacheTTLMs
	}
	if c.Limits.CreatePerSecond <= 0 {
		c.Limits.CreatePerSecond = d.Limits.CreatePerSecond
	}
	if c.Limits.CreateBurst <= 0 {
		c.Limits.CreateBurst = d.Limits.CreateBurst
	}
	if c.Limits.ViewerQueue <= 0 {
		c.Limits.ViewerQueue = d.Limits.ViewerQueue
	}
}

// Save writes the config to path atomically (temp file, fsync, rename).
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# crewdeck configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	_ = f.Sync()
	f.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}
	return nil
}

// IdleDelay is the busy-to-idle debounce.
func (s SessionSettings) IdleDelay() time.Duration {
	return time.Duration(s.IdleDelayMs) * time.Millisecond
}

// ResizeDelay is the resize debounce.
func (s SessionSettings) ResizeDelay() time.Duration {
	return time.Duration(s.ResizeDelayMs) * time.Millisecond
}

// CacheTTL is how long a worktree listing is reused.
func (w WorktreeSettings) CacheTTL() time.Duration {
	return time.Duration(w.CacheTTLMs) * time.Millisecond
}

// GetWatch reports whether the worktree watcher is enabled (default true).
func (w WorktreeSettings) GetWatch() bool {
	return w.Watch == nil || *w.Watch
}

// GetLogin reports whether shells start as login shells (default true).
func (s ShellSettings) GetLogin() bool {
	return s.Login == nil || *s.Login
}

// ResolveCommand returns the shell to run: the configured command, $SHELL, or /bin/sh.
func (s ShellSettings) ResolveCommand() string {
	if s.Command != "" {
		return s.Command
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// GetCompress reports whether rotated logs are compressed (default true).
func (l LogSettings) GetCompress() bool {
	return l.Compress == nil || *l.Compress
}

// GetEnabled reports whether the journal is enabled (default true).
func (j JournalSettings) GetEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// ResolvePath returns the journal database path, defaulting into the home dir.
func (j JournalSettings) ResolvePath() (string, error) {
	if j.Path != "" {
		return j.Path, nil
	}
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

// ResolveRoot returns the worktree root: configured, $WORK_DIR, or the cwd.
func (w WorktreeSettings) ResolveRoot() (string, error) {
	if w.Root != "" {
		return expandHome(w.Root), nil
	}
	if dir := os.Getenv("WORK_DIR"); dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// ResolveDefaultArgs returns the agent arguments used when a create request
// carries none: the configured list, else $CREWDECK_AGENT_ARGS split on spaces.
func (a AgentSettings) ResolveDefaultArgs() []string {
	if len(a.DefaultArgs) > 0 {
		return append([]string(nil), a.DefaultArgs...)
	}
	return strings.Fields(os.Getenv(AgentArgsEnv))
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
