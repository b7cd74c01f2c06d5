package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
)

// BridgeWriter adapts slog to io.Writer so stdlib log output (net/http's
// ErrorLog, third-party packages using log.Printf) becomes structured.
// A leading "[CATEGORY] " or "http: " prefix selects the component.
type BridgeWriter struct {
	logger    *slog.Logger
	component string
	level     slog.Level
}

// NewBridgeWriter creates a writer that forwards writes to slog at info level.
// The defaultComponent is used when no prefix is found.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{
		logger:    Logger(),
		component: defaultComponent,
		level:     slog.LevelInfo,
	}
}

// WithLevel returns a copy of the writer that logs at level.
func (bw *BridgeWriter) WithLevel(level slog.Level) *BridgeWriter {
	cp := *bw
	cp.level = level
	return &cp
}

// Write implements io.Writer. Each write is treated as one log line.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}

	msg = stripLogTimestamp(msg)

	component := bw.component
	switch {
	case strings.HasPrefix(msg, "["):
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = strings.ToLower(msg[1:idx])
			msg = msg[idx+2:]
		}
	case strings.HasPrefix(msg, "http: "):
		component = "http"
		msg = strings.TrimPrefix(msg, "http: ")
	}

	bw.logger.Log(context.Background(), bw.level, msg, slog.String("component", canonicalComponent(component)))
	return n, nil
}

// stripLogTimestamp removes the prefix added by log.Ltime or
// log.Ltime|log.Lmicroseconds, with or without a leading log.Ldate.
func stripLogTimestamp(s string) string {
	// "2006/01/02 "
	if len(s) > 11 && s[4] == '/' && s[7] == '/' && s[10] == ' ' {
		s = s[11:]
	}
	// "15:04:05.000000 "
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	// "15:04:05 "
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

func canonicalComponent(cat string) string {
	switch cat {
	case "status", "classifier":
		return CompStatus
	case "pty", "process", "spawn":
		return CompPTY
	case "session", "sessions", "resize":
		return CompSession
	case "http", "ws", "websocket", "web":
		return CompWeb
	case "router", "viewer":
		return CompRouter
	case "git", "worktree", "worktrees":
		return CompGit
	case "db", "sqlite", "statedb", "journal":
		return CompStateDB
	case "push", "webpush":
		return CompPush
	default:
		return cat
	}
}
