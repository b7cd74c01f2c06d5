package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/tchow-twistedxcom/crewdeck/internal/session"
	"github.com/tchow-twistedxcom/crewdeck/internal/status"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	stateStyles = map[status.State]lipgloss.Style{
		status.StateBusy:         lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		status.StateWaitingInput: lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
		status.StateIdle:         lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
	}
)

const maxDirWidth = 48

func handleList(args []string) error {
	var cf clientFlags
	fs := newFlagSet("list", "list [options]",
		"crewdeck list",
		"crewdeck list --json",
		"CREWDECK_URL=http://devbox:3001 crewdeck ls",
	)
	cf.register(fs)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()
	sessions, err := cf.client().listSessions(ctx)
	if err != nil {
		return err
	}

	if *jsonOutput {
		if sessions == nil {
			sessions = []session.Descriptor{}
		}
		out, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(sessions) == 0 {
		fmt.Println("No live sessions.")
		return nil
	}
	renderSessions(os.Stdout, sessions, time.Now())
	return nil
}

func renderSessions(w io.Writer, sessions []session.Descriptor, now time.Time) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].WorkingDir != sessions[j].WorkingDir {
			return sessions[i].WorkingDir < sessions[j].WorkingDir
		}
		return sessions[i].Kind < sessions[j].Kind
	})

	dirWidth := len("DIRECTORY")
	for _, s := range sessions {
		dirWidth = max(dirWidth, min(runewidth.StringWidth(s.WorkingDir), maxDirWidth))
	}

	fmt.Fprintf(w, "%s  %s  %s  %s  %s\n",
		headerStyle.Render(pad("ID", 8)),
		headerStyle.Render(pad("DIRECTORY", dirWidth)),
		headerStyle.Render(pad("KIND", 5)),
		headerStyle.Render(pad("STATE", 13)),
		headerStyle.Render("ACTIVE"))
	for _, s := range sessions {
		dir := truncateLeft(s.WorkingDir, maxDirWidth)
		state := s.State.String()
		styled := pad(state, 13)
		if st, ok := stateStyles[s.State]; ok {
			styled = st.Render(styled)
		}
		observed := ""
		if s.Observed {
			observed = dimStyle.Render(" (observed)")
		}
		fmt.Fprintf(w, "%s  %s  %s  %s  %s%s\n",
			pad(shortID(s.ID), 8),
			pad(dir, dirWidth),
			pad(string(s.Kind), 5),
			styled,
			formatAgo(now.Sub(s.LastActivity)),
			observed)
	}
}

// pad right-pads s to width display columns.
func pad(s string, width int) string {
	if gap := width - runewidth.StringWidth(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}

// truncateLeft keeps the tail of s, where a path's distinguishing part is.
func truncateLeft(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	r := []rune(s)
	for i := range r {
		tail := string(r[i:])
		if runewidth.StringWidth(tail) <= width-1 {
			return "…" + tail
		}
	}
	return "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAgo(d time.Duration) string {
	switch {
	case d < 0:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}
