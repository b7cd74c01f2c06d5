package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/tchow-twistedxcom/crewdeck/internal/hub"
	"github.com/tchow-twistedxcom/crewdeck/internal/session"
)

var (
	defaultMark  = dimStyle.Render("default")
	selectedMark = headerStyle.Render("*")
)

// worktreeSource implements fuzzy.Source over name and branch.
type worktreeSource []hub.WorktreeSummary

func (s worktreeSource) String(i int) string {
	if s[i].Branch == "" || s[i].Branch == s[i].Name {
		return s[i].Name
	}
	return s[i].Name + " " + s[i].Branch
}

func (s worktreeSource) Len() int { return len(s) }

// matchWorktrees returns the worktrees matching query, best first. An exact
// name or branch match wins outright.
func matchWorktrees(all []hub.WorktreeSummary, query string) []hub.WorktreeSummary {
	query = strings.TrimSpace(query)
	if query == "" {
		return all
	}
	for _, wt := range all {
		if strings.EqualFold(wt.Name, query) || strings.EqualFold(wt.Branch, query) || wt.Path == query {
			return []hub.WorktreeSummary{wt}
		}
	}
	matches := fuzzy.FindFrom(query, worktreeSource(all))
	out := make([]hub.WorktreeSummary, 0, len(matches))
	for _, m := range matches {
		out = append(out, all[m.Index])
	}
	return out
}

func handleWorktrees(args []string) error {
	var cf clientFlags
	fs := newFlagSet("worktrees", "worktrees [options] [query]",
		"crewdeck worktrees",
		"crewdeck wt feat",
		"crewdeck worktrees --json",
	)
	cf.register(fs)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()
	all, err := cf.client().worktrees(ctx)
	if err != nil {
		return err
	}
	matched := matchWorktrees(all, strings.Join(fs.Args(), " "))

	if *jsonOutput {
		if matched == nil {
			matched = []hub.WorktreeSummary{}
		}
		out, err := json.MarshalIndent(matched, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	if len(matched) == 0 {
		fmt.Println("No matching worktrees.")
		return nil
	}
	renderWorktrees(os.Stdout, matched)
	return nil
}

func renderWorktrees(w io.Writer, wts []hub.WorktreeSummary) {
	nameWidth := len("NAME")
	for _, wt := range wts {
		nameWidth = max(nameWidth, len(wt.Name))
	}
	fmt.Fprintf(w, "  %s  %s  %s\n",
		headerStyle.Render(pad("NAME", nameWidth)),
		headerStyle.Render(pad("SESSIONS", 30)),
		headerStyle.Render("PATH"))
	for _, wt := range wts {
		mark := " "
		if wt.IsSelected {
			mark = selectedMark
		}
		var parts []string
		for _, d := range wt.Sessions {
			label := string(d.Kind) + ":" + d.State.String()
			if st, ok := stateStyles[d.State]; ok {
				label = st.Render(label)
			}
			parts = append(parts, label)
		}
		sessions := dimStyle.Render(pad("-", 30))
		if len(parts) > 0 {
			plain := 0
			for _, d := range wt.Sessions {
				plain += len(d.Kind) + 1 + len(d.State.String())
			}
			plain += len(parts) - 1
			sessions = strings.Join(parts, " ")
			if gap := 30 - plain; gap > 0 {
				sessions += strings.Repeat(" ", gap)
			}
		}
		path := truncateLeft(wt.Path, maxDirWidth)
		if wt.IsDefault {
			path += " " + defaultMark
		}
		fmt.Fprintf(w, "%s %s  %s  %s\n", mark, pad(wt.Name, nameWidth), sessions, path)
	}
}

func handleOpen(args []string) error {
	var cf clientFlags
	fs := newFlagSet("open", "open [options] <query> [-- agent args...]",
		"crewdeck open feat",
		"crewdeck open main --kind shell",
		"crewdeck open api -- --model opus",
	)
	cf.register(fs)
	kindFlag := fs.String("kind", "agent", "Session kind: agent or shell")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("a worktree query is required")
	}
	kind, err := session.ParseKind(*kindFlag)
	if err != nil {
		return err
	}
	query, params := fs.Arg(0), fs.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()
	c := cf.client()
	all, err := c.worktrees(ctx)
	if err != nil {
		return err
	}
	matched := matchWorktrees(all, query)
	if len(matched) == 0 {
		return fmt.Errorf("no worktree matches %q", query)
	}
	target := matched[0]

	d, err := c.createSession(ctx, target.Path, kind, params)
	if err != nil {
		return err
	}
	fmt.Printf("%s session %s in %s (%s)\n", d.Kind, shortID(d.ID), d.WorkingDir, d.State)
	return nil
}
