// Command crewdeck serves agent and shell sessions over WebSocket and talks
// to a running server from the terminal.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const Version = "0.4.0"

func main() {
	initColorProfile()

	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "serve", "web":
		err = handleServe(args[1:])
	case "list", "ls":
		err = handleList(args[1:])
	case "worktrees", "wt":
		err = handleWorktrees(args[1:])
	case "open":
		err = handleOpen(args[1:])
	case "config":
		err = handleConfig(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("crewdeck v%s\n", Version)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("crewdeck v%s\n", Version)
	fmt.Println()
	fmt.Println("Usage: crewdeck <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve              Run the session server (alias: web)")
	fmt.Println("  list               List live sessions on a running server (alias: ls)")
	fmt.Println("  worktrees [query]  List working directories and their sessions (alias: wt)")
	fmt.Println("  open <query>       Start a session in the best matching worktree")
	fmt.Println("  config <init|path|show>")
	fmt.Println("                     Manage ~/.crewdeck/config.toml")
	fmt.Println("  version            Show version")
	fmt.Println()
	fmt.Println("Client commands talk to --url (default http://127.0.0.1:3001).")
	fmt.Println("CREWDECK_URL and CREWDECK_TOKEN override the defaults.")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  crewdeck serve --listen 0.0.0.0:3001 --token s3cret")
	fmt.Println("  crewdeck serve --read-only")
	fmt.Println("  crewdeck list --json")
	fmt.Println("  crewdeck open feat --kind shell")
}

// initColorProfile picks the lipgloss color profile for client output.
// CREWDECK_COLOR: truecolor, 256, 16, none
func initColorProfile() {
	switch strings.ToLower(os.Getenv("CREWDECK_COLOR")) {
	case "truecolor", "true", "24bit":
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	case "256", "ansi256":
		lipgloss.SetColorProfile(termenv.ANSI256)
		return
	case "16", "ansi", "basic":
		lipgloss.SetColorProfile(termenv.ANSI)
		return
	case "none", "off", "ascii":
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

// normalizeArgs reorders args so flags come before positional arguments.
// The flag package stops at the first non-flag argument, so
// "open feat --kind shell" would otherwise ignore --kind.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// newFlagSet returns a ContinueOnError flag set with a usage banner.
func newFlagSet(name, usage string, examples ...string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Printf("Usage: crewdeck %s\n", usage)
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		if len(examples) > 0 {
			fmt.Println()
			fmt.Println("Examples:")
			for _, ex := range examples {
				fmt.Println("  " + ex)
			}
		}
	}
	return fs
}
