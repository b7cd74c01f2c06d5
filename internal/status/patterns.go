package status

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/tchow-twistedxcom/crewdeck/internal/logging"
)

var patternLog = logging.ForComponent(logging.CompStatus)

// RawPatterns holds string-form detection patterns before compilation.
// Patterns prefixed with "re:" are compiled as regex; everything else is a
// plain substring.
type RawPatterns struct {
	// BorderPatterns match the closing edge of a prompt box.
	BorderPatterns []string
	// PromptPatterns match confirmation questions.
	PromptPatterns []string
	// BusyPatterns match the hint shown while a long operation runs.
	// Plain entries match case-insensitively.
	BusyPatterns []string
}

// DefaultRawPatterns returns the built-in agent detection patterns.
//
// The prompt list includes bare "YES" and "NO", which also match ordinary
// output written in capitals. They are kept because agents render some
// confirmation menus that way.
func DefaultRawPatterns() *RawPatterns {
	return &RawPatterns{
		BorderPatterns: []string{
			`re:└─+┘`,
			`re:╰─+╯`,
			`re:┗━+┛`,
			`re:╚═+╝`,
		},
		PromptPatterns: []string{
			"│ Do you want",
			"│ Would you like",
			"Do you want",
			"Would you like",
			"Continue?",
			"Proceed?",
			"(y/n)",
			"(Y/n)",
			"[y/N]",
			"YES",
			"NO",
			"[Y/n]",
			"1. Yes",
			"2. No",
		},
		BusyPatterns: []string{
			"esc to interrupt",
		},
	}
}

// MergeRawPatterns returns base with extra appended to each list.
// A nil extra returns a copy of base.
func MergeRawPatterns(base, extra *RawPatterns) *RawPatterns {
	if base == nil {
		base = &RawPatterns{}
	}
	merged := &RawPatterns{
		BorderPatterns: append([]string(nil), base.BorderPatterns...),
		PromptPatterns: append([]string(nil), base.PromptPatterns...),
		BusyPatterns:   append([]string(nil), base.BusyPatterns...),
	}
	if extra != nil {
		merged.BorderPatterns = append(merged.BorderPatterns, extra.BorderPatterns...)
		merged.PromptPatterns = append(merged.PromptPatterns, extra.PromptPatterns...)
		merged.BusyPatterns = append(merged.BusyPatterns, extra.BusyPatterns...)
	}
	return merged
}

// matcher is a compiled pattern list.
type matcher struct {
	strings  []string
	regexps  []*regexp.Regexp
	foldCase bool
}

func (m matcher) match(text string) bool {
	if m.foldCase && len(m.strings) > 0 {
		lower := strings.ToLower(text)
		for _, s := range m.strings {
			if strings.Contains(lower, s) {
				return true
			}
		}
	} else {
		for _, s := range m.strings {
			if strings.Contains(text, s) {
				return true
			}
		}
	}
	for _, re := range m.regexps {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func compileList(kind string, patterns []string, foldCase bool) matcher {
	m := matcher{foldCase: foldCase}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "re:") {
			re, err := regexp.Compile(p[3:])
			if err != nil {
				// Invalid user patterns are skipped, never fatal.
				patternLog.Warn("invalid_"+kind+"_regex",
					slog.String("pattern", p),
					slog.String("error", err.Error()))
				continue
			}
			m.regexps = append(m.regexps, re)
			continue
		}
		if foldCase {
			p = strings.ToLower(p)
		}
		m.strings = append(m.strings, p)
	}
	return m
}

// Patterns is the compiled, ready-to-use form of RawPatterns.
type Patterns struct {
	border matcher
	prompt matcher
	busy   matcher
}

// CompilePatterns compiles raw patterns. A nil raw compiles the defaults.
func CompilePatterns(raw *RawPatterns) *Patterns {
	if raw == nil {
		raw = DefaultRawPatterns()
	}
	return &Patterns{
		border: compileList("border", raw.BorderPatterns, false),
		prompt: compileList("prompt", raw.PromptPatterns, false),
		busy:   compileList("busy", raw.BusyPatterns, true),
	}
}

// HasBottomBorder reports whether text contains the bottom edge of a prompt box.
func (p *Patterns) HasBottomBorder(text string) bool { return p.border.match(text) }

// HasWaitingPrompt reports whether text contains a confirmation question.
func (p *Patterns) HasWaitingPrompt(text string) bool { return p.prompt.match(text) }

// HasInterruptHint reports whether text contains the "esc to interrupt" hint.
func (p *Patterns) HasInterruptHint(text string) bool { return p.busy.match(text) }
