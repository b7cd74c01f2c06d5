// Package termseq cleans raw terminal output: it removes the terminal
// interrogation sequences that a browser terminal would answer as if the user
// typed them, and it reduces a chunk to its visible text for pattern matching.
package termseq

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// interrogation matches color queries (OSC 11), cursor position reports,
// device status requests and device attribute queries/responses.
var interrogation = regexp.MustCompile(
	`\x1b\]11;[^\x07\x1b]*(?:\x07|\x1b\\)` +
		`|\x1b\[\d+;\d+R` +
		`|\x1b\[[56]n` +
		`|\x1b\[\?1;2c` +
		`|\x1b\[>c` +
		`|\x1b\[c`,
)

// FilterInterrogation returns p without terminal interrogation sequences.
// When p holds no escape byte it is returned as is.
func FilterInterrogation(p []byte) []byte {
	if bytes.IndexByte(p, 0x1b) < 0 {
		return p
	}
	return interrogation.ReplaceAll(p, nil)
}

var (
	// Parameter fragments left behind when an SGR sequence is split across chunks.
	orphanSGRLine = regexp.MustCompile(`(?m)^[0-9;]+m`)
	orphanSGR     = regexp.MustCompile(`[0-9]+;[0-9]+;[0-9;]+m`)
)

// Strip reduces raw terminal output to visible text. Escape sequences and
// control characters other than newline are removed.
func Strip(p []byte) string {
	s := ansi.Strip(string(p))
	s = strings.Map(func(r rune) rune {
		if r == '\n' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	if strings.IndexByte(s, 'm') >= 0 {
		s = orphanSGRLine.ReplaceAllString(s, "")
		s = orphanSGR.ReplaceAllString(s, "")
	}
	return s
}

// IsBlank reports whether s contains only whitespace.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// SplitIncomplete splits p before a trailing, incomplete UTF-8 sequence.
// rest is empty when p ends on a rune boundary or the tail is invalid
// rather than merely truncated.
func SplitIncomplete(p []byte) (complete, rest []byte) {
	n := len(p)
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax+1; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if p[i] < utf8.RuneSelf || utf8.FullRune(p[i:]) {
			return p, nil
		}
		return p[:i], p[i:]
	}
	return p, nil
}
