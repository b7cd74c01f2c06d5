// Package status classifies an interactive agent's activity from its visible
// terminal output.
package status

import (
	"encoding/json"
	"fmt"
)

// State is a session's activity state.
type State int

const (
	StateIdle State = iota
	StateBusy
	StateWaitingInput
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateWaitingInput:
		return "waiting_input"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "idle":
		return StateIdle, nil
	case "busy":
		return StateBusy, nil
	case "waiting_input":
		return StateWaitingInput, nil
	}
	return StateIdle, fmt.Errorf("unknown session state %q", s)
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseState(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Flags is the per-session memory the classifier carries between chunks.
type Flags struct {
	// WaitingWithBottomBorder is set once a waiting prompt's box has been
	// seen closed, so a redraw of the box alone is not counted twice.
	WaitingWithBottomBorder bool
}

// TimerAction tells the caller what to do with the session's pending
// busy-to-idle timer.
type TimerAction int

const (
	// TimerKeep leaves any pending timer alone.
	TimerKeep TimerAction = iota
	// TimerCancel cancels a pending timer.
	TimerCancel
	// TimerEnsure starts the timer unless one is already pending.
	TimerEnsure
)

func (a TimerAction) String() string {
	switch a {
	case TimerKeep:
		return "keep"
	case TimerCancel:
		return "cancel"
	case TimerEnsure:
		return "ensure"
	default:
		return fmt.Sprintf("TimerAction(%d)", int(a))
	}
}

// Result is the outcome of classifying one chunk.
type Result struct {
	State State
	Flags Flags
	Timer TimerAction
	// Rule is the 1-based rule that matched; 5 means nothing changed.
	Rule int
}

// Classifier applies the transition rules. It is safe for concurrent use.
type Classifier struct {
	patterns *Patterns
}

// NewClassifier returns a classifier over p, or the defaults when p is nil.
func NewClassifier(p *Patterns) *Classifier {
	if p == nil {
		p = CompilePatterns(nil)
	}
	return &Classifier{patterns: p}
}

// Next computes the state after seeing text, the visible (ANSI-stripped)
// content of one output chunk. Rules are evaluated in order; the first match
// wins:
//
//  1. a waiting prompt moves to waiting_input and records whether the prompt
//     box was closed in the same chunk
//  2. while waiting_input, the first closed box without a prompt sets the flag
//  3. the interrupt hint moves to busy
//  4. busy without the hint stays busy and asks for the idle timer
//  5. otherwise nothing changes
func (c *Classifier) Next(text string, current State, flags Flags) Result {
	p := c.patterns
	hasBorder := p.HasBottomBorder(text)

	if p.HasWaitingPrompt(text) {
		return Result{
			State: StateWaitingInput,
			Flags: Flags{WaitingWithBottomBorder: hasBorder},
			Timer: TimerCancel,
			Rule:  1,
		}
	}

	if current == StateWaitingInput && hasBorder && !flags.WaitingWithBottomBorder {
		return Result{
			State: StateWaitingInput,
			Flags: Flags{WaitingWithBottomBorder: true},
			Timer: TimerCancel,
			Rule:  2,
		}
	}

	hasHint := p.HasInterruptHint(text)
	if hasHint {
		return Result{State: StateBusy, Timer: TimerCancel, Rule: 3}
	}

	if current == StateBusy {
		return Result{State: StateBusy, Flags: flags, Timer: TimerEnsure, Rule: 4}
	}

	return Result{State: current, Flags: flags, Timer: TimerKeep, Rule: 5}
}
