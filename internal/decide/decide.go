// Package decide asks a language model whether a supervised agent should
// keep going and, if so, what to tell it next.
//
// Two response shapes are supported. Assessment mode returns an explicit
// stop/continue action plus an optional command; directive mode always
// returns a command plus an achieved flag. Both normalize to Decision.
package decide

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/asheshgoplani/agent-mom/internal/logging"
)

var decideLog = logging.ForComponent(logging.CompDecide)

// ErrEmptyResponse is returned when the model answers with no content.
var ErrEmptyResponse = errors.New("decision service returned an empty response")

// Decision is the normalized outcome the watcher acts on.
type Decision struct {
	Proceed bool   `json:"proceed"`
	Command string `json:"command"`
}

// String renders the decision the way it is recorded in transcripts.
func (d Decision) String() string {
	if !d.Proceed {
		return "stop"
	}
	if d.Command == "" {
		return "continue: missing command"
	}
	return "continue"
}

// Decider turns a prompt into a Decision. Implementations have no side
// effects beyond the remote call.
type Decider interface {
	Decide(ctx context.Context, prompt string) (Decision, error)
}

// FuncDecider adapts a function to Decider.
type FuncDecider func(ctx context.Context, prompt string) (Decision, error)

// Decide calls f.
func (f FuncDecider) Decide(ctx context.Context, prompt string) (Decision, error) {
	return f(ctx, prompt)
}

// Mode selects the response shape.
type Mode string

const (
	ModeAssessment Mode = "assessment"
	ModeDirective  Mode = "directive"
)

// ParseMode validates a configured mode string. Empty means assessment.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAssessment:
		return ModeAssessment, nil
	case ModeDirective:
		return ModeDirective, nil
	}
	return "", fmt.Errorf("unknown decision mode %q (want %q or %q)", s, ModeAssessment, ModeDirective)
}

// Instructions returns the system instructions for mode.
func (m Mode) Instructions() string {
	if m == ModeDirective {
		return directiveInstructions
	}
	return assessmentInstructions
}

// New returns the Decider for mode backed by c.
func New(mode Mode, c Completer) Decider {
	if mode == ModeDirective {
		return &DirectiveDecider{Client: c}
	}
	return &AssessmentDecider{Client: c}
}
