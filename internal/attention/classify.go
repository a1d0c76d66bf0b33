// Package attention classifies terminal sessions as working, waiting or
// idle from their rendered screen content.
//
// Classification looks at two things only: how long ago the screen last
// changed and whether the last non-blank line looks like an idle prompt.
// It never interprets program-specific output.
package attention

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/Iron-Ham/controlroom/internal/errors"
)

// State is a session's attention classification.
type State string

const (
	// StateUnknown is reported before a session has been observed.
	StateUnknown State = ""
	// StateWorking means output changed within the sample window.
	StateWorking State = "working"
	// StateWaiting means output stopped but the last line is not a prompt.
	StateWaiting State = "waiting"
	// StateIdle means output stopped at an idle prompt.
	StateIdle State = "idle"
)

func (s State) String() string {
	if s == StateUnknown {
		return "unknown"
	}
	return string(s)
}

// PromptMatcher decides whether a screen line is an idle prompt.
type PromptMatcher interface {
	MatchPrompt(line string) bool
}

// PromptFunc adapts a function to PromptMatcher.
type PromptFunc func(line string) bool

// MatchPrompt calls f.
func (f PromptFunc) MatchPrompt(line string) bool { return f(line) }

// DefaultPromptPatterns match common shell and REPL prompts. Prompt
// characters that also end ordinary output, like "%" in "45%", only count
// when they stand alone.
var DefaultPromptPatterns = []string{
	`[$#]\s*$`,
	`(^|\s)[%>❯➜λ»]\s*$`,
	`^>>>\s*$`,
}

// RegexMatcher matches a line against any of its patterns.
type RegexMatcher []*regexp.Regexp

// NewRegexMatcher compiles patterns. An empty list uses DefaultPromptPatterns.
func NewRegexMatcher(patterns []string) (RegexMatcher, error) {
	if len(patterns) == 0 {
		patterns = DefaultPromptPatterns
	}
	m := make(RegexMatcher, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid idle prompt pattern: %v", err)).
				WithField("attention.idle_prompt_patterns").WithValue(p)
		}
		m = append(m, re)
	}
	return m, nil
}

// MatchPrompt reports whether line matches any pattern.
func (m RegexMatcher) MatchPrompt(line string) bool {
	for _, re := range m {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// LastLine returns the last non-blank line of screen with ANSI escape
// sequences removed and trailing whitespace trimmed.
func LastLine(screen string) string {
	lines := strings.Split(ansi.Strip(screen), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t\r")
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

// Classify derives a state from the time since the screen last changed and
// its last non-blank line.
func Classify(lastLine string, sinceChange, window time.Duration, prompt PromptMatcher) State {
	if sinceChange <= window {
		return StateWorking
	}
	if prompt != nil && prompt.MatchPrompt(lastLine) {
		return StateIdle
	}
	return StateWaiting
}

// Tracker follows one session's screen over time.
type Tracker struct {
	window time.Duration
	prompt PromptMatcher

	content    string
	lastLine   string
	lastChange time.Time
	state      State
	seen       bool
}

// NewTracker creates a tracker with the given sample window.
func NewTracker(window time.Duration, prompt PromptMatcher) *Tracker {
	return &Tracker{window: window, prompt: prompt}
}

// Observe records a screen sample taken at now and returns the current
// state. changed is true only when the state differs from the previous
// observation. The first sample counts as a change of content.
func (t *Tracker) Observe(screen string, now time.Time) (state State, changed bool) {
	stripped := ansi.Strip(screen)
	if !t.seen || stripped != t.content {
		t.content = stripped
		t.lastLine = LastLine(stripped)
		t.lastChange = now
		t.seen = true
	}

	next := Classify(t.lastLine, now.Sub(t.lastChange), t.window, t.prompt)
	changed = next != t.state
	t.state = next
	return next, changed
}

// State returns the last classification.
func (t *Tracker) State() State { return t.state }

// LastLine returns the last non-blank line of the most recent sample.
func (t *Tracker) LastLine() string { return t.lastLine }
