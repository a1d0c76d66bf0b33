// Package workflow drives a project through its development stages and
// dispatches the configured command when a stage is entered.
package workflow

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/controlroom/internal/errors"
	"github.com/Iron-Ham/controlroom/internal/plan"
)

// Stage is a step of the project workflow.
type Stage string

const (
	StagePlanning Stage = "planning"
	StageExecute  Stage = "execute"
	StageReview   Stage = "review"
	StagePR       Stage = "pr"
	StageDone     Stage = "done"
)

var stageOrder = []Stage{StagePlanning, StageExecute, StageReview, StagePR, StageDone}

// Stages returns every stage in workflow order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// ParseStage converts a configuration string into a Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", errors.NewValidationError(fmt.Sprintf("unknown stage %q", s)).WithField("stage").WithValue(s)
	}
	return st, nil
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.index() >= 0
}

func (s Stage) index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether s is the final stage.
func (s Stage) Terminal() bool {
	return s == StageDone
}

// Next returns the stage after s. It returns false for done and for unknown
// stages.
func (s Stage) Next() (Stage, bool) {
	i := s.index()
	if i < 0 || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// Before reports whether s comes earlier in the workflow than other.
func (s Stage) Before(other Stage) bool {
	return s.index() < other.index()
}

func (s Stage) String() string {
	return string(s)
}

// PRState is the state of a project's pull request as reported by GitHub.
type PRState string

const (
	PRNone   PRState = ""
	PROpen   PRState = "open"
	PRDraft  PRState = "draft"
	PRMerged PRState = "merged"
	PRClosed PRState = "closed"
)

// GitHubStatus is the externally supplied pull request status for a
// project. The control room does not fetch it; the display layer or an
// integration hands it in.
type GitHubStatus struct {
	Number        int     `json:"number,omitempty"`
	URL           string  `json:"url,omitempty"`
	State         PRState `json:"state"`
	ChecksPassing bool    `json:"checks_passing"`
}

// Merged reports whether the pull request has been merged.
func (g *GitHubStatus) Merged() bool {
	return g != nil && g.State == PRMerged
}

func (g *GitHubStatus) key() string {
	if g == nil {
		return "-"
	}
	return fmt.Sprintf("%d:%s:%t", g.Number, g.State, g.ChecksPassing)
}

// Inputs is everything the stage predicates look at.
type Inputs struct {
	Plan     *plan.Plan
	TestPlan *plan.TestPlan
	GitHub   *GitHubStatus
}

// Fingerprint identifies a distinct combination of inputs.
func (in Inputs) Fingerprint() string {
	planHash, testHash := "-", "-"
	if in.Plan != nil {
		planHash = in.Plan.Hash
	}
	if in.TestPlan != nil {
		testHash = in.TestPlan.Hash
	}
	return planHash + "|" + testHash + "|" + in.GitHub.key()
}

// Satisfied reports whether the exit condition of stage holds. A phase id
// in phases for the stage replaces the default condition with "every task
// of that phase is complete or skipped".
func Satisfied(stage Stage, in Inputs, phases map[Stage]string) bool {
	if id := phases[stage]; id != "" && !stage.Terminal() {
		ph, ok := in.Plan.Phase(id)
		return ok && ph.Complete()
	}

	switch stage {
	case StagePlanning:
		return in.Plan.HasTasks()
	case StageExecute:
		return in.Plan.AllDone()
	case StageReview:
		return in.TestPlan.AllPassed()
	case StagePR:
		return in.GitHub.Merged()
	default:
		return false
	}
}
