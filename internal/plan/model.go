// Package plan models task plans and test plans, parses them from their
// Markdown form, and performs minimal in-place status edits.
//
// A plan document groups tasks under phase headings:
//
//	## Phase 1: Foundations
//	- 1.1 Draft spec [pending]
//	- 1.2 Review spec [in_progress]
//
// Test plans use the same shape with "Section" headings and the
// pending/in_progress/passed/failed vocabulary. Every other line is prose
// and passes through edits untouched.
//
// Plan and TestPlan values are snapshots. Parsing always builds new values;
// callers must treat the slices they hold as read-only.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TaskStatus is the status of a plan task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusComplete   TaskStatus = "complete"
	StatusSkipped    TaskStatus = "skipped"
	StatusBlocked    TaskStatus = "blocked"
)

// TaskStatuses returns every valid task status in display order.
func TaskStatuses() []TaskStatus {
	return []TaskStatus{StatusPending, StatusInProgress, StatusComplete, StatusSkipped, StatusBlocked}
}

// Valid reports whether s is part of the task status vocabulary.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusComplete, StatusSkipped, StatusBlocked:
		return true
	}
	return false
}

// Done reports whether the task needs no further work.
func (s TaskStatus) Done() bool {
	return s == StatusComplete || s == StatusSkipped
}

// Next returns the status that follows s in the toggle cycle
// pending -> in_progress -> complete -> pending. Skipped and blocked tasks
// toggle back to pending.
func (s TaskStatus) Next() TaskStatus {
	switch s {
	case StatusPending:
		return StatusInProgress
	case StatusInProgress:
		return StatusComplete
	default:
		return StatusPending
	}
}

// StepStatus is the status of a test plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepPassed     StepStatus = "passed"
	StepFailed     StepStatus = "failed"
)

// Valid reports whether s is part of the test step vocabulary.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepInProgress, StepPassed, StepFailed:
		return true
	}
	return false
}

// normalizeStatus lowercases a status word and folds spaces and hyphens to
// underscores so "In Progress" and "in-progress" read as in_progress.
func normalizeStatus(word string) string {
	word = strings.ToLower(strings.TrimSpace(word))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(word)
}

// Task is one unit of work in a plan.
type Task struct {
	ID     string
	Title  string
	Status TaskStatus
	// Line is the 1-based line number of the task in its document.
	Line int
}

// Phase is an ordered group of tasks.
type Phase struct {
	ID    string
	Title string
	Tasks []Task
	Line  int
}

// Complete reports whether the phase has tasks and all of them are done.
func (p Phase) Complete() bool {
	if len(p.Tasks) == 0 {
		return false
	}
	for _, t := range p.Tasks {
		if !t.Status.Done() {
			return false
		}
	}
	return true
}

// Plan is a parsed plan document.
type Plan struct {
	Path   string
	Hash   string
	Phases []Phase
}

// Tasks returns all tasks in document order.
func (p *Plan) Tasks() []Task {
	if p == nil {
		return nil
	}
	var tasks []Task
	for _, ph := range p.Phases {
		tasks = append(tasks, ph.Tasks...)
	}
	return tasks
}

// Task looks up a task by id.
func (p *Plan) Task(id string) (Task, bool) {
	if p == nil {
		return Task{}, false
	}
	for _, ph := range p.Phases {
		for _, t := range ph.Tasks {
			if t.ID == id {
				return t, true
			}
		}
	}
	return Task{}, false
}

// Phase looks up a phase by id.
func (p *Plan) Phase(id string) (Phase, bool) {
	if p == nil {
		return Phase{}, false
	}
	for _, ph := range p.Phases {
		if ph.ID == id {
			return ph, true
		}
	}
	return Phase{}, false
}

// HasTasks reports whether the plan contains at least one task.
func (p *Plan) HasTasks() bool {
	if p == nil {
		return false
	}
	for _, ph := range p.Phases {
		if len(ph.Tasks) > 0 {
			return true
		}
	}
	return false
}

// AllDone reports whether the plan has tasks and every task is complete or skipped.
func (p *Plan) AllDone() bool {
	if !p.HasTasks() {
		return false
	}
	for _, t := range p.Tasks() {
		if !t.Status.Done() {
			return false
		}
	}
	return true
}

// Progress counts tasks by status.
type Progress struct {
	Total    int
	ByStatus map[TaskStatus]int
}

// Done returns the number of complete or skipped tasks.
func (p Progress) Done() int {
	return p.ByStatus[StatusComplete] + p.ByStatus[StatusSkipped]
}

// Progress summarizes the plan's task statuses.
func (p *Plan) Progress() Progress {
	prog := Progress{ByStatus: make(map[TaskStatus]int)}
	for _, t := range p.Tasks() {
		prog.Total++
		prog.ByStatus[t.Status]++
	}
	return prog
}

// TestStep is one verification step in a test plan.
type TestStep struct {
	ID     string
	Title  string
	Status StepStatus
	Line   int
}

// TestSection is an ordered group of test steps.
type TestSection struct {
	ID    string
	Title string
	Steps []TestStep
	Line  int
}

// TestPlan is a parsed test plan document.
type TestPlan struct {
	Path     string
	Hash     string
	Sections []TestSection
}

// Steps returns all steps in document order.
func (tp *TestPlan) Steps() []TestStep {
	if tp == nil {
		return nil
	}
	var steps []TestStep
	for _, s := range tp.Sections {
		steps = append(steps, s.Steps...)
	}
	return steps
}

// Step looks up a step by id.
func (tp *TestPlan) Step(id string) (TestStep, bool) {
	for _, s := range tp.Steps() {
		if s.ID == id {
			return s, true
		}
	}
	return TestStep{}, false
}

// AllPassed reports whether the test plan has steps and all of them passed.
func (tp *TestPlan) AllPassed() bool {
	steps := tp.Steps()
	if len(steps) == 0 {
		return false
	}
	for _, s := range steps {
		if s.Status != StepPassed {
			return false
		}
	}
	return true
}

// HashBytes returns the content hash used to detect unchanged documents.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
