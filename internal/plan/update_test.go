package plan

import (
	"bytes"
	"testing"

	"github.com/Iron-Ham/controlroom/internal/errors"
)

func TestSetTaskStatus(t *testing.T) {
	doc := []byte("# Plan\n\n## Phase 1\n- 1.1 Draft spec [pending]\n- 1.2 Review spec [pending]\n")

	got, err := SetTaskStatus(doc, "1.1", StatusComplete)
	if err != nil {
		t.Fatalf("SetTaskStatus() error = %v", err)
	}
	want := []byte("# Plan\n\n## Phase 1\n- 1.1 Draft spec [complete]\n- 1.2 Review spec [pending]\n")
	if !bytes.Equal(got, want) {
		t.Errorf("SetTaskStatus() =\n%s\nwant\n%s", got, want)
	}

	p, err := Parse("", got)
	if err != nil {
		t.Fatalf("Parse() after edit error = %v", err)
	}
	if task, _ := p.Task("1.1"); task.Status != StatusComplete {
		t.Errorf("task 1.1 status = %q", task.Status)
	}
}

func TestSetTaskStatus_PreservesSurroundingBytes(t *testing.T) {
	doc := []byte("Intro  with  odd   spacing\r\n" +
		"## Phase 1: Setup   \r\n" +
		"   *   2.10.   Title with [brackets]   [In Progress]  \r\n" +
		"trailing prose")

	got, err := SetTaskStatus(doc, "2.10", StatusBlocked)
	if err != nil {
		t.Fatalf("SetTaskStatus() error = %v", err)
	}
	want := bytes.Replace(doc, []byte("[In Progress]"), []byte("[blocked]"), 1)
	if !bytes.Equal(got, want) {
		t.Errorf("SetTaskStatus() = %q, want %q", got, want)
	}
}

func TestSetTaskStatus_NoOp(t *testing.T) {
	tests := []struct {
		marker string
		status TaskStatus
	}{
		{"pending", StatusPending},
		{"In Progress", StatusInProgress},
		{"in-progress", StatusInProgress},
		{"Complete", StatusComplete},
	}

	for _, tt := range tests {
		t.Run(tt.marker, func(t *testing.T) {
			doc := []byte("## Phase 1\n- 1.1 Draft spec [" + tt.marker + "]\n")
			p, err := Parse("", doc)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			task, _ := p.Task("1.1")
			if task.Status != tt.status {
				t.Fatalf("parsed status = %q, want %q", task.Status, tt.status)
			}

			got, err := SetTaskStatus(doc, "1.1", task.Status)
			if err != nil {
				t.Fatalf("SetTaskStatus() error = %v", err)
			}
			if !bytes.Equal(got, doc) {
				t.Errorf("no-op edit changed the document: %q", got)
			}
		})
	}

	steps := []byte("## Section 1\n- 1.1 Boots [Passed]\n")
	got, err := SetStepStatus(steps, "1.1", StepPassed)
	if err != nil {
		t.Fatalf("SetStepStatus() error = %v", err)
	}
	if !bytes.Equal(got, steps) {
		t.Errorf("no-op step edit changed the document: %q", got)
	}
}

func TestSetTaskStatus_Errors(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		id     string
		status TaskStatus
		target error
	}{
		{
			name:   "missing task",
			doc:    "## Phase 1\n- 1.1 A [pending]\n",
			id:     "9.9",
			status: StatusComplete,
			target: errors.ErrTaskNotFound,
		},
		{
			name:   "duplicate ids",
			doc:    "## Phase 1\n- 1.1 A [pending]\n- 1.1 B [pending]\n",
			id:     "1.1",
			status: StatusComplete,
			target: errors.ErrAmbiguousMatch,
		},
		{
			name:   "task inside fence",
			doc:    "## Phase 1\n```\n- 1.1 A [pending]\n```\n",
			id:     "1.1",
			status: StatusComplete,
			target: errors.ErrTaskNotFound,
		},
		{
			name:   "invalid status",
			doc:    "## Phase 1\n- 1.1 A [pending]\n",
			id:     "1.1",
			status: TaskStatus("finished"),
			target: errors.ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SetTaskStatus([]byte(tt.doc), tt.id, tt.status)
			if !errors.Is(err, tt.target) {
				t.Errorf("SetTaskStatus() error = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestUpdateError_Kind(t *testing.T) {
	_, err := SetTaskStatus([]byte("## Phase 1\n- 1.1 A [pending]\n"), "2.1", StatusComplete)
	var uerr *errors.UpdateError
	if !errors.As(err, &uerr) {
		t.Fatalf("error type = %T, want *UpdateError", err)
	}
	if uerr.TaskID != "2.1" || uerr.Kind != errors.TaskNotFound {
		t.Errorf("UpdateError = %+v", uerr)
	}
}

func TestSetStepStatus(t *testing.T) {
	doc := []byte("## Section 1\n- 1.1 Boots [pending]\n- 1.2 Loads [failed]\n")

	got, err := SetStepStatus(doc, "1.2", StepPassed)
	if err != nil {
		t.Fatalf("SetStepStatus() error = %v", err)
	}
	want := []byte("## Section 1\n- 1.1 Boots [pending]\n- 1.2 Loads [passed]\n")
	if !bytes.Equal(got, want) {
		t.Errorf("SetStepStatus() = %q, want %q", got, want)
	}

	if _, err := SetStepStatus(doc, "1.1", StepStatus("complete")); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("task vocabulary accepted for a step: %v", err)
	}
}

func TestToggleTaskStatus(t *testing.T) {
	doc := []byte("## Phase 1\n- 1.1 A [pending]\n")
	cycle := []TaskStatus{StatusInProgress, StatusComplete, StatusPending, StatusInProgress}

	for i, want := range cycle {
		var err error
		doc, err = ToggleTaskStatus(doc, "1.1")
		if err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
		p, err := Parse("", doc)
		if err != nil {
			t.Fatalf("toggle %d: parse: %v", i, err)
		}
		if task, _ := p.Task("1.1"); task.Status != want {
			t.Errorf("toggle %d: status = %q, want %q", i, task.Status, want)
		}
	}

	blocked := []byte("## Phase 1\n- 1.1 A [blocked]\n")
	got, err := ToggleTaskStatus(blocked, "1.1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(got, []byte("[pending]")) {
		t.Errorf("blocked task toggled to %q, want pending", got)
	}
}

func TestDiff(t *testing.T) {
	before, err := Parse("", []byte("## Phase 1\n- 1.1 A [pending]\n- 1.2 B [pending]\n- 1.3 C [complete]\n"))
	if err != nil {
		t.Fatal(err)
	}
	after, err := Parse("", []byte("## Phase 1\n- 1.1 A [complete]\n- 1.2 B [pending]\n- 1.4 D [pending]\n"))
	if err != nil {
		t.Fatal(err)
	}

	changes := Diff(before, after)
	if len(changes) != 3 {
		t.Fatalf("len(changes) = %d, want 3: %+v", len(changes), changes)
	}

	want := []TaskChange{
		{ID: "1.1", Title: "A", Old: StatusPending, New: StatusComplete},
		{ID: "1.4", Title: "D", New: StatusPending, Added: true},
		{ID: "1.3", Title: "C", Old: StatusComplete, Removed: true},
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes[%d] = %+v, want %+v", i, changes[i], want[i])
		}
	}

	if got := Diff(after, after); len(got) != 0 {
		t.Errorf("Diff of identical plans = %+v", got)
	}
	if got := Diff(nil, after); len(got) != 3 || !got[0].Added {
		t.Errorf("Diff(nil, after) = %+v", got)
	}
}
