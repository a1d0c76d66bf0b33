package plan

import (
	"fmt"

	"github.com/Iron-Ham/controlroom/internal/errors"
)

// SetTaskStatus rewrites the status marker of task id and returns the new
// document. Only the bytes between the marker's brackets change. If the task
// already has the requested status (in canonical spelling) the input is
// returned unchanged.
func SetTaskStatus(text []byte, id string, status TaskStatus) ([]byte, error) {
	if !status.Valid() {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown task status %q", status)).
			WithField("status").WithValue(string(status))
	}
	return setItemStatus(text, id, string(status))
}

// SetStepStatus rewrites the status marker of test step id.
func SetStepStatus(text []byte, id string, status StepStatus) ([]byte, error) {
	if !status.Valid() {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown step status %q", status)).
			WithField("status").WithValue(string(status))
	}
	return setItemStatus(text, id, string(status))
}

// ToggleTaskStatus advances task id along the toggle cycle.
func ToggleTaskStatus(text []byte, id string) ([]byte, error) {
	it, err := findItem(text, id)
	if err != nil {
		return nil, err
	}
	return splice(text, it, string(TaskStatus(it.status).Next())), nil
}

func setItemStatus(text []byte, id, status string) ([]byte, error) {
	it, err := findItem(text, id)
	if err != nil {
		return nil, err
	}
	// Marker spellings like "In Progress" already mean the target status.
	if it.status == status {
		return text, nil
	}
	return splice(text, it, status), nil
}

// findItem locates the single item line carrying id. Uniqueness is enforced
// at parse time; a duplicate found here is reported rather than guessed at.
func findItem(text []byte, id string) (item, error) {
	var matches []item
	_ = eachContentLine(text, func(l line, content []byte) error {
		if it, ok := matchItem(l, content); ok && it.id == id {
			matches = append(matches, it)
		}
		return nil
	})

	switch len(matches) {
	case 0:
		return item{}, errors.NewUpdateError(id, errors.TaskNotFound)
	case 1:
		return matches[0], nil
	default:
		return item{}, errors.NewUpdateError(id, errors.AmbiguousMatch)
	}
}

func splice(text []byte, it item, status string) []byte {
	out := make([]byte, 0, len(text)-(it.markerEnd-it.markerStart)+len(status))
	out = append(out, text[:it.markerStart]...)
	out = append(out, status...)
	out = append(out, text[it.markerEnd:]...)
	return out
}

// TaskChange describes how one task differs between two plan snapshots.
type TaskChange struct {
	ID      string
	Title   string
	Old     TaskStatus
	New     TaskStatus
	Added   bool
	Removed bool
}

// Diff reports the tasks whose status changed, appeared or disappeared
// between before and after, in after's document order followed by removals.
// A nil before plan reports every task as added.
func Diff(before, after *Plan) []TaskChange {
	beforeTasks := make(map[string]Task)
	for _, t := range before.Tasks() {
		beforeTasks[t.ID] = t
	}

	var changes []TaskChange
	seen := make(map[string]bool)
	for _, t := range after.Tasks() {
		seen[t.ID] = true
		prev, ok := beforeTasks[t.ID]
		switch {
		case !ok:
			changes = append(changes, TaskChange{ID: t.ID, Title: t.Title, New: t.Status, Added: true})
		case prev.Status != t.Status:
			changes = append(changes, TaskChange{ID: t.ID, Title: t.Title, Old: prev.Status, New: t.Status})
		}
	}
	for _, t := range before.Tasks() {
		if !seen[t.ID] {
			changes = append(changes, TaskChange{ID: t.ID, Title: t.Title, Old: t.Status, Removed: true})
		}
	}
	return changes
}
