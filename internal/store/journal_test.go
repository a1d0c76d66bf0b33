package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/controlroom/internal/workflow"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestNewDB(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		t.Fatalf("query tables: %v", err)
	}
	defer rows.Close()

	expected := map[string]bool{"stage_transitions": true, "dispatches": true}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan table name: %v", err)
		}
		delete(expected, name)
	}
	for tbl := range expected {
		t.Errorf("expected table %q not found", tbl)
	}
}

func TestNewDB_IdempotentMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db1, err := NewDB(path)
	if err != nil {
		t.Fatalf("first NewDB: %v", err)
	}
	db1.Close()

	db2, err := NewDB(path)
	if err != nil {
		t.Fatalf("second NewDB: %v", err)
	}
	db2.Close()
}

func TestJournal_Transitions(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 4, 10, 0, 0, 123, time.UTC)

	stages := []workflow.Stage{workflow.StageExecute, workflow.StageReview, workflow.StagePR}
	from := workflow.StagePlanning
	for i, to := range stages {
		tr := workflow.Transition{
			ProjectID:   "alpha",
			From:        from,
			To:          to,
			Reason:      workflow.ReasonAuto,
			Fingerprint: fmt.Sprintf("fp-%d", i),
			At:          base.Add(time.Duration(i) * time.Minute),
		}
		if err := j.RecordTransition(ctx, tr); err != nil {
			t.Fatalf("RecordTransition: %v", err)
		}
		from = to
	}
	if err := j.RecordTransition(ctx, workflow.Transition{
		ProjectID: "beta", From: workflow.StagePlanning, To: workflow.StageDone,
		Reason: workflow.ReasonOverride, At: base,
	}); err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}

	last, err := j.LastTransition(ctx, "alpha")
	if err != nil {
		t.Fatalf("LastTransition: %v", err)
	}
	if last == nil || last.To != workflow.StagePR || last.From != workflow.StageReview {
		t.Fatalf("LastTransition = %+v", last)
	}
	if !last.At.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("At = %v, want %v", last.At, base.Add(2*time.Minute))
	}
	if last.Fingerprint != "fp-2" || last.Reason != workflow.ReasonAuto {
		t.Errorf("LastTransition = %+v", last)
	}

	list, err := j.ListTransitions(ctx, "alpha", 2)
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	if len(list) != 2 || list[0].To != workflow.StagePR || list[1].To != workflow.StageReview {
		t.Errorf("ListTransitions = %+v", list)
	}

	all, err := j.ListTransitions(ctx, "alpha", 0)
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 transitions, got %d", len(all))
	}
}

func TestJournal_LastTransitionEmpty(t *testing.T) {
	j := openTestJournal(t)
	last, err := j.LastTransition(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("LastTransition: %v", err)
	}
	if last != nil {
		t.Errorf("LastTransition = %+v, want nil", last)
	}
}

func TestJournal_Dispatches(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	d := workflow.Dispatch{ID: "d-1", Stage: workflow.StageExecute, Command: "/execute", SessionID: "s1"}
	results := []workflow.DispatchResult{
		{ProjectID: "alpha", Dispatch: d, Status: workflow.DispatchPending},
		{ProjectID: "alpha", Dispatch: d, Status: workflow.DispatchFailed, Err: fmt.Errorf("scripting endpoint disconnected")},
		{ProjectID: "alpha", Dispatch: d, Status: workflow.DispatchSent},
	}
	for _, r := range results {
		if err := j.RecordDispatch(ctx, r); err != nil {
			t.Fatalf("RecordDispatch: %v", err)
		}
	}

	got, err := j.ListDispatches(ctx, "alpha")
	if err != nil {
		t.Fatalf("ListDispatches: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 dispatches, got %d", len(got))
	}
	if got[1].Status != workflow.DispatchFailed || got[1].Error != "scripting endpoint disconnected" {
		t.Errorf("second dispatch = %+v", got[1])
	}
	if got[2].DispatchID != "d-1" || got[2].Command != "/execute" || got[2].SessionID != "s1" {
		t.Errorf("third dispatch = %+v", got[2])
	}
}

func TestJournal_RestoresMachine(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	m := workflow.New("alpha", workflow.AutoModeConfig{}, workflow.WithJournal(j))
	if _, err := m.SetStage(ctx, workflow.StageReview); err != nil {
		t.Fatal(err)
	}

	restored := workflow.New("alpha", workflow.AutoModeConfig{}, workflow.WithJournal(j))
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.State().Stage != workflow.StageReview {
		t.Errorf("restored stage = %s", restored.State().Stage)
	}
}
