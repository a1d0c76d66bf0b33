package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Iron-Ham/controlroom/internal/workflow"
)

// Journal records workflow transitions and dispatch outcomes. It satisfies
// workflow.Journal.
type Journal struct {
	db *sql.DB
}

var _ workflow.Journal = (*Journal)(nil)

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// NewJournal wraps an open database.
func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordTransition appends a stage transition.
func (j *Journal) RecordTransition(ctx context.Context, t workflow.Transition) error {
	const q = `INSERT INTO stage_transitions (project_id, from_stage, to_stage, reason, fingerprint, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := j.db.ExecContext(ctx, q,
		t.ProjectID,
		string(t.From),
		string(t.To),
		string(t.Reason),
		t.Fingerprint,
		t.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// RecordDispatch appends a dispatch outcome.
func (j *Journal) RecordDispatch(ctx context.Context, r workflow.DispatchResult) error {
	const q = `INSERT INTO dispatches (dispatch_id, project_id, stage, session_id, command, status, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	var errText string
	if r.Err != nil {
		errText = r.Err.Error()
	}
	_, err := j.db.ExecContext(ctx, q,
		r.Dispatch.ID,
		r.ProjectID,
		string(r.Dispatch.Stage),
		r.Dispatch.SessionID,
		r.Dispatch.Command,
		string(r.Status),
		errText,
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// LastTransition returns the most recent transition for a project, or nil
// if none has been recorded.
func (j *Journal) LastTransition(ctx context.Context, projectID string) (*workflow.Transition, error) {
	const q = `SELECT project_id, from_stage, to_stage, reason, fingerprint, created_at
FROM stage_transitions
WHERE project_id = ?
ORDER BY id DESC
LIMIT 1`

	t, err := scanTransition(j.db.QueryRowContext(ctx, q, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last transition: %w", err)
	}
	return &t, nil
}

// ListTransitions returns up to limit transitions for a project, newest
// first. A limit of 0 or less returns all of them.
func (j *Journal) ListTransitions(ctx context.Context, projectID string, limit int) ([]workflow.Transition, error) {
	const q = `SELECT project_id, from_stage, to_stage, reason, fingerprint, created_at
FROM stage_transitions
WHERE project_id = ?
ORDER BY id DESC
LIMIT ?`
	if limit <= 0 {
		limit = -1
	}

	rows, err := j.db.QueryContext(ctx, q, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []workflow.Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DispatchRecord is a journaled dispatch outcome.
type DispatchRecord struct {
	DispatchID string
	ProjectID  string
	Stage      workflow.Stage
	SessionID  string
	Command    string
	Status     workflow.DispatchStatus
	Error      string
	CreatedAt  time.Time
}

// ListDispatches returns a project's dispatch outcomes, oldest first.
func (j *Journal) ListDispatches(ctx context.Context, projectID string) ([]DispatchRecord, error) {
	const q = `SELECT dispatch_id, project_id, stage, session_id, command, status, error, created_at
FROM dispatches
WHERE project_id = ?
ORDER BY id ASC`

	rows, err := j.db.QueryContext(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var out []DispatchRecord
	for rows.Next() {
		var r DispatchRecord
		var stage, status string
		var created int64
		if err := rows.Scan(&r.DispatchID, &r.ProjectID, &stage, &r.SessionID, &r.Command, &status, &r.Error, &created); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		r.Stage = workflow.Stage(stage)
		r.Status = workflow.DispatchStatus(status)
		r.CreatedAt = time.Unix(0, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransition(row rowScanner) (workflow.Transition, error) {
	var t workflow.Transition
	var from, to, reason string
	var created int64
	if err := row.Scan(&t.ProjectID, &from, &to, &reason, &t.Fingerprint, &created); err != nil {
		return workflow.Transition{}, err
	}
	t.From = workflow.Stage(from)
	t.To = workflow.Stage(to)
	t.Reason = workflow.Reason(reason)
	t.At = time.Unix(0, created)
	return t, nil
}
