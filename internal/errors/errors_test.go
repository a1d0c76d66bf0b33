package errors

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

// -----------------------------------------------------------------------------
// Severity Tests
// -----------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Plan Error Tests
// -----------------------------------------------------------------------------

func TestParseError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ParseError
		want string
	}{
		{
			name: "reason only",
			err:  NewParseError("empty document", 0),
			want: "parse error: empty document",
		},
		{
			name: "with line",
			err:  NewParseError(`unknown status "done"`, 7),
			want: `parse error [line=7]: unknown status "done"`,
		},
		{
			name: "with path and line",
			err:  NewParseError("duplicate task id 1.1", 4).WithPath("PLAN.md"),
			want: "parse error [path=PLAN.md, line=4]: duplicate task id 1.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseError_Is(t *testing.T) {
	err := NewParseError("bad", 1)

	if !Is(err, &ParseError{}) {
		t.Error("Is(ParseError{}) = false, want true")
	}
	if !Is(err, ErrMalformedPlan) {
		t.Error("Is(ErrMalformedPlan) = false, want true")
	}
	if Is(err, ErrTaskNotFound) {
		t.Error("Is(ErrTaskNotFound) = true, want false")
	}
}

func TestUpdateError(t *testing.T) {
	tests := []struct {
		name     string
		kind     UpdateKind
		sentinel error
		other    error
	}{
		{"not found", TaskNotFound, ErrTaskNotFound, ErrAmbiguousMatch},
		{"ambiguous", AmbiguousMatch, ErrAmbiguousMatch, ErrTaskNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewUpdateError("2.3", tt.kind).WithPath("PLAN.md")
			if err.TaskID != "2.3" {
				t.Errorf("TaskID = %q, want %q", err.TaskID, "2.3")
			}
			if !Is(err, tt.sentinel) {
				t.Errorf("Is(%v) = false, want true", tt.sentinel)
			}
			if Is(err, tt.other) {
				t.Errorf("Is(%v) = true, want false", tt.other)
			}
			if IsRetryable(err) {
				t.Error("IsRetryable() = true, want false")
			}
		})
	}
}

func TestUpdateKind_String(t *testing.T) {
	if TaskNotFound.String() != "task_not_found" {
		t.Errorf("TaskNotFound.String() = %q", TaskNotFound.String())
	}
	if AmbiguousMatch.String() != "ambiguous_match" {
		t.Errorf("AmbiguousMatch.String() = %q", AmbiguousMatch.String())
	}
	if UpdateKind(42).String() != "unknown" {
		t.Errorf("UpdateKind(42).String() = %q", UpdateKind(42).String())
	}
}

func TestWriteFailure(t *testing.T) {
	err := NewWriteFailure("PLAN.md", fs.ErrPermission)

	want := "write failure [path=PLAN.md]: permission denied"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !Is(err, ErrWriteFailed) {
		t.Error("Is(ErrWriteFailed) = false, want true")
	}
	if !Is(err, fs.ErrPermission) {
		t.Error("Is(fs.ErrPermission) = false, want true")
	}
	if GetSeverity(err) != SeverityError {
		t.Errorf("GetSeverity() = %v, want %v", GetSeverity(err), SeverityError)
	}
}

// -----------------------------------------------------------------------------
// Session Error Tests
// -----------------------------------------------------------------------------

func TestSessionError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *SessionError
		want string
	}{
		{
			name: "basic error",
			err:  NewSessionError("test error", nil),
			want: "session error: test error",
		},
		{
			name: "with cause",
			err:  NewSessionError("get_screen", ErrSessionNotFound),
			want: "session error: get_screen: session not found",
		},
		{
			name: "with session ID and cause",
			err:  NewSessionError("get_screen", ErrSessionNotFound).WithSessionID("abc123"),
			want: "session error [session=abc123]: get_screen: session not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDisconnected(t *testing.T) {
	err := Disconnected("create_window")

	if !Is(err, ErrDisconnected) {
		t.Error("Is(ErrDisconnected) = false, want true")
	}
	if Is(err, ErrSessionNotFound) {
		t.Error("Is(ErrSessionNotFound) = true, want false")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable() = false, want true")
	}

	wrapped := fmt.Errorf("spawn: %w", err)
	if !IsRetryable(wrapped) {
		t.Error("IsRetryable(wrapped) = false, want true")
	}
}

func TestSessionNotFound(t *testing.T) {
	err := SessionNotFound("send_text", "pane-9")

	if !Is(err, ErrSessionNotFound) {
		t.Error("Is(ErrSessionNotFound) = false, want true")
	}
	if IsRetryable(err) {
		t.Error("IsRetryable() = true, want false")
	}
	if err.SessionID != "pane-9" {
		t.Errorf("SessionID = %q, want %q", err.SessionID, "pane-9")
	}
}

func TestSpawnFailure(t *testing.T) {
	created := []string{"p1", "p2"}
	err := NewSpawnFailure("grid", created, New("split refused"))
	created[0] = "mutated"

	if err.Created[0] != "p1" {
		t.Error("SpawnFailure should copy the created ids")
	}
	want := "spawn failure [template=grid, created=p1|p2]: split refused"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !Is(err, ErrSpawnFailed) {
		t.Error("Is(ErrSpawnFailed) = false, want true")
	}
	if Is(err, ErrDisconnected) {
		t.Error("Is(ErrDisconnected) = true, want false")
	}
	if IsRetryable(err) {
		t.Error("IsRetryable() = true, want false")
	}

	var spawnErr *SpawnFailure
	if !As(fmt.Errorf("layout: %w", err), &spawnErr) {
		t.Fatal("As(*SpawnFailure) = false, want true")
	}
	if len(spawnErr.Created) != 2 {
		t.Errorf("len(Created) = %d, want 2", len(spawnErr.Created))
	}
}

// -----------------------------------------------------------------------------
// Semantic Error Tests
// -----------------------------------------------------------------------------

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("template", "editor")

	if got := err.Error(); got != "template 'editor' not found" {
		t.Errorf("Error() = %q", got)
	}
	if !Is(err, ErrNotFound) {
		t.Error("Is(ErrNotFound) = false, want true")
	}
	if !IsUserFacing(err) {
		t.Error("IsUserFacing() = false, want true")
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("unknown stage").WithField("stage").WithValue("shipping")

	want := "validation error [field=stage, value=shipping]: unknown stage"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !Is(err, ErrInvalidInput) {
		t.Error("Is(ErrInvalidInput) = false, want true")
	}
}

// -----------------------------------------------------------------------------
// Classification Tests
// -----------------------------------------------------------------------------

func TestClassification_PlainErrors(t *testing.T) {
	plain := errors.New("boom")

	if IsRetryable(plain) {
		t.Error("IsRetryable(plain) = true, want false")
	}
	if IsUserFacing(plain) {
		t.Error("IsUserFacing(plain) = true, want false")
	}
	if GetSeverity(plain) != SeverityError {
		t.Errorf("GetSeverity(plain) = %v, want %v", GetSeverity(plain), SeverityError)
	}
	if GetSeverity(nil) != SeverityDebug {
		t.Errorf("GetSeverity(nil) = %v, want %v", GetSeverity(nil), SeverityDebug)
	}
	if IsRetryable(nil) || IsUserFacing(nil) {
		t.Error("nil error should not be classified")
	}
}

func TestIsPlanError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"parse", NewParseError("x", 1), true},
		{"update", NewUpdateError("1", TaskNotFound), true},
		{"write", NewWriteFailure("p", errors.New("disk full")), true},
		{"wrapped write", Wrap(NewWriteFailure("p", errors.New("x")), "queue"), true},
		{"session", Disconnected("x"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPlanError(tt.err); got != tt.want {
				t.Errorf("IsPlanError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "msg") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, "msg %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}

	err := Wrapf(ErrDisconnected, "project %s", "alpha")
	if err.Error() != "project alpha: scripting endpoint disconnected" {
		t.Errorf("Wrapf() = %q", err.Error())
	}
	if !Is(err, ErrDisconnected) {
		t.Error("Wrapf should preserve the chain")
	}
}
