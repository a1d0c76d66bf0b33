package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/controlroom/internal/plan"
)

func parseText(_ string, data []byte) (string, error) {
	s := string(data)
	if strings.HasPrefix(s, "bad") {
		return "", fmt.Errorf("malformed: %s", s)
	}
	return s, nil
}

type fixture struct {
	path    string
	h       *Handle[string]
	changes chan string
	errs    chan error
}

func startFixture(t *testing.T, initial string) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "PLAN.md")
	writeFile(t, path, initial)

	f := &fixture{
		path:    path,
		changes: make(chan string, 32),
		errs:    make(chan error, 32),
	}
	h, err := Start(path, parseText, func(v string) { f.changes <- v }, Options{
		Debounce: 20 * time.Millisecond,
		Settle:   100 * time.Millisecond,
		OnError:  func(err error) { f.errs <- err },
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.h = h
	t.Cleanup(h.Stop)
	return f
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) expectChange(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-f.changes:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("no change to %q observed", want)
		}
	}
}

func (f *fixture) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case got := <-f.changes:
		t.Fatalf("unexpected change %q", got)
	case <-time.After(d):
	}
}

func TestStart_InitialValue(t *testing.T) {
	f := startFixture(t, "hello")
	if f.h.Current() != "hello" {
		t.Errorf("Current() = %q", f.h.Current())
	}
	if f.h.Hash() != plan.HashBytes([]byte("hello")) {
		t.Error("Hash() does not match initial content")
	}
}

func TestStart_MissingFile(t *testing.T) {
	_, err := Start(filepath.Join(t.TempDir(), "nope.md"), parseText, nil, Options{})
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestExternalChangeNotifies(t *testing.T) {
	f := startFixture(t, "v1")
	writeFile(t, f.path, "v2")
	f.expectChange(t, "v2")
	if f.h.Current() != "v2" {
		t.Errorf("Current() = %q", f.h.Current())
	}
}

func TestBurstDebouncesToFinalContent(t *testing.T) {
	f := startFixture(t, "v0")
	for i := 1; i <= 5; i++ {
		writeFile(t, f.path, fmt.Sprintf("v%d", i))
	}
	f.expectChange(t, "v5")
}

func TestSelfWriteSuppressed(t *testing.T) {
	f := startFixture(t, "before")

	w := f.h.ExpectWrite()
	writeFile(t, f.path, "ours")
	w.End(plan.HashBytes([]byte("ours")))

	f.expectQuiet(t, 250*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for f.h.Current() != "ours" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.h.Current() != "ours" {
		t.Errorf("baseline not updated after self-write: %q", f.h.Current())
	}

	// External edits after the window still notify.
	writeFile(t, f.path, "theirs")
	f.expectChange(t, "theirs")
}

func TestExternalEditDuringWindowNotifies(t *testing.T) {
	f := startFixture(t, "before")

	w := f.h.ExpectWrite()
	writeFile(t, f.path, "ours")
	time.Sleep(50 * time.Millisecond)
	writeFile(t, f.path, "ours+user")
	w.End(plan.HashBytes([]byte("ours")))

	f.expectChange(t, "ours+user")
}

func TestUnchangedExternalWriteNotifies(t *testing.T) {
	f := startFixture(t, "same")

	writeFile(t, f.path, "same")
	f.expectChange(t, "same")
}

func TestEchoSuppressesOnce(t *testing.T) {
	f := startFixture(t, "before")

	w := f.h.ExpectWrite()
	writeFile(t, f.path, "ours")
	w.End(plan.HashBytes([]byte("ours")))

	deadline := time.Now().Add(2 * time.Second)
	for f.h.Current() != "ours" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.h.Current() != "ours" {
		t.Fatalf("self-write never reloaded: %q", f.h.Current())
	}

	// Same bytes saved externally inside the settle interval.
	writeFile(t, f.path, "ours")
	f.expectChange(t, "ours")
	writeFile(t, f.path, "ours")
	f.expectChange(t, "ours")
}

func TestNoWriteWindowKeepsExternalSave(t *testing.T) {
	f := startFixture(t, "same")

	// An edit that found nothing to change ends without a hash.
	f.h.ExpectWrite().End("")

	writeFile(t, f.path, "same")
	f.expectChange(t, "same")
	writeFile(t, f.path, "same")
	f.expectChange(t, "same")
}

func TestFailedWriteWindow(t *testing.T) {
	f := startFixture(t, "v1")

	w := f.h.ExpectWrite()
	writeFile(t, f.path, "v2")
	w.End("")
	w.End("ignored")

	f.expectChange(t, "v2")
}

func TestParseErrorReported(t *testing.T) {
	f := startFixture(t, "good")

	writeFile(t, f.path, "bad content")
	select {
	case err := <-f.errs:
		if !strings.Contains(err.Error(), "malformed") {
			t.Errorf("error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("parse error not reported")
	}
	if f.h.Current() != "good" {
		t.Errorf("Current() replaced by unparsable content: %q", f.h.Current())
	}

	writeFile(t, f.path, "fixed")
	f.expectChange(t, "fixed")
}

func TestAtomicReplaceNotifies(t *testing.T) {
	f := startFixture(t, "v1")

	tmp := f.path + ".tmp"
	writeFile(t, tmp, "v2")
	if err := os.Rename(tmp, f.path); err != nil {
		t.Fatal(err)
	}
	f.expectChange(t, "v2")
}

func TestStopIsIdempotent(t *testing.T) {
	f := startFixture(t, "v1")
	f.h.Stop()
	f.h.Stop()

	writeFile(t, f.path, "v2")
	f.expectQuiet(t, 100*time.Millisecond)
}
