package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/controlroom/internal/errors"
)

func writeFiles(t *testing.T, dir string, files ...string) {
	t.Helper()
	for _, f := range files {
		path := filepath.Join(dir, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("## Phase 1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDiscover(t *testing.T) {
	patterns := []string{"*PLAN*.md", "docs/*plan*.md"}

	tests := []struct {
		name    string
		files   []string
		exclude []string
		want    string
	}{
		{
			name:  "root plan",
			files: []string{"PLAN.md", "README.md"},
			want:  "PLAN.md",
		},
		{
			name:  "first match in sorted order",
			files: []string{"ROADMAP_PLAN.md", "MY_PLAN.md"},
			want:  "MY_PLAN.md",
		},
		{
			name:  "pattern order wins over path order",
			files: []string{"docs/plan.md", "PLAN.md"},
			want:  "PLAN.md",
		},
		{
			name:  "falls back to docs",
			files: []string{"docs/release-plan.md"},
			want:  "docs/release-plan.md",
		},
		{
			name:    "excluded test plan",
			files:   []string{"TEST_PLAN.md", "WORK_PLAN.md"},
			exclude: []string{"TEST_PLAN.md"},
			want:    "WORK_PLAN.md",
		},
		{
			name:  "star does not cross directories",
			files: []string{"nested/PLAN.md", "docs/plan.md"},
			want:  "docs/plan.md",
		},
		{
			name:  "skips hidden and vendored dirs",
			files: []string{".git/PLAN.md", "node_modules/PLAN.md", "docs/plan.md"},
			want:  "docs/plan.md",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, tt.files...)

			got, err := Discover(dir, patterns, tt.exclude...)
			if err != nil {
				t.Fatalf("Discover() error = %v", err)
			}
			want := filepath.Join(dir, filepath.FromSlash(tt.want))
			if got != want {
				t.Errorf("Discover() = %q, want %q", got, want)
			}
		})
	}
}

func TestDiscover_NotFound(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "README.md", "docs/deep/nested/plan.md")

	_, err := Discover(dir, []string{"*PLAN*.md", "docs/*plan*.md"})
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Discover() error = %v, want ErrNotFound", err)
	}
}

func TestDiscover_InvalidPattern(t *testing.T) {
	_, err := Discover(t.TempDir(), []string{"[unclosed"})
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Discover() error = %v, want ErrInvalidInput", err)
	}
}
