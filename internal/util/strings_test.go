package util

import (
	"testing"

	"github.com/charmbracelet/x/ansi"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"cut", "hello world", 8, "hello..."},
		{"tiny max", "hello", 3, "..."},
		{"runes", "héllo wörld", 8, "héllo..."},
		{"empty", "", 5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateString(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestTruncateANSI(t *testing.T) {
	if got := TruncateANSI("plain", 10); got != "plain" {
		t.Errorf("short string changed: %q", got)
	}
	if got := TruncateANSI("anything", 2); got != "..." {
		t.Errorf("tiny width = %q", got)
	}

	styled := "\x1b[31mhello world\x1b[0m"
	got := TruncateANSI(styled, 8)
	if w := ansi.StringWidth(got); w != 8 {
		t.Errorf("width = %d, want 8 (%q)", w, got)
	}
	if ansi.Strip(got) != "hello..." {
		t.Errorf("stripped = %q, want %q", ansi.Strip(got), "hello...")
	}

	wide := "日本語テキスト"
	if w := ansi.StringWidth(TruncateANSI(wide, 7)); w > 7 {
		t.Errorf("wide truncation width = %d, want <= 7", w)
	}
}
