// Package util provides small string helpers shared across packages.
package util

import (
	"github.com/charmbracelet/x/ansi"
)

// Ellipsis is appended to truncated strings.
const Ellipsis = "..."

// TruncateString truncates s to maxLen runes, ending with Ellipsis if
// anything was cut. It ignores escape sequences and cell widths.
func TruncateString(s string, maxLen int) string {
	if maxLen <= len(Ellipsis) {
		return Ellipsis
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-len(Ellipsis)]) + Ellipsis
}

// TruncateANSI truncates s to maxWidth terminal cells. Escape sequences are
// preserved and wide characters count as two cells.
func TruncateANSI(s string, maxWidth int) string {
	if maxWidth <= len(Ellipsis) {
		return Ellipsis
	}
	if ansi.StringWidth(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, Ellipsis)
}
