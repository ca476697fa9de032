// Package console formats AGPM's terminal output: status lines, error
// messages with suggestions, and a spinner for long-running operations.
//
// Grounded on the teacher's pkg/console/console.go message-formatting
// idiom (an emoji glyph plus an adaptive lipgloss color per message kind,
// gated on TTY detection) and pkg/styles/theme.go's adaptive color
// palette, folded into one package since AGPM's CLI surface is far
// smaller than gh-aw's (no tables, no multi-page teletype rendering).
package console

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	colorError   = lipgloss.AdaptiveColor{Light: "#D73737", Dark: "#FF5555"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#E67E22", Dark: "#FFB86C"}
	colorSuccess = lipgloss.AdaptiveColor{Light: "#27AE60", Dark: "#50FA7B"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#2980B9", Dark: "#8BE9FD"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#6C7A89", Dark: "#6272A4"}

	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess)
	styleInfo    = lipgloss.NewStyle().Foreground(colorInfo)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
)

// isTTY reports whether stderr (where AGPM prints its status lines) is a
// terminal; plain output otherwise, so piping to a file or CI log stays
// readable.
func isTTY() bool {
	return isatty.IsTerminal(os.Stderr.Fd())
}

func applyStyle(style lipgloss.Style, text string) string {
	if isTTY() {
		return style.Render(text)
	}
	return text
}

// Success formats a success status line.
func Success(message string) string {
	return applyStyle(styleSuccess, "✓ ") + message
}

// Info formats an informational status line.
func Info(message string) string {
	return applyStyle(styleInfo, "ℹ ") + message
}

// Warning formats a warning status line.
func Warning(message string) string {
	return applyStyle(styleWarning, "⚠ ") + message
}

// Muted formats a secondary/dim status line (e.g. per-resource progress).
func Muted(message string) string {
	return applyStyle(styleMuted, message)
}

// Error formats an error status line.
func Error(message string) string {
	return applyStyle(styleError, "✗ ") + message
}

// ErrorWithSuggestions formats an error plus a bulleted list of remediation
// suggestions, per spec.md §7's "structured context" propagation policy.
func ErrorWithSuggestions(message string, suggestions []string) string {
	out := Error(message)
	if len(suggestions) == 0 {
		return out
	}
	out += "\n\nSuggestions:\n"
	for _, s := range suggestions {
		out += fmt.Sprintf("  • %s\n", s)
	}
	return out
}
