// Package format provides CLI output formatting: TTY detection, status
// styling, and the fixed-width tables the management commands print.
package format

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tombee/openworkflow/pkg/backend"
)

// Styles shared by every command.
var (
	// StatusOK styles success indicators
	StatusOK = lipgloss.NewStyle().Foreground(lipgloss.Color("42")) // green

	// StatusWarn styles warning indicators
	StatusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange

	// StatusError styles error indicators
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red

	// StatusInfo styles informational text
	StatusInfo = lipgloss.NewStyle().Foreground(lipgloss.Color("39")) // blue

	// Muted styles secondary text
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray

	// Bold styles emphasized text
	Bold = lipgloss.NewStyle().Bold(true)
)

// Symbols for status indicators
const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
	SymbolInfo  = "•"
)

// IsTTY reports whether stdout should use terminal formatting. Piped
// output, NO_COLOR, and dumb terminals all disable it.
func IsTTY() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	termEnv := os.Getenv("TERM")
	if termEnv == "dumb" || termEnv == "" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// statusStyles maps run statuses onto the shared palette.
var statusStyles = map[backend.Status]lipgloss.Style{
	backend.StatusPending:   Muted,
	backend.StatusRunning:   StatusInfo,
	backend.StatusSleeping:  StatusWarn,
	backend.StatusCompleted: StatusOK,
	backend.StatusFailed:    StatusError,
	backend.StatusCanceled:  Muted,
}

// Status renders a run status, colored when tty is true.
func Status(s backend.Status, tty bool) string {
	if !tty {
		return string(s)
	}
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// StepStatus renders a step attempt status, colored when tty is true.
func StepStatus(s backend.StepStatus, tty bool) string {
	if !tty {
		return string(s)
	}
	switch s {
	case backend.StepStatusCompleted:
		return StatusOK.Render(string(s))
	case backend.StepStatusFailed:
		return StatusError.Render(string(s))
	default:
		return StatusInfo.Render(string(s))
	}
}

// RenderOK renders a success line with a green checkmark.
func RenderOK(msg string) string {
	return StatusOK.Render(SymbolOK) + " " + msg
}

// RenderWarn renders a warning line with an orange symbol.
func RenderWarn(msg string) string {
	return StatusWarn.Render(SymbolWarn) + " " + msg
}

// RenderError renders an error line with a red X.
func RenderError(msg string) string {
	return StatusError.Render(SymbolError) + " " + msg
}

// Truncate shortens s to max runes, ellipsizing when it was longer.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// Timestamp renders a nullable time in the local zone, "-" when unset.
func Timestamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// Table prints fixed-width columns: a header row, a dash underline, then
// one row per item. Styled cells are padded by visible width so colors
// do not break alignment.
type Table struct {
	out    io.Writer
	widths []int
}

// NewTable writes the header and underline and returns the table.
// The final column is unconstrained.
func NewTable(out io.Writer, headers []string, widths []int) *Table {
	t := &Table{out: out, widths: widths}
	cells := make([]string, len(headers))
	underline := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = h
		width := t.width(i, h)
		underline[i] = strings.Repeat("-", width)
	}
	t.Row(cells...)
	t.Row(underline...)
	return t
}

// Row writes one table row.
func (t *Table) Row(cells ...string) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		if i == len(cells)-1 {
			parts[i] = cell
			continue
		}
		width := t.width(i, cell)
		pad := width - lipgloss.Width(cell)
		if pad < 0 {
			pad = 0
		}
		parts[i] = cell + strings.Repeat(" ", pad)
	}
	fmt.Fprintln(t.out, strings.Join(parts, " "))
}

func (t *Table) width(i int, cell string) int {
	if i < len(t.widths) {
		return t.widths[i]
	}
	return lipgloss.Width(cell)
}
