package status

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/chr1sbest/analysiswatch/internal/analysis"
)

// ANSI escape codes
const (
	clearLine  = "\033[2K"
	moveUp     = "\033[A"
	moveToCol0 = "\r"
	reset      = "\033[0m"
	bold       = "\033[1m"
	dim        = "\033[2m"
	green      = "\033[32m"
	yellow     = "\033[33m"
	cyan       = "\033[36m"
	red        = "\033[31m"
)

// Progress bar characters
const (
	barFilled = "█"
	barEmpty  = "░"
	barWidth  = 20
)

// Writer handles in-place status updates to the terminal
type Writer struct {
	w            io.Writer
	mu           sync.Mutex
	linesWritten int
	color        bool
}

// New creates a status writer that outputs to stdout. In-place redraws and
// colors are used only when stdout is a terminal.
func New() *Writer {
	fd := os.Stdout.Fd()
	return &Writer{w: os.Stdout, color: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)}
}

// NewWithWriter creates a status writer with a custom output. Output to a
// custom writer is plain text without escape codes.
func NewWithWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Clear erases any previously written status lines
func (s *Writer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Writer) clearLocked() {
	if !s.color {
		s.linesWritten = 0
		return
	}
	for i := 0; i < s.linesWritten; i++ {
		fmt.Fprint(s.w, moveUp+clearLine)
	}
	fmt.Fprint(s.w, moveToCol0)
	s.linesWritten = 0
}

// Update clears previous status and writes new status
func (s *Writer) Update(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	for _, line := range lines {
		fmt.Fprintln(s.w, line)
	}
	s.linesWritten = len(lines)
}

// Show renders snap in place. Finished runs are left on screen.
func (s *Writer) Show(snap analysis.Snapshot) {
	lines := Render(snap, s.color)
	s.Update(lines...)
	if !snap.Loading {
		s.mu.Lock()
		s.linesWritten = 0
		s.mu.Unlock()
	}
}

// Render formats snap as terminal lines.
func Render(snap analysis.Snapshot, color bool) []string {
	p := palette(color)
	if snap.RunID == "" {
		return []string{p.dim + "No analysis run selected" + p.reset}
	}

	resolved := snap.Results.Len()
	total := resolved + len(snap.Pending)
	for _, f := range snap.Failed {
		if f.Final {
			total++
		}
	}

	lines := []string{
		fmt.Sprintf("%s %s%3d%%%s %s%d/%d%s %s",
			progressBar(snap.Progress, p), p.bold, snap.Progress, p.reset,
			p.dim, resolved, total, p.reset, connectionLabel(snap.ConnectionStatus, p)),
	}

	if len(snap.Pending) > 0 && snap.Loading {
		names := make([]string, len(snap.Pending))
		for i, n := range snap.Pending {
			names[i] = string(n)
		}
		lines = append(lines, fmt.Sprintf("%sWaiting on %s%s", p.dim, strings.Join(names, ", "), p.reset))
	}

	for _, f := range snap.Failed {
		if f.Final {
			lines = append(lines, fmt.Sprintf("%s✗ %s failed: %s%s", p.red, f.Name, f.Reason, p.reset))
		} else {
			lines = append(lines, fmt.Sprintf("%s! %s reported failure, still waiting: %s%s", p.yellow, f.Name, f.Reason, p.reset))
		}
	}

	switch {
	case snap.Loading:
	case snap.Err != nil:
		lines = append(lines, fmt.Sprintf("%s✗ %v%s", p.red+p.bold, snap.Err, p.reset))
	case resolved == 0 && total > 0:
		// Every subtool failed. Progress reads 100 because nothing is pending.
		lines = append(lines, fmt.Sprintf("%s✗ No subtool produced a result%s", p.red+p.bold, p.reset))
	default:
		lines = append(lines, fmt.Sprintf("%s✓ Complete%s", p.green+p.bold, p.reset))
	}
	return lines
}

type colors struct {
	reset, bold, dim, green, yellow, cyan, red string
}

func palette(color bool) colors {
	if !color {
		return colors{}
	}
	return colors{reset: reset, bold: bold, dim: dim, green: green, yellow: yellow, cyan: cyan, red: red}
}

func connectionLabel(cs analysis.ConnectionStatus, p colors) string {
	switch cs {
	case analysis.StatusConnected:
		return p.green + "● connected" + p.reset
	case analysis.StatusWaking:
		return p.yellow + "◌ backend waking up" + p.reset
	case analysis.StatusError:
		return p.red + "● error" + p.reset
	default:
		return p.cyan + "◌ connecting" + p.reset
	}
}

// progressBar generates a progress bar string for a 0-100 percentage
func progressBar(percent int, p colors) string {
	if percent < 0 {
		percent = 0
	}
	filled := (percent * barWidth) / 100
	if filled > barWidth {
		filled = barWidth
	}

	return p.green + strings.Repeat(barFilled, filled) + p.reset +
		p.dim + strings.Repeat(barEmpty, barWidth-filled) + p.reset
}
