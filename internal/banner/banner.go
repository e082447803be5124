package banner

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// ANSI color codes
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	dim   = "\033[2m"
	blue  = "\033[34m"
)

// Box drawing characters
const (
	topLeft     = "╭"
	topRight    = "╮"
	bottomLeft  = "╰"
	bottomRight = "╯"
	horizontal  = "─"
	vertical    = "│"
)

// Info is what the watch banner shows.
type Info struct {
	RunID       string
	BackendURL  string
	Subtools    []string
	Interval    string
	MaxDuration string
}

// Banner handles pretty startup output
type Banner struct {
	writer io.Writer
	width  int
	color  bool
}

// New creates a new Banner that writes to stdout
func New() *Banner {
	return &Banner{
		writer: os.Stdout,
		width:  60,
		color:  true,
	}
}

// NewWithWriter creates a Banner with a custom writer, without colors
func NewWithWriter(w io.Writer) *Banner {
	return &Banner{
		writer: w,
		width:  60,
	}
}

// Print displays the startup banner for a watched run
func (b *Banner) Print(info Info) {
	b.border(topLeft, topRight)
	b.line("analysiswatch", bold+blue)
	b.separator()
	b.line("Run       "+info.RunID, "")
	b.line("Backend   "+info.BackendURL, "")
	b.line(fmt.Sprintf("Subtools  %d subtool%s", len(info.Subtools), pluralize(len(info.Subtools))), "")
	if info.Interval != "" {
		b.line(fmt.Sprintf("Polling   every %s for up to %s", info.Interval, info.MaxDuration), "")
	}
	b.border(bottomLeft, bottomRight)
	fmt.Fprintln(b.writer)
}

func (b *Banner) paint(s, code string) string {
	if !b.color || code == "" {
		return s
	}
	return code + s + reset
}

func (b *Banner) border(left, right string) {
	fmt.Fprintln(b.writer, b.paint(left+strings.Repeat(horizontal, b.width-2)+right, dim))
}

func (b *Banner) separator() {
	fmt.Fprintln(b.writer, b.paint(vertical+strings.Repeat(horizontal, b.width-2)+vertical, dim))
}

func (b *Banner) line(text, code string) {
	maxLen := b.width - 4
	if visualLen(text) > maxLen {
		runes := []rune(text)
		text = string(runes[:maxLen-3]) + "..."
	}
	padding := b.width - visualLen(text) - 4
	fmt.Fprintf(b.writer, "%s %s %s%s\n",
		b.paint(vertical, dim), b.paint(text, code), strings.Repeat(" ", padding), b.paint(vertical, dim))
}

// visualLen returns the number of runes, which matches columns for the
// characters used here
func visualLen(s string) int {
	return utf8.RuneCountInString(s)
}

func pluralize(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
