package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// columnGap is the number of spaces between columns.
const columnGap = 2

// Table prints column-aligned output. Column widths ignore ANSI colour
// codes, so coloured cells line up. On a terminal, the widest columns are
// narrowed to fit and their cells wrap onto continuation lines. Headers and
// a dash divider are written on Flush; empty tables produce no output.
type Table struct {
	out     io.Writer
	width   int // terminal width; 0 disables capping
	headers []string
	rows    [][]string
	prefix  string
}

// NewTable creates a table with the given column headers.
func NewTable(headers ...string) *Table {
	width := 0
	if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
		if w, _, err := term.GetSize(fd); err == nil {
			width = w
		}
	}
	return &Table{out: os.Stdout, width: width, headers: headers}
}

// WithPrefix sets a string prepended to each line (headers, divider, rows).
// Useful for indenting sub-tables within larger output.
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// Row adds a row. Missing trailing cells are left empty.
func (t *Table) Row(values ...string) {
	t.rows = append(t.rows, values)
}

// Flush writes the table. If no rows were added, nothing is printed.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visualLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && visualLen(cell) > widths[i] {
				widths[i] = visualLen(cell)
			}
		}
	}
	if t.width > 0 {
		widths = capWidths(widths, t.headers, t.width, visualLen(t.prefix))
	}

	dividers := make([]string, len(t.headers))
	for i, h := range t.headers {
		dividers[i] = strings.Repeat("-", visualLen(h))
	}
	t.writeRow(widths, t.headers)
	t.writeRow(widths, dividers)
	for _, row := range t.rows {
		t.writeRow(widths, row)
	}
	t.rows = nil
}

// writeRow prints one row, wrapping cells wider than their column.
func (t *Table) writeRow(widths []int, row []string) {
	cells := make([][]string, len(widths))
	lines := 1
	for i := range widths {
		cell := ""
		if i < len(row) {
			cell = row[i]
		}
		cells[i] = wrapCell(cell, widths[i])
		if len(cells[i]) > lines {
			lines = len(cells[i])
		}
	}

	for l := 0; l < lines; l++ {
		var sb strings.Builder
		sb.WriteString(t.prefix)
		for i, w := range widths {
			part := ""
			if l < len(cells[i]) {
				part = cells[i][l]
			}
			sb.WriteString(part)
			if i < len(widths)-1 {
				sb.WriteString(strings.Repeat(" ", w-visualLen(part)+columnGap))
			}
		}
		fmt.Fprintln(t.out, strings.TrimRight(sb.String(), " "))
	}
}

// capWidths narrows the widest columns until the table fits termWidth.
// No column goes below the width of its header.
func capWidths(widths []int, headers []string, termWidth, prefixLen int) []int {
	out := make([]int, len(widths))
	copy(out, widths)

	total := prefixLen + columnGap*(len(out)-1)
	for _, w := range out {
		total += w
	}

	for total > termWidth {
		widest := -1
		for i, w := range out {
			if w > visualLen(headers[i]) && (widest < 0 || w > out[widest]) {
				widest = i
			}
		}
		if widest < 0 {
			break
		}
		out[widest]--
		total--
	}
	return out
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// visualLen is the printed width of s: runes, not counting ANSI escapes.
func visualLen(s string) int {
	return utf8.RuneCountInString(ansiEscape.ReplaceAllString(s, ""))
}

// wrapCell splits s into lines of at most width runes, breaking at spaces
// and hard-breaking words longer than width. A cell that fits is returned
// unchanged; a wrapped cell loses its colour.
func wrapCell(s string, width int) []string {
	if width <= 0 || visualLen(s) <= width {
		return []string{s}
	}

	var lines []string
	cur := ""
	flush := func() {
		lines = append(lines, cur)
		cur = ""
	}
	for _, word := range strings.Fields(ansiEscape.ReplaceAllString(s, "")) {
		for utf8.RuneCountInString(word) > width {
			if cur != "" {
				flush()
			}
			r := []rune(word)
			lines = append(lines, string(r[:width]))
			word = string(r[width:])
		}
		switch {
		case word == "":
		case cur == "":
			cur = word
		case utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(word) <= width:
			cur += " " + word
		default:
			flush()
			cur = word
		}
	}
	if cur != "" {
		flush()
	}
	return lines
}
