// Package clifmt renders plain-text tables for the CLI. The last column
// wraps to the terminal width.
package clifmt

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

const (
	defaultWidth    = 100
	minDetailWidth  = 24
	columnSeparator = "  "
)

type Table struct {
	Title     string
	Headers   []string
	Rows      [][]string
	EmptyText string
	// Width overrides terminal detection when positive.
	Width int
}

func Print(out io.Writer, t Table) {
	if out == nil {
		out = os.Stdout
	}
	if title := strings.TrimSpace(t.Title); title != "" {
		fmt.Fprintf(out, "%s (%d)\n", title, len(t.Rows))
	}
	if len(t.Rows) == 0 {
		empty := strings.TrimSpace(t.EmptyText)
		if empty == "" {
			empty = "No entries."
		}
		fmt.Fprintln(out, empty)
		return
	}
	cols := len(t.Headers)
	for _, row := range t.Rows {
		if len(row) > cols {
			cols = len(row)
		}
	}
	if cols == 0 {
		return
	}

	widths := make([]int, cols)
	for i := 0; i < cols; i++ {
		widths[i] = utf8.RuneCountInString(cell(t.Headers, i))
		for _, row := range t.Rows {
			if n := utf8.RuneCountInString(cell(row, i)); n > widths[i] {
				widths[i] = n
			}
		}
	}
	last := cols - 1
	fixed := 0
	for i := 0; i < last; i++ {
		fixed += widths[i] + len(columnSeparator)
	}
	if w := outputWidth(out, t.Width) - fixed; w < widths[last] {
		widths[last] = max(w, minDetailWidth)
	}

	if len(t.Headers) > 0 {
		writeRow(out, t.Headers, widths)
		rule := make([]string, cols)
		for i, w := range widths {
			rule[i] = strings.Repeat("-", w)
		}
		writeRow(out, rule, widths)
	}
	for _, row := range t.Rows {
		writeRow(out, row, widths)
	}
}

func cell(row []string, i int) string {
	if i < len(row) {
		return strings.TrimSpace(row[i])
	}
	return ""
}

func writeRow(out io.Writer, row []string, widths []int) {
	last := len(widths) - 1
	var prefix strings.Builder
	for i := 0; i < last; i++ {
		prefix.WriteString(padRight(cell(row, i), widths[i]))
		prefix.WriteString(columnSeparator)
	}
	lines := wrap(cell(row, last), widths[last])
	fmt.Fprintf(out, "%s%s\n", prefix.String(), lines[0])
	indent := strings.Repeat(" ", utf8.RuneCountInString(prefix.String()))
	for _, line := range lines[1:] {
		fmt.Fprintf(out, "%s%s\n", indent, line)
	}
}

func outputWidth(out io.Writer, override int) int {
	if override > 0 {
		return override
	}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			return w
		}
	}
	return defaultWidth
}

func padRight(s string, width int) string {
	if n := width - utf8.RuneCountInString(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

func wrap(text string, width int) []string {
	words := strings.Fields(text)
	if len(words) == 0 || width <= 0 {
		return []string{text}
	}
	var lines []string
	current := ""
	for _, word := range words {
		for utf8.RuneCountInString(word) > width {
			if current != "" {
				lines = append(lines, current)
				current = ""
			}
			r := []rune(word)
			lines = append(lines, string(r[:width]))
			word = string(r[width:])
		}
		switch {
		case current == "":
			current = word
		case utf8.RuneCountInString(current)+1+utf8.RuneCountInString(word) <= width:
			current += " " + word
		default:
			lines = append(lines, current)
			current = word
		}
	}
	if current != "" {
		lines = append(lines, current)
	}
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}
