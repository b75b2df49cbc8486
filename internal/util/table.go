package util

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"
)

// TableColumn is one column of a rendered table
type TableColumn struct {
	Header string
	Key    string // key into each row map
	Width  int    // set by RenderTable
}

var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*m")

// RenderTable prints rows to stdout with columns sized to their widest cell.
// Colored cells are measured without their escape codes.
func RenderTable(columns []TableColumn, data []map[string]interface{}) {
	RenderTableTo(os.Stdout, columns, data)
}

// RenderTableTo is RenderTable writing to w.
func RenderTableTo(w io.Writer, columns []TableColumn, data []map[string]interface{}) {
	if len(data) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	cells := make([][]string, len(data))
	for r, row := range data {
		cells[r] = make([]string, len(columns))
		for c, col := range columns {
			if v, ok := row[col.Key]; ok {
				cells[r][c] = fmt.Sprintf("%v", v)
			}
		}
	}

	for c := range columns {
		columns[c].Width = displayWidth(columns[c].Header)
		for r := range cells {
			columns[c].Width = max(columns[c].Width, displayWidth(cells[r][c]))
		}
	}

	header := make([]string, len(columns))
	rule := make([]string, len(columns))
	for c, col := range columns {
		header[c] = pad(col.Header, col.Width)
		rule[c] = strings.Repeat("-", col.Width)
	}
	fmt.Fprintln(w, strings.Join(header, " "))
	fmt.Fprintln(w, strings.Join(rule, " "))

	for _, row := range cells {
		parts := make([]string, len(columns))
		for c, col := range columns {
			parts[c] = pad(row[c], col.Width)
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
	}
}

func displayWidth(s string) int {
	return utf8.RuneCountInString(ansiEscape.ReplaceAllString(s, ""))
}

func pad(s string, width int) string {
	if n := displayWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
