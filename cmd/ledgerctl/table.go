package main

import (
	"bufio"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

// table prints aligned columns. Widths are measured in terminal cells so
// account names with å/ä/ö line up. Columns listed in right are
// right-aligned (amounts).
type table struct {
	headers []string
	rows    [][]string
	right   map[int]bool
}

func newTable(headers ...string) *table {
	return &table{headers: headers, right: map[int]bool{}}
}

func (t *table) alignRight(cols ...int) *table {
	for _, c := range cols {
		t.right[c] = true
	}
	return t
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) error {
	widths := make([]int, len(t.headers))
	for _, row := range append([][]string{t.headers}, t.rows...) {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], runewidth.StringWidth(cell))
			}
		}
	}

	bw := bufio.NewWriter(w)
	write := func(row []string) {
		cells := make([]string, len(widths))
		for i := range widths {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			if t.right[i] {
				cells[i] = runewidth.FillLeft(cell, widths[i])
			} else if i < len(widths)-1 {
				cells[i] = runewidth.FillRight(cell, widths[i])
			} else {
				cells[i] = cell
			}
		}
		bw.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
		bw.WriteString("\n")
	}

	write(t.headers)
	for _, row := range t.rows {
		write(row)
	}
	return bw.Flush()
}
