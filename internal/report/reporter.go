// Package report renders batch progress to the terminal and prints the final
// result.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/k3vm/clop/internal/progress"
	"github.com/k3vm/clop/internal/protocol"
)

// ANSI sequences used to erase the previous frame.
const (
	LineUp    = "\x1b[1A"
	LineClear = "\x1b[2K"
)

const (
	// BarWidth is the number of cells in a progress bar.
	BarWidth = 20

	maxLabelLen    = 50
	labelSuffixLen = 40
)

// Counter reports batch totals.
type Counter interface {
	Counts() (done, failed, total int)
}

// RowSource lists the live progress records.
type RowSource interface {
	Rows() []progress.Record
}

// Reporter redraws a multi-line status frame, erasing exactly the lines it
// printed last time.
type Reporter struct {
	out    io.Writer
	counts Counter
	rows   RowSource
	styles Styles

	mu        sync.Mutex
	lastLines int
}

// New creates a reporter writing to out. rows may be nil when no per-file
// progress is tracked.
func New(out io.Writer, counts Counter, rows RowSource) *Reporter {
	return &Reporter{
		out:    out,
		counts: counts,
		rows:   rows,
		styles: NewStyles(out),
	}
}

// Redraw replaces the previous frame with the current state. Calls are
// serialized, so concurrent redraws never interleave.
func (r *Reporter) Redraw() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	b.WriteString(strings.Repeat(LineUp+LineClear, r.lastLines))

	done, failed, total := r.counts.Counts()
	b.WriteString(r.summary(done, failed, total))
	b.WriteByte('\n')
	lines := 1

	if r.rows != nil {
		for _, rec := range r.rows.Rows() {
			b.WriteString(FormatRow(rec))
			b.WriteByte('\n')
			lines++
		}
	}

	r.lastLines = lines
	io.WriteString(r.out, b.String())
}

// LinesPrinted returns the height of the last frame.
func (r *Reporter) LinesPrinted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastLines
}

func (r *Reporter) summary(done, failed, total int) string {
	return fmt.Sprintf("Processed %d of %d | %s | %s",
		done+failed, total,
		r.styles.Success.Render(fmt.Sprintf("Success: %d", done)),
		r.styles.Failed.Render(fmt.Sprintf("Failed: %d", failed)),
	)
}

// RenderProgressBar renders fraction as a bar of width cells.
func RenderProgressBar(fraction float64, width int) string {
	if fraction < 0 || math.IsNaN(fraction) {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	filled := int(fraction * float64(width))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// Percent returns fraction as a rounded percentage.
func Percent(fraction float64) int {
	return int(math.Round(fraction * 100))
}

// FormatRow formats one live progress record.
func FormatRow(rec progress.Record) string {
	bar := RenderProgressBar(rec.Fraction, BarWidth)
	label := Label(rec.Target)
	if rec.Description != "" {
		return fmt.Sprintf("%s: %s %s (%d%%)", label, rec.Description, bar, Percent(rec.Fraction))
	}
	return fmt.Sprintf("%s: %s %d%%", label, bar, Percent(rec.Fraction))
}

// Label shortens long targets to an ellipsis followed by their tail, which
// keeps the file name visible.
func Label(target string) string {
	runes := []rune(target)
	if len(runes) <= maxLabelLen {
		return target
	}
	return "..." + string(runes[len(runes)-labelSuffixLen:])
}

// PrintResult writes result to w as one JSON object.
func PrintResult(w io.Writer, result protocol.Result) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("print result: %w", err)
	}
	return nil
}
