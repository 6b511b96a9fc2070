package engine

import (
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/turbotask-dev/turbotask/pkg/taskstate"
)

// Stats is a point-in-time summary of the engine's task population, meant
// for logs and debug output rather than anything load-bearing.
type Stats struct {
	TaskCount    int
	ByShape      map[taskstate.Shape]int
	ByCellState  map[taskstate.CellState]int
	Hibernatable int
}

// Stats snapshots the arena's current population.
func (e *Engine) Stats() Stats {
	s := e.arena.Stats()
	return Stats{
		TaskCount:    s.TaskCount,
		ByShape:      s.ByShape,
		ByCellState:  s.ByCellState,
		Hibernatable: s.Hibernatable,
	}
}

// FormatStats renders Stats as a human-readable line, e.g. for a periodic
// log message: task counts with thousands separators (e.g. "1,234"),
// following the teacher's humanize-formatted config diagnostics.
func FormatStats(s Stats) string {
	return humanize.Comma(int64(s.TaskCount)) + " tasks, " +
		humanize.Comma(int64(s.Hibernatable)) + " hibernatable"
}

// DumpTasks renders every task's id, shape, cell state and child count as a
// colorized table, in the teacher's go-pretty style. Colorization follows
// color.NoColor, so it degrades to plain text when stdout isn't a terminal
// or tests redirect output.
func (e *Engine) DumpTasks(w io.Writer) {
	snapshots := e.arena.Snapshots()

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.AppendHeader(table.Row{"Task", "Shape", "State", "Children"})

	for _, snap := range snapshots {
		tbl.AppendRow(table.Row{
			snap.ID,
			snap.Shape.String(),
			colorizeCellState(snap.CellState),
			len(snap.Children),
		})
	}

	tbl.Render()
}

func colorizeCellState(s taskstate.CellState) string {
	switch s {
	case taskstate.Computed:
		return color.New(color.FgGreen).Sprint(s.String())
	case taskstate.Dirty:
		return color.New(color.FgYellow).Sprint(s.String())
	case taskstate.Errored:
		return color.New(color.FgRed).Sprint(s.String())
	default:
		return s.String()
	}
}

// HumanizeDuration renders d the way the teacher's diagnostics format
// elapsed run time, e.g. in a host's periodic stats log line.
func HumanizeDuration(d time.Duration) string {
	return humanize.RelTime(time.Now().Add(-d), time.Now(), "ago", "")
}
