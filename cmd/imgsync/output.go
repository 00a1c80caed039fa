package main

import (
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/klpgo/imgsync/pkg/resize"
	"github.com/klpgo/imgsync/pkg/runner"
)

// Color variables for consistent styling across debug and maintenance
// output.
var (
	colorHeader  = color.New(color.FgWhite, color.Bold)
	colorSuccess = color.New(color.FgGreen)
	colorError   = color.New(color.FgRed)
	colorWarning = color.New(color.FgYellow)
	colorMuted   = color.New(color.Faint)
)

// newStyledTable creates a pre-configured go-pretty table with StyleLight
// base, bold white headers, and no row separators.
func newStyledTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)

	style := table.StyleLight
	style.Options.SeparateRows = false
	style.Options.DrawBorder = false
	style.Options.SeparateColumns = true
	style.Format.Header = text.FormatUpper
	style.Format.HeaderAlign = text.AlignLeft
	t.SetStyle(style)

	return t
}

// renderTable renders the table to stdout.
func renderTable(t table.Writer) {
	t.Render()
}

// printPlanTable renders a debug-mode summary of the resize decision.
func printPlanTable(plan *resize.Plan) {
	colorHeader.Println("Resize Plan")
	t := newStyledTable()
	t.AppendHeader(table.Row{"Decision", "Current", "Used", "Target"})
	t.AppendRow(table.Row{
		decisionBadge(plan.Decision.String()),
		strconv.FormatInt(plan.CurrentSize, 10),
		strconv.FormatInt(plan.UsedSectors, 10),
		strconv.FormatInt(plan.Target, 10),
	})
	renderTable(t)
}

// decisionBadge returns a colored resize decision name.
func decisionBadge(decision string) string {
	switch decision {
	case "grow":
		return colorSuccess.Sprint("grow")
	case "shrink":
		return colorWarning.Sprint("shrink")
	case "noop":
		return colorMuted.Sprint("noop")
	default:
		return decision
	}
}

// printError prints a failure message in the error color.
func printError(err error) {
	colorError.Fprintf(os.Stderr, "imgsync: %v\n", err)
}

// printLastCommand prints the last external command run before a failure,
// its arguments, and its captured output, as required by debug mode. A nil
// cmd means nothing had run yet (e.g. a validation failure before any
// subprocess was spawned), so there is nothing to print.
func printLastCommand(cmd *runner.Result) {
	if cmd == nil {
		return
	}
	colorMuted.Fprintf(os.Stderr, "last command: %s\n", cmd.String())
	colorMuted.Fprintf(os.Stderr, "exit code: %d\n", cmd.ExitCode)
	colorMuted.Fprintf(os.Stderr, "output:\n%s\n", cmd.Output)
}

// printSuccess prints a closing success message in the success color.
func printSuccess(msg string) {
	colorSuccess.Println(msg)
}
