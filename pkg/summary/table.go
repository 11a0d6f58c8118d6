package summary

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/testrelay/pkg/aggregator"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Render writes the session as a console table: one row per run, one row per
// non-passing test, and a TOTAL footer.
func (s *Session) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)

	style := table.StyleLight
	style.Format.Footer = text.FormatDefault
	t.SetStyle(style)

	t.SetTitle(fmt.Sprintf("Test Results (%s, %s)", s.Status, formatElapsed(s.Duration())))

	t.AppendHeader(table.Row{
		"Run", "State", "Tests", "Passed", "Failed", "Error", "Ignored", "Assumption", "Elapsed", "Detail",
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Run", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Error", Align: text.AlignRight},
		{Name: "Ignored", Align: text.AlignRight},
		{Name: "Assumption", Align: text.AlignRight},
		{Name: "Elapsed", Align: text.AlignRight},
		{Name: "Detail", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, run := range s.Runs {
		detail := run.FailureReason
		if !run.Complete {
			detail = fmt.Sprintf("incomplete (%d/%d tests reported)", run.NumTests(), run.ExpectedTests)
		}

		t.AppendRow(table.Row{
			run.Name,
			string(run.State),
			run.NumTests(),
			run.NumPassedTests(),
			run.NumFailedTests(),
			run.NumErrorTests(),
			run.NumIgnoredTests(),
			run.NumAssumptionFailures(),
			formatElapsed(time.Duration(run.ElapsedMs) * time.Millisecond),
			detail,
		})

		problems := nonPassing(run)
		for i, entry := range problems {
			prefix := "├─"
			if i == len(problems)-1 {
				prefix = "└─"
			}

			t.AppendRow(table.Row{
				fmt.Sprintf("%s %s", prefix, entry.ID()),
				string(entry.Result.Status),
				"", "", "", "", "", "", "",
				firstLine(entry.Result.Trace),
			})
		}

		t.AppendSeparator()
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		s.Status,
		s.Totals.Total,
		s.Totals.Passed,
		s.Totals.Failed,
		s.Totals.Error,
		s.Totals.Ignored,
		s.Totals.AssumptionFailures,
		formatElapsed(s.Duration()),
		s.streamDetail(),
	})

	t.Render()
}

func (s *Session) streamDetail() string {
	parts := []string{fmt.Sprintf("%d events", s.Stream.Events)}

	if s.Stream.DecodeErrors > 0 {
		parts = append(parts, fmt.Sprintf("%d undecodable", s.Stream.DecodeErrors))
	}

	if s.Stream.DispatchErrors > 0 {
		parts = append(parts, fmt.Sprintf("%d rejected", s.Stream.DispatchErrors))
	}

	if s.Invocation.Failure != nil {
		parts = append(parts, "invocation failed: "+s.Invocation.Failure.Message)
	}

	return strings.Join(parts, ", ")
}

func nonPassing(run aggregator.RunResult) []aggregator.TestEntry {
	var out []aggregator.TestEntry

	for _, entry := range run.Tests {
		if entry.Result.Status != aggregator.StatusPassed {
			out = append(out, entry)
		}
	}

	return out
}

func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}

	return units.HumanDuration(d)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")

	return strings.TrimSpace(line)
}

// FormatSize renders a byte count for log fields.
func FormatSize(n int64) string {
	return units.HumanSize(float64(n))
}
