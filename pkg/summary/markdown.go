package summary

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/testrelay/pkg/aggregator"
	"github.com/ethpandaops/testrelay/pkg/fsutil"
)

// MaxMarkdownChars keeps the document under the size limit of CI step
// summaries.
const MaxMarkdownChars = 65000

type failedTest struct {
	run    string
	test   string
	status aggregator.TestStatus
	trace  string
}

// Markdown renders the session as a markdown document capped at maxChars
// characters. A non-positive maxChars disables the cap.
func (s *Session) Markdown(maxChars int) string {
	var sb strings.Builder

	sb.Grow(4096)

	writeTitle(&sb, s)
	writeOverview(&sb, s)
	writeRuns(&sb, s.Runs)

	// Failed tests section is last so that only it gets truncated.
	writeFailedTests(&sb, collectFailedTests(s.Runs), maxChars)

	return sb.String()
}

func writeTitle(sb *strings.Builder, s *Session) {
	fmt.Fprintf(sb, "# Test Session: %s\n\n", s.DirName())
}

func writeOverview(sb *strings.Builder, s *Session) {
	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	fmt.Fprintf(sb, "| Status | %s |\n", s.Status)
	fmt.Fprintf(sb, "| Source | `%s` |\n", s.Source)
	fmt.Fprintf(sb, "| Started | %s |\n", s.StartedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(sb, "| Duration | %s |\n", formatElapsed(s.Duration()))
	fmt.Fprintf(sb, "| Tests | %d total, %d passed, %d failed, %d error |\n",
		s.Totals.Total, s.Totals.Passed, s.Totals.Failed, s.Totals.Error)

	if s.Invocation.BuildID != "" {
		fmt.Fprintf(sb, "| Build | `%s` |\n", s.Invocation.BuildID)
	}

	if s.Invocation.Failure != nil {
		fmt.Fprintf(sb, "| Invocation Failure | %s |\n", escapeCell(s.Invocation.Failure.Message))
	}

	if !s.StreamEnd {
		sb.WriteString("| Stream | ended without a clean end of stream |\n")
	}

	sb.WriteByte('\n')
}

func writeRuns(sb *strings.Builder, runs []aggregator.RunResult) {
	if len(runs) == 0 {
		return
	}

	sb.WriteString("## Runs\n\n")
	sb.WriteString("| Run | State | Tests | Passed | Failed | Error | Ignored | Elapsed |\n")
	sb.WriteString("|---|---|---|---|---|---|---|---|\n")

	for _, run := range runs {
		fmt.Fprintf(sb, "| %s | %s | %d/%d | %d | %d | %d | %d | %s |\n",
			escapeCell(run.Name),
			run.State,
			run.NumTests(),
			run.ExpectedTests,
			run.NumPassedTests(),
			run.NumFailedTests(),
			run.NumErrorTests(),
			run.NumIgnoredTests(),
			formatElapsed(time.Duration(run.ElapsedMs)*time.Millisecond),
		)
	}

	sb.WriteByte('\n')
}

func writeFailedTests(
	sb *strings.Builder,
	failed []failedTest,
	maxChars int,
) {
	if len(failed) == 0 {
		return
	}

	sb.WriteString("## Failed Tests\n\n")
	sb.WriteString("| Run | Test | Status | Message |\n")
	sb.WriteString("|---|---|---|---|\n")

	// Reserve space for the truncation message.
	const reserveChars = 100

	for i, ft := range failed {
		row := fmt.Sprintf("| %s | %s | %s | %s |\n",
			escapeCell(ft.run), escapeCell(ft.test), ft.status, escapeCell(firstLine(ft.trace)))

		if maxChars > 0 && sb.Len()+len(row)+reserveChars > maxChars {
			fmt.Fprintf(sb,
				"\n*%d more failed test(s) not shown "+
					"(output truncated at %d chars)*\n",
				len(failed)-i, maxChars)

			return
		}

		sb.WriteString(row)
	}
}

// collectFailedTests returns FAILURE and ERROR outcomes in run order.
func collectFailedTests(runs []aggregator.RunResult) []failedTest {
	var failed []failedTest

	for _, run := range runs {
		for _, entry := range run.Tests {
			switch entry.Result.Status {
			case aggregator.StatusFailure, aggregator.StatusError:
				failed = append(failed, failedTest{
					run:    run.Name,
					test:   entry.ID().String(),
					status: entry.Result.Status,
					trace:  entry.Result.Trace,
				})
			}
		}
	}

	return failed
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}

// WriteMarkdown writes the markdown rendering of s to path.
func WriteMarkdown(s *Session, path string, owner *fsutil.Owner) error {
	if err := fsutil.WriteFile(path, []byte(s.Markdown(MaxMarkdownChars)), 0o644, owner); err != nil {
		return fmt.Errorf("writing markdown summary: %w", err)
	}

	return nil
}
