// Package summary turns the final aggregator state into a session summary:
// a console table and a JSON or YAML document written next to the results.
package summary

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethpandaops/testrelay/pkg/aggregator"
	"github.com/ethpandaops/testrelay/pkg/fsutil"
	"github.com/ethpandaops/testrelay/pkg/receiver"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Session status values.
const (
	StatusPassed     = "PASSED"
	StatusFailed     = "FAILED"
	StatusIncomplete = "INCOMPLETE"
	StatusEmpty      = "EMPTY"
)

// Supported output formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Session is the summary of one receive or replay session.
type Session struct {
	ID         string                 `json:"session_id" yaml:"session_id"`
	Source     string                 `json:"source" yaml:"source"`
	StartedAt  time.Time              `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time              `json:"finished_at" yaml:"finished_at"`
	StreamEnd  bool                   `json:"stream_end" yaml:"stream_end"`
	Status     string                 `json:"status" yaml:"status"`
	Stream     receiver.Stats         `json:"stream" yaml:"stream"`
	Invocation aggregator.Invocation  `json:"invocation" yaml:"invocation"`
	Totals     aggregator.Totals      `json:"totals" yaml:"totals"`
	Runs       []aggregator.RunResult `json:"runs" yaml:"runs"`
}

// New snapshots agg into a session. Totals are recomputed so the summary
// reflects every event seen.
func New(
	agg aggregator.Aggregator,
	source string,
	startedAt time.Time,
	streamEnd bool,
	stats receiver.Stats,
) *Session {
	s := &Session{
		ID:         uuid.New().String(),
		Source:     source,
		StartedAt:  startedAt.UTC(),
		FinishedAt: time.Now().UTC(),
		StreamEnd:  streamEnd,
		Stream:     stats,
		Invocation: agg.Invocation(),
		Totals:     agg.RecomputeTotals(),
		Runs:       agg.RunResults(),
	}

	s.Status = s.computeStatus()

	return s
}

func (s *Session) computeStatus() string {
	switch {
	case len(s.Runs) == 0:
		return StatusEmpty
	case len(s.IncompleteRuns()) > 0:
		return StatusIncomplete
	case s.Totals.HasFailures() || len(s.FailedRuns()) > 0:
		return StatusFailed
	default:
		return StatusPassed
	}
}

// IncompleteRuns returns the names of runs that never reached a terminal
// state.
func (s *Session) IncompleteRuns() []string {
	var names []string

	for _, run := range s.Runs {
		if !run.Complete {
			names = append(names, run.Name)
		}
	}

	return names
}

// FailedRuns returns the names of runs that ended with TestRunFailed.
func (s *Session) FailedRuns() []string {
	var names []string

	for _, run := range s.Runs {
		if run.Failed {
			names = append(names, run.Name)
		}
	}

	return names
}

// Duration is the wall time of the session.
func (s *Session) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// DirName is the per-session directory name, sortable by start time.
func (s *Session) DirName() string {
	id := s.ID
	if len(id) > 8 {
		id = id[:8]
	}

	return fmt.Sprintf("%d_%s", s.StartedAt.Unix(), id)
}

// Encode marshals the session in the given format.
func (s *Session) Encode(format string) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshaling summary: %w", err)
		}

		return append(data, '\n'), nil
	case FormatYAML:
		var buf bytes.Buffer

		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)

		if err := enc.Encode(s); err != nil {
			return nil, fmt.Errorf("marshaling summary: %w", err)
		}

		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("marshaling summary: %w", err)
		}

		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported summary format %q", format)
	}
}

// Write stores the session as <outputDir>/<DirName>/summary.<format> and
// returns the session directory.
func Write(s *Session, outputDir, format string, owner *fsutil.Owner) (string, error) {
	data, err := s.Encode(format)
	if err != nil {
		return "", err
	}

	if format == "" {
		format = FormatJSON
	}

	dir := filepath.Join(outputDir, s.DirName())

	if err := fsutil.MkdirAll(dir, 0o755, owner); err != nil {
		return "", fmt.Errorf("creating summary directory: %w", err)
	}

	path := filepath.Join(dir, "summary."+format)
	if err := fsutil.WriteFile(path, data, 0o644, owner); err != nil {
		return "", fmt.Errorf("writing summary: %w", err)
	}

	return dir, nil
}

// CopyFile copies src into dir, keeping its base name. It is used to keep
// the raw report next to its summary.
func CopyFile(src, dir string, owner *fsutil.Owner) (string, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", src, err)
	}

	dst := filepath.Join(dir, filepath.Base(src))
	if err := fsutil.WriteFile(dst, data, 0o644, owner); err != nil {
		return "", err
	}

	return dst, nil
}
