package summary

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/testrelay/pkg/aggregator"
	"github.com/ethpandaops/testrelay/pkg/event"
	"github.com/ethpandaops/testrelay/pkg/receiver"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newAggregator(t *testing.T) aggregator.Aggregator {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return aggregator.NewAggregator(log)
}

func populated(t *testing.T) aggregator.Aggregator {
	t.Helper()

	agg := newAggregator(t)

	require.NoError(t, agg.InvocationStarted("build-7"))
	require.NoError(t, agg.TestRunStarted("unit", 3))
	require.NoError(t, agg.TestEnded(event.NewTestID("com.example.Suite", "passes"), nil))
	require.NoError(t, agg.TestFailed(event.NewTestID("com.example.Suite", "breaks"), event.SeverityFailure, "expected 1\n\tat Suite.breaks"))
	require.NoError(t, agg.TestEnded(event.NewTestID("com.example.Suite", "breaks"), nil))
	require.NoError(t, agg.TestIgnored(event.NewTestID("com.example.Suite", "skipped")))
	require.NoError(t, agg.TestRunEnded(1500, nil))
	require.NoError(t, agg.InvocationEnded(2000))

	return agg
}

func TestNew_Status(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		s := New(newAggregator(t), "socket", time.Now(), true, receiver.Stats{})
		assert.Equal(t, StatusEmpty, s.Status)
	})

	t.Run("failed", func(t *testing.T) {
		s := New(populated(t), "socket", time.Now(), true, receiver.Stats{Events: 8})
		assert.Equal(t, StatusFailed, s.Status)
		assert.Equal(t, 3, s.Totals.Total)
		assert.Equal(t, "build-7", s.Invocation.BuildID)
		assert.Empty(t, s.IncompleteRuns())

		_, err := uuid.Parse(s.ID)
		require.NoError(t, err)
	})

	t.Run("passed", func(t *testing.T) {
		agg := newAggregator(t)
		require.NoError(t, agg.TestRunStarted("unit", 1))
		require.NoError(t, agg.TestEnded(event.NewTestID("c", "t"), nil))
		require.NoError(t, agg.TestRunEnded(1, nil))

		s := New(agg, "socket", time.Now(), true, receiver.Stats{})
		assert.Equal(t, StatusPassed, s.Status)
	})

	t.Run("run failed without test failures", func(t *testing.T) {
		agg := newAggregator(t)
		require.NoError(t, agg.TestRunStarted("unit", 1))
		require.NoError(t, agg.TestRunFailed("device offline"))

		s := New(agg, "socket", time.Now(), true, receiver.Stats{})
		assert.Equal(t, StatusFailed, s.Status)
		assert.Equal(t, []string{"unit"}, s.FailedRuns())
	})

	t.Run("incomplete", func(t *testing.T) {
		agg := newAggregator(t)
		require.NoError(t, agg.TestRunStarted("unit", 2))
		require.NoError(t, agg.TestEnded(event.NewTestID("c", "t"), nil))

		s := New(agg, "socket", time.Now(), false, receiver.Stats{})
		assert.Equal(t, StatusIncomplete, s.Status)
		assert.Equal(t, []string{"unit"}, s.IncompleteRuns())
	})
}

func TestNew_SeesLateTotals(t *testing.T) {
	agg := populated(t)
	_ = agg.Totals()

	require.NoError(t, agg.TestRunStarted("late", 1))
	require.NoError(t, agg.TestEnded(event.NewTestID("c", "late"), nil))
	require.NoError(t, agg.TestRunEnded(1, nil))

	s := New(agg, "socket", time.Now(), true, receiver.Stats{})
	assert.Equal(t, 4, s.Totals.Total)
}

func TestRender(t *testing.T) {
	agg := populated(t)
	require.NoError(t, agg.InvocationFailed(errors.New("device lost")))

	s := New(agg, "socket", time.Now().Add(-3*time.Second), true, receiver.Stats{Events: 9, DecodeErrors: 1})

	var buf bytes.Buffer
	s.Render(&buf)

	out := buf.String()
	assert.Contains(t, out, "Test Results (FAILED")
	assert.Contains(t, out, "unit")
	assert.Contains(t, out, "com.example.Suite#breaks")
	assert.Contains(t, out, "com.example.Suite#skipped")
	assert.NotContains(t, out, "com.example.Suite#passes")
	assert.Contains(t, out, "expected 1")
	assert.NotContains(t, out, "at Suite.breaks")
	assert.Contains(t, out, "1 undecodable")
	assert.Contains(t, out, "device lost")
}

func TestEncode(t *testing.T) {
	s := New(populated(t), "report.log", time.Now(), true, receiver.Stats{Lines: 8, Events: 8})

	t.Run("json", func(t *testing.T) {
		data, err := s.Encode(FormatJSON)
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(data, &decoded))

		assert.Equal(t, s.ID, decoded["session_id"])
		assert.Equal(t, "report.log", decoded["source"])
		assert.Equal(t, StatusFailed, decoded["status"])

		runs, ok := decoded["runs"].([]any)
		require.True(t, ok)
		require.Len(t, runs, 1)

		run := runs[0].(map[string]any)
		assert.Equal(t, "unit", run["name"])
		assert.Equal(t, float64(1500), run["elapsed_ms"])
	})

	t.Run("yaml", func(t *testing.T) {
		data, err := s.Encode(FormatYAML)
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, yaml.Unmarshal(data, &decoded))

		assert.Equal(t, s.ID, decoded["session_id"])

		stream, ok := decoded["stream"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 8, stream["events"])
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := s.Encode("xml")
		require.Error(t, err)
	})
}

func TestWrite(t *testing.T) {
	s := New(populated(t), "socket", time.Unix(1700000000, 0), true, receiver.Stats{})
	out := t.TempDir()

	dir, err := Write(s, out, FormatYAML, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, s.DirName()), dir)
	assert.Regexp(t, `^1700000000_[0-9a-f]{8}$`, s.DirName())

	data, err := os.ReadFile(filepath.Join(dir, "summary.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "session_id: "+s.ID)

	report := filepath.Join(t.TempDir(), "report.log")
	require.NoError(t, os.WriteFile(report, []byte("TEST_RUN_STOPPED {\"time\":1}\n"), 0o644))

	copied, err := CopyFile(report, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report.log"), copied)
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "250ms", formatElapsed(250*time.Millisecond))
	assert.Equal(t, "3 seconds", formatElapsed(3*time.Second))
	assert.Equal(t, "2 minutes", formatElapsed(2*time.Minute))
}
