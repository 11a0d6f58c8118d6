package receiver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/ethpandaops/testrelay/pkg/event"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxLineBytes bounds a single wire line. Stack traces can be large.
	DefaultMaxLineBytes = 16 * 1024 * 1024

	// MinMaxLineBytes is the smallest accepted line bound.
	MinMaxLineBytes = 1024

	readBufferSize = 64 * 1024
)

// Stats counts what a read loop has seen.
type Stats struct {
	Lines          int64 `json:"lines" yaml:"lines"`
	Events         int64 `json:"events" yaml:"events"`
	DecodeErrors   int64 `json:"decode_errors" yaml:"decode_errors"`
	DispatchErrors int64 `json:"dispatch_errors" yaml:"dispatch_errors"`
}

type counters struct {
	lines          atomic.Int64
	events         atomic.Int64
	decodeErrors   atomic.Int64
	dispatchErrors atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Lines:          c.lines.Load(),
		Events:         c.events.Load(),
		DecodeErrors:   c.decodeErrors.Load(),
		DispatchErrors: c.dispatchErrors.Load(),
	}
}

// scanEvents decodes r line by line and hands every event to emit in order.
// Undecodable lines and lines longer than maxLine are logged, counted and
// skipped. It returns nil at end of stream.
func scanEvents(
	ctx context.Context,
	log logrus.FieldLogger,
	r io.Reader,
	maxLine int,
	c *counters,
	emit func(event.Event) error,
) error {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}

	br := bufio.NewReaderSize(r, min(readBufferSize, maxLine))
	line := make([]byte, 0, min(readBufferSize, maxLine))
	oversized := false

	for {
		chunk, err := br.ReadSlice('\n')

		n := len(chunk)
		if err == nil {
			n-- // terminator
		}

		if !oversized && len(line)+n > maxLine {
			oversized = true
			line = line[:0]
		}

		if !oversized {
			line = append(line, chunk...)
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading event stream: %w", err)
		}

		atEOF := err != nil

		// A stream ending in a terminator has no trailing line.
		if atEOF && !oversized && len(line) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.lines.Add(1)

		if emitErr := handleLine(log, line, oversized, maxLine, c, emit); emitErr != nil {
			return emitErr
		}

		line = line[:0]
		oversized = false

		if atEOF {
			return nil
		}
	}
}

// handleLine decodes one complete line and emits the result.
func handleLine(
	log logrus.FieldLogger,
	line []byte,
	oversized bool,
	maxLine int,
	c *counters,
	emit func(event.Event) error,
) error {
	if oversized {
		c.decodeErrors.Add(1)
		log.WithFields(logrus.Fields{
			"line":           c.lines.Load(),
			"max_line_bytes": maxLine,
		}).Warn("Skipping oversized event line")

		return nil
	}

	ev, err := event.Decode(string(line))
	if err != nil {
		if errors.Is(err, event.ErrEmptyLine) {
			return nil
		}

		c.decodeErrors.Add(1)
		log.WithError(err).WithField("line", c.lines.Load()).Warn("Skipping undecodable event line")

		return nil
	}

	return emit(ev)
}

// dispatch replays ev onto l. Listener errors are logged and counted.
func dispatch(log logrus.FieldLogger, l event.Listener, c *counters, ev event.Event) {
	if err := event.Dispatch(l, ev); err != nil {
		c.dispatchErrors.Add(1)
		log.WithError(err).WithField("kind", ev.Kind()).Warn("Listener rejected event")

		return
	}

	c.events.Add(1)
}

// ReplayStream replays a stream written by the file sink onto l, in order.
// It returns once r is exhausted or ctx is cancelled.
func ReplayStream(
	ctx context.Context,
	log logrus.FieldLogger,
	r io.Reader,
	l event.Listener,
	maxLine int,
) (Stats, error) {
	log = log.WithField("component", "replay")

	var c counters

	err := scanEvents(ctx, log, r, maxLine, &c, func(ev event.Event) error {
		dispatch(log, l, &c, ev)

		return nil
	})

	stats := c.snapshot()

	log.WithFields(logrus.Fields{
		"lines":           stats.Lines,
		"events":          stats.Events,
		"decode_errors":   stats.DecodeErrors,
		"dispatch_errors": stats.DispatchErrors,
	}).Debug("Replay finished")

	return stats, err
}
