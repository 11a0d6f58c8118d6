// Package reporter implements the producer side of the event protocol: it
// turns local lifecycle calls into encoded lines written to a report file
// and/or a socket opened by a receiver in the controlling process.
package reporter

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/ethpandaops/testrelay/pkg/event"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultHost is the host dialled when only a port is configured.
	DefaultHost = "localhost"

	// DefaultDialTimeout bounds the socket connect on first use.
	DefaultDialTimeout = 5 * time.Second
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("reporter is closed")

// Config selects the sinks. With no File and a zero Port the reporter is
// inert.
type Config struct {
	File        string
	Port        int
	Host        string
	DialTimeout time.Duration
}

// Reporter is an event.Listener that writes every call to its sinks.
type Reporter interface {
	event.Listener

	// Enabled reports whether at least one sink is configured.
	Enabled() bool

	// Close flushes and releases the sinks. It is idempotent.
	Close() error
}

// NewReporter creates a reporter. Sinks are opened lazily on the first call.
func NewReporter(log logrus.FieldLogger, cfg *Config) Reporter {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}

	return &reporter{
		log: log.WithField("component", "reporter"),
		cfg: c,
	}
}

type reporter struct {
	log logrus.FieldLogger
	cfg Config

	mu      sync.Mutex
	opened  bool
	openErr error
	closed  bool
	sinks   []sink
	written int
}

// Ensure interface compliance.
var _ Reporter = (*reporter)(nil)

func (r *reporter) Enabled() bool {
	return r.cfg.File != "" || r.cfg.Port > 0
}

// openLocked opens every configured sink. A failure is sticky so that a
// misconfigured reporter keeps failing loudly instead of half-working.
func (r *reporter) openLocked() error {
	if r.opened {
		return r.openErr
	}

	r.opened = true

	if r.cfg.File != "" {
		fs, err := openFileSink(r.cfg.File)
		if err != nil {
			r.openErr = err

			return err
		}

		r.sinks = append(r.sinks, fs)

		r.log.WithField("path", r.cfg.File).Debug("Opened report file")
	}

	if r.cfg.Port > 0 {
		ss, err := dialSocketSink(r.cfg.Host, r.cfg.Port, r.cfg.DialTimeout)
		if err != nil {
			r.openErr = err
			_ = r.closeSinksLocked()

			return err
		}

		r.sinks = append(r.sinks, ss)

		r.log.WithField("addr", ss.addr).Debug("Connected report socket")
	}

	return nil
}

// emit encodes e fully before any byte is written, then writes and flushes
// the line on every sink.
func (r *reporter) emit(e event.Event) error {
	if !r.Enabled() {
		return nil
	}

	line, err := event.EncodeLine(e)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	if err := r.openLocked(); err != nil {
		return err
	}

	for _, s := range r.sinks {
		if err := s.writeLine(line); err != nil {
			r.log.WithError(err).WithField("sink", s.name()).Warn("Failed to write event")

			return err
		}
	}

	r.written++

	return nil
}

func (r *reporter) closeSinksLocked() error {
	var errs []error

	for _, s := range r.sinks {
		if err := s.close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s sink: %w", s.name(), err))
		}
	}

	r.sinks = nil

	return errors.Join(errs...)
}

func (r *reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	if len(r.sinks) > 0 {
		r.log.WithField("events", r.written).Debug("Closing reporter")
	}

	return r.closeSinksLocked()
}

func (r *reporter) InvocationStarted(buildID string) error {
	return r.emit(event.InvocationStarted{BuildID: buildID})
}

func (r *reporter) InvocationEnded(elapsedMs int64) error {
	return r.emit(event.InvocationEnded{ElapsedMs: elapsedMs})
}

func (r *reporter) InvocationFailed(cause error) error {
	return r.emit(event.InvocationFailed{Cause: event.NewRemoteError(cause)})
}

func (r *reporter) TestRunStarted(name string, testCount int) error {
	return r.emit(event.RunStarted{Name: name, TestCount: testCount})
}

func (r *reporter) TestRunEnded(elapsedMs int64, metrics map[string]string) error {
	return r.emit(event.RunEnded{ElapsedMs: elapsedMs, Metrics: maps.Clone(metrics)})
}

func (r *reporter) TestRunFailed(reason string) error {
	return r.emit(event.RunFailed{Reason: reason})
}

func (r *reporter) TestRunStopped(elapsedMs int64) error {
	return r.emit(event.RunStopped{ElapsedMs: elapsedMs})
}

func (r *reporter) TestStarted(test event.TestID) error {
	return r.emit(event.TestStarted{Test: test})
}

func (r *reporter) TestFailed(test event.TestID, severity event.Severity, trace string) error {
	return r.emit(event.TestFailed{Test: test, Severity: severity, Trace: trace})
}

func (r *reporter) TestAssumptionFailure(test event.TestID, trace string) error {
	return r.emit(event.TestAssumptionFailure{Test: test, Trace: trace})
}

func (r *reporter) TestIgnored(test event.TestID) error {
	return r.emit(event.TestIgnored{Test: test})
}

func (r *reporter) TestEnded(test event.TestID, metrics map[string]string) error {
	return r.emit(event.TestEnded{Test: test, Metrics: maps.Clone(metrics)})
}

func (r *reporter) TestLog(name, dataType, dataRef string) error {
	return r.emit(event.Log{Name: name, DataType: dataType, DataRef: dataRef})
}

// Summary always returns nil; the reporter only forwards events.
func (r *reporter) Summary() *event.Summary {
	return nil
}
