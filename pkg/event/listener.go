package event

import (
	"errors"
	"fmt"
	"maps"
	"sync"
)

// Summary is an optional handle a listener can expose once an invocation is
// over, such as the location of an uploaded result.
type Summary struct {
	Key     string
	Message string
}

// Listener receives the complete lifecycle vocabulary. Calls for a single
// invocation must be made sequentially and in order.
type Listener interface {
	InvocationStarted(buildID string) error
	InvocationEnded(elapsedMs int64) error
	InvocationFailed(cause error) error

	TestRunStarted(name string, testCount int) error
	TestRunEnded(elapsedMs int64, metrics map[string]string) error
	TestRunFailed(reason string) error
	TestRunStopped(elapsedMs int64) error

	TestStarted(test TestID) error
	TestFailed(test TestID, severity Severity, trace string) error
	TestAssumptionFailure(test TestID, trace string) error
	TestIgnored(test TestID) error
	TestEnded(test TestID, metrics map[string]string) error

	TestLog(name, dataType, dataRef string) error

	// Summary returns nil when the listener has nothing to report.
	Summary() *Summary
}

// Dispatch replays e onto l by calling the matching Listener method.
func Dispatch(l Listener, e Event) error {
	switch ev := e.(type) {
	case RunStarted:
		return l.TestRunStarted(ev.Name, ev.TestCount)
	case TestStarted:
		return l.TestStarted(ev.Test)
	case TestFailed:
		return l.TestFailed(ev.Test, ev.Severity, ev.Trace)
	case TestAssumptionFailure:
		return l.TestAssumptionFailure(ev.Test, ev.Trace)
	case TestIgnored:
		return l.TestIgnored(ev.Test)
	case TestEnded:
		return l.TestEnded(ev.Test, ev.Metrics)
	case RunEnded:
		return l.TestRunEnded(ev.ElapsedMs, ev.Metrics)
	case RunFailed:
		return l.TestRunFailed(ev.Reason)
	case RunStopped:
		return l.TestRunStopped(ev.ElapsedMs)
	case InvocationStarted:
		return l.InvocationStarted(ev.BuildID)
	case InvocationEnded:
		return l.InvocationEnded(ev.ElapsedMs)
	case InvocationFailed:
		if ev.Cause == nil {
			return l.InvocationFailed(&RemoteError{})
		}

		return l.InvocationFailed(ev.Cause)
	case Log:
		return l.TestLog(ev.Name, ev.DataType, ev.DataRef)
	default:
		return fmt.Errorf("unsupported event type %T", e)
	}
}

// Recorder is a Listener that records every call it receives as an Event.
// It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Ensure interface compliance.
var _ Listener = (*Recorder)(nil)

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{events: make([]Event, 0, 16)}
}

// Events returns a copy of the recorded events in call order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)

	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.events)
}

func (r *Recorder) record(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)

	return nil
}

func (r *Recorder) InvocationStarted(buildID string) error {
	return r.record(InvocationStarted{BuildID: buildID})
}

func (r *Recorder) InvocationEnded(elapsedMs int64) error {
	return r.record(InvocationEnded{ElapsedMs: elapsedMs})
}

func (r *Recorder) InvocationFailed(cause error) error {
	return r.record(InvocationFailed{Cause: NewRemoteError(cause)})
}

func (r *Recorder) TestRunStarted(name string, testCount int) error {
	return r.record(RunStarted{Name: name, TestCount: testCount})
}

func (r *Recorder) TestRunEnded(elapsedMs int64, metrics map[string]string) error {
	return r.record(RunEnded{ElapsedMs: elapsedMs, Metrics: maps.Clone(metrics)})
}

func (r *Recorder) TestRunFailed(reason string) error {
	return r.record(RunFailed{Reason: reason})
}

func (r *Recorder) TestRunStopped(elapsedMs int64) error {
	return r.record(RunStopped{ElapsedMs: elapsedMs})
}

func (r *Recorder) TestStarted(test TestID) error {
	return r.record(TestStarted{Test: test})
}

func (r *Recorder) TestFailed(test TestID, severity Severity, trace string) error {
	return r.record(TestFailed{Test: test, Severity: severity, Trace: trace})
}

func (r *Recorder) TestAssumptionFailure(test TestID, trace string) error {
	return r.record(TestAssumptionFailure{Test: test, Trace: trace})
}

func (r *Recorder) TestIgnored(test TestID) error {
	return r.record(TestIgnored{Test: test})
}

func (r *Recorder) TestEnded(test TestID, metrics map[string]string) error {
	return r.record(TestEnded{Test: test, Metrics: maps.Clone(metrics)})
}

func (r *Recorder) TestLog(name, dataType, dataRef string) error {
	return r.record(Log{Name: name, DataType: dataType, DataRef: dataRef})
}

func (r *Recorder) Summary() *Summary {
	return nil
}

// Multi forwards every call to each listener in order. All listeners are
// called even if one fails; the errors are joined.
type Multi []Listener

// Ensure interface compliance.
var _ Listener = Multi(nil)

func (m Multi) each(fn func(Listener) error) error {
	var errs []error

	for _, l := range m {
		if err := fn(l); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m Multi) InvocationStarted(buildID string) error {
	return m.each(func(l Listener) error { return l.InvocationStarted(buildID) })
}

func (m Multi) InvocationEnded(elapsedMs int64) error {
	return m.each(func(l Listener) error { return l.InvocationEnded(elapsedMs) })
}

func (m Multi) InvocationFailed(cause error) error {
	return m.each(func(l Listener) error { return l.InvocationFailed(cause) })
}

func (m Multi) TestRunStarted(name string, testCount int) error {
	return m.each(func(l Listener) error { return l.TestRunStarted(name, testCount) })
}

func (m Multi) TestRunEnded(elapsedMs int64, metrics map[string]string) error {
	return m.each(func(l Listener) error { return l.TestRunEnded(elapsedMs, metrics) })
}

func (m Multi) TestRunFailed(reason string) error {
	return m.each(func(l Listener) error { return l.TestRunFailed(reason) })
}

func (m Multi) TestRunStopped(elapsedMs int64) error {
	return m.each(func(l Listener) error { return l.TestRunStopped(elapsedMs) })
}

func (m Multi) TestStarted(test TestID) error {
	return m.each(func(l Listener) error { return l.TestStarted(test) })
}

func (m Multi) TestFailed(test TestID, severity Severity, trace string) error {
	return m.each(func(l Listener) error { return l.TestFailed(test, severity, trace) })
}

func (m Multi) TestAssumptionFailure(test TestID, trace string) error {
	return m.each(func(l Listener) error { return l.TestAssumptionFailure(test, trace) })
}

func (m Multi) TestIgnored(test TestID) error {
	return m.each(func(l Listener) error { return l.TestIgnored(test) })
}

func (m Multi) TestEnded(test TestID, metrics map[string]string) error {
	return m.each(func(l Listener) error { return l.TestEnded(test, metrics) })
}

func (m Multi) TestLog(name, dataType, dataRef string) error {
	return m.each(func(l Listener) error { return l.TestLog(name, dataType, dataRef) })
}

// Summary returns the first non-nil summary.
func (m Multi) Summary() *Summary {
	for _, l := range m {
		if s := l.Summary(); s != nil {
			return s
		}
	}

	return nil
}
