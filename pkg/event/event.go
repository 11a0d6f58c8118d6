// Package event defines the test lifecycle vocabulary exchanged between a
// test executor and its controlling process, the Listener seam that consumes
// it, and the line codec used on the wire.
package event

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the wire keyword that identifies an event variant.
type Kind string

// Wire keywords.
const (
	KindRunStarted            Kind = "TEST_RUN_STARTED"
	KindTestStarted           Kind = "TEST_STARTED"
	KindTestFailed            Kind = "TEST_FAILED"
	KindTestAssumptionFailure Kind = "TEST_ASSUMPTION_FAILURE"
	KindTestIgnored           Kind = "TEST_IGNORED"
	KindTestEnded             Kind = "TEST_ENDED"
	KindRunEnded              Kind = "TEST_RUN_ENDED"
	KindRunFailed             Kind = "TEST_RUN_FAILED"
	KindRunStopped            Kind = "TEST_RUN_STOPPED"
	KindInvocationStarted     Kind = "INVOCATION_STARTED"
	KindInvocationEnded       Kind = "INVOCATION_ENDED"
	KindInvocationFailed      Kind = "INVOCATION_FAILED"
	KindLog                   Kind = "TEST_LOG"
)

// Kinds lists every known wire keyword.
var Kinds = []Kind{
	KindRunStarted,
	KindTestStarted,
	KindTestFailed,
	KindTestAssumptionFailure,
	KindTestIgnored,
	KindTestEnded,
	KindRunEnded,
	KindRunFailed,
	KindRunStopped,
	KindInvocationStarted,
	KindInvocationEnded,
	KindInvocationFailed,
	KindLog,
}

// Severity distinguishes an assertion failure from an unexpected error.
type Severity string

const (
	SeverityFailure Severity = "FAILURE"
	SeverityError   Severity = "ERROR"
)

// TestID identifies a single test case. It is comparable and used as a map key.
type TestID struct {
	ClassName string
	TestName  string
}

// NewTestID creates a TestID.
func NewTestID(className, testName string) TestID {
	return TestID{ClassName: className, TestName: testName}
}

// String renders the identifier as Class#test.
func (t TestID) String() string {
	return t.ClassName + "#" + t.TestName
}

// Event is one lifecycle notification. The set of implementations is closed:
// only the variants declared in this package satisfy it.
type Event interface {
	Kind() Kind
	isEvent()
}

// RunStarted opens a named run of TestCount expected tests.
type RunStarted struct {
	Name      string
	TestCount int
}

// TestStarted marks the start of a single test.
type TestStarted struct {
	Test TestID
}

// TestFailed reports a failed or errored test.
type TestFailed struct {
	Test     TestID
	Severity Severity
	Trace    string
}

// TestAssumptionFailure reports a test whose preconditions did not hold.
type TestAssumptionFailure struct {
	Test  TestID
	Trace string
}

// TestIgnored reports a test that was not executed.
type TestIgnored struct {
	Test TestID
}

// TestEnded marks the end of a single test.
type TestEnded struct {
	Test    TestID
	Metrics map[string]string
}

// RunEnded closes the current run normally.
type RunEnded struct {
	ElapsedMs int64
	Metrics   map[string]string
}

// RunFailed closes the current run with a run-level failure.
type RunFailed struct {
	Reason string
}

// RunStopped closes the current run early.
type RunStopped struct {
	ElapsedMs int64
}

// InvocationStarted marks the beginning of an invocation.
type InvocationStarted struct {
	BuildID string
}

// InvocationEnded marks the end of an invocation.
type InvocationEnded struct {
	ElapsedMs int64
}

// InvocationFailed reports an invocation-level failure. A nil Cause is
// carried as an empty descriptor and decodes as &RemoteError{}.
type InvocationFailed struct {
	Cause *RemoteError
}

// Log attaches a named piece of log data produced during a run.
type Log struct {
	Name     string
	DataType string
	DataRef  string
}

func (RunStarted) Kind() Kind            { return KindRunStarted }
func (TestStarted) Kind() Kind           { return KindTestStarted }
func (TestFailed) Kind() Kind            { return KindTestFailed }
func (TestAssumptionFailure) Kind() Kind { return KindTestAssumptionFailure }
func (TestIgnored) Kind() Kind           { return KindTestIgnored }
func (TestEnded) Kind() Kind             { return KindTestEnded }
func (RunEnded) Kind() Kind              { return KindRunEnded }
func (RunFailed) Kind() Kind             { return KindRunFailed }
func (RunStopped) Kind() Kind            { return KindRunStopped }
func (InvocationStarted) Kind() Kind     { return KindInvocationStarted }
func (InvocationEnded) Kind() Kind       { return KindInvocationEnded }
func (InvocationFailed) Kind() Kind      { return KindInvocationFailed }
func (Log) Kind() Kind                   { return KindLog }

func (RunStarted) isEvent()            {}
func (TestStarted) isEvent()           {}
func (TestFailed) isEvent()            {}
func (TestAssumptionFailure) isEvent() {}
func (TestIgnored) isEvent()           {}
func (TestEnded) isEvent()             {}
func (RunEnded) isEvent()              {}
func (RunFailed) isEvent()             {}
func (RunStopped) isEvent()            {}
func (InvocationStarted) isEvent()     {}
func (InvocationEnded) isEvent()       {}
func (InvocationFailed) isEvent()      {}
func (Log) isEvent()                   {}

// RemoteError is an error descriptor that crossed a process boundary. The
// original error type is not reconstructed, only its message and trace.
type RemoteError struct {
	Message string `json:"message" yaml:"message"`
	Trace   string `json:"trace" yaml:"trace"`
}

// NewRemoteError builds a descriptor from a local error. A nil error yields
// a descriptor with an empty message.
func NewRemoteError(err error) *RemoteError {
	if err == nil {
		return &RemoteError{}
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		return &RemoteError{Message: remote.Message, Trace: remote.Trace}
	}

	// %+v lets errors that carry a stack render it; the first line is
	// always the message.
	trace := fmt.Sprintf("%+v", err)

	return &RemoteError{Message: firstLine(trace), Trace: trace}
}

// remoteErrorFromTrace rebuilds a descriptor from a wire stack trace whose
// first line carries the message.
func remoteErrorFromTrace(trace string) *RemoteError {
	return &RemoteError{Message: firstLine(trace), Trace: trace}
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error"
	}

	return fmt.Sprintf("remote error: %s", e.Message)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")

	return strings.TrimRight(line, "\r")
}
