package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrEmptyLine is returned by Decode for blank lines. Readers skip these
// without counting them as decode errors.
var ErrEmptyLine = errors.New("empty line")

// DecodeError describes a wire line that could not be turned into an Event.
// It never aborts a read loop: the line is skipped.
type DecodeError struct {
	Line   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding event line %q: %s: %v", truncate(e.Line, 120), e.Reason, e.Err)
	}

	return fmt.Sprintf("decoding event line %q: %s", truncate(e.Line, 120), e.Reason)
}

// Unwrap returns the underlying parse error, if any.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Wire payloads. Field order is part of the protocol.

type runStartedPayload struct {
	TestCount int    `json:"testCount"`
	RunName   string `json:"runName"`
}

type testPayload struct {
	ClassName string `json:"className"`
	TestName  string `json:"testName"`
}

type testFailedPayload struct {
	ClassName string `json:"className"`
	TestName  string `json:"testName"`
	Trace     string `json:"trace"`
	Severity  string `json:"severity,omitempty"`
}

type testTracePayload struct {
	ClassName string `json:"className"`
	TestName  string `json:"testName"`
	Trace     string `json:"trace"`
}

type testEndedPayload struct {
	ClassName string            `json:"className"`
	TestName  string            `json:"testName"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}

type runEndedPayload struct {
	Time    int64             `json:"time"`
	Metrics map[string]string `json:"metrics,omitempty"`
}

type runFailedPayload struct {
	Reason string `json:"reason"`
}

type timePayload struct {
	Time int64 `json:"time"`
}

type invocationStartedPayload struct {
	BuildID string `json:"buildId"`
}

// Message is only sent when it is not the first line of the trace.
type invocationFailedPayload struct {
	StackTrace string `json:"stackTrace"`
	Message    string `json:"message,omitempty"`
}

type logPayload struct {
	DataName string `json:"dataName"`
	DataType string `json:"dataType"`
	DataRef  string `json:"dataRef"`
}

// Encode renders e as a single wire line without the trailing newline.
func Encode(e Event) (string, error) {
	var payload any

	switch ev := e.(type) {
	case RunStarted:
		payload = runStartedPayload{TestCount: ev.TestCount, RunName: ev.Name}
	case TestStarted:
		payload = testPayload{ClassName: ev.Test.ClassName, TestName: ev.Test.TestName}
	case TestFailed:
		p := testFailedPayload{ClassName: ev.Test.ClassName, TestName: ev.Test.TestName, Trace: ev.Trace}
		if ev.Severity == SeverityError {
			p.Severity = string(SeverityError)
		}

		payload = p
	case TestAssumptionFailure:
		payload = testTracePayload{ClassName: ev.Test.ClassName, TestName: ev.Test.TestName, Trace: ev.Trace}
	case TestIgnored:
		payload = testPayload{ClassName: ev.Test.ClassName, TestName: ev.Test.TestName}
	case TestEnded:
		payload = testEndedPayload{ClassName: ev.Test.ClassName, TestName: ev.Test.TestName, Metrics: ev.Metrics}
	case RunEnded:
		payload = runEndedPayload{Time: ev.ElapsedMs, Metrics: ev.Metrics}
	case RunFailed:
		payload = runFailedPayload{Reason: ev.Reason}
	case RunStopped:
		payload = timePayload{Time: ev.ElapsedMs}
	case InvocationStarted:
		payload = invocationStartedPayload{BuildID: ev.BuildID}
	case InvocationEnded:
		payload = timePayload{Time: ev.ElapsedMs}
	case InvocationFailed:
		p := invocationFailedPayload{}
		if ev.Cause != nil {
			p.StackTrace = ev.Cause.Trace
			if ev.Cause.Message != firstLine(ev.Cause.Trace) {
				p.Message = ev.Cause.Message
			}
		}

		payload = p
	case Log:
		payload = logPayload{DataName: ev.Name, DataType: ev.DataType, DataRef: ev.DataRef}
	case nil:
		return "", errors.New("encoding nil event")
	default:
		return "", fmt.Errorf("encoding unsupported event type %T", e)
	}

	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(payload); err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", e.Kind(), err)
	}

	// json.Encoder terminates with a newline; the line terminator is added by
	// EncodeLine so that Encode stays usable for logging.
	return string(e.Kind()) + " " + strings.TrimRight(buf.String(), "\n"), nil
}

// EncodeLine renders e as a newline-terminated wire line.
func EncodeLine(e Event) ([]byte, error) {
	line, err := Encode(e)
	if err != nil {
		return nil, err
	}

	return []byte(line + "\n"), nil
}

// Decode parses a single wire line. Unknown keywords and malformed payloads
// yield a *DecodeError.
func Decode(line string) (Event, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyLine
	}

	keyword, payload, ok := strings.Cut(line, " ")
	if !ok {
		return nil, &DecodeError{Line: line, Reason: "missing payload"}
	}

	data := []byte(payload)

	switch Kind(keyword) {
	case KindRunStarted:
		var p runStartedPayload
		if err := unmarshal(line, data, &p); err != nil {
			return nil, err
		}

		return RunStarted{Name: p.RunName, TestCount: p.TestCount}, nil
	case KindTestStarted:
		var p testPayload
		if err := unmarshal(line, data, &p); err != nil {
			return nil, err
		}

		return TestStarted{Test: NewTestID(p.ClassName, p.TestName)}, nil
	case KindTestFailed:
		var p testFailedPayload
		if err := unmarshal(line, data, &p); err != nil {
			return nil, err
		}

		severity := SeverityFailure

		switch Severity(p.Severity) {
		case "", SeverityFailure:
		case SeverityError:
			severity = SeverityError
		default:
			return nil, &DecodeError{Line: line, Reason: fmt.Sprintf("unknown severity %q", p.Severity)}
		}

		return TestFailed{Test: NewTestID(p.ClassName, p.TestName), Severity: severity, Trace: p.Trace}, nil
	case KindTestAssumptionFailure:
		var p testTracePayload
		if err := unmarshal(line, data, &p); err != nil {
			return nil, err
		}

		return TestAssumptionFailure{Test: NewTestID(p.ClassName, p.TestName), Trace: p.Trace}, nil
	case KindTestIgnored:
		var p testPayload
		if err := unmarshal(line, data, &p); err != nil {
			return nil, err
		}

		return TestIgnored{Test: NewTestID(p.ClassName, p.TestName)}, nil
	case KindTestEnded:
		var p testEndedPayload
		if err := unmarshal(line, data, &p); err != nil {
			return nil, err
		}

		return TestEnded{Test: NewTestID(p.ClassName, p.TestName), Metrics: p.Metrics}, nil
	case KindRunEnded:
		var p runEndedPayload
		if err := unmarshal(line, data, &p); err != nil {
			return nil, err
		}

		return RunEnded{ElapsedMs: p.Time, Metrics: p.Metrics}, nil
	case KindRunFailed:
		var p runFailedPayload
		if err := unmarshal(line, data, &p); err != nil {
			return nil, err
		}

		return RunFailed{Reason: p.Reason}, nil
	case KindRunStopped:
		var p timePayload
		if err := unmarshal(line, data, &p); err != nil {
			return nil, err
		}

		return RunStopped{ElapsedMs: p.Time}, nil
	case KindInvocationStarted:
		var p invocationStartedPayload
		if err := unmarshal(line, data, &p); err != nil {
			return nil, err
		}

		return InvocationStarted{BuildID: p.BuildID}, nil
	case KindInvocationEnded:
		var p timePayload
		if err := unmarshal(line, data, &p); err != nil {
			return nil, err
		}

		return InvocationEnded{ElapsedMs: p.Time}, nil
	case KindInvocationFailed:
		var p invocationFailedPayload
		if err := unmarshal(line, data, &p); err != nil {
			return nil, err
		}

		cause := remoteErrorFromTrace(p.StackTrace)
		if p.Message != "" {
			cause.Message = p.Message
		}

		return InvocationFailed{Cause: cause}, nil
	case KindLog:
		var p logPayload
		if err := unmarshal(line, data, &p); err != nil {
			return nil, err
		}

		return Log{Name: p.DataName, DataType: p.DataType, DataRef: p.DataRef}, nil
	default:
		return nil, &DecodeError{Line: line, Reason: fmt.Sprintf("unknown keyword %q", keyword)}
	}
}

func unmarshal(line string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Line: line, Reason: "malformed payload", Err: err}
	}

	return nil
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}

	return s[:n] + "..."
}
