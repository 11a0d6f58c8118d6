package event

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Literal(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		expected string
	}{
		{
			name:     "run started",
			event:    RunStarted{Name: "TEST", TestCount: 5},
			expected: `TEST_RUN_STARTED {"testCount":5,"runName":"TEST"}`,
		},
		{
			name:     "run ended without metrics",
			event:    RunEnded{ElapsedMs: 100, Metrics: map[string]string{}},
			expected: `TEST_RUN_ENDED {"time":100}`,
		},
		{
			name:     "run ended with metrics",
			event:    RunEnded{ElapsedMs: 7, Metrics: map[string]string{"b": "2", "a": "1"}},
			expected: `TEST_RUN_ENDED {"time":7,"metrics":{"a":"1","b":"2"}}`,
		},
		{
			name:     "test started",
			event:    TestStarted{Test: NewTestID("com.fakeclass", "faketest")},
			expected: `TEST_STARTED {"className":"com.fakeclass","testName":"faketest"}`,
		},
		{
			name:     "test failed omits failure severity",
			event:    TestFailed{Test: NewTestID("c", "t"), Severity: SeverityFailure, Trace: "boom"},
			expected: `TEST_FAILED {"className":"c","testName":"t","trace":"boom"}`,
		},
		{
			name:     "test failed with error severity",
			event:    TestFailed{Test: NewTestID("c", "t"), Severity: SeverityError, Trace: "boom"},
			expected: `TEST_FAILED {"className":"c","testName":"t","trace":"boom","severity":"ERROR"}`,
		},
		{
			name:     "assumption failure",
			event:    TestAssumptionFailure{Test: NewTestID("c", "t"), Trace: "fake trace"},
			expected: `TEST_ASSUMPTION_FAILURE {"className":"c","testName":"t","trace":"fake trace"}`,
		},
		{
			name:     "test ignored",
			event:    TestIgnored{Test: NewTestID("c", "t")},
			expected: `TEST_IGNORED {"className":"c","testName":"t"}`,
		},
		{
			name:     "run failed",
			event:    RunFailed{Reason: "no reason"},
			expected: `TEST_RUN_FAILED {"reason":"no reason"}`,
		},
		{
			name:     "run stopped",
			event:    RunStopped{ElapsedMs: 42},
			expected: `TEST_RUN_STOPPED {"time":42}`,
		},
		{
			name:     "invocation failed",
			event:    InvocationFailed{Cause: &RemoteError{Message: "boom", Trace: "boom\n\tat x"}},
			expected: `INVOCATION_FAILED {"stackTrace":"boom\n\tat x"}`,
		},
		{
			name:     "invocation failed with distinct message",
			event:    InvocationFailed{Cause: &RemoteError{Message: "device lost", Trace: "closed\n\tat x"}},
			expected: `INVOCATION_FAILED {"stackTrace":"closed\n\tat x","message":"device lost"}`,
		},
		{
			name:     "invocation failed without cause",
			event:    InvocationFailed{},
			expected: `INVOCATION_FAILED {"stackTrace":""}`,
		},
		{
			name:     "html characters are not escaped",
			event:    RunFailed{Reason: "<init> & co"},
			expected: `TEST_RUN_FAILED {"reason":"<init> & co"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := Encode(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, line)
		})
	}
}

func TestEncodeLine_Terminated(t *testing.T) {
	line, err := EncodeLine(TestFailed{Test: NewTestID("c", "t"), Trace: "multi\nline\ntrace"})
	require.NoError(t, err)

	// Embedded newlines are escaped, so there is exactly one terminator.
	assert.Equal(t, byte('\n'), line[len(line)-1])
	assert.NotContains(t, string(line[:len(line)-1]), "\n")
}

func TestEncode_Unsupported(t *testing.T) {
	_, err := Encode(nil)
	require.Error(t, err)
}

func TestDecode_RoundTrip(t *testing.T) {
	id := NewTestID("com.fakeclass", "faketest")

	events := []Event{
		RunStarted{Name: "TEST", TestCount: 5},
		TestStarted{Test: id},
		TestFailed{Test: id, Severity: SeverityFailure, Trace: "assert failed\n\tat Foo.bar"},
		TestFailed{Test: id, Severity: SeverityError, Trace: "npe"},
		TestAssumptionFailure{Test: id, Trace: "fake trace"},
		TestIgnored{Test: id},
		TestEnded{Test: id, Metrics: map[string]string{"frames": "30"}},
		TestEnded{Test: id},
		RunEnded{ElapsedMs: 100, Metrics: map[string]string{"recorded_length": "12"}},
		RunEnded{ElapsedMs: 0},
		RunFailed{Reason: "no reason"},
		RunStopped{ElapsedMs: 321},
		InvocationStarted{BuildID: "build-1234"},
		InvocationEnded{ElapsedMs: 9000},
		InvocationFailed{Cause: NewRemoteError(fmt.Errorf("preparing device: %w", errors.New("reboot timed out")))},
		InvocationFailed{Cause: &RemoteError{}},
		InvocationFailed{Cause: &RemoteError{Message: "device lost", Trace: "java.io.IOException: closed\n\tat Conn.read"}},
		InvocationFailed{Cause: &RemoteError{Message: "no trace"}},
		Log{Name: "screenrecord", DataType: "MP4", DataRef: "/tmp/screenrecord.mp4"},
	}

	for i, ev := range events {
		t.Run(fmt.Sprintf("%02d_%s", i, ev.Kind()), func(t *testing.T) {
			line, err := Encode(ev)
			require.NoError(t, err)

			decoded, err := Decode(line)
			require.NoError(t, err)
			assert.Equal(t, ev, decoded)
		})
	}
}

func TestDecode_Lenient(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		reason string
	}{
		{name: "unknown keyword", line: `TEST_EXPLODED {"a":1}`, reason: "unknown keyword"},
		{name: "missing payload", line: `TEST_RUN_STARTED`, reason: "missing payload"},
		{name: "malformed json", line: `TEST_RUN_STARTED {"testCount":`, reason: "malformed payload"},
		{name: "wrong field type", line: `TEST_RUN_STOPPED {"time":"soon"}`, reason: "malformed payload"},
		{name: "unknown severity", line: `TEST_FAILED {"className":"c","testName":"t","trace":"","severity":"FATAL"}`, reason: "unknown severity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode(tt.line)
			require.Error(t, err)
			assert.Nil(t, ev)

			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Contains(t, decodeErr.Reason, tt.reason)
			assert.Equal(t, tt.line, decodeErr.Line)
		})
	}
}

func TestDecode_NilInvocationCause(t *testing.T) {
	line, err := Encode(InvocationFailed{})
	require.NoError(t, err)

	ev, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, InvocationFailed{Cause: &RemoteError{}}, ev)
}

func TestDecodeError_TruncatesOnRuneBoundary(t *testing.T) {
	line := "TEST_EXPLODED x" + strings.Repeat("é", 100)

	_, err := Decode(line)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)

	msg := decodeErr.Error()
	assert.True(t, utf8.ValidString(msg))
	assert.Contains(t, msg, `é..."`)
}

func TestDecode_IgnoresUnknownFields(t *testing.T) {
	ev, err := Decode(`TEST_RUN_STARTED {"testCount":3,"runName":"X","shard":2}`)
	require.NoError(t, err)
	assert.Equal(t, RunStarted{Name: "X", TestCount: 3}, ev)
}

func TestDecode_EmptyAndCRLF(t *testing.T) {
	_, err := Decode("   ")
	require.ErrorIs(t, err, ErrEmptyLine)

	ev, err := Decode("TEST_RUN_FAILED {\"reason\":\"x\"}\r\n")
	require.NoError(t, err)
	assert.Equal(t, RunFailed{Reason: "x"}, ev)
}

func TestRemoteError(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		re := NewRemoteError(nil)
		assert.Equal(t, "remote error", re.Error())
	})

	t.Run("message is first line", func(t *testing.T) {
		re := NewRemoteError(errors.New("device offline"))
		assert.Equal(t, "device offline", re.Message)
		assert.Equal(t, "remote error: device offline", re.Error())
	})

	t.Run("remote error is copied", func(t *testing.T) {
		orig := &RemoteError{Message: "a", Trace: "a\nb"}
		re := NewRemoteError(fmt.Errorf("wrapped: %w", orig))
		assert.Equal(t, orig, re)
		assert.NotSame(t, orig, re)
	})
}
