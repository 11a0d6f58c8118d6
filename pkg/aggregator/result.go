package aggregator

import (
	"maps"

	"github.com/ethpandaops/testrelay/pkg/event"
)

// TestStatus is the recorded outcome of a single test.
type TestStatus string

const (
	StatusPassed            TestStatus = "PASSED"
	StatusFailure           TestStatus = "FAILURE"
	StatusError             TestStatus = "ERROR"
	StatusIgnored           TestStatus = "IGNORED"
	StatusAssumptionFailure TestStatus = "ASSUMPTION_FAILURE"
)

// RunState is the lifecycle state of a run record.
type RunState string

const (
	RunStateRunning RunState = "RUNNING"
	RunStateEnded   RunState = "ENDED"
	RunStateFailed  RunState = "FAILED"
	RunStateStopped RunState = "STOPPED"
)

// TestResult is the outcome of a test. It is always replaced as a whole.
type TestResult struct {
	Status TestStatus `json:"status" yaml:"status"`
	Trace  string     `json:"trace,omitempty" yaml:"trace,omitempty"`
}

// TestEntry pairs a test with its outcome.
type TestEntry struct {
	ClassName string     `json:"class_name" yaml:"class_name"`
	TestName  string     `json:"test_name" yaml:"test_name"`
	Result    TestResult `json:"result" yaml:"result"`
}

// ID returns the test identifier of the entry.
func (e TestEntry) ID() event.TestID {
	return event.NewTestID(e.ClassName, e.TestName)
}

// RunResult is a point-in-time copy of a run record.
type RunResult struct {
	Name          string            `json:"name" yaml:"name"`
	ExpectedTests int               `json:"expected_tests" yaml:"expected_tests"`
	Attempts      int               `json:"attempts" yaml:"attempts"`
	State         RunState          `json:"state" yaml:"state"`
	Complete      bool              `json:"complete" yaml:"complete"`
	Failed        bool              `json:"failed" yaml:"failed"`
	FailureReason string            `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
	ElapsedMs     int64             `json:"elapsed_ms" yaml:"elapsed_ms"`
	Metrics       map[string]string `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tests         []TestEntry       `json:"tests" yaml:"tests"`
}

// NumTests returns the number of tests with a recorded outcome.
func (r *RunResult) NumTests() int {
	return len(r.Tests)
}

// NumPassedTests returns the number of PASSED tests.
func (r *RunResult) NumPassedTests() int {
	return r.count(StatusPassed)
}

// NumFailedTests returns the number of FAILURE tests.
func (r *RunResult) NumFailedTests() int {
	return r.count(StatusFailure)
}

// NumErrorTests returns the number of ERROR tests.
func (r *RunResult) NumErrorTests() int {
	return r.count(StatusError)
}

// NumIgnoredTests returns the number of IGNORED tests.
func (r *RunResult) NumIgnoredTests() int {
	return r.count(StatusIgnored)
}

// NumAssumptionFailures returns the number of ASSUMPTION_FAILURE tests.
func (r *RunResult) NumAssumptionFailures() int {
	return r.count(StatusAssumptionFailure)
}

// Result looks up the outcome of a test.
func (r *RunResult) Result(test event.TestID) (TestResult, bool) {
	for _, e := range r.Tests {
		if e.ClassName == test.ClassName && e.TestName == test.TestName {
			return e.Result, true
		}
	}

	return TestResult{}, false
}

func (r *RunResult) count(status TestStatus) int {
	n := 0

	for _, e := range r.Tests {
		if e.Result.Status == status {
			n++
		}
	}

	return n
}

// runRecord is the mutable per-run state owned by an aggregator. Test
// outcomes keep their first-insertion order.
type runRecord struct {
	name          string
	expectedTests int
	attempts      int
	state         RunState
	complete      bool
	failed        bool
	failureReason string
	elapsedMs     int64
	metrics       map[string]string
	order         []event.TestID
	results       map[event.TestID]TestResult
}

func newRunRecord(name string) *runRecord {
	return &runRecord{
		name:    name,
		metrics: make(map[string]string, 8),
		order:   make([]event.TestID, 0, 16),
		results: make(map[event.TestID]TestResult, 16),
	}
}

func (r *runRecord) has(test event.TestID) bool {
	_, ok := r.results[test]

	return ok
}

func (r *runRecord) put(test event.TestID, result TestResult) {
	if !r.has(test) {
		r.order = append(r.order, test)
	}

	r.results[test] = result
}

func (r *runRecord) snapshot() RunResult {
	tests := make([]TestEntry, 0, len(r.order))
	for _, id := range r.order {
		tests = append(tests, TestEntry{
			ClassName: id.ClassName,
			TestName:  id.TestName,
			Result:    r.results[id],
		})
	}

	return RunResult{
		Name:          r.name,
		ExpectedTests: r.expectedTests,
		Attempts:      r.attempts,
		State:         r.state,
		Complete:      r.complete,
		Failed:        r.failed,
		FailureReason: r.failureReason,
		ElapsedMs:     r.elapsedMs,
		Metrics:       maps.Clone(r.metrics),
		Tests:         tests,
	}
}
