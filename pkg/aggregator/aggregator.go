// Package aggregator folds a stream of lifecycle events into per-run test
// outcomes. Reruns of the same run name accumulate into one record.
package aggregator

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ethpandaops/testrelay/pkg/event"
	"github.com/sirupsen/logrus"
)

// ErrIllegalState is returned for per-test or run-closing calls made while
// no run is current.
var ErrIllegalState = errors.New("illegal state")

// LogRef is a log artifact announced by the producer.
type LogRef struct {
	Name     string `json:"name" yaml:"name"`
	DataType string `json:"data_type" yaml:"data_type"`
	DataRef  string `json:"data_ref" yaml:"data_ref"`
}

// Invocation holds the invocation-level bookkeeping. It never affects run
// records.
type Invocation struct {
	BuildID   string             `json:"build_id,omitempty" yaml:"build_id,omitempty"`
	Started   bool               `json:"started" yaml:"started"`
	Ended     bool               `json:"ended" yaml:"ended"`
	ElapsedMs int64              `json:"elapsed_ms" yaml:"elapsed_ms"`
	Failure   *event.RemoteError `json:"failure,omitempty" yaml:"failure,omitempty"`
	Logs      []LogRef           `json:"logs,omitempty" yaml:"logs,omitempty"`
}

// Aggregator is an event.Listener that records per-run outcomes and answers
// statistics queries. Mutating calls must come from a single writer; queries
// are safe from any goroutine.
type Aggregator interface {
	event.Listener

	// CurrentRun returns a copy of the currently selected run.
	CurrentRun() (RunResult, bool)
	// Run returns a copy of the named run.
	Run(name string) (RunResult, bool)
	// RunResults returns copies of all runs in first-start order.
	RunResults() []RunResult
	// Invocation returns a copy of the invocation bookkeeping.
	Invocation() Invocation

	NumTotalTests() int
	NumPassedTests() int
	NumFailedTests() int
	NumErrorTests() int
	HasFailedTests() bool

	// Totals returns the memoized totals, computing them on first use.
	Totals() Totals
	// RecomputeTotals discards the memoized totals and computes them again.
	RecomputeTotals() Totals
}

// NewAggregator creates an empty aggregator.
func NewAggregator(log logrus.FieldLogger) Aggregator {
	return &aggregator{
		log:  log.WithField("component", "aggregator"),
		runs: make(map[string]*runRecord, 4),
	}
}

type aggregator struct {
	log logrus.FieldLogger

	mu         sync.RWMutex
	runs       map[string]*runRecord
	order      []string
	current    *runRecord
	invocation Invocation

	totalsMu sync.Mutex
	totals   *Totals
}

// Ensure interface compliance.
var _ Aggregator = (*aggregator)(nil)

func illegalState(call string) error {
	return fmt.Errorf("%s called before testRunStarted: %w", call, ErrIllegalState)
}

// withCurrent runs fn on the current run under the write lock.
func (a *aggregator) withCurrent(call string, fn func(run *runRecord)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil {
		return illegalState(call)
	}

	fn(a.current)

	return nil
}

func (a *aggregator) TestRunStarted(name string, testCount int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	run, ok := a.runs[name]
	if !ok {
		run = newRunRecord(name)
		a.runs[name] = run
		a.order = append(a.order, name)
	}

	run.attempts++
	run.expectedTests = testCount
	run.state = RunStateRunning
	run.complete = false
	run.failed = false
	run.failureReason = ""
	a.current = run

	a.log.WithFields(logrus.Fields{
		"run":      name,
		"tests":    testCount,
		"attempt":  run.attempts,
		"existing": ok,
	}).Debug("Test run started")

	return nil
}

func (a *aggregator) TestStarted(event.TestID) error {
	return nil
}

func (a *aggregator) TestEnded(test event.TestID, _ map[string]string) error {
	return a.withCurrent("testEnded", func(run *runRecord) {
		if !run.has(test) {
			run.put(test, TestResult{Status: StatusPassed})
		}
	})
}

func (a *aggregator) TestFailed(test event.TestID, severity event.Severity, trace string) error {
	status := StatusFailure
	if severity == event.SeverityError {
		status = StatusError
	}

	return a.withCurrent("testFailed", func(run *runRecord) {
		run.put(test, TestResult{Status: status, Trace: trace})
	})
}

func (a *aggregator) TestAssumptionFailure(test event.TestID, trace string) error {
	return a.withCurrent("testAssumptionFailure", func(run *runRecord) {
		run.put(test, TestResult{Status: StatusAssumptionFailure, Trace: trace})
	})
}

func (a *aggregator) TestIgnored(test event.TestID) error {
	return a.withCurrent("testIgnored", func(run *runRecord) {
		run.put(test, TestResult{Status: StatusIgnored})
	})
}

func (a *aggregator) TestRunEnded(elapsedMs int64, metrics map[string]string) error {
	return a.withCurrent("testRunEnded", func(run *runRecord) {
		run.state = RunStateEnded
		run.complete = true
		run.elapsedMs += elapsedMs
		maps.Copy(run.metrics, metrics)

		a.log.WithFields(logrus.Fields{
			"run":     run.name,
			"tests":   len(run.order),
			"elapsed": elapsedMs,
		}).Debug("Test run ended")
	})
}

func (a *aggregator) TestRunFailed(reason string) error {
	return a.withCurrent("testRunFailed", func(run *runRecord) {
		run.state = RunStateFailed
		run.complete = true
		run.failed = true
		run.failureReason = reason

		a.log.WithFields(logrus.Fields{
			"run":    run.name,
			"reason": reason,
		}).Debug("Test run failed")
	})
}

func (a *aggregator) TestRunStopped(elapsedMs int64) error {
	return a.withCurrent("testRunStopped", func(run *runRecord) {
		run.state = RunStateStopped
		run.complete = true
		run.elapsedMs += elapsedMs
	})
}

func (a *aggregator) InvocationStarted(buildID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.invocation.Started = true
	a.invocation.BuildID = buildID

	return nil
}

func (a *aggregator) InvocationEnded(elapsedMs int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.invocation.Ended = true
	a.invocation.ElapsedMs = elapsedMs

	return nil
}

func (a *aggregator) InvocationFailed(cause error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.invocation.Failure = event.NewRemoteError(cause)

	return nil
}

func (a *aggregator) TestLog(name, dataType, dataRef string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.invocation.Logs = append(a.invocation.Logs, LogRef{
		Name:     name,
		DataType: dataType,
		DataRef:  dataRef,
	})

	return nil
}

// Summary is nil; the aggregator exposes its results through queries.
func (a *aggregator) Summary() *event.Summary {
	return nil
}

func (a *aggregator) CurrentRun() (RunResult, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.current == nil {
		return RunResult{}, false
	}

	return a.current.snapshot(), true
}

func (a *aggregator) Run(name string) (RunResult, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	run, ok := a.runs[name]
	if !ok {
		return RunResult{}, false
	}

	return run.snapshot(), true
}

func (a *aggregator) RunResults() []RunResult {
	a.mu.RLock()
	defer a.mu.RUnlock()

	results := make([]RunResult, 0, len(a.order))
	for _, name := range a.order {
		results = append(results, a.runs[name].snapshot())
	}

	return results
}

func (a *aggregator) Invocation() Invocation {
	a.mu.RLock()
	defer a.mu.RUnlock()

	inv := a.invocation
	inv.Logs = slices.Clone(a.invocation.Logs)

	if a.invocation.Failure != nil {
		failure := *a.invocation.Failure
		inv.Failure = &failure
	}

	return inv
}
