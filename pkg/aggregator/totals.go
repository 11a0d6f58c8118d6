package aggregator

// Totals are test counts summed across every run.
type Totals struct {
	Total              int `json:"total" yaml:"total"`
	Passed             int `json:"passed" yaml:"passed"`
	Failed             int `json:"failed" yaml:"failed"`
	Error              int `json:"error" yaml:"error"`
	Ignored            int `json:"ignored" yaml:"ignored"`
	AssumptionFailures int `json:"assumption_failures" yaml:"assumption_failures"`
}

// HasFailures reports whether any test ended in FAILURE or ERROR.
func (t Totals) HasFailures() bool {
	return t.Failed+t.Error > 0
}

// Totals are computed once and then served from the cache. Later mutations
// are not reflected until RecomputeTotals is called.
func (a *aggregator) Totals() Totals {
	a.totalsMu.Lock()
	defer a.totalsMu.Unlock()

	if a.totals == nil {
		t := a.computeTotals()
		a.totals = &t
	}

	return *a.totals
}

func (a *aggregator) RecomputeTotals() Totals {
	a.totalsMu.Lock()
	defer a.totalsMu.Unlock()

	t := a.computeTotals()
	a.totals = &t

	return t
}

func (a *aggregator) computeTotals() Totals {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var t Totals

	for _, name := range a.order {
		run := a.runs[name]
		t.Total += len(run.order)

		for _, id := range run.order {
			switch run.results[id].Status {
			case StatusPassed:
				t.Passed++
			case StatusFailure:
				t.Failed++
			case StatusError:
				t.Error++
			case StatusIgnored:
				t.Ignored++
			case StatusAssumptionFailure:
				t.AssumptionFailures++
			}
		}
	}

	a.log.WithField("total", t.Total).Debug("Computed test totals")

	return t
}

func (a *aggregator) NumTotalTests() int {
	return a.Totals().Total
}

func (a *aggregator) NumPassedTests() int {
	return a.Totals().Passed
}

func (a *aggregator) NumFailedTests() int {
	return a.Totals().Failed
}

func (a *aggregator) NumErrorTests() int {
	return a.Totals().Error
}

func (a *aggregator) HasFailedTests() bool {
	return a.Totals().HasFailures()
}
