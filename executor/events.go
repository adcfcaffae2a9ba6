package executor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// event is a single line of test2json output.
type event struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"` // start, run, pass, fail, skip, output, pause, cont
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Elapsed float64   `json:"Elapsed"`
	Output  string    `json:"Output"`
}

// parseEvents reads a test2json stream and aggregates it into a Summary.
// Lines that are not JSON are kept as plain output.
func parseEvents(r io.Reader) (Summary, error) {
	agg := newAggregator()
	scanner := bufio.NewScanner(r)
	// Allow large lines for verbose test output
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e event
		if err := json.Unmarshal(line, &e); err != nil {
			agg.output.Write(line)
			agg.output.WriteByte('\n')
			continue
		}
		agg.process(e)
	}
	if err := scanner.Err(); err != nil {
		return agg.summary(), fmt.Errorf("scanning test output: %w", err)
	}
	return agg.summary(), nil
}

type testState struct {
	name     string
	outcome  Outcome
	done     bool
	duration time.Duration
	output   []string
}

type aggregator struct {
	tests  map[string]*testState
	order  []string
	output strings.Builder
}

func newAggregator() *aggregator {
	return &aggregator{tests: make(map[string]*testState)}
}

func (a *aggregator) test(name string) *testState {
	if ts, ok := a.tests[name]; ok {
		return ts
	}
	ts := &testState{name: name}
	a.tests[name] = ts
	a.order = append(a.order, name)
	return ts
}

func (a *aggregator) process(e event) {
	if e.Action == "output" {
		a.output.WriteString(e.Output)
	}
	// Subtests are reported through their parent.
	if e.Test == "" || strings.Contains(e.Test, "/") {
		return
	}

	ts := a.test(e.Test)
	elapsed := time.Duration(e.Elapsed * float64(time.Second))
	switch e.Action {
	case "pass":
		ts.outcome, ts.done, ts.duration = OutcomePassed, true, elapsed
	case "fail":
		ts.outcome, ts.done, ts.duration = OutcomeFailed, true, elapsed
	case "skip":
		ts.outcome, ts.done, ts.duration = OutcomeSkipped, true, elapsed
	case "output":
		if line := strings.TrimRight(e.Output, "\n"); line != "" {
			ts.output = append(ts.output, line)
		}
	}
}

func (a *aggregator) summary() Summary {
	s := Summary{Output: a.output.String()}
	for _, name := range a.order {
		ts := a.tests[name]
		if !ts.done {
			// Started but never finished: the test binary died under it.
			ts.outcome = OutcomeAborted
		}
		s.add(TestResult{
			Name:     ts.name,
			Outcome:  ts.outcome,
			Duration: ts.duration,
			Output:   ts.output,
		})
	}
	return s
}
