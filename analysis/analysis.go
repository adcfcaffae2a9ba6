// Package analysis maps recorded probe hits back to line and branch
// counters of the class under test.
package analysis

import (
	"fmt"
	"math"
	"sort"

	"github.com/perfgo/covgrade/instrument"
	"github.com/perfgo/covgrade/probe"
)

// LineStatus is the coverage state of a single line. The values combine
// with a bitwise or: a line whose statements are fully covered but whose
// branches are not is partly covered.
type LineStatus uint8

const (
	statusEmpty   LineStatus = 0
	NotCovered    LineStatus = 1
	FullyCovered  LineStatus = 2
	PartlyCovered LineStatus = NotCovered | FullyCovered
)

func (s LineStatus) String() string {
	switch s {
	case NotCovered:
		return "NOT_COVERED"
	case FullyCovered:
		return "FULLY_COVERED"
	case PartlyCovered:
		return "PARTLY_COVERED"
	}
	return "EMPTY"
}

// MarshalText renders the status by name.
func (s LineStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Counter counts covered items out of a total.
type Counter struct {
	Covered int `json:"covered"`
	Total   int `json:"total"`
}

// Missed returns the number of items that were not covered.
func (c Counter) Missed() int { return c.Total - c.Covered }

// Status classifies the counter the same way a line is classified.
func (c Counter) Status() LineStatus {
	switch {
	case c.Total == 0:
		return statusEmpty
	case c.Covered == 0:
		return NotCovered
	case c.Covered >= c.Total:
		return FullyCovered
	}
	return PartlyCovered
}

// Ratio returns Covered/Total clamped into [0,1]. An empty counter has
// nothing left to cover and yields exactly 1.
func (c Counter) Ratio() float64 {
	if c.Total == 0 {
		return 1.0
	}
	return Clamp(float64(c.Covered) / float64(c.Total))
}

// Clamp forces r into [0,1]. NaN becomes 0.
func Clamp(r float64) float64 {
	switch {
	case math.IsNaN(r), r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

// LineCoverage is the coverage record of one source line.
type LineCoverage struct {
	Line     int        `json:"line"`
	Status   LineStatus `json:"status"`
	Hits     uint32     `json:"hits"`
	Branches Counter    `json:"branches"`
}

// ClassCoverage is the coverage of the class under test.
type ClassCoverage struct {
	Name        string         `json:"name"`
	Lines       []LineCoverage `json:"lines"`
	LineCounter Counter        `json:"line_counter"`
	Branches    Counter        `json:"branches"`
}

// Ratios returns the branch and line coverage ratios.
func (c *ClassCoverage) Ratios() (branch, line float64) {
	return c.Branches.Ratio(), c.LineCounter.Ratio()
}

// Line returns the record of line n.
func (c *ClassCoverage) Line(n int) (LineCoverage, bool) {
	i := sort.Search(len(c.Lines), func(i int) bool { return c.Lines[i].Line >= n })
	if i < len(c.Lines) && c.Lines[i].Line == n {
		return c.Lines[i], true
	}
	return LineCoverage{}, false
}

// AnalysisCardinalityError is returned when analysis does not find exactly
// one unit for the class under test.
type AnalysisCardinalityError struct {
	Target string
	Found  int
}

func (e *AnalysisCardinalityError) Error() string {
	return fmt.Sprintf("expected exactly one analyzed class for %s, found %d", e.Target, e.Found)
}

// Analyze builds the coverage of the unit named target from the recorded
// hits. A unit without recorded data counts as never executed.
func Analyze(units []*instrument.Unit, data probe.Buffer, target string) (*ClassCoverage, error) {
	var unit *instrument.Unit
	found := 0
	for _, u := range units {
		if u.Name == target {
			unit = u
			found++
		}
	}
	if found != 1 {
		return nil, &AnalysisCardinalityError{Target: target, Found: found}
	}

	hits := data.Hits(target)
	if hits == nil {
		hits = make([]uint32, len(unit.Probes))
	}
	if len(hits) != len(unit.Probes) {
		return nil, fmt.Errorf("hit data for %s has %d counters, want %d", target, len(hits), len(unit.Probes))
	}

	type lineAcc struct {
		stmts    Counter
		branches Counter
		hits     uint32
	}
	lines := make(map[int]*lineAcc)
	acc := func(n int) *lineAcc {
		a, ok := lines[n]
		if !ok {
			a = &lineAcc{}
			lines[n] = a
		}
		return a
	}

	cc := &ClassCoverage{Name: target}
	for i, p := range unit.Probes {
		a := acc(p.Line)
		hit := hits[i] > 0
		switch p.Kind {
		case instrument.KindLine:
			a.stmts.Total++
			if hit {
				a.stmts.Covered++
			}
			a.hits = max(a.hits, hits[i])
		case instrument.KindBranch:
			a.branches.Total++
			cc.Branches.Total++
			if hit {
				a.branches.Covered++
				cc.Branches.Covered++
			}
		}
	}

	for n, a := range lines {
		status := a.stmts.Status() | a.branches.Status()
		if status == statusEmpty {
			continue
		}
		cc.Lines = append(cc.Lines, LineCoverage{
			Line:     n,
			Status:   status,
			Hits:     a.hits,
			Branches: a.branches,
		})
		cc.LineCounter.Total++
		if status != NotCovered {
			cc.LineCounter.Covered++
		}
	}
	sort.Slice(cc.Lines, func(i, j int) bool { return cc.Lines[i].Line < cc.Lines[j].Line })

	return cc, nil
}
