// Package score turns coverage ratios into graded results.
package score

import (
	"fmt"
	"math"
)

// DefaultName is the result name used when a scorer has none.
const DefaultName = "code coverage grader"

// Status is the outcome of a graded result.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
	StatusError   Status = "error"
)

// Result is a scored outcome. Score always lies in [0, MaxScore].
type Result struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"max_score"`
	Message  string  `json:"message"`
	Status   Status  `json:"status"`
}

// NewResult builds a result, clamping score into [0, maxScore].
func NewResult(name string, score, maxScore float64, message string) Result {
	if name == "" {
		name = DefaultName
	}
	if maxScore < 0 || math.IsNaN(maxScore) {
		maxScore = 0
	}
	switch {
	case math.IsNaN(score) || score < 0:
		score = 0
	case score > maxScore:
		score = maxScore
	}

	status := StatusPartial
	switch {
	case score == maxScore:
		status = StatusSuccess
	case score == 0:
		status = StatusFailure
	}
	return Result{Name: name, Score: score, MaxScore: maxScore, Message: message, Status: status}
}

// ErrorResult is the zero-score result reported when coverage could not be
// computed at all.
func ErrorResult(name string, maxScore float64, err error) Result {
	r := NewResult(name, 0, maxScore, fmt.Sprintf("Unable to test code coverage: %v", err))
	r.Status = StatusError
	return r
}

// Scorer maps a branch ratio and a line ratio, both in [0,1], to a result.
// Implementations hold only configuration and can be shared between runs.
type Scorer interface {
	Score(branch, line float64) Result
}

// LinearScorer blends both ratios linearly:
//
//	score = MaxPoints * (BranchWeight*branch + (1-BranchWeight)*line)
type LinearScorer struct {
	Name         string
	BranchWeight float64
	MaxPoints    float64

	lineOnly bool
}

// NewLinearScorer creates a weighted scorer. branchWeight is clamped into
// [0,1].
func NewLinearScorer(name string, branchWeight, maxPoints float64) LinearScorer {
	return LinearScorer{Name: name, BranchWeight: unit(branchWeight), MaxPoints: maxPoints}
}

// NewLinearLineScorer creates a scorer that only looks at line coverage.
// A line ratio of 0.95 with 10 points yields 9.5 whatever the branch ratio.
func NewLinearLineScorer(maxPoints float64) LinearScorer {
	return LinearScorer{MaxPoints: maxPoints, lineOnly: true}
}

// Score implements Scorer.
func (s LinearScorer) Score(branch, line float64) Result {
	branch, line = unit(branch), unit(line)
	w := unit(s.BranchWeight)
	if s.lineOnly {
		w = 0
	}
	points := s.MaxPoints * (w*branch + (1-w)*line)
	return NewResult(s.Name, points, s.MaxPoints, s.message(branch, line))
}

func (s LinearScorer) message(branch, line float64) string {
	if s.lineOnly {
		return fmt.Sprintf("Line coverage is %.0f%%", 100*line)
	}
	return fmt.Sprintf("Line coverage is %.0f%%, branch coverage is %.0f%%", 100*line, 100*branch)
}

// ThresholdScorer awards all points once both ratios reach their minimum
// and none otherwise.
type ThresholdScorer struct {
	Name      string
	MinBranch float64
	MinLine   float64
	MaxPoints float64
}

// Score implements Scorer.
func (s ThresholdScorer) Score(branch, line float64) Result {
	branch, line = unit(branch), unit(line)
	points := 0.0
	verdict := "below"
	if branch >= s.MinBranch && line >= s.MinLine {
		points = s.MaxPoints
		verdict = "meets"
	}
	msg := fmt.Sprintf("Coverage %s the required minimum (line %.0f%% of %.0f%%, branch %.0f%% of %.0f%%)",
		verdict, 100*line, 100*s.MinLine, 100*branch, 100*s.MinBranch)
	return NewResult(s.Name, points, s.MaxPoints, msg)
}

func unit(r float64) float64 {
	switch {
	case math.IsNaN(r), r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
