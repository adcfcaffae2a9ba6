package coverage

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/perfgo/covgrade/score"
)

// Grader scores the coverage of a class under test.
type Grader struct {
	Name      string
	MaxPoints float64
	Scorer    score.Scorer
	Tester    *Tester

	logger zerolog.Logger
}

// NewGrader creates a grader. maxPoints is the maximum reported by error
// results and should match the scorer's.
func NewGrader(logger zerolog.Logger, name string, maxPoints float64, scorer score.Scorer, tester *Tester) *Grader {
	return &Grader{Name: name, MaxPoints: maxPoints, Scorer: scorer, Tester: tester, logger: logger}
}

// Grade computes the coverage of target under tests and scores it. Fatal
// errors become a zero-score result explaining what went wrong.
func (g *Grader) Grade(ctx context.Context, target, tests string) score.Result {
	res, _ := g.Evaluate(ctx, target, tests)
	return res
}

// Evaluate is like Grade but also returns the run report, which is nil if
// the run could not even be created.
func (g *Grader) Evaluate(ctx context.Context, target, tests string) (score.Result, *Report) {
	rep, err := g.Tester.Run(ctx, target, tests)
	if err != nil {
		g.logger.Error().Err(err).Str("target", target).Msg("Coverage run failed")
		return score.ErrorResult(g.Name, g.MaxPoints, err), rep
	}

	res := g.Scorer.Score(rep.Result.BranchRatio, rep.Result.LineRatio)
	if g.Name != "" {
		res.Name = g.Name
	}
	rep.advance(StateScored)
	return res, rep
}
