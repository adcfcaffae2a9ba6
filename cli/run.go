package cli

// This file contains the run command, which grades the coverage of a class
// under test and records the run in the history.

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/covgrade/config"
	"github.com/perfgo/covgrade/coverage"
	"github.com/perfgo/covgrade/executor"
	"github.com/perfgo/covgrade/gocmd"
	"github.com/perfgo/covgrade/history"
	"github.com/perfgo/covgrade/model"
	"github.com/perfgo/covgrade/score"
)

// runOutput is the document written by --output.
type runOutput struct {
	Result score.Result     `json:"result"`
	Report *coverage.Report `json:"report,omitempty"`
}

func (a *App) run(ctx *cli.Context) error {
	startTime := time.Now()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	root, err := gocmd.ModuleRoot(cwd)
	if err != nil {
		return err
	}

	cfgPath := ctx.String("config")
	if cfgPath == "" {
		cfgPath = config.Find(root)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfgPath != "" {
		a.logger.Debug().Str("config", cfgPath).Msg("Loaded grader config")
	}
	if err := applyFlags(ctx, cfg, root, cwd); err != nil {
		return err
	}
	if cfg.Target == "" || cfg.Tests == "" {
		return fmt.Errorf("no class under test specified: please provide --target and --tests (or set them in %s)", config.FileName)
	}

	scorer, err := cfg.NewScorer()
	if err != nil {
		return err
	}

	runner := executor.New(a.logger, executor.NewGoTestEngine(a.logger))
	tester := coverage.NewTester(a.logger, root, runner, coverage.Options{
		Serialize:   cfg.Serialize,
		KeepScratch: ctx.Bool("keep-scratch"),
	})
	grader := coverage.NewGrader(a.logger, cfg.Name, cfg.Scorer.MaxPoints, scorer, tester)

	res, rep := grader.Evaluate(ctx.Context, cfg.Target, cfg.Tests)
	printResult(os.Stdout, res, rep)
	if ctx.Bool("lines") && rep != nil && rep.Coverage != nil {
		if err := printLines(os.Stdout, rep.Coverage); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to print line coverage")
		}
	}

	if out := ctx.String("output"); out != "" {
		if err := writeOutput(out, res, rep); err != nil {
			return err
		}
		a.logger.Info().Str("file", out).Msg("Result written")
	}

	if !ctx.Bool("no-history") {
		h := a.newHistory(startTime, cwd, cfg, res, rep)
		if err := a.recordHistory(history.RepoRoot(root), h, res, rep); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to record history")
		}
	}

	if res.Status == score.StatusError {
		return cli.Exit(res.Message, 1)
	}
	return nil
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(ctx *cli.Context, cfg *config.Config, root, cwd string) error {
	if ctx.IsSet("target") {
		rel, err := moduleRelative(root, cwd, ctx.String("target"))
		if err != nil {
			return err
		}
		cfg.Target = rel
	}
	if ctx.IsSet("tests") {
		rel, err := moduleRelative(root, cwd, ctx.String("tests"))
		if err != nil {
			return err
		}
		cfg.Tests = rel
	}
	if ctx.IsSet("name") {
		cfg.Name = ctx.String("name")
	}
	if ctx.IsSet("scorer") {
		cfg.Scorer.Kind = ctx.String("scorer")
	}
	if ctx.IsSet("max-points") {
		cfg.Scorer.MaxPoints = ctx.Float64("max-points")
	}
	if ctx.IsSet("branch-weight") {
		cfg.Scorer.BranchWeight = ctx.Float64("branch-weight")
	}
	if ctx.Bool("no-wait") {
		cfg.Serialize = false
	}
	return cfg.Validate()
}

// moduleRelative converts name, relative to cwd or absolute, into a slash
// path relative to the module root.
func moduleRelative(root, cwd, name string) (string, error) {
	abs := name
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cwd, name)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("failed to relate %s to module root %s: %w", name, root, err)
	}
	return filepath.ToSlash(rel), nil
}

func printResult(w io.Writer, res score.Result, rep *coverage.Report) {
	if rep != nil {
		fmt.Fprintf(w, "=== Coverage: %s ===\n", rep.Target)
		fmt.Fprintf(w, "Tests: %s", rep.Tests)
		if total := rep.Summary.Total(); total > 0 {
			fmt.Fprintf(w, " (%d passed, %d failed", rep.Summary.Passed, rep.Summary.Failed)
			if rep.Summary.Aborted > 0 {
				fmt.Fprintf(w, ", %d aborted", rep.Summary.Aborted)
			}
			fmt.Fprint(w, ")")
		}
		fmt.Fprintln(w)
		if rep.TestError != "" {
			fmt.Fprintf(w, "Warning: %s\n", rep.TestError)
		}
		if cc := rep.Coverage; cc != nil {
			fmt.Fprintf(w, "Line coverage: %.1f%% (%d/%d)\n", 100*rep.Result.LineRatio, cc.LineCounter.Covered, cc.LineCounter.Total)
			fmt.Fprintf(w, "Branch coverage: %.1f%% (%d/%d)\n", 100*rep.Result.BranchRatio, cc.Branches.Covered, cc.Branches.Total)
		}
	}
	fmt.Fprintf(w, "Score: %g/%g (%s)\n", res.Score, res.MaxScore, res.Status)
	fmt.Fprintln(w, res.Message)
}

func writeOutput(path string, res score.Result, rep *coverage.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create result file: %w", err)
	}
	if err := encodeOutput(f, res, rep); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func encodeOutput(w io.Writer, res score.Result, rep *coverage.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(runOutput{Result: res, Report: rep}); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

func (a *App) newHistory(startTime time.Time, cwd string, cfg *config.Config, res score.Result, rep *coverage.Report) *model.History {
	h := &model.History{
		Timestamp: startTime,
		Duration:  time.Since(startTime),
		Args:      os.Args,
		WorkDir:   cwd,
		Target: &model.Target{
			OS:   runtime.GOOS,
			Arch: runtime.GOARCH,
		},
		Coverage: &model.CoverageRun{
			Class:    cfg.Target,
			Tests:    cfg.Tests,
			Scorer:   cfg.Scorer.Kind,
			Score:    res.Score,
			MaxScore: res.MaxScore,
			Status:   string(res.Status),
			Message:  res.Message,
		},
	}
	if res.Status == score.StatusError {
		h.ExitCode = 1
	}

	// Capture git info (non-fatal if it fails)
	if commit, branch, err := a.getGitInfo(cwd); err == nil {
		h.Git = &model.Git{
			Commit: commit,
			Branch: branch,
			Repo:   filepath.Base(history.RepoRoot(cwd)),
		}
	}

	if rep == nil {
		return h
	}
	h.ID = rep.RunID
	c := h.Coverage
	c.ImportPath = rep.ImportPath
	c.State = rep.State.String()
	c.BranchRatio = rep.Result.BranchRatio
	c.LineRatio = rep.Result.LineRatio
	c.Passed = rep.Summary.Passed
	c.Failed = rep.Summary.Failed
	c.Aborted = rep.Summary.Aborted
	c.Skipped = rep.Summary.Skipped
	c.TestError = rep.TestError
	return h
}
