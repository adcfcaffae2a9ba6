// Package coverage measures how much of one class under test a test
// artifact executes.
//
// A run instruments both files, defines them in a fresh loader, compiles and
// runs the artifact's tests while a probe session is active, and derives
// line and branch ratios for the class under test from the recorded hits.
package coverage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/perfgo/covgrade/analysis"
	"github.com/perfgo/covgrade/executor"
	"github.com/perfgo/covgrade/instrument"
	"github.com/perfgo/covgrade/loader"
	"github.com/perfgo/covgrade/probe"
)

// Runner runs the tests of an artifact defined in a loader.
type Runner interface {
	Run(ctx context.Context, l *loader.Loader, artifact string, env []string) (executor.Summary, error)
}

// Options tune a Tester. Zero values select the defaults.
type Options struct {
	// Serialize waits for a busy recorder; otherwise a concurrent run fails
	// with a *probe.SessionConflictError
	Serialize bool
	// Source reads units; defaults to the module checkout
	Source Source
	// Recorder defaults to the process-wide recorder
	Recorder *probe.Recorder
	// ScratchDir is the parent of the per-run scratch directories
	ScratchDir string
	// KeepScratch leaves the scratch directory behind for inspection
	KeepScratch bool
}

// Result is the outcome of a coverage run. Both ratios are finite and lie
// in [0,1].
type Result struct {
	BranchRatio float64 `json:"branch_ratio"`
	LineRatio   float64 `json:"line_ratio"`
}

// Report describes a finished run.
type Report struct {
	RunID      string                  `json:"run_id"`
	Target     string                  `json:"target"`
	Tests      string                  `json:"tests"`
	ImportPath string                  `json:"import_path,omitempty"`
	State      State                   `json:"state"`
	Result     Result                  `json:"result"`
	Coverage   *analysis.ClassCoverage `json:"coverage,omitempty"`
	Summary    executor.Summary        `json:"summary"`
	// TestError is the non-fatal test discovery failure, if any
	TestError string `json:"test_error,omitempty"`
	// Error is the fatal failure, if any
	Error string `json:"error,omitempty"`

	Units []*instrument.Unit `json:"-"`
	Data  probe.Buffer       `json:"-"`
}

func (r *Report) advance(to State) {
	if !r.State.next(to) {
		panic(fmt.Sprintf("coverage: invalid state transition %s -> %s", r.State, to))
	}
	r.State = to
}

func (r *Report) fail(err error) (*Report, error) {
	r.advance(StateFailed)
	r.Error = err.Error()
	return r, err
}

// Tester computes the coverage of a class under test within one module.
type Tester struct {
	logger   zerolog.Logger
	root     string
	runner   Runner
	source   Source
	recorder *probe.Recorder
	opts     Options
}

// NewTester creates a tester for the module rooted at root.
func NewTester(logger zerolog.Logger, root string, runner Runner, opts Options) *Tester {
	t := &Tester{
		logger:   logger,
		root:     root,
		runner:   runner,
		source:   opts.Source,
		recorder: opts.Recorder,
		opts:     opts,
	}
	if t.source == nil {
		t.source = DirSource{Root: root}
	}
	if t.recorder == nil {
		t.recorder = probe.Shared(logger)
	}
	return t
}

// ComputeCoverage returns the branch and line ratios of target as exercised
// by the tests in the artifact tests. Both names are module-relative slash
// paths in the same directory, e.g. "shapes/circle.go" and
// "shapes/circle_test.go".
func (t *Tester) ComputeCoverage(ctx context.Context, target, tests string) (Result, error) {
	rep, err := t.Run(ctx, target, tests)
	if err != nil {
		return Result{}, err
	}
	return rep.Result, nil
}

// Run is like ComputeCoverage but returns the full report. On failure the
// report is returned as well, in StateFailed.
func (t *Tester) Run(ctx context.Context, target, tests string) (*Report, error) {
	runID, err := newRunID()
	if err != nil {
		return nil, err
	}
	rep := &Report{RunID: runID, Target: path.Clean(target), Tests: path.Clean(tests), State: StateCreated}
	logger := t.logger.With().Str("run", runID[:8]).Logger()

	if err := validate(rep.Target, rep.Tests); err != nil {
		return rep.fail(err)
	}

	logger.Info().
		Str("target", rep.Target).
		Str("tests", rep.Tests).
		Msg("Computing coverage")

	// Instrument the class under test first so that its probes start at 0.
	in := instrument.New(runID)
	for _, name := range []string{rep.Target, rep.Tests} {
		src, err := t.source.ReadUnit(name)
		if err != nil {
			return rep.fail(&instrument.ClassReadError{Name: name, Err: err})
		}
		if _, err := in.Instrument(name, src); err != nil {
			return rep.fail(err)
		}
	}
	rep.Units = in.Units()
	rep.advance(StateInstrumented)

	scratch, err := os.MkdirTemp(t.opts.ScratchDir, "covgrade-"+runID[:8]+"-")
	if err != nil {
		return rep.fail(fmt.Errorf("failed to create scratch directory: %w", err))
	}
	if t.opts.KeepScratch {
		logger.Info().Str("dir", scratch).Msg("Keeping scratch directory")
	} else {
		defer os.RemoveAll(scratch)
	}

	l := loader.New(logger, t.root, scratch)
	if err := t.define(ctx, l, in, rep); err != nil {
		return rep.fail(err)
	}

	session, err := t.startSession(ctx, in.Layout())
	if err != nil {
		return rep.fail(err)
	}
	defer func() {
		if err := session.Shutdown(); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down probe session")
		}
	}()
	rep.advance(StateRecording)

	summary, err := t.runner.Run(ctx, l, rep.Tests, []string{session.Env()})
	rep.Summary = summary
	if err != nil {
		var discoveryErr *executor.TestDiscoveryError
		if !errors.As(err, &discoveryErr) {
			return rep.fail(err)
		}
		// Whatever fired before the failure still counts.
		rep.TestError = err.Error()
		logger.Warn().Err(err).Msg("Test discovery failed")
	}

	data, err := session.Collect()
	if err != nil {
		return rep.fail(err)
	}
	rep.Data = data
	rep.advance(StateCollected)

	cc, err := analysis.Analyze(rep.Units, data, rep.Target)
	if err != nil {
		return rep.fail(err)
	}
	rep.Coverage = cc
	branch, line := cc.Ratios()
	rep.Result = Result{BranchRatio: branch, LineRatio: line}
	rep.advance(StateAnalyzed)

	logger.Info().
		Float64("branch_ratio", branch).
		Float64("line_ratio", line).
		Int("passed", summary.Passed).
		Int("failed", summary.Failed).
		Msg("Coverage computed")
	return rep, nil
}

// define puts the instrumented units and their runtimes into l. The other
// test files of the package stay in the build so that the artifact can use
// their helpers; a TestMain declared in one of them is renamed.
func (t *Tester) define(ctx context.Context, l *loader.Loader, in *instrument.Instrumenter, rep *Report) error {
	dir := path.Dir(rep.Target)

	pkgs := make(map[string]bool)
	for _, u := range in.Units() {
		if err := l.Define(u.Name, u.Source); err != nil {
			return err
		}
		pkgs[u.Package] = true
	}
	for pkg := range pkgs {
		file := "zz_covgrade_" + in.Symbol() + ".go"
		if strings.HasSuffix(pkg, "_test") {
			file = "zz_covgrade_" + in.Symbol() + "_test.go"
		}
		if err := l.Add(dir, file, in.Runtime(pkg)); err != nil {
			return err
		}
	}

	pkg, err := l.Resolve(ctx, dir)
	if err != nil {
		return err
	}
	rep.ImportPath = pkg.ImportPath

	artifact := filepath.Join(t.root, filepath.FromSlash(rep.Tests))
	for _, f := range pkg.TestGoFiles {
		if f == artifact {
			continue
		}
		rel, err := filepath.Rel(t.root, f)
		if err != nil {
			return fmt.Errorf("failed to relate %s to module root: %w", f, err)
		}
		name := filepath.ToSlash(rel)
		src, err := t.source.ReadUnit(name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if renamed, ok := in.DisableTestMain(name, src); ok {
			t.logger.Debug().Str("file", name).Msg("Renamed TestMain of sibling test file")
			if err := l.Define(name, renamed); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tester) startSession(ctx context.Context, layout []probe.Range) (*probe.Session, error) {
	if t.opts.Serialize {
		return t.recorder.StartWait(ctx, layout)
	}
	return t.recorder.Start(layout)
}

func validate(target, tests string) error {
	switch {
	case !strings.HasSuffix(target, ".go") || strings.HasSuffix(target, "_test.go"):
		return fmt.Errorf("class under test %q must be a non-test .go file", target)
	case !strings.HasSuffix(tests, "_test.go"):
		return fmt.Errorf("test artifact %q must be a _test.go file", tests)
	case path.Dir(target) != path.Dir(tests):
		return fmt.Errorf("class under test %q and test artifact %q must be in the same directory", target, tests)
	case path.IsAbs(target) || strings.HasPrefix(target, "../"):
		return fmt.Errorf("class under test %q must be relative to the module root", target)
	}
	return nil
}

func newRunID() (string, error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("failed to generate run ID: %w", err)
	}
	return hex.EncodeToString(idBytes), nil
}
