// Package executor compiles a test artifact through the loader and drives
// its tests to completion with a test-execution engine.
package executor

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/perfgo/covgrade/loader"
)

// Outcome is the final state of a single test.
type Outcome uint8

const (
	OutcomePassed Outcome = iota
	OutcomeFailed
	OutcomeAborted
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassed:
		return "passed"
	case OutcomeFailed:
		return "failed"
	case OutcomeAborted:
		return "aborted"
	case OutcomeSkipped:
		return "skipped"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// TestResult is the outcome of one top-level test.
type TestResult struct {
	Name     string        `json:"name"`
	Outcome  Outcome       `json:"-"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	Output   []string      `json:"output,omitempty"`
}

// Summary holds the outcome counts of an engine run. It is diagnostic only;
// coverage does not depend on it.
type Summary struct {
	Passed  int          `json:"passed"`
	Failed  int          `json:"failed"`
	Aborted int          `json:"aborted"`
	Skipped int          `json:"skipped"`
	Tests   []TestResult `json:"tests,omitempty"`
	Output  string       `json:"-"`
}

func (s *Summary) add(r TestResult) {
	r.Status = r.Outcome.String()
	switch r.Outcome {
	case OutcomePassed:
		s.Passed++
	case OutcomeFailed:
		s.Failed++
	case OutcomeAborted:
		s.Aborted++
	case OutcomeSkipped:
		s.Skipped++
	}
	s.Tests = append(s.Tests, r)
}

// Total returns the number of tests that were started.
func (s Summary) Total() int {
	return s.Passed + s.Failed + s.Aborted + s.Skipped
}

// Phases in which a test artifact can fail before its tests run to
// completion.
const (
	PhaseDiscover = "discover"
	PhaseBuild    = "build"
	PhaseExecute  = "execute"
)

// ErrNoTests is wrapped by a TestDiscoveryError when the artifact declares
// no test functions.
var ErrNoTests = errors.New("no test functions found")

// TestDiscoveryError reports a test artifact that could not be discovered,
// built or executed. It does not fail a coverage run.
type TestDiscoveryError struct {
	Artifact string
	Phase    string
	Err      error
}

func (e *TestDiscoveryError) Error() string {
	return fmt.Sprintf("test discovery failed for %s (%s): %v", e.Artifact, e.Phase, e.Err)
}

func (e *TestDiscoveryError) Unwrap() error { return e.Err }

// Executor runs test artifacts defined in a loader.
type Executor struct {
	logger zerolog.Logger
	engine Engine
}

// New creates an executor that runs tests with engine.
func New(logger zerolog.Logger, engine Engine) *Executor {
	return &Executor{logger: logger, engine: engine}
}

// Run resolves artifact through l, compiles its package and runs its tests
// with env added to the environment. It blocks until every test finished.
//
// A *loader.LookupError or a context error is returned as is. Everything
// that goes wrong with the artifact itself is a *TestDiscoveryError.
func (x *Executor) Run(ctx context.Context, l *loader.Loader, artifact string, env []string) (Summary, error) {
	cls, err := l.LoadClass(artifact)
	if err != nil {
		return Summary{}, err
	}

	src, err := os.ReadFile(cls.Defined)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read defined unit %s: %w", artifact, err)
	}
	tests, err := Discover(artifact, src)
	if err != nil {
		return Summary{}, &TestDiscoveryError{Artifact: artifact, Phase: PhaseDiscover, Err: err}
	}

	x.logger.Debug().
		Str("artifact", artifact).
		Strs("tests", tests).
		Msg("Discovered tests")

	binary := filepath.Join(l.Scratch(), "covgrade.test")
	if err := l.Compile(ctx, cls, binary); err != nil {
		if ctx.Err() != nil {
			return Summary{}, err
		}
		return Summary{}, &TestDiscoveryError{Artifact: artifact, Phase: PhaseBuild, Err: err}
	}

	summary, err := x.engine.Execute(ctx, Request{
		Binary:    binary,
		Package:   cls.Dir,
		Dir:       filepath.Join(l.Root(), filepath.FromSlash(cls.Dir)),
		Selectors: tests,
		Env:       env,
	})
	if err != nil {
		if ctx.Err() != nil {
			return summary, err
		}
		return summary, &TestDiscoveryError{Artifact: artifact, Phase: PhaseExecute, Err: err}
	}
	return summary, nil
}

// Discover returns the names of the top-level test functions declared in
// src, in declaration order.
func Discover(name string, src []byte) ([]string, error) {
	f, err := parser.ParseFile(token.NewFileSet(), name, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}

	var tests []string
	for _, decl := range f.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok || fd.Recv != nil || fd.Type.TypeParams != nil {
			continue
		}
		if isTest(fd.Name.Name) && len(fd.Type.Params.List) == 1 {
			tests = append(tests, fd.Name.Name)
		}
	}
	if len(tests) == 0 {
		return nil, ErrNoTests
	}
	return tests, nil
}

// isTest reports whether name looks like TestXxx, where Xxx does not start
// with a lower-case letter. TestMain is not a test.
func isTest(name string) bool {
	const prefix = "Test"
	if len(name) < len(prefix) || name[:len(prefix)] != prefix || name == "TestMain" {
		return false
	}
	if len(name) == len(prefix) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(name[len(prefix):])
	return !unicode.IsLower(r)
}
