package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"

	"github.com/perfgo/covgrade/gocmd"
)

const waitDelay = 2 * time.Second

// Request describes one engine invocation.
type Request struct {
	// Binary is the compiled test binary
	Binary string
	// Package labels the events of this run
	Package string
	// Dir is the working directory of the test binary
	Dir string
	// Selectors are the names of the tests to run
	Selectors []string
	// Env is appended to the current environment
	Env []string
}

// Engine runs the selected tests of a compiled test binary and blocks until
// all of them have finished.
type Engine interface {
	Execute(ctx context.Context, req Request) (Summary, error)
}

// GoTestEngine runs test binaries under go tool test2json.
type GoTestEngine struct {
	logger zerolog.Logger
}

// NewGoTestEngine creates an engine that logs to logger.
func NewGoTestEngine(logger zerolog.Logger) *GoTestEngine {
	return &GoTestEngine{logger: logger}
}

// RunPattern returns the -test.run pattern that selects exactly the named
// top-level tests.
func RunPattern(selectors []string) string {
	quoted := make([]string, len(selectors))
	for i, s := range selectors {
		quoted[i] = regexp.QuoteMeta(s)
	}
	return "^(" + strings.Join(quoted, "|") + ")$"
}

// Args returns the go command arguments for req.
func (e *GoTestEngine) Args(req Request) []string {
	args := []string{"tool", "test2json", "-t"}
	if req.Package != "" {
		args = append(args, "-p", req.Package)
	}
	args = append(args, req.Binary, "-test.v=test2json")
	if len(req.Selectors) > 0 {
		args = append(args, "-test.run="+RunPattern(req.Selectors))
	}
	return args
}

// CommandLine renders req as a shell command for logs and history.
func (e *GoTestEngine) CommandLine(req Request) string {
	parts := []string{"go"}
	for _, arg := range e.Args(req) {
		parts = append(parts, shellescape.Quote(arg))
	}
	return strings.Join(parts, " ")
}

// Execute runs the test binary and parses its event stream. Failing tests
// are reported in the summary, not as an error.
func (e *GoTestEngine) Execute(ctx context.Context, req Request) (Summary, error) {
	cmd := gocmd.CommandContext(ctx, e.Args(req)...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), req.Env...)

	// The test binary runs as a child of test2json; WaitDelay stops Wait
	// from hanging on its pipes once ctx kills test2json.
	var stdout bytes.Buffer
	var stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	e.logger.Debug().
		Str("command", e.CommandLine(req)).
		Str("dir", req.Dir).
		Msg("Executing tests")

	runErr := cmd.Run()
	summary, parseErr := parseEvents(&stdout)
	summary.Output += stderr.String()

	if ctx.Err() != nil {
		return summary, fmt.Errorf("test execution interrupted: %w", ctx.Err())
	}
	if parseErr != nil {
		return summary, parseErr
	}
	if runErr != nil {
		// Test failures are expected to return non-zero exit codes
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			e.logger.Info().
				Int("exit_code", exitErr.ExitCode()).
				Int("failed", summary.Failed).
				Int("aborted", summary.Aborted).
				Msg("Tests completed with failures")
			return summary, nil
		}
		return summary, fmt.Errorf("failed to execute test: %w", runErr)
	}

	e.logger.Info().
		Int("passed", summary.Passed).
		Int("skipped", summary.Skipped).
		Msg("Tests completed successfully")
	return summary, nil
}
