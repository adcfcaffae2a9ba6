package gocmd

// go.go provides utilities for executing Go commands.

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// ModuleRoot returns the directory holding the go.mod of the module that
// contains dir. It fails if dir is not inside a module.
func ModuleRoot(dir string) (string, error) {
	cmd := exec.Command("go", "env", "GOMOD")
	cmd.Dir = dir

	// Capture stdout and stderr separately
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = err.Error()
		}
		// Only show the first line of the error
		return "", fmt.Errorf("failed to locate module for %q: %s", dir, strings.Split(errMsg, "\n")[0])
	}

	gomod := strings.TrimSpace(stdout.String())
	// GOMOD is empty outside a module and os.DevNull in GOPATH mode
	if gomod == "" || filepath.Base(gomod) != "go.mod" {
		return "", fmt.Errorf("directory %q is not inside a Go module", dir)
	}

	return filepath.Dir(gomod), nil
}

// Command creates an exec.Cmd for running a Go command.
// The first argument is the Go subcommand (e.g., "build", "test"), followed by its arguments.
func Command(args ...string) *exec.Cmd {
	return exec.Command("go", args...)
}

// CommandContext is like Command but the command is killed when ctx is done.
func CommandContext(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "go", args...)
}

// FirstLine returns the first non-empty line of a tool's error output,
// which is usually the only part worth reporting.
func FirstLine(output string) string {
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
