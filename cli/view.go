package cli

// This file contains the view command for displaying coverage runs from
// history.

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/urfave/cli/v2"
	"golang.org/x/tools/cover"

	"github.com/perfgo/covgrade/gocmd"
	"github.com/perfgo/covgrade/history"
	"github.com/perfgo/covgrade/model"
)

func removeFirstDashDash(in []string) []string {
	if len(in) > 0 && in[0] == "--" {
		return in[1:]
	}
	return in
}

func parseViewArgs(in []string) (idArg string, pprofArgs []string) {
	if len(in) == 0 {
		return "0", nil
	}

	// If first arg is "--", use default "0" and rest are pprof args
	if in[0] == "--" {
		return "0", in[1:]
	}

	// A negative index is "-" followed by only digits (e.g., "-1", "-2"),
	// anything else starting with "-" is a pprof flag (e.g., "-top")
	if len(in[0]) > 1 && in[0][0] == '-' {
		if _, err := strconv.ParseInt(in[0], 10, 64); err != nil {
			return "0", in
		}
	}

	// First arg is the ID/index, rest are pprof args (with optional "--" removed)
	return in[0], removeFirstDashDash(in[1:])
}

func (a *App) view(ctx *cli.Context) error {
	arg, pprofArgs := parseViewArgs(ctx.Args().Slice())

	root, err := historyRoot()
	if err != nil {
		return err
	}

	historyEntries, err := history.LoadEntries(a.logger, root)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if len(historyEntries) == 0 {
		return fmt.Errorf("no history entries found in %s", root)
	}

	history.Sort(historyEntries)
	entry, err := history.Select(historyEntries, arg)
	if err != nil {
		return err
	}

	return a.displayHistoryEntry(os.Stdout, entry, pprofArgs)
}

func (a *App) displayHistoryEntry(w io.Writer, entry *history.Entry, pprofArgs []string) error {
	h := &entry.History

	shortID := h.ID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	fmt.Fprintf(w, "=== Coverage Run: %s ===\n", shortID)
	fmt.Fprintf(w, "Time: %s\n", h.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Duration: %s\n", h.Duration)
	fmt.Fprintf(w, "Exit Code: %d\n", h.ExitCode)
	if h.WorkDir != "" {
		fmt.Fprintf(w, "Working Dir: %s\n", h.WorkDir)
	}
	if h.Git != nil && len(h.Git.Commit) >= 8 {
		fmt.Fprintf(w, "Git Commit: %s", h.Git.Commit[:8])
		if h.Git.Branch != "" {
			fmt.Fprintf(w, " (%s)", h.Git.Branch)
		}
		fmt.Fprintln(w)
	}
	if c := h.Coverage; c != nil {
		fmt.Fprintf(w, "Class: %s\n", c.Class)
		fmt.Fprintf(w, "Tests: %s (%d passed, %d failed, %d aborted)\n", c.Tests, c.Passed, c.Failed, c.Aborted)
		fmt.Fprintf(w, "Coverage: line=%.1f%% branch=%.1f%%\n", 100*c.LineRatio, 100*c.BranchRatio)
		fmt.Fprintf(w, "Score: %g/%g (%s) %s\n", c.Score, c.MaxScore, c.Status, c.Message)
		if c.TestError != "" {
			fmt.Fprintf(w, "Warning: %s\n", c.TestError)
		}
	}
	fmt.Fprintln(w)

	// pprof flags select the hit profile, otherwise line counts are shown
	if profile := h.Artifact(model.ArtifactTypeHitProfile); profile != nil && len(pprofArgs) > 0 {
		return a.displayProfile(entry.FullPath, profile, pprofArgs)
	}
	if cp := h.Artifact(model.ArtifactTypeCoverProfile); cp != nil {
		return a.displayCoverProfile(w, entry.FullPath, cp)
	}
	if out := h.Artifact(model.ArtifactTypeTestOutput); out != nil {
		return a.displayOutput(w, entry.FullPath, out)
	}

	fmt.Fprintln(w, "No displayable artifacts found")
	fmt.Fprintf(w, "History directory: %s\n", entry.FullPath)
	return nil
}

func (a *App) displayProfile(runDir string, artifact *model.Artifact, pprofArgs []string) error {
	profilePath := filepath.Join(runDir, artifact.File)
	fmt.Printf("Profile: %s (%.1f KB)\n", profilePath, float64(artifact.Size)/1024)

	args := []string{"tool", "pprof"}
	args = append(args, pprofArgs...)
	args = append(args, profilePath)

	cmd := gocmd.Command(args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Dir = runDir

	return cmd.Run()
}

func (a *App) displayCoverProfile(w io.Writer, runDir string, artifact *model.Artifact) error {
	path := filepath.Join(runDir, artifact.File)
	profiles, err := cover.ParseProfiles(path)
	if err != nil {
		return fmt.Errorf("failed to read coverage profile: %w", err)
	}
	fmt.Fprintf(w, "Coverage Profile: %s\n", path)
	formatBlocks(w, profiles)
	return nil
}

// formatBlocks prints one line per statement block with its execution
// count, marking blocks that never ran.
func formatBlocks(w io.Writer, profiles []*cover.Profile) {
	for _, p := range profiles {
		var covered int
		for _, b := range p.Blocks {
			if b.Count > 0 {
				covered++
			}
		}
		fmt.Fprintf(w, "%s: %d/%d statements executed\n", p.FileName, covered, len(p.Blocks))
		for _, b := range p.Blocks {
			mark := " "
			if b.Count == 0 {
				mark = "!"
			}
			fmt.Fprintf(w, "  %s %5d  %d.%d-%d.%d\n", mark, b.Count, b.StartLine, b.StartCol, b.EndLine, b.EndCol)
		}
	}
}

func (a *App) displayOutput(w io.Writer, runDir string, artifact *model.Artifact) error {
	path := filepath.Join(runDir, artifact.File)
	fmt.Fprintf(w, "Test Output: %s\n", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read test output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}
