package cli

// This file contains the list command for displaying previous coverage runs.

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/covgrade/gocmd"
	"github.com/perfgo/covgrade/history"
)

// historyRoot returns the history directory of the repository containing
// the current directory.
func historyRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	base := cwd
	if root, err := gocmd.ModuleRoot(cwd); err == nil {
		base = root
	}
	return history.Root(history.RepoRoot(base)), nil
}

func (a *App) list(ctx *cli.Context) error {
	filterPath := ctx.String("path")
	limit := ctx.Int("limit")

	root, err := historyRoot()
	if err != nil {
		return err
	}

	// Load all history entries
	historyEntries, err := history.LoadEntries(a.logger, root)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	// Apply path filter if specified
	var filteredEntries []history.Entry
	for _, entry := range historyEntries {
		if filterPath == "" || (entry.History.Coverage != nil && strings.Contains(entry.History.Coverage.Class, filterPath)) {
			filteredEntries = append(filteredEntries, entry)
		}
	}

	if len(filteredEntries) == 0 {
		if filterPath != "" {
			fmt.Printf("No history entries found matching path: %s\n", filterPath)
		} else {
			fmt.Println("No history entries found")
			fmt.Printf("Runs are saved to %s/history/<timestamp>-<commit>-<id>/\n", root)
		}
		return nil
	}

	history.Sort(filteredEntries)

	// Apply limit
	displayRuns := filteredEntries
	if limit > 0 && limit < len(displayRuns) {
		displayRuns = displayRuns[:limit]
	}

	fmt.Printf("\n=== History (%d total) ===\n\n", len(filteredEntries))

	for _, entry := range displayRuns {
		tr := entry.History
		timestamp := tr.Timestamp.Format("2006-01-02 15:04:05")

		// Format duration
		duration := tr.Duration.Round(time.Millisecond)

		// Determine status indicator
		status := "✓"
		if tr.ExitCode != 0 {
			status = "✗"
		}

		// Show short ID (first 8 chars)
		shortID := tr.ID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}

		fmt.Printf("%s  %s  [%s]  exit=%d  id=%s\n", status, timestamp, duration, tr.ExitCode, shortID)
		if c := tr.Coverage; c != nil {
			fmt.Printf("   Class: %s (tests: %s)\n", c.Class, c.Tests)
			fmt.Printf("   Score: %g/%g (%s)  line=%.1f%%  branch=%.1f%%\n", c.Score, c.MaxScore, c.Status, 100*c.LineRatio, 100*c.BranchRatio)
			if c.TestError != "" {
				fmt.Printf("   Warning: %s\n", c.TestError)
			}
		}
		if tr.WorkDir != "" {
			fmt.Printf("   Path: %s\n", tr.WorkDir)
		}
		if tr.Git != nil && tr.Git.Commit != "" {
			shortCommit := tr.Git.Commit
			if len(shortCommit) > 8 {
				shortCommit = shortCommit[:8]
			}
			fmt.Printf("   Commit: %s", shortCommit)
			if tr.Git.Branch != "" {
				fmt.Printf(" (%s)", tr.Git.Branch)
			}
			fmt.Println()
		}
		for _, artifact := range tr.Artifacts {
			fmt.Printf("   %s: %s (%.1f KB)\n", artifact.Type, artifact.File, float64(artifact.Size)/1024)
		}
		fmt.Printf("   %s\n", entry.FullPath)
		fmt.Println()
	}

	fmt.Println("\nView line counts: covgrade view <ID>")
	fmt.Println("View hit profile: covgrade view <ID> -- -list .")

	return nil
}
