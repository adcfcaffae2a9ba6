package history

// This file contains shared history utilities for recording, loading and
// selecting coverage runs.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/perfgo/covgrade/model"
)

// DirName is the directory below the repository root that holds the run
// history.
const DirName = ".covgrade"

// FileName is the metadata file of a single run.
const FileName = "history.json"

type Entry struct {
	History  model.History
	FullPath string
}

// RepoRoot returns the git repository root containing dir. Outside of a
// repository dir itself is used.
func RepoRoot(dir string) string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return dir
	}
	return strings.TrimSpace(string(output))
}

// Root returns the history directory below base.
func Root(base string) string {
	return filepath.Join(base, DirName)
}

// RunDir returns the directory of h below root, named
// <timestamp>-<commit>-<id>.
func RunDir(root string, h *model.History) string {
	timestamp := h.Timestamp.Format("20060102-150405")
	shortCommit := "nocommit"
	if h.Git != nil && h.Git.Commit != "" {
		shortCommit = short(h.Git.Commit)
	}
	runName := fmt.Sprintf("%s-%s-%s", timestamp, shortCommit, short(h.ID))
	return filepath.Join(root, "history", runName)
}

// Write stores the metadata of h in runDir.
func Write(runDir string, h *model.History) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, FileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write history metadata: %w", err)
	}
	return nil
}

// LoadEntries loads all history entries below root. A missing root yields
// no entries.
func LoadEntries(logger zerolog.Logger, root string) ([]Entry, error) {
	var entries []Entry

	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			historyPath := filepath.Join(path, FileName)
			if _, err := os.Stat(historyPath); err == nil {
				history, err := parseHistoryJSON(historyPath)
				if err != nil {
					logger.Warn().Err(err).Str("path", historyPath).Msg("Failed to parse history.json")
					return nil
				}

				entries = append(entries, Entry{
					History:  history,
					FullPath: path,
				})
			}
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk %s directory: %w", DirName, err)
	}

	return entries, nil
}

// Sort orders entries newest first.
func Sort(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].History.Timestamp.After(entries[j].History.Timestamp)
	})
}

// Select picks an entry from entries sorted newest first. arg is either an
// index counting back from the last run (0, -1, -2, ...) or a prefix of the
// hex run ID.
func Select(entries []Entry, arg string) (*Entry, error) {
	if parsed, err := strconv.ParseInt(arg, 10, 64); err == nil {
		if parsed > 0 {
			return nil, fmt.Errorf("invalid index: %s (use 0 for last, -1 for second-to-last, -2 for third-to-last, etc.)", arg)
		}
		index := -parsed
		if index >= int64(len(entries)) {
			return nil, fmt.Errorf("index %s out of range (only %d history entries)", arg, len(entries))
		}
		return &entries[index], nil
	}

	hexID := strings.ToLower(arg)
	for i := range entries {
		if strings.HasPrefix(strings.ToLower(entries[i].History.ID), hexID) {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("no history entry found matching ID: %s", arg)
}

// parseHistoryJSON parses a history.json file.
func parseHistoryJSON(historyPath string) (model.History, error) {
	data, err := os.ReadFile(historyPath)
	if err != nil {
		return model.History{}, err
	}

	var history model.History
	if err := json.Unmarshal(data, &history); err != nil {
		return model.History{}, err
	}

	return history, nil
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
