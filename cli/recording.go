package cli

// This file contains run recording functionality for saving run metadata
// and artifacts to the history directory.

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/perfgo/covgrade/coverage"
	"github.com/perfgo/covgrade/history"
	"github.com/perfgo/covgrade/model"
	"github.com/perfgo/covgrade/score"
)

func (a *App) recordHistory(base string, h *model.History, res score.Result, rep *coverage.Report) error {
	if h.ID == "" {
		// The run never got an ID of its own.
		idBytes := make([]byte, 16)
		if _, err := rand.Read(idBytes); err != nil {
			return fmt.Errorf("failed to generate run ID: %w", err)
		}
		h.ID = hex.EncodeToString(idBytes)
	}

	// Store the working directory relative to the repository root
	if h.WorkDir != "" {
		if rel, err := filepath.Rel(base, h.WorkDir); err == nil {
			h.WorkDir = rel
		}
	}

	runDir := history.RunDir(history.Root(base), h)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	// Archive artifacts, don't fail the run on artifact errors
	if err := a.saveArtifacts(runDir, h, res, rep); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to save some artifacts")
	}

	if err := history.Write(runDir, h); err != nil {
		return err
	}

	a.logger.Debug().Str("dir", runDir).Str("id", h.ID).Msg("Recorded coverage run")
	return nil
}
