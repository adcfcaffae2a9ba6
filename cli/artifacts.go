package cli

// This file contains artifact management functionality for saving test
// output and coverage profiles to the history directory.

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/perfgo/covgrade/analysis"
	"github.com/perfgo/covgrade/coverage"
	"github.com/perfgo/covgrade/hitprofile"
	"github.com/perfgo/covgrade/model"
	"github.com/perfgo/covgrade/score"
)

// Artifact file names inside a run directory.
const (
	outputFile       = "output.txt"
	hitProfileFile   = "hits.pb.gz"
	coverProfileFile = "coverage.out"
	resultFile       = "result.json"
)

func (a *App) saveArtifacts(runDir string, h *model.History, res score.Result, rep *coverage.Report) error {
	var errs []error
	save := func(t model.ArtifactType, file string, write func(io.Writer) error) {
		if err := a.writeArtifact(runDir, h, t, file, write); err != nil {
			errs = append(errs, err)
		}
	}

	save(model.ArtifactTypeResult, resultFile, func(w io.Writer) error {
		return encodeOutput(w, res, rep)
	})

	if rep == nil {
		return errors.Join(errs...)
	}

	if rep.Summary.Output != "" {
		save(model.ArtifactTypeTestOutput, outputFile, func(w io.Writer) error {
			_, err := io.WriteString(w, rep.Summary.Output)
			return err
		})
	}

	// Profiles need collected probe data
	if rep.Data == nil {
		return errors.Join(errs...)
	}

	save(model.ArtifactTypeHitProfile, hitProfileFile, func(w io.Writer) error {
		prof, err := hitprofile.Build(rep.Units, rep.Data)
		if err != nil {
			return err
		}
		return prof.Write(w)
	})
	if rep.ImportPath != "" {
		save(model.ArtifactTypeCoverProfile, coverProfileFile, func(w io.Writer) error {
			return analysis.WriteProfile(w, rep.ImportPath, rep.Units, rep.Data)
		})
	}

	return errors.Join(errs...)
}

// writeArtifact writes file into runDir and registers it with h.
func (a *App) writeArtifact(runDir string, h *model.History, t model.ArtifactType, file string, write func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return fmt.Errorf("failed to generate %s: %w", file, err)
	}

	path := filepath.Join(runDir, file)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}

	h.Artifacts = append(h.Artifacts, model.Artifact{
		Type: t,
		Size: uint64(buf.Len()),
		File: file,
	})
	a.logger.Debug().
		Str("file", file).
		Int("size", buf.Len()).
		Msg("Saved artifact")
	return nil
}
