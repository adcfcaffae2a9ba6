package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"golang.org/x/tools/cover"

	"github.com/perfgo/covgrade/analysis"
	"github.com/perfgo/covgrade/config"
	"github.com/perfgo/covgrade/coverage"
	"github.com/perfgo/covgrade/executor"
	"github.com/perfgo/covgrade/history"
	"github.com/perfgo/covgrade/instrument"
	"github.com/perfgo/covgrade/model"
	"github.com/perfgo/covgrade/probe"
	"github.com/perfgo/covgrade/score"
)

const signSource = `package shapes

func Sign(x int) int {
	if x < 0 {
		return -1
	}
	return 1
}
`

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		check   func(t *testing.T, cfg *config.Config)
		wantErr string
	}{
		{
			name: "defaults",
			check: func(t *testing.T, cfg *config.Config) {
				require.Equal(t, config.Default(), cfg)
			},
		},
		{
			name: "paths relative to working directory",
			args: []string{"--target", "circle.go", "--tests", "circle_test.go"},
			check: func(t *testing.T, cfg *config.Config) {
				require.Equal(t, "shapes/circle.go", cfg.Target)
				require.Equal(t, "shapes/circle_test.go", cfg.Tests)
			},
		},
		{
			name: "absolute path",
			args: []string{"--target", "/mod/geo/area.go"},
			check: func(t *testing.T, cfg *config.Config) {
				require.Equal(t, "geo/area.go", cfg.Target)
			},
		},
		{
			name: "scorer settings",
			args: []string{"--scorer", "line", "--max-points", "5", "--name", "circle"},
			check: func(t *testing.T, cfg *config.Config) {
				require.Equal(t, config.ScorerLine, cfg.Scorer.Kind)
				require.Equal(t, 5.0, cfg.Scorer.MaxPoints)
				require.Equal(t, "circle", cfg.Name)
			},
		},
		{
			name: "explicit zero points",
			args: []string{"--max-points", "0"},
			check: func(t *testing.T, cfg *config.Config) {
				require.Zero(t, cfg.Scorer.MaxPoints)
			},
		},
		{
			name: "no wait",
			args: []string{"--no-wait"},
			check: func(t *testing.T, cfg *config.Config) {
				require.False(t, cfg.Serialize)
			},
		},
		{
			name:    "branch weight out of range",
			args:    []string{"--branch-weight", "2"},
			wantErr: "branch_weight",
		},
		{
			name:    "unknown scorer",
			args:    []string{"--scorer", "quadratic"},
			wantErr: "unknown scorer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			var applyErr error
			app := &cli.App{
				Name:  AppName,
				Flags: runFlags(),
				Action: func(ctx *cli.Context) error {
					applyErr = applyFlags(ctx, cfg, "/mod", "/mod/shapes")
					return nil
				},
			}
			require.NoError(t, app.Run(append([]string{AppName}, tt.args...)))
			if tt.wantErr != "" {
				require.ErrorContains(t, applyErr, tt.wantErr)
				return
			}
			require.NoError(t, applyErr)
			tt.check(t, cfg)
		})
	}
}

func TestPrintResult(t *testing.T) {
	rep := &coverage.Report{
		Target:  "shapes/sign.go",
		Tests:   "shapes/sign_test.go",
		Summary: executor.Summary{Passed: 2, Aborted: 1},
		Result:  coverage.Result{BranchRatio: 0.5, LineRatio: 0.625},
		Coverage: &analysis.ClassCoverage{
			LineCounter: analysis.Counter{Covered: 5, Total: 8},
			Branches:    analysis.Counter{Covered: 1, Total: 2},
		},
		TestError: "test discovery failed",
	}
	res := score.NewLinearLineScorer(10).Score(0.5, 0.625)

	var buf bytes.Buffer
	printResult(&buf, res, rep)
	out := buf.String()
	require.Contains(t, out, "=== Coverage: shapes/sign.go ===")
	require.Contains(t, out, "(2 passed, 0 failed, 1 aborted)")
	require.Contains(t, out, "Warning: test discovery failed")
	require.Contains(t, out, "Line coverage: 62.5% (5/8)")
	require.Contains(t, out, "Branch coverage: 50.0% (1/2)")
	require.Contains(t, out, "Score: 6.25/10 (partial)")

	buf.Reset()
	printResult(&buf, score.ErrorResult("", 10, os.ErrNotExist), nil)
	require.Equal(t, "Score: 0/10 (error)\nUnable to test code coverage: file does not exist\n", buf.String())
}

func TestModuleRelative(t *testing.T) {
	tests := []struct {
		cwd, name, want string
	}{
		{cwd: "/mod", name: "shapes/circle.go", want: "shapes/circle.go"},
		{cwd: "/mod/shapes", name: "circle.go", want: "shapes/circle.go"},
		{cwd: "/mod/shapes", name: "../geo/area.go", want: "geo/area.go"},
		{cwd: "/elsewhere", name: "/mod/shapes/circle.go", want: "shapes/circle.go"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := moduleRelative("/mod", tt.cwd, tt.name)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRecordHistory(t *testing.T) {
	in := instrument.New("0123456789abcdef0123456789abcdef")
	u, err := in.Instrument("shapes/sign.go", []byte(signSource))
	require.NoError(t, err)

	hits := make([]uint32, len(u.Probes))
	for i := range hits {
		hits[i] = 1
	}
	rep := &coverage.Report{
		RunID:      "0123456789abcdef0123456789abcdef",
		Target:     "shapes/sign.go",
		Tests:      "shapes/sign_test.go",
		ImportPath: "example.com/m/shapes",
		Summary:    executor.Summary{Passed: 1, Output: "=== RUN   TestSign\n--- PASS: TestSign (0.00s)\n"},
		Units:      in.Units(),
		Data:       probe.Buffer{u.Name: hits},
	}
	res := score.NewLinearScorer("", 0.5, 10).Score(1, 1)

	a := &App{logger: zerolog.Nop()}
	base := t.TempDir()
	h := &model.History{ID: rep.RunID, WorkDir: filepath.Join(base, "shapes")}
	require.NoError(t, a.recordHistory(base, h, res, rep))
	require.Equal(t, "shapes", h.WorkDir)
	require.Len(t, h.Artifacts, 4)

	entries, err := history.LoadEntries(zerolog.Nop(), history.Root(base))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[0]
	require.Equal(t, rep.RunID, entry.History.ID)

	// The hit profile is a valid pprof profile.
	f, err := os.Open(filepath.Join(entry.FullPath, hitProfileFile))
	require.NoError(t, err)
	defer f.Close()
	prof, err := profile.Parse(f)
	require.NoError(t, err)
	require.NoError(t, prof.CheckValid())

	// The coverprofile uses the package import path.
	profiles, err := cover.ParseProfiles(filepath.Join(entry.FullPath, coverProfileFile))
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	require.Equal(t, "example.com/m/shapes/sign.go", profiles[0].FileName)
	require.Len(t, profiles[0].Blocks, 3)

	var buf bytes.Buffer
	require.NoError(t, a.displayHistoryEntry(&buf, &entry, nil))
	out := buf.String()
	require.Contains(t, out, "=== Coverage Run: 01234567 ===")
	require.Contains(t, out, "example.com/m/shapes/sign.go: 3/3 statements executed")
}

func TestRecordHistoryWithoutReport(t *testing.T) {
	a := &App{logger: zerolog.Nop()}
	base := t.TempDir()
	h := &model.History{ExitCode: 1}
	res := score.ErrorResult("", 10, os.ErrNotExist)

	require.NoError(t, a.recordHistory(base, h, res, nil))
	require.Len(t, h.ID, 32)
	require.Len(t, h.Artifacts, 1)
	require.Equal(t, model.ArtifactTypeResult, h.Artifacts[0].Type)

	var buf bytes.Buffer
	entry := &history.Entry{History: *h, FullPath: history.RunDir(history.Root(base), h)}
	require.NoError(t, a.displayHistoryEntry(&buf, entry, nil))
	require.Contains(t, buf.String(), "No displayable artifacts found")
}

func TestPrintLines(t *testing.T) {
	color.NoColor = true

	cc := &analysis.ClassCoverage{
		Lines: []analysis.LineCoverage{
			{Line: 4, Status: analysis.PartlyCovered, Hits: 2, Branches: analysis.Counter{Covered: 1, Total: 2}},
			{Line: 5, Status: analysis.NotCovered},
			{Line: 7, Status: analysis.FullyCovered, Hits: 2},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, printLines(&buf, cc))
	out := buf.String()
	for _, want := range []string{"PARTLY_COVERED", "NOT_COVERED", "FULLY_COVERED", "1/2"} {
		require.Contains(t, out, want)
	}
}
