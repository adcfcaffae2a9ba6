package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/covgrade/config"
)

const AppName = "covgrade"

type App struct {
	logger zerolog.Logger
	cli    *cli.App
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
		cli: &cli.App{
			Name:  AppName,
			Usage: "Grade how much of a Go source file its tests execute",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
		},
	}
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "run",
		Usage:  "Compute and grade the coverage of a class under test",
		Action: app.run,
		Flags:  runFlags(),
		Description: `Instruments the class under test and its test artifact, runs the
artifact's tests and grades the resulting line and branch coverage.

Both files must live in the same package directory. Paths are relative to
the current directory, paths read from ` + config.FileName + ` are relative
to the module root.

Examples:
  covgrade run --target shapes/circle.go --tests shapes/circle_test.go
  covgrade run --scorer line --max-points 5
  covgrade run --scorer threshold --output results.json`,
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "list",
		Usage:  "List previous coverage runs",
		Action: app.list,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "path",
				Aliases: []string{"p"},
				Usage:   "Filter by class under test (e.g., examples/branch-prediction)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of results (default: 20)",
				Value:   20,
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:            "view",
		Usage:           "View a coverage run from history",
		ArgsUsage:       "[ID|INDEX] [-- pprof flags]",
		Action:          app.view,
		SkipFlagParsing: true,
		Description: `View a coverage run from history.

Arguments:
  0           View last run (default)
  -1          View 2nd last run
  -2          View 3rd last run
  <hex-id>    View run matching the hex ID prefix

Examples:
  covgrade view                 # Line counts of the last run
  covgrade view -1              # Line counts of the 2nd last run
  covgrade view abc123 -- -top  # Hit profile of run abc123 in pprof

Display Priority:
  1. Hit profile (hits.pb.gz), when pprof flags are given
  2. Coverage profile (coverage.out)
  3. Test output`,
	})
	return app
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && len(commit) >= 8 {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "target",
			Aliases: []string{"t"},
			Usage:   "Class under test (e.g., shapes/circle.go)",
		},
		&cli.StringFlag{
			Name:  "tests",
			Usage: "Test artifact exercising the class (e.g., shapes/circle_test.go)",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "Name reported in the result",
		},
		&cli.StringFlag{
			Name:  "scorer",
			Usage: "Scorer to use: linear, line or threshold",
		},
		&cli.Float64Flag{
			Name:  "max-points",
			Usage: "Points awarded for full coverage",
		},
		&cli.Float64Flag{
			Name:  "branch-weight",
			Usage: "Weight of branch coverage in the linear scorer, in [0,1]",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Grader file (default: " + config.FileName + " in the module root, if present)",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Write the result and run report as JSON to this file",
		},
		&cli.BoolFlag{
			Name:  "no-wait",
			Usage: "Fail instead of waiting when another coverage run is active",
		},
		&cli.BoolFlag{
			Name:  "lines",
			Usage: "Print the coverage status of every executable line",
		},
		&cli.BoolFlag{
			Name:  "keep-scratch",
			Usage: "Keep the scratch directory with the instrumented sources",
		},
		&cli.BoolFlag{
			Name:  "no-history",
			Usage: "Do not record the run in the history",
		},
	}
}
