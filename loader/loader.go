// Package loader compiles instrumented sources without touching the source
// tree. Every run owns a scratch directory holding the instrumented files;
// the go command picks them up through an -overlay file, so the original
// and the instrumented definition of a unit never meet on disk or in the
// build of another run.
package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/tools/go/packages"

	"github.com/perfgo/covgrade/gocmd"
)

// LookupError is returned when a unit is loaded before it was defined.
type LookupError struct {
	Name string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("unit %q is not defined in this loader", e.Name)
}

// BuildError is returned when the go command fails to compile a package.
type BuildError struct {
	Package string
	Output  string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("failed to build %s: %s", e.Package, gocmd.FirstLine(e.Output))
}

// Class is a handle to a defined unit.
type Class struct {
	// Name is the module-relative slash path, e.g. "shapes/circle.go"
	Name string
	// Path is the absolute path the unit replaces or adds in the module
	Path string
	// Dir is the module-relative slash path of the unit's package directory
	Dir string
	// Defined is the scratch file holding the instrumented source
	Defined string
}

// Package describes a resolved package directory.
type Package struct {
	ImportPath  string
	Name        string
	Dir         string
	GoFiles     []string
	TestGoFiles []string
}

// Loader defines instrumented units for one coverage run.
type Loader struct {
	logger  zerolog.Logger
	root    string
	scratch string

	mu      sync.Mutex
	classes map[string]*Class
}

// New creates a loader for the module rooted at root, keeping its files in
// scratch. The scratch directory should be fresh for every run.
func New(logger zerolog.Logger, root, scratch string) *Loader {
	return &Loader{
		logger:  logger,
		root:    root,
		scratch: scratch,
		classes: make(map[string]*Class),
	}
}

// Root returns the module root.
func (l *Loader) Root() string { return l.root }

// Scratch returns the run's scratch directory.
func (l *Loader) Scratch() string { return l.scratch }

// Define registers src as the definition of the unit called name. A unit may
// be redefined; the latest definition wins.
func (l *Loader) Define(name string, src []byte) error {
	name = path.Clean(name)
	if path.IsAbs(name) || strings.HasPrefix(name, "../") || name == ".." {
		return fmt.Errorf("unit name %q must be relative to the module root", name)
	}

	defined := filepath.Join(l.scratch, "src", filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(defined), 0o755); err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	if err := os.WriteFile(defined, src, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.classes[name] = &Class{
		Name:    name,
		Path:    filepath.Join(l.root, filepath.FromSlash(name)),
		Dir:     path.Dir(name),
		Defined: defined,
	}

	l.logger.Debug().Str("unit", name).Int("bytes", len(src)).Msg("Defined unit")
	return nil
}

// Add defines a new file called file in the package directory dir.
func (l *Loader) Add(dir, file string, src []byte) error {
	return l.Define(path.Join(dir, file), src)
}

// LoadClass returns the handle of a defined unit.
func (l *Loader) LoadClass(name string) (*Class, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cls, ok := l.classes[path.Clean(name)]
	if !ok {
		return nil, &LookupError{Name: name}
	}
	return cls, nil
}

// Overlay returns the replacement map handed to the go command: absolute
// source paths to scratch files.
func (l *Loader) Overlay() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()

	replace := make(map[string]string, len(l.classes))
	for _, cls := range l.classes {
		replace[cls.Path] = cls.Defined
	}
	return replace
}

// Resolve loads the package in the module-relative directory dir.
func (l *Loader) Resolve(ctx context.Context, dir string) (*Package, error) {
	cfg := &packages.Config{
		Context: ctx,
		Dir:     l.root,
		Mode:    packages.NeedName | packages.NeedFiles,
		Tests:   true,
	}

	pkgs, err := packages.Load(cfg, "./"+path.Clean(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to load package %s: %w", dir, err)
	}

	res := &Package{Dir: filepath.Join(l.root, filepath.FromSlash(dir))}
	tests := make(map[string]bool)
	for _, pkg := range pkgs {
		// The plain package has ID == PkgPath; test variants carry a
		// bracketed suffix and the test main package ends in ".test".
		if pkg.ID == pkg.PkgPath && !strings.HasSuffix(pkg.ID, ".test") {
			if len(pkg.Errors) > 0 {
				return nil, fmt.Errorf("failed to load package %s: %s", dir, pkg.Errors[0].Msg)
			}
			res.ImportPath = pkg.PkgPath
			res.Name = pkg.Name
			res.GoFiles = pkg.GoFiles
		}
		for _, f := range pkg.GoFiles {
			if strings.HasSuffix(f, "_test.go") {
				tests[f] = true
			}
		}
	}
	if res.ImportPath == "" {
		return nil, fmt.Errorf("no package found in %s", dir)
	}

	for f := range tests {
		res.TestGoFiles = append(res.TestGoFiles, f)
	}
	sort.Strings(res.TestGoFiles)

	l.logger.Debug().
		Str("package", res.ImportPath).
		Int("files", len(res.GoFiles)).
		Int("test_files", len(res.TestGoFiles)).
		Msg("Resolved package")
	return res, nil
}

// Compile builds the test binary of the package that cls belongs to, with
// every definition of this loader applied, and writes it to output.
func (l *Loader) Compile(ctx context.Context, cls *Class, output string) error {
	overlayPath := filepath.Join(l.scratch, "overlay.json")
	data, err := json.MarshalIndent(struct {
		Replace map[string]string
	}{Replace: l.Overlay()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode overlay: %w", err)
	}
	if err := os.WriteFile(overlayPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write overlay: %w", err)
	}

	pkgArg := "./" + cls.Dir
	args := []string{"test", "-c", "-vet=off", "-overlay", overlayPath, "-o", output, pkgArg}
	cmd := gocmd.CommandContext(ctx, args...)
	cmd.Dir = l.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	l.logger.Debug().
		Str("command", cmd.String()).
		Msg("Executing go test -c")

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("failed to build test binary: %w", ctx.Err())
		}
		return &BuildError{Package: pkgArg, Output: stderr.String() + stdout.String()}
	}

	// go test -c writes nothing for a package without test files
	if _, err := os.Stat(output); err != nil {
		return &BuildError{Package: pkgArg, Output: "no test binary produced: " + strings.TrimSpace(stdout.String())}
	}
	return nil
}
