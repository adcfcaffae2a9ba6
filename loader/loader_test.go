package loader

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLoader_DefineAndLoad(t *testing.T) {
	root := t.TempDir()
	l := New(zerolog.Nop(), root, t.TempDir())

	require.NoError(t, l.Define("shapes/circle.go", []byte("package shapes\n")))

	cls, err := l.LoadClass("shapes/circle.go")
	require.NoError(t, err)
	require.Equal(t, "shapes/circle.go", cls.Name)
	require.Equal(t, "shapes", cls.Dir)
	require.Equal(t, filepath.Join(root, "shapes", "circle.go"), cls.Path)

	data, err := os.ReadFile(cls.Defined)
	require.NoError(t, err)
	require.Equal(t, "package shapes\n", string(data))

	// The source tree is left alone.
	_, err = os.Stat(cls.Path)
	require.True(t, os.IsNotExist(err))
}

func TestLoader_LookupError(t *testing.T) {
	l := New(zerolog.Nop(), t.TempDir(), t.TempDir())

	_, err := l.LoadClass("shapes/circle_test.go")
	var lookupErr *LookupError
	require.True(t, errors.As(err, &lookupErr))
	require.Equal(t, "shapes/circle_test.go", lookupErr.Name)
}

func TestLoader_DefineRejectsEscapingNames(t *testing.T) {
	l := New(zerolog.Nop(), t.TempDir(), t.TempDir())

	tests := []string{"/abs/x.go", "../x.go", "a/../../x.go"}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			require.Error(t, l.Define(name, nil))
		})
	}
}

func TestLoader_Overlay(t *testing.T) {
	root := t.TempDir()
	l := New(zerolog.Nop(), root, t.TempDir())

	require.NoError(t, l.Define("p/a.go", []byte("package p\n")))
	require.NoError(t, l.Add("p", "zz_rt.go", []byte("package p\n")))

	overlay := l.Overlay()
	require.Len(t, overlay, 2)

	a, err := l.LoadClass("p/a.go")
	require.NoError(t, err)
	require.Equal(t, a.Defined, overlay[filepath.Join(root, "p", "a.go")])
	require.NotEmpty(t, overlay[filepath.Join(root, "p", "zz_rt.go")])
}

func TestLoader_RedefineReplacesDefinition(t *testing.T) {
	l := New(zerolog.Nop(), t.TempDir(), t.TempDir())
	require.NoError(t, l.Define("p/a_test.go", []byte("package p // old\n")))
	require.NoError(t, l.Define("p/a_test.go", []byte("package p // new\n")))

	cls, err := l.LoadClass("p/a_test.go")
	require.NoError(t, err)
	data, err := os.ReadFile(cls.Defined)
	require.NoError(t, err)
	require.Equal(t, "package p // new\n", string(data))
	require.Len(t, l.Overlay(), 1)
}

func TestLoader_SeparateRunsDoNotShareFiles(t *testing.T) {
	root := t.TempDir()
	first := New(zerolog.Nop(), root, t.TempDir())
	second := New(zerolog.Nop(), root, t.TempDir())

	require.NoError(t, first.Define("p/a.go", []byte("package p // first\n")))
	require.NoError(t, second.Define("p/a.go", []byte("package p // second\n")))

	a, err := first.LoadClass("p/a.go")
	require.NoError(t, err)
	b, err := second.LoadClass("p/a.go")
	require.NoError(t, err)
	require.NotEqual(t, a.Defined, b.Defined)

	data, err := os.ReadFile(a.Defined)
	require.NoError(t, err)
	require.Equal(t, "package p // first\n", string(data))
}

func writeModule(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"go.mod":          "module example.com/m\n\ngo 1.21\n",
		"p/a.go":          "package p\n\nfunc A() int { return 1 }\n",
		"p/a_test.go":     "package p\n\nimport \"testing\"\n\nfunc TestA(t *testing.T) {}\n",
		"p/other_test.go": "package p_test\n\nimport \"testing\"\n\nfunc TestOther(t *testing.T) { t.Fatal(\"broken\") }\n",
	}
	for name, src := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	}
	return root
}

func TestLoader_ResolveAndCompile(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}

	root := writeModule(t)
	scratch := t.TempDir()
	l := New(zerolog.Nop(), root, scratch)
	ctx := context.Background()

	pkg, err := l.Resolve(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, "example.com/m/p", pkg.ImportPath)
	require.Equal(t, "p", pkg.Name)
	require.Equal(t, []string{
		filepath.Join(root, "p", "a_test.go"),
		filepath.Join(root, "p", "other_test.go"),
	}, pkg.TestGoFiles)

	require.NoError(t, l.Define("p/a.go", []byte("package p\n\nfunc A() int { return 2 }\n")))
	require.NoError(t, l.Define("p/a_test.go", []byte("package p\n\nimport \"testing\"\n\nfunc TestA(t *testing.T) {\n\tif A() != 2 {\n\t\tt.Fatal(A())\n\t}\n}\n")))

	cls, err := l.LoadClass("p/a_test.go")
	require.NoError(t, err)

	out := filepath.Join(scratch, "p.test")
	require.NoError(t, l.Compile(ctx, cls, out))

	raw, err := os.ReadFile(filepath.Join(scratch, "overlay.json"))
	require.NoError(t, err)
	var overlay struct{ Replace map[string]string }
	require.NoError(t, json.Unmarshal(raw, &overlay))
	require.Len(t, overlay.Replace, 2)

	// The sibling test file is compiled in; the selected test sees the
	// defined source.
	cmd := exec.Command(out, "-test.v", "-test.run=^TestA$")
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, string(output))
	require.Contains(t, string(output), "TestA")
	require.NotContains(t, string(output), "TestOther")

	// The module itself is unchanged.
	src, err := os.ReadFile(filepath.Join(root, "p", "a.go"))
	require.NoError(t, err)
	require.Contains(t, string(src), "return 1")
}

func TestLoader_CompileBuildError(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}

	root := writeModule(t)
	scratch := t.TempDir()
	l := New(zerolog.Nop(), root, scratch)

	require.NoError(t, l.Define("p/a_test.go", []byte("package p\n\nimport \"testing\"\n\nfunc TestA(t *testing.T) { undefined() }\n")))
	cls, err := l.LoadClass("p/a_test.go")
	require.NoError(t, err)

	err = l.Compile(context.Background(), cls, filepath.Join(scratch, "p.test"))
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	require.Equal(t, "./p", buildErr.Package)
	require.Contains(t, buildErr.Output, "undefined")
}
