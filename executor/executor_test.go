package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/covgrade/loader"
)

func TestParseEvents(t *testing.T) {
	stream := strings.Join([]string{
		`{"Action":"start","Package":"shapes"}`,
		`{"Action":"run","Package":"shapes","Test":"TestArea"}`,
		`{"Action":"output","Package":"shapes","Test":"TestArea","Output":"=== RUN   TestArea\n"}`,
		`{"Action":"pass","Package":"shapes","Test":"TestArea","Elapsed":0.5}`,
		`{"Action":"run","Package":"shapes","Test":"TestPerimeter"}`,
		`{"Action":"run","Package":"shapes","Test":"TestPerimeter/zero"}`,
		`{"Action":"fail","Package":"shapes","Test":"TestPerimeter/zero"}`,
		`{"Action":"output","Package":"shapes","Test":"TestPerimeter","Output":"    circle_test.go:12: wrong\n"}`,
		`{"Action":"fail","Package":"shapes","Test":"TestPerimeter"}`,
		`{"Action":"run","Package":"shapes","Test":"TestSkip"}`,
		`{"Action":"skip","Package":"shapes","Test":"TestSkip"}`,
		`{"Action":"run","Package":"shapes","Test":"TestPanics"}`,
		`{"Action":"output","Package":"shapes","Test":"TestPanics","Output":"panic: boom\n"}`,
		`not json`,
		`{"Action":"fail","Package":"shapes"}`,
	}, "\n")

	s, err := parseEvents(strings.NewReader(stream))
	require.NoError(t, err)

	require.Equal(t, 1, s.Passed)
	require.Equal(t, 1, s.Failed)
	require.Equal(t, 1, s.Skipped)
	require.Equal(t, 1, s.Aborted)
	require.Equal(t, 4, s.Total())

	require.Len(t, s.Tests, 4)
	require.Equal(t, "TestArea", s.Tests[0].Name)
	require.Equal(t, "passed", s.Tests[0].Status)
	require.Equal(t, OutcomeFailed, s.Tests[1].Outcome)
	require.Equal(t, []string{"    circle_test.go:12: wrong"}, s.Tests[1].Output)
	require.Equal(t, OutcomeAborted, s.Tests[3].Outcome)

	require.Contains(t, s.Output, "panic: boom")
	require.Contains(t, s.Output, "not json")
}

func TestDiscover(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		want    []string
		wantErr error
	}{
		{
			name: "tests in order",
			src: `package p
import "testing"
func TestB(t *testing.T) {}
func TestA(t *testing.T) {}
func Test(t *testing.T) {}
func Test_under(t *testing.T) {}
`,
			want: []string{"TestB", "TestA", "Test", "Test_under"},
		},
		{
			name: "non tests ignored",
			src: `package p
import "testing"
func TestMain(m *testing.M) {}
func Testlower(t *testing.T) {}
func helper(t *testing.T) {}
func BenchmarkX(b *testing.B) {}
func (s suite) TestMethod(t *testing.T) {}
type suite struct{}
func TestOK(t *testing.T) {}
`,
			want: []string{"TestOK"},
		},
		{
			name:    "no tests",
			src:     "package p\n",
			wantErr: ErrNoTests,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Discover("p_test.go", []byte(tt.src))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestGoTestEngine_Args(t *testing.T) {
	e := NewGoTestEngine(zerolog.Nop())
	req := Request{Binary: "/tmp/x.test", Package: "shapes", Selectors: []string{"TestA", "TestB"}}

	require.Equal(t, []string{
		"tool", "test2json", "-t", "-p", "shapes", "/tmp/x.test",
		"-test.v=test2json", "-test.run=^(TestA|TestB)$",
	}, e.Args(req))
	require.Equal(t, "go tool test2json -t -p shapes /tmp/x.test -test.v=test2json '-test.run=^(TestA|TestB)$'", e.CommandLine(req))
}

type fakeEngine struct {
	calls int
	req   Request
}

func (f *fakeEngine) Execute(ctx context.Context, req Request) (Summary, error) {
	f.calls++
	f.req = req
	return Summary{Passed: len(req.Selectors)}, nil
}

func TestExecutor_DiscoveryErrors(t *testing.T) {
	tests := []struct {
		name      string
		src       string
		wantPhase string
	}{
		{name: "malformed artifact", src: "package p\n\nfunc TestX(t *testing.T) {", wantPhase: PhaseDiscover},
		{name: "no tests", src: "package p\n\nfunc helper() {}\n", wantPhase: PhaseDiscover},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := loader.New(zerolog.Nop(), t.TempDir(), t.TempDir())
			require.NoError(t, l.Define("p/p_test.go", []byte(tt.src)))

			engine := &fakeEngine{}
			_, err := New(zerolog.Nop(), engine).Run(context.Background(), l, "p/p_test.go", nil)

			var discoveryErr *TestDiscoveryError
			require.ErrorAs(t, err, &discoveryErr)
			require.Equal(t, tt.wantPhase, discoveryErr.Phase)
			require.Equal(t, "p/p_test.go", discoveryErr.Artifact)
			require.Zero(t, engine.calls)
		})
	}
}

func TestExecutor_UndefinedArtifact(t *testing.T) {
	l := loader.New(zerolog.Nop(), t.TempDir(), t.TempDir())

	_, err := New(zerolog.Nop(), &fakeEngine{}).Run(context.Background(), l, "p/p_test.go", nil)

	var lookupErr *loader.LookupError
	require.True(t, errors.As(err, &lookupErr))
	var discoveryErr *TestDiscoveryError
	require.False(t, errors.As(err, &discoveryErr))
}

func TestExecutor_RunWithGoTestEngine(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}

	root := t.TempDir()
	files := map[string]string{
		"go.mod": "module example.com/m\n\ngo 1.21\n",
		"p/p.go": "package p\n\nfunc Double(x int) int { return 2 * x }\n",
		"p/p_test.go": `package p

import (
	"os"
	"testing"
)

func TestDouble(t *testing.T) {
	if Double(2) != 4 {
		t.Fatal("wrong")
	}
}

func TestEnv(t *testing.T) {
	if os.Getenv("COVGRADE_EXECUTOR_TEST") != "yes" {
		t.Fatal("env not passed")
	}
}

func TestFails(t *testing.T) {
	t.Fatal("expected")
}
`,
	}
	for name, src := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	}

	l := loader.New(zerolog.Nop(), root, t.TempDir())
	require.NoError(t, l.Define("p/p_test.go", []byte(files["p/p_test.go"])))

	x := New(zerolog.Nop(), NewGoTestEngine(zerolog.Nop()))
	s, err := x.Run(context.Background(), l, "p/p_test.go", []string{"COVGRADE_EXECUTOR_TEST=yes"})
	require.NoError(t, err)
	require.Equal(t, 2, s.Passed)
	require.Equal(t, 1, s.Failed)
	require.Zero(t, s.Aborted)
}

func TestOutcome_String(t *testing.T) {
	require.Equal(t, "passed", OutcomePassed.String())
	require.Equal(t, "failed", OutcomeFailed.String())
	require.Equal(t, "aborted", OutcomeAborted.String())
	require.Equal(t, "skipped", OutcomeSkipped.String())
	require.Equal(t, "Outcome(9)", Outcome(9).String())
}
