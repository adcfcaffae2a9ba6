package gocmd

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFirstLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "single line", in: "no Go files", want: "no Go files"},
		{name: "leading blank lines", in: "\n\n  # pkg\nerror", want: "# pkg"},
		{name: "only whitespace", in: " \n\t\n", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, FirstLine(tt.in))
		})
	}
}

func TestModuleRoot(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}

	wd, err := os.Getwd()
	require.NoError(t, err)

	root, err := ModuleRoot(wd)
	require.NoError(t, err)
	require.Equal(t, filepath.Dir(wd), root)

	_, err = os.Stat(filepath.Join(root, "go.mod"))
	require.NoError(t, err)
}

func TestCommand(t *testing.T) {
	cmd := Command("test", "-c")
	require.Equal(t, []string{"go", "test", "-c"}, cmd.Args)
}
