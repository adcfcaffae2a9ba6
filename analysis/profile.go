package analysis

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/perfgo/covgrade/instrument"
	"github.com/perfgo/covgrade/probe"
)

// WriteProfile writes the statement hits of the non-test units in the go
// test "mode: count" coverprofile format. File names are importPath joined
// with the unit's base name, as the go tool expects.
func WriteProfile(w io.Writer, importPath string, units []*instrument.Unit, data probe.Buffer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "mode: count")

	for _, u := range units {
		if strings.HasSuffix(u.Name, "_test.go") {
			continue
		}
		file := path.Join(importPath, path.Base(u.Name))
		hits := data.Hits(u.Name)
		for i, p := range u.Probes {
			if p.Kind != instrument.KindLine {
				continue
			}
			var count uint32
			if i < len(hits) {
				count = hits[i]
			}
			fmt.Fprintf(bw, "%s:%d.%d,%d.%d 1 %d\n", file, p.StartLine, p.StartCol, p.EndLine, p.EndCol, count)
		}
	}
	return bw.Flush()
}
