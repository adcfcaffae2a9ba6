package instrument

import (
	"go/ast"
	"go/parser"
	"go/token"
)

// DisableTestMain renames the TestMain function declared in the test file
// src, if any, so that a test binary built with it starts the tests of
// another file directly. It reports whether src was changed. A file that
// does not parse is returned unchanged; the build reports it.
func (in *Instrumenter) DisableTestMain(name string, src []byte) ([]byte, bool) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, name, src, parser.SkipObjectResolution)
	if err != nil {
		return src, false
	}

	for _, decl := range file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok || fd.Recv != nil || fd.Name.Name != "TestMain" {
			continue
		}
		off := fset.File(fd.Pos()).Offset(fd.Name.Pos())
		out := make([]byte, 0, len(src)+len(in.symbol)+16)
		out = append(out, src[:off]...)
		out = append(out, "_covgradeTestMain_"+in.symbol...)
		out = append(out, src[off+len(fd.Name.Name):]...)
		return out, true
	}
	return src, false
}
