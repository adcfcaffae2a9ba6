package instrument

import (
	"fmt"
	"go/ast"
	"go/token"
)

// walker collects probes and the source edits that insert them.
type walker struct {
	fset *token.FileSet
	file *token.File
	hit  string
	cond string
	base int

	probes    []Probe
	edits     []edit
	fn        string
	lits      int
	decisions int
}

func (w *walker) walkFile(f *ast.File) {
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Body == nil {
				continue
			}
			w.fn = funcName(d)
			w.lits = 0
			w.block(d.Body.List)
		case *ast.GenDecl:
			if d.Tok != token.VAR {
				continue
			}
			w.fn = "init"
			w.lits = 0
			w.exprs(d)
		}
	}
}

func (w *walker) position(pos token.Pos) token.Position {
	return w.fset.PositionFor(pos, false)
}

// add allocates a probe and returns the statement that reports it.
func (w *walker) add(kind Kind, line int, from, to token.Pos, decision int) string {
	return fmt.Sprintf("%s(%d);", w.hit, w.slot(kind, line, from, to, decision))
}

func (w *walker) slot(kind Kind, line int, from, to token.Pos, decision int) int {
	start, end := w.position(from), w.position(to)
	slot := w.base + len(w.probes)
	w.probes = append(w.probes, Probe{
		Slot:      slot,
		Kind:      kind,
		Func:      w.fn,
		Line:      line,
		StartLine: start.Line,
		StartCol:  start.Column,
		EndLine:   end.Line,
		EndCol:    end.Column,
		Decision:  decision,
	})
	return slot
}

func (w *walker) insert(pos token.Pos, text string) {
	w.edits = append(w.edits, edit{off: w.file.Offset(pos), seq: len(w.edits), text: text})
}

func (w *walker) lineProbe(s ast.Stmt) string {
	return w.add(KindLine, w.position(s.Pos()).Line, s.Pos(), s.End(), -1)
}

func (w *walker) branchProbe(line int, body ast.Node, decision int) string {
	return w.add(KindBranch, line, body.Pos(), body.End(), decision)
}

func (w *walker) decision() int {
	d := w.decisions
	w.decisions++
	return d
}

func (w *walker) block(list []ast.Stmt) {
	for _, s := range list {
		w.stmt(s)
	}
}

func (w *walker) stmt(s ast.Stmt) {
	switch s := s.(type) {
	case *ast.EmptyStmt:
		return
	case *ast.LabeledStmt:
		// The probe goes in front of the label so that the label keeps
		// naming the statement it was written for.
		if _, ok := s.Stmt.(*ast.EmptyStmt); ok {
			return
		}
		w.insert(s.Pos(), w.add(KindLine, w.position(s.Stmt.Pos()).Line, s.Stmt.Pos(), s.Stmt.End(), -1))
		w.structure(s.Stmt)
		return
	}
	w.insert(s.Pos(), w.lineProbe(s))
	w.structure(s)
}

// structure instruments the nested blocks and branches of s.
func (w *walker) structure(s ast.Stmt) {
	switch s := s.(type) {
	case *ast.BlockStmt:
		w.block(s.List)
	case *ast.IfStmt:
		w.ifStmt(s)
	case *ast.ForStmt:
		w.exprs(s.Init)
		w.exprs(s.Post)
		if s.Cond == nil || w.condition(s.Cond) {
			w.block(s.Body.List)
			return
		}
		w.loop(s, s.Body)
	case *ast.RangeStmt:
		w.exprs(s.X)
		w.loop(s, s.Body)
	case *ast.SwitchStmt:
		w.exprs(s.Init)
		w.exprs(s.Tag)
		w.clauses(s, s.Body)
	case *ast.TypeSwitchStmt:
		w.exprs(s.Init)
		w.exprs(s.Assign)
		w.clauses(s, s.Body)
	case *ast.DeclStmt:
		// Constant expressions must stay constant.
		if s.Decl.(*ast.GenDecl).Tok != token.CONST {
			w.exprs(s)
		}
	case *ast.SelectStmt:
		line := w.position(s.Pos()).Line
		d := w.decision()
		for _, c := range s.Body.List {
			cc := c.(*ast.CommClause)
			w.insert(cc.Colon+1, " "+w.branchProbe(line, cc, d))
			w.exprs(cc.Comm)
			w.block(cc.Body)
		}
	default:
		w.exprs(s)
	}
}

// ifStmt instruments an if statement. A condition built from && and ||
// counts the outcomes of its operands instead of those of the statement.
func (w *walker) ifStmt(s *ast.IfStmt) {
	w.exprs(s.Init)
	outcomes := !w.condition(s.Cond)

	line := w.position(s.Pos()).Line
	d := -1
	if outcomes {
		d = w.decision()
		w.insert(s.Body.Lbrace+1, w.branchProbe(line, s.Body, d))
	}
	w.block(s.Body.List)

	switch e := s.Else.(type) {
	case nil:
		if outcomes {
			// The implicit else is located right after the if body.
			els := w.add(KindBranch, line, s.Body.End(), s.Body.End(), d)
			w.insert(s.Body.End(), " else { "+els+" }")
		}
	case *ast.BlockStmt:
		if outcomes {
			w.insert(e.Lbrace+1, w.branchProbe(line, e, d))
		}
		w.block(e.List)
	case *ast.IfStmt:
		open := "{ "
		if outcomes {
			open += w.branchProbe(line, e, d) + " "
		}
		w.insert(e.Pos(), open+w.lineProbe(e)+" ")
		w.ifStmt(e)
		w.insert(e.End(), " }")
	}
}

// condition instruments the condition of an if or for statement and
// reports whether it is a logical expression whose operands carry the
// branch outcomes.
func (w *walker) condition(cond ast.Expr) bool {
	if !isLogical(unwrap(cond)) {
		w.exprs(cond)
		return false
	}
	w.logical(cond)
	return true
}

// logical wraps every operand of the && and || chain e so that it reports
// whether it evaluated to true or false. Short-circuiting is preserved.
func (w *walker) logical(e ast.Expr) {
	w.operands(e, w.decision())
}

func (w *walker) operands(e ast.Expr, d int) {
	x := unwrap(e)
	if b, ok := x.(*ast.BinaryExpr); ok && isLogical(b) {
		w.operands(b.X, d)
		w.operands(b.Y, d)
		return
	}
	if id, ok := x.(*ast.Ident); ok && (id.Name == "true" || id.Name == "false") {
		return
	}

	line := w.position(x.Pos()).Line
	t := w.slot(KindBranch, line, x.Pos(), x.End(), d)
	f := w.slot(KindBranch, line, x.Pos(), x.End(), d)
	pre, post := w.cond+"(", fmt.Sprintf(", %d, %d)", t, f)
	if isComparison(x) {
		// A comparison is an untyped bool and may meet an operand of a
		// named bool type.
		pre, post = "("+pre, post+" == true)"
	}
	w.insert(x.Pos(), pre)
	w.exprs(x)
	w.insert(x.End(), post)
}

// unwrap strips the parentheses and negations around e.
func unwrap(e ast.Expr) ast.Expr {
	for {
		switch x := e.(type) {
		case *ast.ParenExpr:
			e = x.X
		case *ast.UnaryExpr:
			if x.Op != token.NOT {
				return e
			}
			e = x.X
		default:
			return e
		}
	}
}

func isLogical(e ast.Expr) bool {
	b, ok := e.(*ast.BinaryExpr)
	return ok && (b.Op == token.LAND || b.Op == token.LOR)
}

func isComparison(e ast.Expr) bool {
	b, ok := e.(*ast.BinaryExpr)
	if !ok {
		return false
	}
	switch b.Op {
	case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
		return true
	}
	return false
}

// loop adds the "body entered" and "loop left" outcomes of a conditional loop.
func (w *walker) loop(s ast.Stmt, body *ast.BlockStmt) {
	line := w.position(s.Pos()).Line
	d := w.decision()
	w.insert(body.Lbrace+1, w.branchProbe(line, body, d))
	w.block(body.List)
	w.insert(s.End(), "; "+w.branchProbe(line, s, d))
}

// clauses instruments the case clauses of a switch. A switch without a
// default clause gets one, so that the "no case matched" outcome is counted.
func (w *walker) clauses(s ast.Stmt, body *ast.BlockStmt) {
	line := w.position(s.Pos()).Line
	d := w.decision()
	hasDefault := false
	for _, c := range body.List {
		cc := c.(*ast.CaseClause)
		if cc.List == nil {
			hasDefault = true
		}
		w.insert(cc.Colon+1, " "+w.branchProbe(line, cc, d))
		for _, e := range cc.List {
			w.exprs(e)
		}
		w.block(cc.Body)
	}
	if !hasDefault {
		w.insert(body.Lbrace+1, " default: "+w.branchProbe(line, body, d))
	}
}

// exprs instruments the function literals and the && and || chains found
// in n.
func (w *walker) exprs(n ast.Node) {
	if n == nil {
		return
	}
	ast.Inspect(n, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.FuncLit:
			outer := w.fn
			w.lits++
			w.fn = fmt.Sprintf("%s.func%d", outer, w.lits)
			w.block(n.Body.List)
			w.fn = outer
			return false
		case *ast.BinaryExpr:
			if isLogical(n) {
				w.logical(n)
				return false
			}
		}
		return true
	})
}

func funcName(fd *ast.FuncDecl) string {
	if fd.Recv == nil || len(fd.Recv.List) == 0 {
		return fd.Name.Name
	}
	return recvName(fd.Recv.List[0].Type) + "." + fd.Name.Name
}

func recvName(e ast.Expr) string {
	switch t := e.(type) {
	case *ast.StarExpr:
		return "(*" + recvName(t.X) + ")"
	case *ast.ParenExpr:
		return recvName(t.X)
	case *ast.IndexExpr:
		return recvName(t.X)
	case *ast.IndexListExpr:
		return recvName(t.X)
	case *ast.Ident:
		return t.Name
	}
	return "?"
}
