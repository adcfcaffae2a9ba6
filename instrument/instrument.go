// Package instrument rewrites Go source files so that every statement and
// every branch outcome reports a hit to the active probe session.
//
// Edits are inserted textually at byte offsets of the original source, so
// the instrumented file keeps the line numbers of the original one.
package instrument

import (
	"bytes"
	"fmt"
	"go/parser"
	"go/token"
	"sort"
	"strings"

	"github.com/perfgo/covgrade/probe"
)

// Kind distinguishes line probes from branch probes.
type Kind uint8

const (
	KindLine Kind = iota
	KindBranch
)

func (k Kind) String() string {
	switch k {
	case KindLine:
		return "line"
	case KindBranch:
		return "branch"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Probe describes one inserted counter.
type Probe struct {
	// Slot is the counter index inside the session probe file
	Slot int
	Kind Kind
	// Func is the enclosing function, e.g. "(*Circle).Area" or "Parse.func1"
	Func string
	// Line is the statement line for line probes and the line of the
	// owning decision (if, for, switch, select) for branch probes. The
	// outcomes of an operand of && or || sit on the operand's line.
	Line int
	// Source range of the statement or branch body
	StartLine, StartCol int
	EndLine, EndCol     int
	// Decision groups the branch probes of one decision; -1 for line probes
	Decision int
}

// Unit is an instrumented source file.
type Unit struct {
	Name    string
	Package string
	Source  []byte
	Offset  int
	Probes  []Probe
}

// Range returns the location of the unit's counters in the probe file.
func (u *Unit) Range() probe.Range {
	return probe.Range{Unit: u.Name, Offset: u.Offset, Len: len(u.Probes)}
}

// Count returns the number of probes of the given kind.
func (u *Unit) Count(kind Kind) int {
	n := 0
	for _, p := range u.Probes {
		if p.Kind == kind {
			n++
		}
	}
	return n
}

// ClassReadError is returned when a unit cannot be parsed.
type ClassReadError struct {
	Name string
	Err  error
}

func (e *ClassReadError) Error() string {
	return fmt.Sprintf("failed to read %s: %v", e.Name, e.Err)
}

func (e *ClassReadError) Unwrap() error { return e.Err }

// Instrumenter instruments the units of a single coverage run. Probe slots
// are allocated contiguously across all units it instruments, and helper
// identifiers carry the run's symbol so that two runs never share them.
type Instrumenter struct {
	symbol string
	next   int
	units  []*Unit
}

// New creates an instrumenter for the run with the given ID.
func New(runID string) *Instrumenter {
	var b strings.Builder
	for _, r := range runID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 16 {
			break
		}
	}
	symbol := b.String()
	if symbol == "" {
		symbol = "0"
	}
	return &Instrumenter{symbol: symbol}
}

// Symbol returns the per-run suffix used for generated identifiers.
func (in *Instrumenter) Symbol() string { return in.symbol }

// Size returns the total number of probes allocated so far.
func (in *Instrumenter) Size() int { return in.next }

// Units returns the units instrumented so far, in order.
func (in *Instrumenter) Units() []*Unit { return in.units }

// Layout returns the probe file layout for all instrumented units.
func (in *Instrumenter) Layout() []probe.Range {
	layout := make([]probe.Range, 0, len(in.units))
	for _, u := range in.units {
		layout = append(layout, u.Range())
	}
	return layout
}

func (in *Instrumenter) hitFunc() string {
	return "_covgradeHit_" + in.symbol
}

func (in *Instrumenter) condFunc() string {
	return "_covgradeCond_" + in.symbol
}

// Instrument parses src as the Go file called name and returns its
// instrumented form. A source that does not parse yields a *ClassReadError.
func (in *Instrumenter) Instrument(name string, src []byte) (*Unit, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, name, src, parser.ParseComments)
	if err != nil {
		return nil, &ClassReadError{Name: name, Err: err}
	}

	w := &walker{
		fset: fset,
		file: fset.File(file.Pos()),
		hit:  in.hitFunc(),
		cond: in.condFunc(),
		base: in.next,
	}
	w.walkFile(file)

	out := applyEdits(src, w.edits)
	if _, err := parser.ParseFile(token.NewFileSet(), name, out, parser.SkipObjectResolution); err != nil {
		return nil, fmt.Errorf("instrumented source of %s does not parse: %w", name, err)
	}

	unit := &Unit{
		Name:    name,
		Package: file.Name.Name,
		Source:  out,
		Offset:  in.next,
		Probes:  w.probes,
	}
	in.next += len(w.probes)
	in.units = append(in.units, unit)
	return unit, nil
}

// Runtime returns the source of the helper file that must be compiled into
// package pkg for its instrumented units to work. It maps the probe file
// named by probe.EnvVar and falls back to private counters when no session
// is active. Counters saturate instead of wrapping around. Call it after
// all units have been instrumented.
func (in *Instrumenter) Runtime(pkg string) []byte {
	return []byte(fmt.Sprintf(runtimeTemplate, pkg, in.symbol, in.next, probe.EnvVar))
}

const runtimeTemplate = `// Code generated by covgrade. DO NOT EDIT.

package %[1]s

import (
	_covgradeOS "os"
	_covgradeAtomic "sync/atomic"
	_covgradeSyscall "syscall"
	_covgradeUnsafe "unsafe"
)

var _covgradeProbes_%[2]s = _covgradeMap_%[2]s(%[3]d)

func _covgradeMap_%[2]s(n int) []uint32 {
	if n > 0 {
		if path := _covgradeOS.Getenv(%[4]q); path != "" {
			if f, err := _covgradeOS.OpenFile(path, _covgradeOS.O_RDWR, 0); err == nil {
				defer f.Close()
				b, err := _covgradeSyscall.Mmap(int(f.Fd()), 0, n*4, _covgradeSyscall.PROT_READ|_covgradeSyscall.PROT_WRITE, _covgradeSyscall.MAP_SHARED)
				if err == nil {
					return _covgradeUnsafe.Slice((*uint32)(_covgradeUnsafe.Pointer(&b[0])), n)
				}
			}
		}
	}
	return make([]uint32, n)
}

func _covgradeHit_%[2]s(i int) {
	p := &_covgradeProbes_%[2]s[i]
	for {
		v := _covgradeAtomic.LoadUint32(p)
		if v == ^uint32(0) || _covgradeAtomic.CompareAndSwapUint32(p, v, v+1) {
			return
		}
	}
}

func _covgradeCond_%[2]s[T ~bool](c T, t, f int) T {
	if c {
		_covgradeHit_%[2]s(t)
	} else {
		_covgradeHit_%[2]s(f)
	}
	return c
}
`

type edit struct {
	off  int
	seq  int
	text string
}

func applyEdits(src []byte, edits []edit) []byte {
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].off != edits[j].off {
			return edits[i].off < edits[j].off
		}
		return edits[i].seq < edits[j].seq
	})

	var buf bytes.Buffer
	buf.Grow(len(src) + len(edits)*24)
	last := 0
	for _, e := range edits {
		buf.Write(src[last:e.off])
		buf.WriteString(e.text)
		last = e.off
	}
	buf.Write(src[last:])
	return buf.Bytes()
}
