// Package diag holds the minimal diagnostic surface spec.md §1 calls
// out as "not respecified" — an expression-tree-shaped trace format
// the core only needs through the interface it consumes, not its full
// grammar. Matches the teacher's thin `fmt.Stringer`-based trace lines
// in pkg/search/worker.go rather than a dedicated formatting package.
package diag

// Stringer is implemented by anything with a String method, for
// example *x86inst.Instr. No package in this module imports diag: the
// rewriter's verbose trace lines are formatted with fmt.Printf
// directly.
type Stringer interface {
	String() string
}

// Trace is a single verbose-mode log line: a free-form tag (which
// stage produced it: "decode", "emu", "layout") plus the Stringer it
// is reporting on.
type Trace struct {
	Tag   string
	Value Stringer
}

func (t Trace) String() string {
	if t.Value == nil {
		return t.Tag
	}
	return t.Tag + ": " + t.Value.String()
}
