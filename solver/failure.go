package solver

import (
	"fmt"
	"strings"
)

// SolveFailure is returned when conflict resolution derives an
// incompatibility that reduces to the root package alone (spec §4.F):
// no assignment of versions can satisfy every constraint simultaneously.
type SolveFailure struct {
	Incompatibility *Incompatibility
	Root            string
}

func (f *SolveFailure) Error() string {
	return "version solving failed:\n" + f.Explain()
}

// Explain renders the minimal blame chain leading to failure: a
// pre-order walk of the derivation DAG rooted at the unsatisfiable
// incompatibility, one line per incompatibility naming its terms and
// why it holds.
func (f *SolveFailure) Explain() string {
	var b strings.Builder
	seen := map[*Incompatibility]bool{}
	var walk func(ic *Incompatibility, depth int)
	walk = func(ic *Incompatibility, depth int) {
		if ic == nil || seen[ic] {
			return
		}
		seen[ic] = true
		fmt.Fprintf(&b, "%s- %s %s\n", strings.Repeat("  ", depth), ic, fmtCause(ic))
		for _, cause := range ic.Causes {
			walk(cause, depth+1)
		}
	}
	walk(f.Incompatibility, 0)
	return b.String()
}
