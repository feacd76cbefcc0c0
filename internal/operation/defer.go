package operation

import "strconv"

// DeferredBranch is one `@defer`-rewritten branch of an operation: the
// label it will be reported under in the incremental response stream, the
// path at which it was extracted, the variable (if any) that still gates
// whether it is actually deferred at execution time, and the selection
// set itself (with its own `@defer` directive stripped — the branch is
// now its own top-level unit of execution).
type DeferredBranch struct {
	Label        string
	Path         Path
	IfVariable   string // "" when the defer is unconditional
	SelectionSet SelectionSet
}

// DeferConditions maps each `if: $var` variable name to the label of the
// branch it controls, so the executor can resolve a variable assignment
// to the set of branches that must be folded back into the primary
// response instead of being delivered incrementally.
func DeferConditions(branches []DeferredBranch) map[string]string {
	var out map[string]string
	for _, b := range branches {
		if b.IfVariable == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[b.IfVariable] = b.Label
	}
	return out
}

// deferLabeler hands out branch labels for one rewrite pass: explicit
// `label:` arguments are honored as-is, and every unlabeled `@defer`
// gets the smallest `qp__{n}` not already taken (by an explicit label or
// a previous assignment in this same pass). Labels are therefore unique
// and stable within one rewrite but carry no state across operations.
type deferLabeler struct {
	used map[string]bool
	next int
}

func newDeferLabeler(set SelectionSet) *deferLabeler {
	l := &deferLabeler{used: map[string]bool{}}
	l.collect(set)
	return l
}

func (l *deferLabeler) collect(set SelectionSet) {
	for _, sel := range set {
		switch s := sel.(type) {
		case *Field:
			l.collect(s.SelectionSet)
		case *InlineFragment:
			if d, ok := s.Directives.Get("defer"); ok {
				if labelArg, ok := d.Arguments.Get("label"); ok && labelArg.Kind == KindString {
					l.used[labelArg.Scalar] = true
				}
			}
			l.collect(s.SelectionSet)
		}
	}
}

func (l *deferLabeler) label(d Directive) string {
	if labelArg, ok := d.Arguments.Get("label"); ok && labelArg.Kind == KindString {
		return labelArg.Scalar
	}
	for {
		candidate := "qp__" + strconv.Itoa(l.next)
		l.next++
		if !l.used[candidate] {
			l.used[candidate] = true
			return candidate
		}
	}
}

// RewriteDefers walks set and extracts every `@defer`-annotated selection
// into its own DeferredBranch, removing it from the primary selection set
// (deferred fields are omitted from the initial payload). The `if:`
// argument follows static resolution rules:
//
//   - `if: false` literal — the directive is dropped entirely and the
//     selection stays in the primary response (never deferred);
//   - `if: true` literal — deferred unconditionally, same as no `if:`;
//   - `if: $var` — deferred, with the variable recorded on the branch so
//     the executor can resolve it against the request's variables.
//
// Every extracted branch carries a label unique within this rewrite;
// unlabeled defers are assigned the smallest unused `qp__{n}` in source
// order. A `@defer` nested inside an extracted fragment is not extracted
// separately: it stays, directive included, in that branch's selection set.
func RewriteDefers(set SelectionSet, path Path) (SelectionSet, []DeferredBranch) {
	labeler := newDeferLabeler(set)
	return rewriteDefers(set, path, labeler)
}

func rewriteDefers(set SelectionSet, path Path, labeler *deferLabeler) (SelectionSet, []DeferredBranch) {
	var branches []DeferredBranch
	out := make(SelectionSet, 0, len(set))

	for _, sel := range set {
		switch s := sel.(type) {
		case *Field:
			nf := *s
			childPath := append(append(Path{}, path...), nf.ResponseKey())
			childSet, childBranches := rewriteDefers(nf.SelectionSet, childPath, labeler)
			nf.SelectionSet = childSet
			branches = append(branches, childBranches...)
			out = append(out, &nf)

		case *InlineFragment:
			if d, ok := s.Directives.Get("defer"); ok {
				if staticallyDisabled(d) {
					ni := *s
					ni.Directives = s.Directives.Without("defer")
					childSet, childBranches := rewriteDefers(s.SelectionSet, path, labeler)
					ni.SelectionSet = childSet
					branches = append(branches, childBranches...)
					out = append(out, &ni)
					continue
				}

				stripped := &InlineFragment{
					TypeCondition: s.TypeCondition,
					Directives:    s.Directives.Without("defer"),
					SelectionSet:  s.SelectionSet.Clone(),
				}
				branches = append(branches, DeferredBranch{
					Label:        labeler.label(d),
					Path:         append(Path{}, path...),
					IfVariable:   ifVariable(d),
					SelectionSet: SelectionSet{stripped},
				})
				continue
			}

			ni := *s
			childSet, childBranches := rewriteDefers(s.SelectionSet, path, labeler)
			ni.SelectionSet = childSet
			branches = append(branches, childBranches...)
			out = append(out, &ni)
		}
	}

	return out, branches
}

// staticallyDisabled reports whether a @defer directive's `if:` argument
// is a literal `false`, which means this selection is never deferred and
// should be left in the primary response untouched.
func staticallyDisabled(d Directive) bool {
	ifArg, ok := d.Arguments.Get("if")
	if !ok {
		return false
	}
	b, isLit := ifArg.BooleanLiteral()
	return isLit && !b
}

// ifVariable returns the name of the variable gating this @defer, or ""
// when the defer is unconditional (no `if:`, or a literal `true`).
func ifVariable(d Directive) string {
	ifArg, ok := d.Arguments.Get("if")
	if !ok || ifArg.Kind != KindVariable {
		return ""
	}
	return ifArg.Variable
}
