package querygraph

// ClosedBranch marks a set of path options for a single field as no
// longer open to further exploration: the options that survived
// PruneOptions, in their input order. Equally complex or incomparable
// options all survive; PruneOptions does not break ties.
type ClosedBranch struct {
	FieldTrigger string
	Options      []OpGraphPath
}

// PruneOptions removes dominated options from a set of alternatives for
// the same field, per compare_options_complexity_out_of_context: an
// option is dominated (and dropped) only when another option has strictly
// lower cost AND the two share an unambiguous common edge prefix (see
// sharesUnambiguousPrefix: they agree on every edge before the shorter
// path's last one — paths that diverge earlier are not compared against
// each other here, since pruning too early can throw away a path that
// becomes necessary once sibling fields are considered together). This keeps the resolution deliberately liberal,
// per the open question recorded in SPEC_FULL.md/DESIGN.md: ties or
// incomparable option pairs are never collapsed down to "equal" by force.
func PruneOptions(fieldTrigger string, options []OpGraphPath) ClosedBranch {
	if len(options) <= 1 {
		return ClosedBranch{FieldTrigger: fieldTrigger, Options: options}
	}

	keep := make([]bool, len(options))
	for i := range options {
		keep[i] = true
	}

	// An option explicitly marked as overridden by another (the direct
	// interface edge overriding its type-exploded rendering) is dropped
	// unless it proved strictly cheaper than its overrider.
	for i := range options {
		for _, overriddenID := range options[i].OverridingPathIDs {
			for j := range options {
				if i == j || !keep[j] || options[j].ID() != overriddenID {
					continue
				}
				if options[j].Cost() >= options[i].Cost() {
					keep[j] = false
				}
			}
		}
	}

	for i := range options {
		if !keep[i] {
			continue
		}
		for j := range options {
			if i == j || !keep[j] {
				continue
			}
			if dominates(options[i], options[j]) {
				keep[j] = false
			}
		}
	}

	out := make([]OpGraphPath, 0, len(options))
	for i, k := range keep {
		if k {
			out = append(out, options[i])
		}
	}
	return ClosedBranch{FieldTrigger: fieldTrigger, Options: out}
}

// PruneSimultaneous is PruneOptions over whole advancement options: a
// multi-path (type-exploded) option is compared by its combined cost and
// by the overriding marks its constituent paths carry.
func PruneSimultaneous(fieldTrigger string, options []SimultaneousPaths) []SimultaneousPaths {
	if len(options) <= 1 {
		return options
	}

	keep := make([]bool, len(options))
	for i := range options {
		keep[i] = true
	}

	for i := range options {
		for _, p := range options[i].Paths {
			for _, overriddenID := range p.OverridingPathIDs {
				for j := range options {
					if i == j || !keep[j] || options[j].ID() != overriddenID {
						continue
					}
					if options[j].Cost() >= options[i].Cost() {
						keep[j] = false
					}
				}
			}
		}
	}

	for i := range options {
		if !keep[i] || len(options[i].Paths) != 1 {
			continue
		}
		for j := range options {
			if i == j || !keep[j] || len(options[j].Paths) != 1 {
				continue
			}
			if dominates(options[i].Paths[0], options[j].Paths[0]) {
				keep[j] = false
			}
		}
	}

	out := make([]SimultaneousPaths, 0, len(options))
	for i, k := range keep {
		if k {
			out = append(out, options[i])
		}
	}
	return out
}

// dominates reports whether a strictly dominates b: strictly lower cost,
// and a shared, unambiguous common prefix of edges (comparing by
// destination node id) so the two paths are actually alternatives for the
// same sub-problem rather than unrelated branches.
func dominates(a, b OpGraphPath) bool {
	if a.Cost() >= b.Cost() {
		return false
	}
	return sharesUnambiguousPrefix(a, b)
}

// sharesUnambiguousPrefix reports whether a and b agree on every edge up
// to the shorter path's length minus one (i.e. they only diverge, if at
// all, on their final hop) — the liberal reading of "out of context":
// without this shared prefix there is no basis to say one option replaces
// the other, so compare_options_complexity_out_of_context returns
// "no decision" and both survive.
func sharesUnambiguousPrefix(a, b OpGraphPath) bool {
	n := len(a.Edges)
	if len(b.Edges) < n {
		n = len(b.Edges)
	}
	if n == 0 {
		return true
	}
	for i := 0; i < n-1; i++ {
		if a.Edges[i].To.ID() != b.Edges[i].To.ID() {
			return false
		}
	}
	return true
}
