package querygraph

import "strings"

// SimultaneousPaths is one advancement option: one or more paths that
// must all be taken together to satisfy a single operation element. The
// common case is a single path; type explosion over an abstract type
// produces one path per runtime type, advanced in parallel.
type SimultaneousPaths struct {
	Paths []OpGraphPath
}

// Single wraps one path as a one-element option.
func Single(p OpGraphPath) SimultaneousPaths {
	return SimultaneousPaths{Paths: []OpGraphPath{p}}
}

// Cost is the combined traversal cost of every constituent path.
func (s SimultaneousPaths) Cost() int {
	total := 0
	for _, p := range s.Paths {
		total += p.Cost()
	}
	return total
}

// ID is a deterministic identity over the constituent path identities.
func (s SimultaneousPaths) ID() string {
	ids := make([]string, len(s.Paths))
	for i, p := range s.Paths {
		ids[i] = p.ID()
	}
	return strings.Join(ids, "|")
}

// productCombine takes, per exploded runtime type, the list of viable
// options for that type, and produces the cartesian product: every way
// of picking one option per type, flattened into a single
// SimultaneousPaths each. The whole product is charged against budget
// up front so a pathological interface (many implementations, each with
// many options) is rejected before any allocation explosion.
func productCombine(perType [][]SimultaneousPaths, budget *Budget) ([]SimultaneousPaths, error) {
	product := 1
	for _, options := range perType {
		product *= len(options)
	}
	if err := budget.charge(product); err != nil {
		return nil, err
	}
	if product == 0 {
		return nil, nil
	}

	combined := []SimultaneousPaths{{}}
	for _, options := range perType {
		next := make([]SimultaneousPaths, 0, len(combined)*len(options))
		for _, prefix := range combined {
			for _, opt := range options {
				merged := SimultaneousPaths{Paths: make([]OpGraphPath, 0, len(prefix.Paths)+len(opt.Paths))}
				merged.Paths = append(merged.Paths, prefix.Paths...)
				merged.Paths = append(merged.Paths, opt.Paths...)
				next = append(next, merged)
			}
		}
		combined = next
	}
	return combined, nil
}
