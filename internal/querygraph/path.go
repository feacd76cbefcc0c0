package querygraph

// OpGraphPath is one candidate resolution path through the query graph for
// a single field (or downcast) of an operation: which subgraph the walk
// currently sits in (Tail), the edges taken to get there from the root
// (Head), and the bookkeeping the planner needs to decide whether this
// path is still worth exploring or has become redundant with another one.
type OpGraphPath struct {
	// Head is the node the path started from (a root-entry node, or the
	// parent field's tail when this path extends an existing one).
	Head Node
	// Tail is the node currently reached; the next call to
	// AdvanceWithOperationElement extends from here.
	Tail Node
	// Edges records every edge traversed, in order, from Head to Tail.
	Edges []Edge
	// Triggers records, per edge, the operation element (field response
	// key or type condition) that caused the advance — used to rebuild
	// which selection produced which fetch step.
	Triggers []string
	// Conditions accumulates every @skip/@include condition (see
	// operation.Field.Conditions) gating the selections traversed so
	// far. Pruning does not look at them: a path whose conditions can
	// never all hold at once is not dropped.
	Conditions []string
	// RuntimeTypesOfTail lists the concrete types the tail node's type
	// may resolve to at runtime (non-empty only when Tail.Type is
	// abstract); used to decide whether a further downcast is required
	// before a field can be requested.
	RuntimeTypesOfTail []string
	// DeferOnTail is the @defer label the tail selection falls under, if
	// any ("" when not deferred).
	DeferOnTail string
	// OverridingPathIDs lists option ids (see ID and SimultaneousPaths.ID)
	// that this path supersedes: a direct interface-field option records
	// the type-exploded options for the same field here, and pruning drops
	// them unless they are strictly cheaper.
	OverridingPathIDs []string
}

// Cost is the total traversal cost of the path (cross-subgraph hops).
func (p OpGraphPath) Cost() int {
	total := 0
	for _, e := range p.Edges {
		total += e.Cost()
	}
	return total
}

// ID is a deterministic identity for the path based on its edge sequence,
// used both for OverridingPathIDs bookkeeping and for dedup during
// pruning.
func (p OpGraphPath) ID() string {
	id := p.Head.ID()
	for _, e := range p.Edges {
		id += ">" + e.To.ID()
	}
	return id
}

// extend returns a new path that is p with one more edge (and its
// trigger) appended; p itself is left untouched.
func (p OpGraphPath) extend(e Edge, trigger string) OpGraphPath {
	edges := make([]Edge, len(p.Edges)+1)
	copy(edges, p.Edges)
	edges[len(p.Edges)] = e

	triggers := make([]string, len(p.Triggers)+1)
	copy(triggers, p.Triggers)
	triggers[len(p.Triggers)] = trigger

	return OpGraphPath{
		Head:               p.Head,
		Tail:               e.To,
		Edges:              edges,
		Triggers:           triggers,
		Conditions:         append([]string{}, p.Conditions...),
		RuntimeTypesOfTail: p.RuntimeTypesOfTail,
		DeferOnTail:        p.DeferOnTail,
		OverridingPathIDs:  p.OverridingPathIDs,
	}
}

// withConditions returns a copy of p with extra conditions appended.
func (p OpGraphPath) withConditions(extra []string) OpGraphPath {
	if len(extra) == 0 {
		return p
	}
	np := p
	np.Conditions = append(append([]string{}, p.Conditions...), extra...)
	return np
}

// StartPath returns the initial, zero-edge OpGraphPath for a root-entry
// node (the entry point for a top-level Query/Mutation/Subscription
// field's owning subgraph).
func StartPath(root Node) OpGraphPath {
	return OpGraphPath{Head: root, Tail: root}
}
