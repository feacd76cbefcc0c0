// Package querygraph builds an edge-typed multigraph over a composed
// supergraph's (subgraph, type) pairs and explores it to find a
// resolvable path for every field of an operation — the gateway's query
// planning core. It generalizes the teacher's plain weighted directed
// graph (see federation/graph/weighted_graph.go) into a graph whose edges
// carry the specific federation semantics (`@key`, `@provides`,
// `@interfaceObject`, abstract-type downcasts) the planner needs to
// distinguish, instead of a single numeric weight.
package querygraph

import "fmt"

// EdgeKind discriminates why two nodes in the query graph are connected.
type EdgeKind int

const (
	// FieldEdge connects a type node to one of its field nodes within the
	// same subgraph (zero-cost: no subgraph hop required).
	FieldEdge EdgeKind = iota
	// KeyEdge connects the same entity type across two subgraphs via a
	// resolvable `@key`, representing an `_entities` cross-subgraph hop.
	KeyEdge
	// ProvidesEdge is a zero-cost shortcut from a field node to a field
	// node it `@provides`, letting the planner skip a KeyEdge hop that
	// would otherwise be required to resolve that nested field.
	ProvidesEdge
	// DowncastEdge connects an interface/union type node to one of its
	// concrete implementing-type nodes in the same subgraph.
	DowncastEdge
	// InterfaceObjectEdge is a self-edge on an `@interfaceObject` type
	// node (in a subgraph that only knows the interface shape): a cast to
	// one of the interface's implementations follows it and stays on the
	// same node, only narrowing the path's recorded runtime types.
	InterfaceObjectEdge
	// RootEntryEdge marks a node reachable directly from a root operation
	// type (Query/Mutation/Subscription) without any cross-subgraph hop.
	RootEntryEdge
)

// Node identifies a (subgraph, type[, field]) vertex in the query graph.
type Node struct {
	Subgraph string
	Type     string
	Field    string // empty for type-level nodes
}

// ID returns the node's canonical string key.
func (n Node) ID() string {
	if n.Field == "" {
		return fmt.Sprintf("%s:%s", n.Subgraph, n.Type)
	}
	return fmt.Sprintf("%s:%s.%s", n.Subgraph, n.Type, n.Field)
}

// Edge is a directed, typed connection between two nodes.
type Edge struct {
	Kind EdgeKind
	To   Node
	// RequiredFields lists the `@requires`-declared field set (when Kind
	// is FieldEdge and the field carries `@requires`) the fetch must
	// already hold on the entity representation before this edge may be
	// traversed.
	RequiredFields []string
	// KeyFields lists the `@key` field set a KeyEdge resolves through,
	// used to drop redundant key jumps for fields the representation
	// already carries.
	KeyFields []string
	// OverrideLabel/OverrideWhen tag the two sides of a progressive
	// `@override(label:)`: the overriding subgraph's field edge carries
	// OverrideWhen=true, the overridden subgraph's OverrideWhen=false,
	// and only the edge matching the request's condition assignment for
	// the label is traversable.
	OverrideLabel string
	OverrideWhen  bool
}

// Cost reports the traversal weight used for path comparison (see
// OpGraphPath.Cost and pruning): zero for in-subgraph/shortcut edges, one for a
// genuine cross-subgraph round trip.
func (e Edge) Cost() int {
	switch e.Kind {
	case KeyEdge:
		return 1
	default:
		return 0
	}
}

// QueryGraph is the full multigraph: a node may have several outgoing
// edges of different kinds to the same or different destinations (e.g. a
// field reachable both in-subgraph and, more expensively, via a key jump
// from another subgraph).
type QueryGraph struct {
	nodes map[string]Node
	edges map[string][]Edge

	// Meta carries the supergraph type-shape information (abstract types,
	// runtime types, @interfaceObject declarations) path exploration
	// consults alongside the edge structure. Nil on hand-assembled graphs;
	// every accessor tolerates that.
	Meta *TypeMetadata
}

// New returns an empty QueryGraph.
func New() *QueryGraph {
	return &QueryGraph{nodes: map[string]Node{}, edges: map[string][]Edge{}}
}

// RootNode is the virtual supergraph-level entry node for a root
// operation type; RootEntryEdges connect it to each subgraph that
// declares the type.
func RootNode(rootType string) Node {
	return Node{Type: rootType}
}

// AddNode registers n, a no-op if it already exists.
func (g *QueryGraph) AddNode(n Node) {
	id := n.ID()
	if _, ok := g.nodes[id]; !ok {
		g.nodes[id] = n
		g.edges[id] = nil
	}
}

// AddEdge adds a directed edge from `from` to edge.To, deduplicating
// identical (Kind, To) pairs.
func (g *QueryGraph) AddEdge(from Node, edge Edge) {
	id := from.ID()
	for _, e := range g.edges[id] {
		if e.Kind == edge.Kind && e.To.ID() == edge.To.ID() {
			return
		}
	}
	g.edges[id] = append(g.edges[id], edge)
}

// Edges returns the outgoing edges of n.
func (g *QueryGraph) Edges(n Node) []Edge {
	return g.edges[n.ID()]
}

// Has reports whether n is registered.
func (g *QueryGraph) Has(n Node) bool {
	_, ok := g.nodes[n.ID()]
	return ok
}

// NodesForType returns every registered node across all subgraphs whose
// Type equals typeName and Field is empty (the type-level entry points
// used to start a KeyEdge jump into that entity elsewhere).
func (g *QueryGraph) NodesForType(typeName string) []Node {
	var out []Node
	for _, n := range g.nodes {
		if n.Type == typeName && n.Field == "" {
			out = append(out, n)
		}
	}
	return out
}

// FieldEdgeTo returns the field node reached from typeNode's FieldEdge
// named fieldName, if any (i.e. the field is resolvable in typeNode's own
// subgraph without a hop).
func (g *QueryGraph) FieldEdgeTo(typeNode Node, fieldName string) (Node, bool) {
	for _, e := range g.edges[typeNode.ID()] {
		if e.Kind == FieldEdge && e.To.Field == fieldName {
			return e.To, true
		}
	}
	return Node{}, false
}
