package querygraph

import (
	"context"
	"errors"
)

// ErrComplexityExceeded is returned when path exploration's option count
// would exceed the fixed budget below, matching the gateway's
// QueryPlanComplexityExceeded error classification.
var ErrComplexityExceeded = errors.New("querygraph: path exploration complexity budget exceeded")

// maxOptionProduct bounds the total number of live path options
// exploration may be holding at once, across every field exploration for
// a single operation, before it gives up rather than enumerate an
// exponential blowup (e.g. from a deeply nested interface with many
// implementations each split across subgraphs).
const maxOptionProduct = 1_000_000

// OperationElement is the unit of advancement: either a field selection
// (FieldName set) or an abstract-type downcast (TypeCondition set).
type OperationElement struct {
	FieldName     string
	TypeCondition string
	Conditions    []string
	Defer         string
}

// Budget tracks the running option-count product across a single
// operation's worth of advancement calls.
type Budget struct {
	product int
}

// NewBudget returns a fresh Budget whose running product starts at 1.
func NewBudget() *Budget { return &Budget{product: 1} }

func (b *Budget) charge(n int) error {
	if n == 0 {
		n = 1
	}
	b.product *= n
	if b.product > maxOptionProduct {
		return ErrComplexityExceeded
	}
	return nil
}

// Explorer advances paths through a query graph for one operation. It
// carries the per-operation state the advancement rules need: the
// complexity budget, the `@requires` condition resolver, the
// progressive-override condition assignment for this request, an
// optional cooperative-cancellation hook, and the memo of indirect
// (key-jump) continuations already computed per path.
type Explorer struct {
	Graph      *QueryGraph
	Budget     *Budget
	Conditions ConditionResolver
	// OverrideConditions assigns each progressive `@override(label:)`
	// label a boolean for this request; a label absent from the map
	// defaults to true (override active).
	OverrideConditions map[string]bool
	// CheckCancellation, when set, is polled before every recursion so a
	// caller can abort a pathological exploration without waiting for
	// the context's own machinery.
	CheckCancellation func() error

	indirect map[string][]OpGraphPath
}

// NewExplorer returns an Explorer over g with the default condition
// resolver (reachability over g itself).
func NewExplorer(g *QueryGraph, budget *Budget) *Explorer {
	return &Explorer{Graph: g, Budget: budget, Conditions: GraphConditionResolver{Graph: g}}
}

func (e *Explorer) resolver() ConditionResolver {
	if e.Conditions == nil {
		return alwaysSatisfied{}
	}
	return e.Conditions
}

func (e *Explorer) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.CheckCancellation != nil {
		return e.CheckCancellation()
	}
	return nil
}

// edgeUsable applies this request's override-condition assignment: an
// edge tagged with a progressive-override label is traversable only when
// the label's condition matches the side of the override the edge sits
// on.
func (e *Explorer) edgeUsable(edge Edge) bool {
	if edge.OverrideLabel == "" {
		return true
	}
	enabled, ok := e.OverrideConditions[edge.OverrideLabel]
	if !ok {
		enabled = true
	}
	return enabled == edge.OverrideWhen
}

// Advance advances every path of option through elem simultaneously and
// returns the viable continuations.
//
// The return contract mirrors the planner's three-way outcome:
//
//   - nil slice: dead end — elem cannot be advanced from option at all,
//     and the branch holding this option must be abandoned;
//   - empty non-nil slice: unsatisfiable but trivially fulfillable — the
//     element can never produce data here (e.g. a type condition whose
//     runtime-type intersection is empty) and the planner satisfies it
//     with empty data;
//   - one or more options otherwise.
func (e *Explorer) Advance(ctx context.Context, option SimultaneousPaths, elem OperationElement) ([]SimultaneousPaths, error) {
	if err := e.checkCancelled(ctx); err != nil {
		return nil, err
	}

	perPath := make([][]SimultaneousPaths, 0, len(option.Paths))
	for _, p := range option.Paths {
		options, err := e.advanceOne(ctx, p, elem)
		if err != nil {
			return nil, err
		}
		if options == nil {
			return nil, nil
		}
		if len(options) == 0 {
			// Trivially fulfilled for this constituent: it contributes
			// nothing to the product but doesn't kill the option.
			continue
		}
		perPath = append(perPath, options)
	}

	if len(perPath) == 0 {
		return []SimultaneousPaths{}, nil
	}
	if len(perPath) == 1 {
		// Single constituent: its options are the result; the advance
		// that produced them already charged the budget.
		return perPath[0], nil
	}
	return productCombine(perPath, e.Budget)
}

func (e *Explorer) advanceOne(ctx context.Context, path OpGraphPath, elem OperationElement) ([]SimultaneousPaths, error) {
	if err := e.checkCancelled(ctx); err != nil {
		return nil, err
	}
	if elem.TypeCondition != "" {
		return e.advanceFragment(ctx, path, elem)
	}
	return e.advanceField(ctx, path, elem)
}

// advanceField handles a field selection on the path's tail type.
//
// Object tail: the single same-subgraph field edge, gated on its
// `@requires` condition; when nothing resolves locally, indirect
// (key-jump) continuations are tried.
//
// Interface tail: up to two option groups — the direct interface edge
// (every implementation resolves the field in this subgraph) and the
// type-exploded product (cast to each runtime type, then the field).
// The exploded group is elided when the direct edge exists and no
// implementation's copy of the field is reachable more cheaply through
// `@provides` or a shareable entity copy in another subgraph; when both
// groups are produced the direct option records the exploded options as
// overridden, so pruning drops them unless they turn out strictly
// cheaper.
//
// Union tail: only `__typename` is legal.
func (e *Explorer) advanceField(ctx context.Context, path OpGraphPath, elem OperationElement) ([]SimultaneousPaths, error) {
	meta := e.Graph.Meta
	tailType := path.Tail.Type

	if elem.FieldName == "__typename" {
		return []SimultaneousPaths{Single(e.typenameStep(path, elem))}, nil
	}

	if meta.IsUnion(tailType) {
		return nil, nil
	}

	if meta.IsAbstract(tailType) {
		return e.advanceInterfaceField(ctx, path, elem)
	}

	return e.advanceConcreteField(ctx, path, elem)
}

// advanceConcreteField advances a field whose parent is (or has been
// narrowed to) a concrete type: the direct options first, and only when
// none exist the indirect (key-jump) continuations.
func (e *Explorer) advanceConcreteField(ctx context.Context, path OpGraphPath, elem OperationElement) ([]SimultaneousPaths, error) {
	options := e.directFieldOptions(ctx, path, elem)

	if len(options) == 0 {
		indirect, err := e.indirectOptions(ctx, path, elem.FieldName)
		if err != nil {
			return nil, err
		}
		for _, viaKey := range indirect {
			options = append(options, e.directFieldOptions(ctx, viaKey, elem)...)
		}
	}

	if err := e.Budget.charge(len(options)); err != nil {
		return nil, err
	}
	if len(options) == 0 {
		return nil, nil
	}

	out := make([]SimultaneousPaths, len(options))
	for i, o := range options {
		out[i] = Single(o)
	}
	return out, nil
}

// directFieldOptions returns the zero-or-more ways elem's field resolves
// from path's tail without a key jump: the same-subgraph field edge
// (subject to `@requires` and override conditions) and any `@provides`
// shortcut edges.
func (e *Explorer) directFieldOptions(ctx context.Context, path OpGraphPath, elem OperationElement) []OpGraphPath {
	var options []OpGraphPath

	for _, edge := range e.Graph.Edges(path.Tail) {
		switch edge.Kind {
		case FieldEdge:
			if edge.To.Field != elem.FieldName || !e.edgeUsable(edge) {
				continue
			}
			if len(edge.RequiredFields) > 0 {
				ok, err := e.resolver().Satisfied(ctx, path.Tail, edge.RequiredFields)
				if err != nil || !ok {
					continue
				}
			}
			options = append(options, e.extendWith(path, edge, elem, elem.FieldName))
		case ProvidesEdge:
			if edge.To.Field != elem.FieldName {
				continue
			}
			options = append(options, e.extendWith(path, edge, elem, elem.FieldName))
		}
	}
	return options
}

// advanceInterfaceField produces the direct and/or type-exploded option
// groups for a field requested on an interface-typed tail.
func (e *Explorer) advanceInterfaceField(ctx context.Context, path OpGraphPath, elem OperationElement) ([]SimultaneousPaths, error) {
	meta := e.Graph.Meta
	tailType := path.Tail.Type

	direct := e.directFieldOptions(ctx, path, elem)

	elideExplosion := len(direct) > 0
	if elideExplosion {
		for _, impl := range meta.Implementations(tailType) {
			if meta.FieldProvidedSomewhere(impl, elem.FieldName) {
				elideExplosion = false
				break
			}
		}
	}
	if elideExplosion && meta.HasEntityImplementationWithShareableField(tailType, elem.FieldName, path.Tail.Subgraph) {
		elideExplosion = false
	}

	var options []SimultaneousPaths
	for _, d := range direct {
		options = append(options, Single(d))
	}

	if !elideExplosion {
		exploded, err := e.explodeField(ctx, path, elem)
		if err != nil {
			return nil, err
		}
		if len(direct) > 0 {
			ids := make([]string, len(exploded))
			for i, x := range exploded {
				ids[i] = x.ID()
			}
			for i := range options {
				options[i].Paths[0].OverridingPathIDs = append(options[i].Paths[0].OverridingPathIDs, ids...)
			}
		}
		options = append(options, exploded...)
	}

	if err := e.Budget.charge(len(options)); err != nil {
		return nil, err
	}
	if len(options) == 0 {
		return nil, nil
	}
	return options, nil
}

// explodeField casts path to each runtime type of its abstract tail and
// advances the field from each cast, product-combining the per-type
// results into whole-interface options.
func (e *Explorer) explodeField(ctx context.Context, path OpGraphPath, elem OperationElement) ([]SimultaneousPaths, error) {
	var perType [][]SimultaneousPaths
	for _, rt := range e.runtimeTypes(path) {
		if err := e.checkCancelled(ctx); err != nil {
			return nil, err
		}
		cast := e.castTo(path, rt, elem)
		fieldOptions, err := e.advanceConcreteField(ctx, cast, OperationElement{FieldName: elem.FieldName, Conditions: elem.Conditions, Defer: elem.Defer})
		if err != nil {
			return nil, err
		}
		if len(fieldOptions) == 0 {
			// One implementation genuinely cannot resolve the field
			// anywhere: the exploded reading of the interface fails as a
			// whole.
			return nil, nil
		}
		perType = append(perType, fieldOptions)
	}

	if len(perType) == 0 {
		return nil, nil
	}
	return productCombine(perType, e.Budget)
}

// advanceFragment handles an inline-fragment type condition on the
// path's tail.
func (e *Explorer) advanceFragment(ctx context.Context, path OpGraphPath, elem OperationElement) ([]SimultaneousPaths, error) {
	meta := e.Graph.Meta
	tailType := path.Tail.Type
	cond := elem.TypeCondition

	// Condition already satisfied by the tail (same type, or the tail's
	// concrete type implements the condition): absorb without an edge.
	if cond == tailType || meta.Implements(tailType, cond) {
		next := path.withConditions(elem.Conditions)
		next.DeferOnTail = firstNonEmpty(elem.Defer, path.DeferOnTail)
		return []SimultaneousPaths{Single(next)}, nil
	}

	// `@interfaceObject` fake downcast: the subgraph resolves the
	// interface as a plain object and cannot distinguish implementations,
	// so a cast to one of them stays on the interface-object node and
	// only narrows the recorded runtime types.
	if meta.IsInterfaceObject(path.Tail.Subgraph, tailType) && meta.Implements(cond, tailType) {
		next := path
		for _, edge := range e.Graph.Edges(path.Tail) {
			if edge.Kind == InterfaceObjectEdge {
				next = path.extend(edge, cond)
				break
			}
		}
		next = next.withConditions(elem.Conditions)
		next.RuntimeTypesOfTail = []string{cond}
		next.DeferOnTail = firstNonEmpty(elem.Defer, path.DeferOnTail)
		return []SimultaneousPaths{Single(next)}, nil
	}

	if meta.IsAbstract(tailType) {
		// Direct downcast edge in the same subgraph.
		for _, edge := range e.Graph.Edges(path.Tail) {
			if edge.Kind == DowncastEdge && edge.To.Type == cond {
				next := e.extendWith(path, edge, elem, cond)
				next.RuntimeTypesOfTail = e.runtimeTypesOf(cond)
				return []SimultaneousPaths{Single(next)}, nil
			}
		}

		// No edge: intersect the tail's runtime types with the
		// condition's and explode over the intersection.
		intersection := intersect(e.runtimeTypes(path), e.runtimeTypesOf(cond))
		if len(intersection) == 0 {
			return []SimultaneousPaths{}, nil
		}
		var perType [][]SimultaneousPaths
		for _, rt := range intersection {
			perType = append(perType, []SimultaneousPaths{Single(e.castTo(path, rt, elem))})
		}
		return productCombine(perType, e.Budget)
	}

	if meta.IsAbstract(cond) || meta == nil {
		// An object tail narrowed by an abstract condition it does not
		// implement, or a hand-built graph with no metadata: without a
		// downcast edge the only sound reading left is an annotated
		// narrowing when the graph has a node for the condition in this
		// subgraph.
		target := Node{Subgraph: path.Tail.Subgraph, Type: cond}
		if e.Graph.Has(target) {
			next := path.withConditions(elem.Conditions)
			next.Tail = target
			next.RuntimeTypesOfTail = []string{cond}
			next.DeferOnTail = firstNonEmpty(elem.Defer, path.DeferOnTail)
			if err := e.Budget.charge(1); err != nil {
				return nil, err
			}
			return []SimultaneousPaths{Single(next)}, nil
		}
	}

	// Disjoint condition: can never match at runtime — trivially
	// fulfilled with empty data.
	return []SimultaneousPaths{}, nil
}

// castTo narrows path to concrete runtime type rt, taking a same-subgraph
// downcast edge when one exists and otherwise annotating the narrowing in
// place (a cast by itself never costs a subgraph hop; only the fields
// selected under it might).
func (e *Explorer) castTo(path OpGraphPath, rt string, elem OperationElement) OpGraphPath {
	for _, edge := range e.Graph.Edges(path.Tail) {
		if edge.Kind == DowncastEdge && edge.To.Type == rt {
			next := e.extendWith(path, edge, elem, rt)
			next.RuntimeTypesOfTail = []string{rt}
			return next
		}
	}
	next := path.withConditions(elem.Conditions)
	if target := (Node{Subgraph: path.Tail.Subgraph, Type: rt}); e.Graph.Has(target) {
		next.Tail = target
	}
	next.RuntimeTypesOfTail = []string{rt}
	next.DeferOnTail = firstNonEmpty(elem.Defer, path.DeferOnTail)
	return next
}

// typenameStep records a `__typename` selection as a zero-cost pseudo
// field edge; the field always resolves wherever the entity resolves.
func (e *Explorer) typenameStep(path OpGraphPath, elem OperationElement) OpGraphPath {
	edge := Edge{Kind: FieldEdge, To: Node{Subgraph: path.Tail.Subgraph, Type: path.Tail.Type, Field: "__typename"}}
	next := e.extendWith(path, edge, elem, "__typename")
	next.RuntimeTypesOfTail = path.RuntimeTypesOfTail
	return next
}

// indirectOptions returns the non-collecting continuations of path: the
// key-jump targets reachable from its tail, without consuming any
// operation element. Results are memoized per path identity — the same
// path is asked for its indirect continuations once per sibling field.
func (e *Explorer) indirectOptions(ctx context.Context, path OpGraphPath, forField string) ([]OpGraphPath, error) {
	if err := e.checkCancelled(ctx); err != nil {
		return nil, err
	}

	id := path.ID()
	cached, ok := e.indirect[id]
	if !ok {
		typeNode := Node{Subgraph: path.Tail.Subgraph, Type: path.Tail.Type}
		for _, edge := range e.Graph.Edges(typeNode) {
			if edge.Kind != KeyEdge || !e.edgeUsable(edge) {
				continue
			}
			cached = append(cached, path.extend(edge, path.Tail.Type))
		}
		if e.indirect == nil {
			e.indirect = map[string][]OpGraphPath{}
		}
		e.indirect[id] = cached
	}

	// A key jump whose key field set contains the requested field is
	// redundant for that field: the field is part of the representation
	// the jump would send, so it is resolvable without the hop.
	out := make([]OpGraphPath, 0, len(cached))
	for _, p := range cached {
		last := p.Edges[len(p.Edges)-1]
		if containsField(last.KeyFields, forField) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (e *Explorer) extendWith(path OpGraphPath, edge Edge, elem OperationElement, trigger string) OpGraphPath {
	next := path.extend(edge, trigger)
	next = next.withConditions(elem.Conditions)
	next.DeferOnTail = firstNonEmpty(elem.Defer, path.DeferOnTail)
	return next
}

// runtimeTypes returns the concrete types path's tail may hold at
// runtime, preferring what the path itself has already narrowed to.
func (e *Explorer) runtimeTypes(path OpGraphPath) []string {
	if len(path.RuntimeTypesOfTail) > 0 {
		return path.RuntimeTypesOfTail
	}
	return e.runtimeTypesOf(path.Tail.Type)
}

func (e *Explorer) runtimeTypesOf(typeName string) []string {
	if impls := e.Graph.Meta.Implementations(typeName); len(impls) > 0 {
		return impls
	}
	return []string{typeName}
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, x := range b {
		set[x] = true
	}
	var out []string
	for _, x := range a {
		if set[x] {
			out = append(out, x)
		}
	}
	return out
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

// AdvanceWithOperationElement is the single-path convenience entry: it
// advances one path through one element and flattens the resulting
// single-path options. Multi-path (type-exploded) options have no
// representation in this flat form and are dropped; callers that need
// them drive an Explorer directly.
func AdvanceWithOperationElement(ctx context.Context, g *QueryGraph, path OpGraphPath, elem OperationElement, budget *Budget) ([]OpGraphPath, error) {
	e := NewExplorer(g, budget)
	options, err := e.Advance(ctx, Single(path), elem)
	if err != nil {
		return nil, err
	}
	out := make([]OpGraphPath, 0, len(options))
	for _, o := range options {
		if len(o.Paths) == 1 {
			out = append(out, o.Paths[0])
		}
	}
	return out, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
