package querygraph

import (
	"strings"

	"github.com/n9te9/federation-engine/federation/graph"
	"github.com/n9te9/graphql-parser/ast"
)

// overrideInfo records one field's `@override` declaration: which
// subgraph declared it (the overriding side), which subgraph it takes
// the field from, and the progressive-rollout label, if any.
type overrideInfo struct {
	declaredIn string
	from       string
	label      string
}

// BuildFromSubgraphs constructs the query graph from the composed
// supergraph's subgraph list, extending the three-pass construction
// federation/graph/weighted_graph.go's BuildGraph does (type/field
// nodes, cross-subgraph `@key` edges, `@provides` shortcuts) with the
// typed edges path exploration needs: abstract-type downcasts,
// `@interfaceObject` fake downcasts, root entry points, key field sets
// on key edges, and progressive-override tagging on field edges.
func BuildFromSubgraphs(subgraphs []*graph.SubGraphV2) *QueryGraph {
	g := New()
	g.Meta = CollectTypeMetadata(subgraphs)

	overrides := collectOverrides(subgraphs)

	// Pass 1: type and field nodes, same-subgraph field edges — both for
	// entities (with their @requires/@override semantics) and for the
	// plain object/interface types each subgraph schema declares (root
	// types included).
	for _, sg := range subgraphs {
		for typeName, entity := range sg.GetEntities() {
			typeNode := Node{Subgraph: sg.Name, Type: typeName}
			g.AddNode(typeNode)

			for fieldName, field := range entity.Fields {
				if field.IsInaccessible() || field.IsExternal() {
					continue
				}
				edge, ok := fieldEdge(sg.Name, typeName, fieldName, field, overrides)
				if !ok {
					continue
				}
				g.AddNode(edge.To)
				g.AddEdge(typeNode, edge)
			}
		}

		addDeclaredTypes(g, sg)
	}

	// Pass 2: cross-subgraph `@key` edges between subgraphs that both
	// define the same entity type, bidirectional, gated on resolvability
	// and carrying the resolvable key's field set.
	entityOwners := map[string][]*graph.SubGraphV2{}
	for _, sg := range subgraphs {
		for typeName := range sg.GetEntities() {
			entityOwners[typeName] = append(entityOwners[typeName], sg)
		}
	}

	for typeName, sgs := range entityOwners {
		if len(sgs) < 2 {
			continue
		}
		for i, a := range sgs {
			for _, b := range sgs[i+1:] {
				entityA, _ := a.GetEntity(typeName)
				entityB, _ := b.GetEntity(typeName)
				if entityA.IsResolvable() {
					g.AddEdge(Node{Subgraph: b.Name, Type: typeName}, Edge{
						Kind:      KeyEdge,
						To:        Node{Subgraph: a.Name, Type: typeName},
						KeyFields: resolvableKeyFields(entityA),
					})
				}
				if entityB.IsResolvable() {
					g.AddEdge(Node{Subgraph: a.Name, Type: typeName}, Edge{
						Kind:      KeyEdge,
						To:        Node{Subgraph: b.Name, Type: typeName},
						KeyFields: resolvableKeyFields(entityB),
					})
				}
			}
		}
	}

	// Pass 3: `@provides` shortcuts — a field node gets a zero-cost edge
	// straight to the provided field's node in whichever other subgraph
	// owns it, letting the planner skip the KeyEdge hop entirely for that
	// nested selection.
	fieldOwner := map[string]Node{} // "Type.field" -> owning field node
	for _, sg := range subgraphs {
		for typeName, entity := range sg.GetEntities() {
			for fieldName, field := range entity.Fields {
				if field.IsExternal() {
					continue
				}
				key := typeName + "." + fieldName
				if _, exists := fieldOwner[key]; !exists {
					fieldOwner[key] = Node{Subgraph: sg.Name, Type: typeName, Field: fieldName}
				}
			}
		}
	}

	for _, sg := range subgraphs {
		for typeName, entity := range sg.GetEntities() {
			for fieldName, field := range entity.Fields {
				if len(field.Provides) == 0 {
					continue
				}
				providedType := baseTypeName(field.Type)
				from := Node{Subgraph: sg.Name, Type: typeName, Field: fieldName}
				for _, provided := range field.Provides {
					if owner, ok := fieldOwner[providedType+"."+provided]; ok {
						g.AddEdge(from, Edge{Kind: ProvidesEdge, To: owner})
					}
				}
			}
		}
	}

	// Pass 4: abstract-type structure — same-subgraph downcast edges from
	// every interface/union to the implementations that subgraph also
	// declares, and the `@interfaceObject` self-edge recording that a
	// cast on such a node stays in place.
	for _, sg := range subgraphs {
		for _, abstract := range abstractTypesDeclared(g.Meta, sg.Name) {
			abstractNode := Node{Subgraph: sg.Name, Type: abstract}
			if !g.Has(abstractNode) {
				continue
			}
			for _, impl := range g.Meta.Implementations(abstract) {
				implNode := Node{Subgraph: sg.Name, Type: impl}
				if g.Has(implNode) {
					g.AddEdge(abstractNode, Edge{Kind: DowncastEdge, To: implNode})
				}
			}
		}
		for typeName := range g.Meta.interfaceObjects[sg.Name] {
			node := Node{Subgraph: sg.Name, Type: typeName}
			if g.Has(node) {
				g.AddEdge(node, Edge{Kind: InterfaceObjectEdge, To: node})
			}
		}
	}

	// Pass 5: root entry edges from the virtual per-kind root to each
	// subgraph that declares the root operation type.
	for _, rootType := range []string{"Query", "Mutation", "Subscription"} {
		for _, sg := range subgraphs {
			target := Node{Subgraph: sg.Name, Type: rootType}
			if !g.Has(target) {
				continue
			}
			g.AddNode(RootNode(rootType))
			g.AddEdge(RootNode(rootType), Edge{Kind: RootEntryEdge, To: target})
		}
	}

	return g
}

// fieldEdge builds the FieldEdge for one entity field, honoring
// `@override`: a field non-progressively overridden away from this
// subgraph gets no edge at all; a progressively overridden one keeps an
// edge tagged with the label and the side of the override it belongs to.
func fieldEdge(subgraph, typeName, fieldName string, field *graph.Field, overrides map[string]overrideInfo) (Edge, bool) {
	edge := Edge{
		Kind:           FieldEdge,
		To:             Node{Subgraph: subgraph, Type: typeName, Field: fieldName},
		RequiredFields: field.Requires,
	}

	if o := field.GetOverride(); o != nil {
		if o.Label != "" {
			edge.OverrideLabel = o.Label
			edge.OverrideWhen = true
		}
		return edge, true
	}

	if o, ok := overrides[typeName+"."+fieldName]; ok && o.from == subgraph && o.declaredIn != subgraph {
		if o.label == "" {
			return Edge{}, false
		}
		edge.OverrideLabel = o.label
		edge.OverrideWhen = false
	}
	return edge, true
}

func collectOverrides(subgraphs []*graph.SubGraphV2) map[string]overrideInfo {
	out := map[string]overrideInfo{}
	for _, sg := range subgraphs {
		for typeName, entity := range sg.GetEntities() {
			for fieldName, field := range entity.Fields {
				if o := field.GetOverride(); o != nil {
					out[typeName+"."+fieldName] = overrideInfo{declaredIn: sg.Name, from: o.From, label: o.Label}
				}
			}
		}
	}
	return out
}

// addDeclaredTypes adds nodes and field edges for the object and
// interface types a subgraph's schema declares beyond its entities, so
// root operation types and locally-resolved interfaces participate in
// path exploration too.
func addDeclaredTypes(g *QueryGraph, sg *graph.SubGraphV2) {
	if sg.Schema == nil {
		return
	}
	for _, def := range sg.Schema.Definitions {
		var (
			name   string
			fields []*ast.FieldDefinition
		)
		switch d := def.(type) {
		case *ast.ObjectTypeDefinition:
			name, fields = d.Name.String(), d.Fields
		case *ast.InterfaceTypeDefinition:
			name, fields = d.Name.String(), d.Fields
		case *ast.UnionTypeDefinition:
			g.AddNode(Node{Subgraph: sg.Name, Type: d.Name.String()})
			continue
		default:
			continue
		}

		if _, isEntity := sg.GetEntity(name); isEntity {
			// Entity fields were already added with their @requires and
			// @override semantics; re-walking the AST here would resurrect
			// edges the override handling deliberately withheld.
			continue
		}

		typeNode := Node{Subgraph: sg.Name, Type: name}
		g.AddNode(typeNode)
		for _, f := range fields {
			if hasDirective(f.Directives, "inaccessible") || hasDirective(f.Directives, "external") {
				continue
			}
			fieldNode := Node{Subgraph: sg.Name, Type: name, Field: f.Name.String()}
			g.AddNode(fieldNode)
			g.AddEdge(typeNode, Edge{Kind: FieldEdge, To: fieldNode})
		}
	}
}

func abstractTypesDeclared(meta *TypeMetadata, subgraph string) []string {
	var out []string
	for t := range meta.declaredIn[subgraph] {
		if meta.IsAbstract(t) {
			out = append(out, t)
		}
	}
	return out
}

// resolvableKeyFields returns the field names of the entity's first
// resolvable `@key`, the set a key jump sends in its representation.
func resolvableKeyFields(e *graph.Entity) []string {
	for _, k := range e.Keys {
		if k.Resolvable {
			return strings.Fields(k.FieldSet)
		}
	}
	return nil
}

// baseTypeName strips list/non-null wrappers from an ast.Type, returning
// the underlying named type name.
func baseTypeName(t ast.Type) string {
	switch typ := t.(type) {
	case *ast.NamedType:
		return typ.Name.String()
	case *ast.ListType:
		return baseTypeName(typ.Type)
	case *ast.NonNullType:
		return baseTypeName(typ.Type)
	}
	return ""
}
