package querygraph

import (
	"sort"

	"github.com/n9te9/federation-engine/federation/graph"
	"github.com/n9te9/graphql-parser/ast"
)

// TypeMetadata is the schema-shape information path exploration needs
// beyond the raw edge structure: which types are abstract, what their
// runtime (concrete) types are, which subgraphs declare a type as an
// `@interfaceObject`, where a type is an entity, and where a field is
// declared `@shareable`. It is collected once per supergraph composition
// alongside the query graph itself.
type TypeMetadata struct {
	interfaces       map[string]bool
	unions           map[string]bool
	impls            map[string][]string        // abstract type -> sorted concrete type names
	interfaceObjects map[string]map[string]bool // subgraph -> types declared @interfaceObject
	entitySubgraphs  map[string][]string        // entity type -> subgraphs declaring it with @key
	shareableIn      map[string]map[string]bool // "Type.field" -> subgraphs declaring it @shareable
	providedFields   map[string]bool            // "Type.field" covered by some @provides
	declaredIn       map[string]map[string]bool // subgraph -> type names its schema declares
}

func newTypeMetadata() *TypeMetadata {
	return &TypeMetadata{
		interfaces:       map[string]bool{},
		unions:           map[string]bool{},
		impls:            map[string][]string{},
		interfaceObjects: map[string]map[string]bool{},
		entitySubgraphs:  map[string][]string{},
		shareableIn:      map[string]map[string]bool{},
		providedFields:   map[string]bool{},
		declaredIn:       map[string]map[string]bool{},
	}
}

// IsAbstract reports whether typeName is an interface or union.
func (m *TypeMetadata) IsAbstract(typeName string) bool {
	if m == nil {
		return false
	}
	return m.interfaces[typeName] || m.unions[typeName]
}

// IsUnion reports whether typeName is a union.
func (m *TypeMetadata) IsUnion(typeName string) bool {
	return m != nil && m.unions[typeName]
}

// Implementations returns the concrete runtime types of an abstract type,
// sorted by name. Nil for object types.
func (m *TypeMetadata) Implementations(typeName string) []string {
	if m == nil {
		return nil
	}
	return m.impls[typeName]
}

// Implements reports whether concrete is a runtime type of abstract.
func (m *TypeMetadata) Implements(concrete, abstract string) bool {
	for _, t := range m.Implementations(abstract) {
		if t == concrete {
			return true
		}
	}
	return false
}

// IsInterfaceObject reports whether subgraph declares typeName with
// `@interfaceObject` (the subgraph sees the interface as a plain object
// and resolves its fields without knowing the implementations).
func (m *TypeMetadata) IsInterfaceObject(subgraph, typeName string) bool {
	if m == nil {
		return false
	}
	return m.interfaceObjects[subgraph][typeName]
}

// DeclaredIn reports whether subgraph's schema declares typeName at all.
func (m *TypeMetadata) DeclaredIn(subgraph, typeName string) bool {
	if m == nil {
		return false
	}
	return m.declaredIn[subgraph][typeName]
}

// FieldProvidedSomewhere reports whether any subgraph's `@provides`
// covers typeName's fieldName — if so, a direct interface edge cannot
// safely elide the type-exploded alternative, since the provided copy
// may make an exploded path strictly cheaper.
func (m *TypeMetadata) FieldProvidedSomewhere(typeName, fieldName string) bool {
	return m != nil && m.providedFields[typeName+"."+fieldName]
}

// HasEntityImplementationWithShareableField reports whether some runtime
// type of abstractType is an entity whose fieldName is `@shareable` in a
// subgraph other than from — the heuristic that keeps the type-exploded
// alternative alive: a key jump out of the exploded cast may reach a
// cheaper copy of the field.
func (m *TypeMetadata) HasEntityImplementationWithShareableField(abstractType, fieldName, from string) bool {
	if m == nil {
		return false
	}
	for _, impl := range m.impls[abstractType] {
		if len(m.entitySubgraphs[impl]) == 0 {
			continue
		}
		for sg := range m.shareableIn[impl+"."+fieldName] {
			if sg != from {
				return true
			}
		}
	}
	return false
}

// CollectTypeMetadata walks every subgraph's schema AST and entity map
// and aggregates the supergraph-wide type shape path exploration needs.
func CollectTypeMetadata(subgraphs []*graph.SubGraphV2) *TypeMetadata {
	m := newTypeMetadata()
	implSet := map[string]map[string]bool{}

	addImpl := func(abstract, concrete string) {
		if implSet[abstract] == nil {
			implSet[abstract] = map[string]bool{}
		}
		implSet[abstract][concrete] = true
	}

	for _, sg := range subgraphs {
		declared := m.declaredIn[sg.Name]
		if declared == nil {
			declared = map[string]bool{}
			m.declaredIn[sg.Name] = declared
		}

		if sg.Schema != nil {
			for _, def := range sg.Schema.Definitions {
				switch d := def.(type) {
				case *ast.ObjectTypeDefinition:
					name := d.Name.String()
					declared[name] = true
					for _, iface := range d.Interfaces {
						addImpl(baseTypeName(iface), name)
					}
					if hasDirective(d.Directives, "interfaceObject") {
						if m.interfaceObjects[sg.Name] == nil {
							m.interfaceObjects[sg.Name] = map[string]bool{}
						}
						m.interfaceObjects[sg.Name][name] = true
					}
				case *ast.InterfaceTypeDefinition:
					name := d.Name.String()
					declared[name] = true
					m.interfaces[name] = true
				case *ast.UnionTypeDefinition:
					name := d.Name.String()
					declared[name] = true
					m.unions[name] = true
					for _, member := range d.Types {
						addImpl(name, baseTypeName(member))
					}
				}
			}
		}

		for typeName, entity := range sg.GetEntities() {
			declared[typeName] = true
			m.entitySubgraphs[typeName] = append(m.entitySubgraphs[typeName], sg.Name)
			for fieldName, field := range entity.Fields {
				key := typeName + "." + fieldName
				if field.IsShareable() {
					if m.shareableIn[key] == nil {
						m.shareableIn[key] = map[string]bool{}
					}
					m.shareableIn[key][sg.Name] = true
				}
				if len(field.Provides) > 0 {
					providedType := baseTypeName(field.Type)
					for _, provided := range field.Provides {
						m.providedFields[providedType+"."+provided] = true
					}
				}
			}
		}
	}

	for abstract, set := range implSet {
		names := make([]string, 0, len(set))
		for n := range set {
			names = append(names, n)
		}
		sort.Strings(names)
		m.impls[abstract] = names
	}
	return m
}

func hasDirective(dirs []*ast.Directive, name string) bool {
	for _, d := range dirs {
		if d.Name == name {
			return true
		}
	}
	return false
}
