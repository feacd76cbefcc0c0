package gateway

import (
	"github.com/n9te9/federation-engine/federation/graph"
	"github.com/n9te9/graphql-parser/ast"
)

// superGraphTypeInfo adapts the composed supergraph schema to
// operation.TypeInfo, letting internal/operation.Normalizer reason about
// abstract types and field return types without depending on
// federation/graph directly.
type superGraphTypeInfo struct {
	superGraph *graph.SuperGraphV2
}

func (t *superGraphTypeInfo) IsAbstractType(typeName string) bool {
	if t.superGraph == nil || t.superGraph.Schema == nil {
		return false
	}
	for _, def := range t.superGraph.Schema.Definitions {
		switch d := def.(type) {
		case *ast.InterfaceTypeDefinition:
			if d.Name.String() == typeName {
				return true
			}
		case *ast.UnionTypeDefinition:
			if d.Name.String() == typeName {
				return true
			}
		}
	}
	return false
}

func (t *superGraphTypeInfo) FieldType(parentType, fieldName string) string {
	if t.superGraph == nil || t.superGraph.Schema == nil {
		return ""
	}

	if fieldName == "__typename" {
		return "String"
	}

	for _, def := range t.superGraph.Schema.Definitions {
		var fields []*ast.FieldDefinition
		var name string

		switch d := def.(type) {
		case *ast.ObjectTypeDefinition:
			name, fields = d.Name.String(), d.Fields
		case *ast.InterfaceTypeDefinition:
			name, fields = d.Name.String(), d.Fields
		default:
			continue
		}

		if name != parentType {
			continue
		}
		for _, f := range fields {
			if f.Name.String() == fieldName {
				return unwrapTypeName(f.Type)
			}
		}
	}
	return ""
}

// interfaceObjectTypes returns every type name any subgraph declares
// with `@interfaceObject`; the normalizer exempts their selection sets
// from the sibling-__typename optimization.
func interfaceObjectTypes(subGraphs []*graph.SubGraphV2) map[string]bool {
	out := map[string]bool{}
	for _, sg := range subGraphs {
		if sg.Schema == nil {
			continue
		}
		for _, def := range sg.Schema.Definitions {
			objDef, ok := def.(*ast.ObjectTypeDefinition)
			if !ok {
				continue
			}
			for _, d := range objDef.Directives {
				if d.Name == "interfaceObject" {
					out[objDef.Name.String()] = true
					break
				}
			}
		}
	}
	return out
}

// unwrapTypeName extracts the base type name from a (possibly list/
// non-null wrapped) type. Shared with gateway.go's validateAccessibility
// pass, which walks the same ast.Type shape for the same purpose.
func unwrapTypeName(t ast.Type) string {
	switch typ := t.(type) {
	case *ast.NamedType:
		return typ.Name.String()
	case *ast.ListType:
		return unwrapTypeName(typ.Type)
	case *ast.NonNullType:
		return unwrapTypeName(typ.Type)
	}
	return ""
}
