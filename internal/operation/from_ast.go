package operation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
)

// OperationType mirrors ast.OperationType without importing it into every
// downstream package that only needs to branch on query/mutation/subscription.
type OperationType int

const (
	Query OperationType = iota
	Mutation
	Subscription
)

// Operation is a fully normalized GraphQL operation: its root type, an
// optional name, and its (already fragment-expanded) selection set.
type Operation struct {
	Type         OperationType
	Name         string
	SelectionSet SelectionSet
}

// FromExecutable converts a parsed executable document into a normalized
// Operation, expanding fragment spreads inline as it goes. When opName is
// non-empty, the operation with that name is used; otherwise the last
// operation definition in the document is used, and no error is reported
// when there are several.
//
// This mirrors the fragment-expansion planner_v2.go's PlannerV2.Plan does
// ad hoc over []ast.Selection, generalized into a typed, reusable pass that
// Normalize can then run additional rewrites over.
func FromExecutable(doc *ast.Document, opName string) (*Operation, error) {
	fragments := map[string]*ast.FragmentDefinition{}
	var opDef *ast.OperationDefinition

	for _, def := range doc.Definitions {
		switch d := def.(type) {
		case *ast.FragmentDefinition:
			fragments[d.Name.String()] = d
		case *ast.OperationDefinition:
			name := ""
			if d.Name != nil {
				name = d.Name.String()
			}
			if opName == "" || name == opName {
				opDef = d
			}
		}
	}

	if opDef == nil {
		return nil, fmt.Errorf("operation: no matching operation definition found")
	}

	var opType OperationType
	switch opDef.Operation {
	case ast.Mutation:
		opType = Mutation
	case ast.Subscription:
		opType = Subscription
	default:
		opType = Query
	}

	name := ""
	if opDef.Name != nil {
		name = opDef.Name.String()
	}

	set, err := expandSelectionSet(opDef.SelectionSet, fragments, map[string]bool{})
	if err != nil {
		return nil, err
	}

	return &Operation{Type: opType, Name: name, SelectionSet: set}, nil
}

func expandSelectionSet(sels []ast.Selection, fragments map[string]*ast.FragmentDefinition, seen map[string]bool) (SelectionSet, error) {
	m := NewSelectionMap()
	for _, sel := range sels {
		switch s := sel.(type) {
		case *ast.Field:
			// Schema introspection never reaches the planner: the gateway
			// answers __schema/__type from the composed supergraph itself,
			// so those selections are dropped here at every nesting level.
			if name := s.Name.String(); name == "__schema" || name == "__type" {
				continue
			}
			f, err := convertField(s, fragments, seen)
			if err != nil {
				return nil, err
			}
			m.Add(f)

		case *ast.InlineFragment:
			typeCond := ""
			if s.TypeCondition != nil {
				typeCond = s.TypeCondition.Name.String()
			}
			nested, err := expandSelectionSet(s.SelectionSet, fragments, seen)
			if err != nil {
				return nil, err
			}
			m.Add(newInlineFragment(typeCond, convertDirectives(s.Directives), nested))

		case *ast.FragmentSpread:
			name := s.Name.String()
			if seen[name] {
				return nil, fmt.Errorf("operation: fragment cycle detected at %q", name)
			}
			def, ok := fragments[name]
			if !ok {
				return nil, fmt.Errorf("operation: unknown fragment %q", name)
			}
			seen[name] = true
			nested, err := expandSelectionSet(def.SelectionSet, fragments, seen)
			delete(seen, name)
			if err != nil {
				return nil, err
			}

			typeCond := ""
			if def.TypeCondition != nil {
				typeCond = def.TypeCondition.Name.String()
			}
			spreadDirectives := convertDirectives(s.Directives)
			for _, d := range spreadDirectives {
				if !spreadDirectiveAllowed(d.Name) {
					return nil, fmt.Errorf("operation: directive @%s on fragment spread %q cannot be carried onto an inline fragment", d.Name, name)
				}
			}
			if len(spreadDirectives) == 0 {
				// No directives on the spread itself: flatten directly into
				// the parent selection so it merges field-for-field instead
				// of nesting an extra inline fragment layer.
				for _, inner := range nested {
					m.Add(inner)
				}
				continue
			}
			m.Add(newInlineFragment(typeCond, spreadDirectives, nested))
		}
	}
	return m.SelectionSet(), nil
}

// newInlineFragment builds an InlineFragment, stamping a process-unique
// SelectionID when the fragment is deferred so it never merges with
// another deferred fragment of the same type condition.
func newInlineFragment(typeCond string, directives DirectiveList, nested SelectionSet) *InlineFragment {
	frag := &InlineFragment{
		TypeCondition: typeCond,
		Directives:    directives,
		SelectionSet:  nested,
	}
	if directives.Has("defer") {
		frag.SelectionID = NextSelectionID()
	}
	return frag
}

// spreadDirectiveAllowed reports whether a directive seen on a fragment
// spread survives the spread's expansion into an inline fragment. Only
// the executable directives valid on both positions qualify; anything
// else would silently change meaning when the spread is rewritten.
func spreadDirectiveAllowed(name string) bool {
	switch name {
	case "skip", "include", "defer":
		return true
	}
	return false
}

func convertField(f *ast.Field, fragments map[string]*ast.FragmentDefinition, seen map[string]bool) (*Field, error) {
	name := f.Name.String()
	alias := name
	if f.Alias != nil && f.Alias.String() != "" {
		alias = f.Alias.String()
	}

	var nested SelectionSet
	if len(f.SelectionSet) > 0 {
		var err error
		nested, err = expandSelectionSet(f.SelectionSet, fragments, seen)
		if err != nil {
			return nil, err
		}
	}

	return &Field{
		Name:         name,
		Alias:        alias,
		Arguments:    convertArguments(f.Arguments),
		Directives:   convertDirectives(f.Directives),
		SelectionSet: nested,
	}, nil
}

func convertArguments(args []*ast.Argument) ArgumentList {
	out := make([]Argument, 0, len(args))
	for _, a := range args {
		out = append(out, Argument{Name: a.Name.String(), Value: convertValue(a.Value)})
	}
	return NewArgumentList(out)
}

func convertDirectives(dirs []*ast.Directive) DirectiveList {
	out := make([]Directive, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, Directive{Name: d.Name, Arguments: convertArguments(d.Arguments)})
	}
	return NewDirectiveList(out)
}

func convertValue(v ast.Value) Value {
	switch val := v.(type) {
	case *ast.Variable:
		return VariableValue(val.Name)
	case *ast.StringValue:
		return Value{Kind: KindString, Scalar: val.Value}
	case *ast.IntValue:
		return Value{Kind: KindInt, Scalar: strconv.FormatInt(val.Value, 10)}
	case *ast.FloatValue:
		return Value{Kind: KindFloat, Scalar: strconv.FormatFloat(val.Value, 'g', -1, 64)}
	case *ast.BooleanValue:
		return Value{Kind: KindBoolean, Scalar: strconv.FormatBool(val.Value)}
	case *ast.EnumValue:
		return Value{Kind: KindEnum, Scalar: val.Value}
	case *ast.NullValue:
		return Null
	case *ast.ListValue:
		items := make([]Value, 0, len(val.Values))
		for _, e := range val.Values {
			items = append(items, convertValue(e))
		}
		return Value{Kind: KindList, List: items}
	case *ast.ObjectValue:
		fields := make([]Argument, 0, len(val.Fields))
		for _, f := range val.Fields {
			fields = append(fields, Argument{Name: f.Name.String(), Value: convertValue(f.Value)})
		}
		return Value{Kind: KindObject, Object: fields}
	default:
		return Null
	}
}

// String renders the field back as argument-call syntax, e.g. `foo(a: 1)`,
// used by components that need to re-print a selection (subgraph fetch
// query building reuses operation.Field directly instead of re-deriving it
// from the ast package).
func (f *Field) String() string {
	var b strings.Builder
	if f.Alias != f.Name {
		b.WriteString(f.Alias)
		b.WriteString(": ")
	}
	b.WriteString(f.Name)
	if len(f.Arguments) > 0 {
		b.WriteString("(")
		for i, a := range f.Arguments {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(a.Name)
			b.WriteString(": ")
			b.WriteString(a.Value.String())
		}
		b.WriteString(")")
	}
	return b.String()
}
