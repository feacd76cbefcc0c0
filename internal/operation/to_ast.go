package operation

import (
	"strconv"

	"github.com/n9te9/graphql-parser/ast"
)

// ToExecutableSelections renders a normalized SelectionSet back into the
// []ast.Selection shape the parser (and everything downstream of it,
// notably federation/planner.PlannerV2.Plan) consumes. It is the inverse of
// FromExecutable/expandSelectionSet: gateway.ServeHTTP runs normalization on
// its own Operation model, then calls this to hand a planner-ready
// *ast.Document back without the planner needing to know normalization
// exists.
func ToExecutableSelections(set SelectionSet) []ast.Selection {
	if set == nil {
		return nil
	}

	out := make([]ast.Selection, 0, len(set))
	for _, sel := range set {
		switch s := sel.(type) {
		case *Field:
			// A sibling-typename attachment re-materializes as the plain
			// `__typename` selection it replaced, restoring the response
			// shape the optimization elided.
			if s.SiblingTypename != "" {
				tn := &ast.Field{Name: &ast.Name{Value: "__typename"}}
				if s.SiblingTypename != "__typename" {
					tn.Alias = &ast.Name{Value: s.SiblingTypename}
				}
				out = append(out, tn)
			}
			out = append(out, fieldToAST(s))
		case *InlineFragment:
			out = append(out, inlineFragmentToAST(s))
		}
	}
	return out
}

func fieldToAST(f *Field) *ast.Field {
	af := &ast.Field{
		Name:         &ast.Name{Value: f.Name},
		Arguments:    argumentsToAST(f.Arguments),
		Directives:   directivesToAST(f.Directives),
		SelectionSet: ToExecutableSelections(f.SelectionSet),
	}
	if f.Alias != "" && f.Alias != f.Name {
		af.Alias = &ast.Name{Value: f.Alias}
	}
	return af
}

func inlineFragmentToAST(i *InlineFragment) *ast.InlineFragment {
	ai := &ast.InlineFragment{
		Directives:   directivesToAST(i.Directives),
		SelectionSet: ToExecutableSelections(i.SelectionSet),
	}
	if i.TypeCondition != "" {
		ai.TypeCondition = &ast.NamedType{Name: &ast.Name{Value: i.TypeCondition}}
	}
	return ai
}

func argumentsToAST(args ArgumentList) []*ast.Argument {
	if len(args) == 0 {
		return nil
	}
	out := make([]*ast.Argument, len(args))
	for i, a := range args {
		out[i] = &ast.Argument{Name: &ast.Name{Value: a.Name}, Value: valueToAST(a.Value)}
	}
	return out
}

func directivesToAST(dirs DirectiveList) []*ast.Directive {
	if len(dirs) == 0 {
		return nil
	}
	out := make([]*ast.Directive, len(dirs))
	for i, d := range dirs {
		out[i] = &ast.Directive{Name: d.Name, Arguments: argumentsToAST(d.Arguments)}
	}
	return out
}

func valueToAST(v Value) ast.Value {
	switch v.Kind {
	case KindVariable:
		return &ast.Variable{Name: v.Variable}
	case KindString:
		return &ast.StringValue{Value: v.Scalar}
	case KindInt:
		n, _ := strconv.ParseInt(v.Scalar, 10, 64)
		return &ast.IntValue{Value: n}
	case KindFloat:
		f, _ := strconv.ParseFloat(v.Scalar, 64)
		return &ast.FloatValue{Value: f}
	case KindBoolean:
		return &ast.BooleanValue{Value: v.Scalar == "true"}
	case KindEnum:
		return &ast.EnumValue{Value: v.Scalar}
	case KindList:
		items := make([]ast.Value, len(v.List))
		for i, e := range v.List {
			items[i] = valueToAST(e)
		}
		return &ast.ListValue{Values: items}
	case KindObject:
		fields := make([]*ast.ObjectField, len(v.Object))
		for i, a := range v.Object {
			fields[i] = &ast.ObjectField{Name: &ast.Name{Value: a.Name}, Value: valueToAST(a.Value)}
		}
		return &ast.ObjectValue{Fields: fields}
	default:
		return &ast.NullValue{}
	}
}
