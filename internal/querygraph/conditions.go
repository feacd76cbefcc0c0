package querygraph

import "context"

// ConditionResolver decides whether a `@requires`-declared field set can
// be satisfied for an entity sitting at a given node — that is, whether
// the execution plan can arrange for those fields to be present on the
// entity representation before the gated field is fetched. The planner
// supplies the real resolver; tests stub it.
type ConditionResolver interface {
	Satisfied(ctx context.Context, at Node, requiredFields []string) (bool, error)
}

// GraphConditionResolver satisfies a required field set when every field
// is reachable from the node's type either in the node's own subgraph or
// in a single key hop — the same reachability the executor's entity-step
// stitching can actually deliver.
type GraphConditionResolver struct {
	Graph *QueryGraph
}

// Satisfied implements ConditionResolver.
func (r GraphConditionResolver) Satisfied(ctx context.Context, at Node, requiredFields []string) (bool, error) {
	if len(requiredFields) == 0 {
		return true, nil
	}
	typeNode := Node{Subgraph: at.Subgraph, Type: at.Type}
	for _, field := range requiredFields {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if r.fieldReachable(typeNode, field) {
			continue
		}
		return false, nil
	}
	return true, nil
}

func (r GraphConditionResolver) fieldReachable(typeNode Node, field string) bool {
	if _, ok := r.Graph.FieldEdgeTo(typeNode, field); ok {
		return true
	}
	for _, e := range r.Graph.Edges(typeNode) {
		if e.Kind != KeyEdge {
			continue
		}
		if _, ok := r.Graph.FieldEdgeTo(e.To, field); ok {
			return true
		}
	}
	return false
}

// alwaysSatisfied is the zero-requirement resolver used when a caller
// does not supply one.
type alwaysSatisfied struct{}

func (alwaysSatisfied) Satisfied(context.Context, Node, []string) (bool, error) { return true, nil }
