package operation

// TypeInfo is the minimal schema information Normalize needs: whether a
// type is abstract (interface/union, so a `__typename` disambiguator is
// required) and what type a given field returns. The gateway wires this
// to the composed supergraph schema; operation stays decoupled from the
// schema representation so it can be tested with a stub.
type TypeInfo interface {
	IsAbstractType(typeName string) bool
	FieldType(parentType, fieldName string) string
}

// Normalizer holds the policy knobs Normalize honors.
type Normalizer struct {
	// SiblingTypenameThroughIndirectPaths controls whether the
	// sibling-__typename optimization also applies inside indirectly
	// delivered selection sets (directive-carrying fragments, notably
	// @defer branches). Left false, those subtrees keep their plain
	// `__typename` selections untouched — each deferred path carries its
	// own rather than borrowing an attachment from a sibling.
	SiblingTypenameThroughIndirectPaths bool

	// InterfaceObjectTypes lists the types some subgraph declares with
	// `@interfaceObject`; their selection sets are exempt from the
	// sibling-__typename optimization (the interface-object subgraph
	// needs the explicit __typename to resolve the concrete type).
	InterfaceObjectTypes map[string]bool
}

// FieldToAlias records one alias rewrite addAliasesForNonMergingFields
// applied: the selection set it happened in (as a response-key path from
// the operation root), the response name the client asked for, and the
// synthetic alias the planner/subgraphs see. The executor reverses these
// on the assembled response so the client-visible shape is unchanged.
type FieldToAlias struct {
	Path     Path
	Original string
	Alias    string
}

// Normalize runs the full normalization pipeline over an already
// fragment-expanded operation: typename injection for abstract types,
// alias disambiguation for fields that would otherwise collide without
// merging (returned as FieldToAlias rewrites for the executor to
// reverse), and the sibling-__typename optimization.
func (n *Normalizer) Normalize(op *Operation, rootType string, info TypeInfo) (*Operation, []FieldToAlias) {
	var rewrites []FieldToAlias
	out := &Operation{Type: op.Type, Name: op.Name}
	out.SelectionSet = n.normalizeSet(op.SelectionSet, rootType, nil, info, &rewrites)
	out.SelectionSet = n.optimizeSiblingTypenames(out.SelectionSet, rootType, false, info)
	return out, rewrites
}

func (n *Normalizer) normalizeSet(set SelectionSet, parentType string, path Path, info TypeInfo, rewrites *[]FieldToAlias) SelectionSet {
	if set == nil {
		return nil
	}

	out := make(SelectionSet, 0, len(set))
	for _, sel := range set {
		switch s := sel.(type) {
		case *Field:
			nf := s.Clone().(*Field)
			if nf.SelectionSet != nil {
				childType := info.FieldType(parentType, nf.Name)
				childPath := append(append(Path{}, path...), nf.ResponseKey())
				nf.SelectionSet = n.normalizeSet(nf.SelectionSet, childType, childPath, info, rewrites)
				if info.IsAbstractType(childType) {
					nf.SelectionSet = ensureTypename(nf.SelectionSet)
				}
			}
			out = append(out, nf)
		case *InlineFragment:
			// A fragment whose condition is redundant for this parent type
			// and that carries no directives adds nothing: hoist its
			// children straight into the parent selection set.
			if len(s.Directives) == 0 && (s.TypeCondition == "" || s.TypeCondition == parentType) {
				hoisted := n.normalizeSet(s.SelectionSet, parentType, path, info, rewrites)
				out = append(out, hoisted...)
				continue
			}

			ni := s.Clone().(*InlineFragment)
			childType := ni.TypeCondition
			if childType == "" {
				childType = parentType
			}
			ni.SelectionSet = n.normalizeSet(ni.SelectionSet, childType, path, info, rewrites)
			out = append(out, ni)
		}
	}

	out = mergeSelectionSets(out, nil)

	if info.IsAbstractType(parentType) {
		out = ensureTypename(out)
	}

	return n.addAliasesForNonMergingFields(out, path, rewrites)
}

// ensureTypename adds a `__typename` field selection to set if one is not
// already present, used whenever a selection set belongs to an abstract
// type (the executor needs it to decide which concrete branch a response
// object satisfies).
func ensureTypename(set SelectionSet) SelectionSet {
	for _, sel := range set {
		if f, ok := sel.(*Field); ok && f.Name == "__typename" && f.Alias == "__typename" {
			return set
		}
	}
	return append(SelectionSet{&Field{Name: "__typename", Alias: "__typename"}}, set...)
}

// addAliasesForNonMergingFields rewrites a field's alias to be unique
// whenever two same-name-but-different-argument fields would otherwise
// collide under the same response key (a client can legally request the
// pair under mutually exclusive @skip/@include conditions, and the
// planner needs every field it forwards to carry a unique, non-merging
// response key). Each rewrite is recorded as a FieldToAlias so the
// executor can restore the client-visible key on the response.
func (n *Normalizer) addAliasesForNonMergingFields(set SelectionSet, path Path, rewrites *[]FieldToAlias) SelectionSet {
	taken := map[string]bool{}
	for _, sel := range set {
		if f, ok := sel.(*Field); ok {
			taken[f.ResponseKey()] = true
		}
	}

	seen := map[string][]*Field{}
	for _, sel := range set {
		f, ok := sel.(*Field)
		if !ok {
			continue
		}
		key := f.ResponseKey()
		if prior := seen[key]; len(prior) > 0 {
			distinct := false
			for _, p := range prior {
				if !f.Arguments.Equal(p.Arguments) {
					distinct = true
					break
				}
			}
			if distinct {
				alias := nextFreeAlias(f.Name, taken)
				taken[alias] = true
				*rewrites = append(*rewrites, FieldToAlias{
					Path:     append(Path{}, path...),
					Original: key,
					Alias:    alias,
				})
				f.Alias = alias
				continue
			}
		}
		seen[key] = append(seen[key], f)
	}
	return set
}

// nextFreeAlias returns `{basename}__alias_{n}` for the smallest n not
// already used as a response key in the set.
func nextFreeAlias(basename string, taken map[string]bool) string {
	for i := 0; ; i++ {
		candidate := basename + "__alias_" + itoa(i)
		if !taken[candidate] {
			return candidate
		}
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := [20]byte{}
	pos := len(digits)
	for i > 0 {
		pos--
		digits[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(digits[pos:])
}

// optimizeSiblingTypenames implements the sibling-__typename attachment:
// when a selection set holds a plain (undirected, unconditioned)
// `__typename` field next to at least one real sibling field, the
// `__typename` selection is removed and the first sibling field is
// tagged with its response key instead — the planner then has one fewer
// selection to route, and re-materialization (ToExecutableSelections)
// restores the `__typename` so the response shape is unchanged.
//
// Selection sets of `@interfaceObject` types are exempt: the
// interface-object subgraph needs the explicit selection to answer the
// concrete type. Subtrees under a directive-carrying fragment (@defer)
// are exempt too unless SiblingTypenameThroughIndirectPaths is set —
// each indirectly delivered path keeps its own `__typename`.
func (n *Normalizer) optimizeSiblingTypenames(set SelectionSet, parentType string, underIndirect bool, info TypeInfo) SelectionSet {
	if set == nil {
		return nil
	}

	out := make(SelectionSet, 0, len(set))
	for _, sel := range set {
		switch s := sel.(type) {
		case *Field:
			nf := *s
			childType := info.FieldType(parentType, s.Name)
			nf.SelectionSet = n.optimizeSiblingTypenames(s.SelectionSet, childType, underIndirect, info)
			out = append(out, &nf)
		case *InlineFragment:
			ni := *s
			childType := s.TypeCondition
			if childType == "" {
				childType = parentType
			}
			indirect := underIndirect || len(s.Directives) > 0
			ni.SelectionSet = n.optimizeSiblingTypenames(s.SelectionSet, childType, indirect, info)
			out = append(out, &ni)
		}
	}

	if underIndirect && !n.SiblingTypenameThroughIndirectPaths {
		return out
	}
	if n.InterfaceObjectTypes[parentType] {
		return out
	}

	typenameIdx := -1
	var firstSibling *Field
	for i, sel := range out {
		f, ok := sel.(*Field)
		if !ok {
			continue
		}
		if f.Name == "__typename" && len(f.Directives) == 0 && typenameIdx < 0 {
			typenameIdx = i
			continue
		}
		if firstSibling == nil {
			firstSibling = f
		}
	}
	if typenameIdx < 0 || firstSibling == nil {
		return out
	}

	firstSibling.SiblingTypename = out[typenameIdx].(*Field).ResponseKey()
	return append(out[:typenameIdx], out[typenameIdx+1:]...)
}

// ReverseAliases undoes the FieldToAlias rewrites on an assembled
// response: at each rewrite's path (descending into list elements along
// the way), the synthetic alias key is renamed back to the response name
// the client asked for. When the original key is already present (both
// conditioned variants resolved), the aliased value wins last-write, the
// same way a plain GraphQL executor would overwrite the response entry.
func ReverseAliases(data map[string]interface{}, rewrites []FieldToAlias) {
	for _, rw := range rewrites {
		reverseAliasAt(data, rw.Path, rw.Alias, rw.Original)
	}
}

func reverseAliasAt(node interface{}, path Path, alias, original string) {
	switch v := node.(type) {
	case map[string]interface{}:
		if len(path) == 0 {
			if val, ok := v[alias]; ok {
				v[original] = val
				delete(v, alias)
			}
			return
		}
		reverseAliasAt(v[path[0]], path[1:], alias, original)
	case []interface{}:
		for _, elem := range v {
			reverseAliasAt(elem, path, alias, original)
		}
	}
}

// AddAtPath inserts sel into set at the nested location described by path,
// creating intermediate field selection sets as needed along the way. It
// is used by the planner to inject `@key` fields (and entity-boundary
// bookkeeping fields) at an arbitrary depth without having to rebuild the
// whole tree by hand.
func AddAtPath(set SelectionSet, path Path, sel Selection) SelectionSet {
	if len(path) == 0 {
		m := NewSelectionMap()
		for _, s := range set {
			m.Add(s)
		}
		m.Add(sel)
		return m.SelectionSet()
	}

	head, rest := path[0], path[1:]
	out := make(SelectionSet, 0, len(set)+1)
	found := false
	for _, s := range set {
		f, ok := s.(*Field)
		if ok && f.ResponseKey() == head {
			nf := *f
			nf.SelectionSet = AddAtPath(f.SelectionSet, rest, sel)
			out = append(out, &nf)
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		out = append(out, &Field{
			Name:         head,
			Alias:        head,
			SelectionSet: AddAtPath(nil, rest, sel),
		})
	}
	return out
}
