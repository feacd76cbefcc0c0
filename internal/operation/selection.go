package operation

import (
	"strings"
	"sync/atomic"
)

// SelectionKey identifies a selection for merge/dedup purposes within a
// single SelectionSet. Two fields with the same response key (alias, or
// name when unaliased) and the same directives merge into one; two inline
// fragments with the same type condition and directives merge their
// sub-selections — unless they are deferred, in which case DeferID keeps
// every `@defer`'d fragment its own selection (merging two deferred
// fragments would fuse two independently-delivered response chunks).
// Directives is the canonical rendering of the selection's directive
// list: two selections that differ only in `@skip`/`@include` conditions
// must stay distinct, or one occurrence's condition would be silently
// dropped by the merge.
type SelectionKey struct {
	ResponseKey   string // field alias/name, empty for inline fragments
	TypeCondition string // inline fragment type condition, empty for fields
	Directives    string // canonical directive rendering, "" when undirected
	DeferID       int64  // non-zero only for @defer'd inline fragments
}

var selectionIDCounter atomic.Int64

// NextSelectionID returns a process-unique id for a selection. Overflow
// wraps, which is harmless: ids only need to be distinct within one
// operation.
func NextSelectionID() int64 { return selectionIDCounter.Add(1) }

// Field is a single field selection: name, optional alias, arguments,
// directives and (for composite result types) a nested SelectionSet.
// SiblingTypename, when non-empty, is the response key of a plain
// `__typename` selection the normalizer removed from this field's
// selection set and attached here instead; re-materialization restores
// it (see optimizeSiblingTypenames / ToExecutableSelections).
type Field struct {
	Name            string
	Alias           string // equals Name when no explicit alias was written
	Arguments       ArgumentList
	Directives      DirectiveList
	SelectionSet    SelectionSet // nil for leaf/scalar fields
	SiblingTypename string
}

// ResponseKey is the key this field occupies in the response object.
func (f *Field) ResponseKey() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// InlineFragment narrows a selection to a concrete/abstract type condition.
// TypeCondition is empty when the fragment does not narrow the type (a
// bare `... @directive { ... }`). SelectionID is set (via NextSelectionID)
// when the fragment carries `@defer`, solely so two deferred fragments
// never merge.
type InlineFragment struct {
	TypeCondition string
	Directives    DirectiveList
	SelectionSet  SelectionSet
	SelectionID   int64
}

// Selection is either a *Field or an *InlineFragment. Fragment spreads are
// never retained: FromExecutable expands a spread that carries directives
// into an inline fragment, and flattens the selections of a spread without
// directives straight into the parent selection set (the fragment's type
// condition is not kept), so downstream components only ever see these
// two cases.
type Selection interface {
	isSelection()
	// Key returns the SelectionKey used for merge/equality comparisons.
	Key() SelectionKey
	// Clone returns a deep copy safe to mutate independently.
	Clone() Selection
}

func (f *Field) isSelection()          {}
func (i *InlineFragment) isSelection() {}

// Key implements Selection.
func (f *Field) Key() SelectionKey {
	return SelectionKey{ResponseKey: f.ResponseKey(), Directives: f.Directives.String()}
}

// Key implements Selection.
func (i *InlineFragment) Key() SelectionKey {
	key := SelectionKey{TypeCondition: i.TypeCondition, Directives: i.Directives.String()}
	if i.Directives.Has("defer") {
		key.DeferID = i.SelectionID
	}
	return key
}

// Clone implements Selection.
func (f *Field) Clone() Selection {
	return &Field{
		Name:            f.Name,
		Alias:           f.Alias,
		Arguments:       f.Arguments.Clone(),
		Directives:      f.Directives.Clone(),
		SelectionSet:    f.SelectionSet.Clone(),
		SiblingTypename: f.SiblingTypename,
	}
}

// Clone implements Selection.
func (i *InlineFragment) Clone() Selection {
	return &InlineFragment{
		TypeCondition: i.TypeCondition,
		Directives:    i.Directives.Clone(),
		SelectionSet:  i.SelectionSet.Clone(),
		SelectionID:   i.SelectionID,
	}
}

// SelectionSet is an ordered list of selections. Order is preserved (it is
// observable — it determines response field order) but lookups go through
// SelectionMap for O(1) access by key.
type SelectionSet []Selection

// Clone returns a deep copy of the set.
func (s SelectionSet) Clone() SelectionSet {
	if s == nil {
		return nil
	}
	out := make(SelectionSet, len(s))
	for i, sel := range s {
		out[i] = sel.Clone()
	}
	return out
}

// SelectionMap indexes a SelectionSet by SelectionKey for O(1) merge
// decisions during normalization, while the backing SelectionSet keeps
// first-seen order for the final (ordered) output.
type SelectionMap struct {
	order []SelectionKey
	byKey map[SelectionKey]Selection
}

// NewSelectionMap builds an (initially empty) SelectionMap.
func NewSelectionMap() *SelectionMap {
	return &SelectionMap{byKey: make(map[SelectionKey]Selection)}
}

// Add inserts sel, merging into an existing entry with the same key when
// both are fields with identical arguments (GraphQL field-merging rule),
// or both are inline fragments with the same type condition and
// directives. Two fields that share a key but differ in arguments are
// both kept (under an internal ordinal suffix) — they cannot merge, and
// addAliasesForNonMergingFields later assigns the second a unique alias.
func (m *SelectionMap) Add(sel Selection) {
	key := sel.Key()
	for ordinal := 0; ; ordinal++ {
		existing, ok := m.byKey[key]
		if !ok {
			m.order = append(m.order, key)
			m.byKey[key] = sel
			return
		}

		switch e := existing.(type) {
		case *Field:
			nf, ok := sel.(*Field)
			if !ok {
				return
			}
			if !e.Arguments.Equal(nf.Arguments) {
				// Non-merging pair: probe the next ordinal slot so both
				// occurrences survive to the aliasing pass.
				key.ResponseKey = nf.ResponseKey() + "\x00" + itoa(ordinal)
				continue
			}
			e.SelectionSet = mergeSelectionSets(e.SelectionSet, nf.SelectionSet)
		case *InlineFragment:
			ni, ok := sel.(*InlineFragment)
			if !ok {
				return
			}
			e.SelectionSet = mergeSelectionSets(e.SelectionSet, ni.SelectionSet)
		}
		return
	}
}

// Get returns the selection stored under key, if any.
func (m *SelectionMap) Get(key SelectionKey) (Selection, bool) {
	s, ok := m.byKey[key]
	return s, ok
}

// SelectionSet materializes the map's entries in first-seen order.
func (m *SelectionMap) SelectionSet() SelectionSet {
	out := make(SelectionSet, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.byKey[k])
	}
	return out
}

// mergeSelectionSets merges b into a using a fresh SelectionMap, returning
// the combined, order-preserving result. A nil/nil merge stays nil (leaf
// fields keep no selection set).
func mergeSelectionSets(a, b SelectionSet) SelectionSet {
	if a == nil && b == nil {
		return nil
	}
	m := NewSelectionMap()
	for _, s := range a {
		m.Add(s)
	}
	for _, s := range b {
		m.Add(s)
	}
	return m.SelectionSet()
}

// conditionKey formats the @skip/@include condition pair used by
// Conditions() below: "skip:$var" / "include:$var" / "skip:true" and so on.
func conditionKey(name, value string) string {
	return name + ":" + value
}

// Conditions returns the set of boolean conditions (from @skip/@include)
// that gate this selection, normalized so that `@skip(if:$x)` and
// `@include(if:$x)` are comparable (both reduce to a presence test on $x
// paired with the polarity the directive implies). Literal `if:` booleans
// that make the selection unconditionally present/absent are represented
// as the fixed strings "true"/"false" rather than a variable name.
func (f *Field) Conditions() []string {
	return directiveConditions(f.Directives)
}

// Conditions implements the analogous accessor for inline fragments.
func (i *InlineFragment) Conditions() []string {
	return directiveConditions(i.Directives)
}

func directiveConditions(dirs DirectiveList) []string {
	var out []string
	for _, want := range []string{"skip", "include"} {
		d, ok := dirs.Get(want)
		if !ok {
			continue
		}
		ifArg, ok := d.Arguments.Get("if")
		if !ok {
			continue
		}
		if b, isLit := ifArg.BooleanLiteral(); isLit {
			// A literal `if:` always resolves the same way; @skip(if:true)
			// and @include(if:false) both mean "never present".
			present := (want == "include" && b) || (want == "skip" && !b)
			out = append(out, conditionKey(want, boolLiteralToken(present == false)))
			continue
		}
		out = append(out, conditionKey(want, "$"+ifArg.Variable))
	}
	return out
}

func boolLiteralToken(excluded bool) string {
	if excluded {
		return "true"
	}
	return "false"
}

// Conditions returns the @skip/@include gate of the set as a whole:
// "false" for an empty set (nothing can ever be selected), "true" when
// its selections carry differing conditions (the set as a whole is
// unconditional — some selection is always live), and otherwise the
// common condition list every selection shares.
func (s SelectionSet) Conditions() []string {
	if len(s) == 0 {
		return []string{"false"}
	}
	common := selectionConditions(s[0])
	for _, sel := range s[1:] {
		if !equalConditionLists(selectionConditions(sel), common) {
			return []string{"true"}
		}
	}
	if len(common) == 0 {
		return []string{"true"}
	}
	return common
}

func selectionConditions(sel Selection) []string {
	switch v := sel.(type) {
	case *Field:
		return v.Conditions()
	case *InlineFragment:
		return v.Conditions()
	}
	return nil
}

func equalConditionLists(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Fields returns only the *Field selections of the set, in order.
func (s SelectionSet) Fields() []*Field {
	var out []*Field
	for _, sel := range s {
		if f, ok := sel.(*Field); ok {
			out = append(out, f)
		}
	}
	return out
}

// Path is a dotted path of response keys, used by AddAtPath and by the
// executor's insertion-path bookkeeping.
type Path []string

func (p Path) String() string { return strings.Join(p, ".") }
