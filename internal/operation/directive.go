// Package operation implements the gateway's normalized operation model:
// directive/argument lists with canonical ordering, a selection-set tree
// independent of the raw parser AST, operation normalization (fragment
// expansion, typename injection, alias disambiguation), and the @defer
// rewrite that turns a deferred selection into its own labeled branch.
package operation

import (
	"sort"
	"strings"
)

// Argument is a single name/value pair attached to a field or directive.
// Value is kept as the parser's textual representation (already unquoted
// for strings) since the gateway never evaluates argument values itself —
// it only needs to compare/move/print them.
type Argument struct {
	Name  string
	Value Value
}

// ArgumentList is a canonically-ordered, comparable list of arguments.
// GraphQL argument order is not observable by clients (distinct orders are
// the same operation), so the list is always kept sorted by name to give
// structural equality and stable hashing for free.
type ArgumentList []Argument

// NewArgumentList builds an ArgumentList in canonical order.
func NewArgumentList(args []Argument) ArgumentList {
	out := make(ArgumentList, len(args))
	copy(out, args)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the value for name and whether it was present.
func (l ArgumentList) Get(name string) (Value, bool) {
	// l is sorted, but the list is small enough that a linear scan is
	// simpler and just as fast as a binary search in practice.
	for _, a := range l {
		if a.Name == name {
			return a.Value, true
		}
	}
	return Value{}, false
}

// Has reports whether an argument with name is present.
func (l ArgumentList) Has(name string) bool {
	_, ok := l.Get(name)
	return ok
}

// Equal reports structural equality: same names mapped to equal values.
func (l ArgumentList) Equal(o ArgumentList) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if l[i].Name != o[i].Name || !l[i].Value.Equal(o[i].Value) {
			return false
		}
	}
	return true
}

// Clone returns a deep-enough copy safe to mutate independently.
func (l ArgumentList) Clone() ArgumentList {
	out := make(ArgumentList, len(l))
	copy(out, l)
	return out
}

// Directive is a single @name(args...) annotation.
type Directive struct {
	Name      string
	Arguments ArgumentList
}

// DirectiveList is a canonically-ordered, comparable list of directives.
// Directive order on a selection is not observable either (the server-side
// directives the gateway cares about, @skip/@include/@defer, are idempotent
// with respect to order), so directives are sorted by name too.
type DirectiveList []Directive

// NewDirectiveList builds a DirectiveList in canonical order.
func NewDirectiveList(dirs []Directive) DirectiveList {
	out := make(DirectiveList, len(dirs))
	copy(out, dirs)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the first directive with name, if present.
func (l DirectiveList) Get(name string) (Directive, bool) {
	for _, d := range l {
		if d.Name == name {
			return d, true
		}
	}
	return Directive{}, false
}

// Has reports whether a directive named name is present.
func (l DirectiveList) Has(name string) bool {
	_, ok := l.Get(name)
	return ok
}

// Without returns a copy of l with every directive named name removed.
func (l DirectiveList) Without(name string) DirectiveList {
	out := make(DirectiveList, 0, len(l))
	for _, d := range l {
		if d.Name != name {
			out = append(out, d)
		}
	}
	return out
}

// Equal reports structural equality between two directive lists.
func (l DirectiveList) Equal(o DirectiveList) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if l[i].Name != o[i].Name || !l[i].Arguments.Equal(o[i].Arguments) {
			return false
		}
	}
	return true
}

// String renders the list canonically — sorted order, each directive as
// `@name(arg: value)` — so it can serve as the directives component of a
// SelectionKey: equal lists render equal, distinct conditions render
// distinct.
func (l DirectiveList) String() string {
	if len(l) == 0 {
		return ""
	}
	var b strings.Builder
	for i, d := range l {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte('@')
		b.WriteString(d.Name)
		if len(d.Arguments) > 0 {
			b.WriteByte('(')
			for j, a := range d.Arguments {
				if j > 0 {
					b.WriteString(", ")
				}
				b.WriteString(a.Name)
				b.WriteString(": ")
				b.WriteString(a.Value.String())
			}
			b.WriteByte(')')
		}
	}
	return b.String()
}

// Clone returns a copy safe to mutate independently (arguments too).
func (l DirectiveList) Clone() DirectiveList {
	out := make(DirectiveList, len(l))
	for i, d := range l {
		out[i] = Directive{Name: d.Name, Arguments: d.Arguments.Clone()}
	}
	return out
}
