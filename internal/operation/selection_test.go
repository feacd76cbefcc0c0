package operation

import "testing"

func TestSelectionMapMergesFieldsWithSameResponseKey(t *testing.T) {
	m := NewSelectionMap()
	m.Add(&Field{Name: "product", Alias: "product", SelectionSet: SelectionSet{
		&Field{Name: "id", Alias: "id"},
	}})
	m.Add(&Field{Name: "product", Alias: "product", SelectionSet: SelectionSet{
		&Field{Name: "name", Alias: "name"},
	}})

	set := m.SelectionSet()
	if len(set) != 1 {
		t.Fatalf("expected merge into a single selection, got %d", len(set))
	}
	f := set[0].(*Field)
	if len(f.SelectionSet) != 2 {
		t.Fatalf("expected merged sub-selection of 2 fields, got %d", len(f.SelectionSet))
	}
}

func TestSelectionMapKeepsDistinctInlineFragmentsByTypeCondition(t *testing.T) {
	m := NewSelectionMap()
	m.Add(&InlineFragment{TypeCondition: "Cat", SelectionSet: SelectionSet{&Field{Name: "meow", Alias: "meow"}}})
	m.Add(&InlineFragment{TypeCondition: "Dog", SelectionSet: SelectionSet{&Field{Name: "bark", Alias: "bark"}}})

	set := m.SelectionSet()
	if len(set) != 2 {
		t.Fatalf("expected two distinct inline fragments, got %d", len(set))
	}
}

func TestSelectionMapKeepsFieldsWithDifferentConditions(t *testing.T) {
	m := NewSelectionMap()
	m.Add(&Field{Name: "price", Alias: "price", Directives: NewDirectiveList([]Directive{
		{Name: "include", Arguments: NewArgumentList([]Argument{{Name: "if", Value: VariableValue("a")}})},
	})})
	m.Add(&Field{Name: "price", Alias: "price", Directives: NewDirectiveList([]Directive{
		{Name: "skip", Arguments: NewArgumentList([]Argument{{Name: "if", Value: VariableValue("a")}})},
	})})

	set := m.SelectionSet()
	if len(set) != 2 {
		t.Fatalf("expected differently-conditioned fields kept distinct, got %d", len(set))
	}
}

func TestSelectionMapKeepsSameKeyFieldsWithDifferentArguments(t *testing.T) {
	m := NewSelectionMap()
	m.Add(&Field{Name: "foo", Alias: "foo", Arguments: NewArgumentList([]Argument{{Name: "x", Value: Value{Kind: KindInt, Scalar: "1"}}})})
	m.Add(&Field{Name: "foo", Alias: "foo", Arguments: NewArgumentList([]Argument{{Name: "x", Value: Value{Kind: KindInt, Scalar: "2"}}})})

	set := m.SelectionSet()
	if len(set) != 2 {
		t.Fatalf("expected non-merging same-key fields both preserved, got %d", len(set))
	}
}

func TestSelectionMapNeverMergesDeferredFragments(t *testing.T) {
	m := NewSelectionMap()
	deferDirs := NewDirectiveList([]Directive{{Name: "defer"}})
	m.Add(&InlineFragment{TypeCondition: "Cat", Directives: deferDirs, SelectionID: NextSelectionID(),
		SelectionSet: SelectionSet{&Field{Name: "meow", Alias: "meow"}}})
	m.Add(&InlineFragment{TypeCondition: "Cat", Directives: deferDirs, SelectionID: NextSelectionID(),
		SelectionSet: SelectionSet{&Field{Name: "purr", Alias: "purr"}}})

	set := m.SelectionSet()
	if len(set) != 2 {
		t.Fatalf("expected two @defer'd fragments kept distinct, got %d", len(set))
	}
}

func TestFieldConditionsFromSkipInclude(t *testing.T) {
	f := &Field{
		Name:  "x",
		Alias: "x",
		Directives: NewDirectiveList([]Directive{
			{Name: "skip", Arguments: NewArgumentList([]Argument{{Name: "if", Value: VariableValue("a")}})},
		}),
	}
	conds := f.Conditions()
	if len(conds) != 1 || conds[0] != "skip:$a" {
		t.Fatalf("unexpected conditions: %v", conds)
	}
}

func TestFieldConditionsLiteralSkipTrueIsAlwaysExcluded(t *testing.T) {
	f := &Field{
		Name:  "x",
		Alias: "x",
		Directives: NewDirectiveList([]Directive{
			{Name: "skip", Arguments: NewArgumentList([]Argument{{Name: "if", Value: Value{Kind: KindBoolean, Scalar: "true"}}})},
		}),
	}
	conds := f.Conditions()
	if len(conds) != 1 || conds[0] != "skip:true" {
		t.Fatalf("unexpected conditions: %v", conds)
	}
}

func TestSelectionSetConditions(t *testing.T) {
	skipA := NewDirectiveList([]Directive{
		{Name: "skip", Arguments: NewArgumentList([]Argument{{Name: "if", Value: VariableValue("a")}})},
	})

	empty := SelectionSet{}
	if got := empty.Conditions(); len(got) != 1 || got[0] != "false" {
		t.Fatalf("expected false for an empty set, got %v", got)
	}

	shared := SelectionSet{
		&Field{Name: "x", Alias: "x", Directives: skipA},
		&Field{Name: "y", Alias: "y", Directives: skipA},
	}
	if got := shared.Conditions(); len(got) != 1 || got[0] != "skip:$a" {
		t.Fatalf("expected the shared condition, got %v", got)
	}

	disagreeing := SelectionSet{
		&Field{Name: "x", Alias: "x", Directives: skipA},
		&Field{Name: "y", Alias: "y"},
	}
	if got := disagreeing.Conditions(); len(got) != 1 || got[0] != "true" {
		t.Fatalf("expected true when selections disagree, got %v", got)
	}
}

func TestAddAtPathCreatesIntermediateFields(t *testing.T) {
	set := AddAtPath(nil, Path{"product", "details"}, &Field{Name: "sku", Alias: "sku"})

	if len(set) != 1 {
		t.Fatalf("expected single root field, got %d", len(set))
	}
	root := set[0].(*Field)
	if root.Name != "product" {
		t.Fatalf("expected root field product, got %s", root.Name)
	}
	details := root.SelectionSet[0].(*Field)
	if details.Name != "details" {
		t.Fatalf("expected nested field details, got %s", details.Name)
	}
	if details.SelectionSet[0].(*Field).Name != "sku" {
		t.Fatalf("expected leaf field sku")
	}
}
