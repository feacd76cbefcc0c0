package operation

import "testing"

func TestArgumentListCanonicalOrder(t *testing.T) {
	l := NewArgumentList([]Argument{
		{Name: "b", Value: StringValue("2")},
		{Name: "a", Value: StringValue("1")},
	})

	if l[0].Name != "a" || l[1].Name != "b" {
		t.Fatalf("expected canonical order a,b; got %v", l)
	}
}

func TestArgumentListEqualIgnoresInputOrder(t *testing.T) {
	a := NewArgumentList([]Argument{{Name: "x", Value: StringValue("1")}, {Name: "y", Value: StringValue("2")}})
	b := NewArgumentList([]Argument{{Name: "y", Value: StringValue("2")}, {Name: "x", Value: StringValue("1")}})

	if !a.Equal(b) {
		t.Fatalf("expected equal argument lists regardless of input order")
	}
}

func TestDirectiveListGetHas(t *testing.T) {
	l := NewDirectiveList([]Directive{
		{Name: "skip", Arguments: NewArgumentList([]Argument{{Name: "if", Value: VariableValue("cond")}})},
	})

	if !l.Has("skip") {
		t.Fatalf("expected Has(skip) true")
	}
	if l.Has("include") {
		t.Fatalf("expected Has(include) false")
	}

	d, ok := l.Get("skip")
	if !ok {
		t.Fatalf("expected Get(skip) ok")
	}
	ifArg, _ := d.Arguments.Get("if")
	if ifArg.Variable != "cond" {
		t.Fatalf("expected variable cond, got %q", ifArg.Variable)
	}
}

func TestDirectiveListWithout(t *testing.T) {
	l := NewDirectiveList([]Directive{{Name: "defer"}, {Name: "skip"}})
	out := l.Without("defer")
	if len(out) != 1 || out[0].Name != "skip" {
		t.Fatalf("expected only skip to remain, got %v", out)
	}
}
