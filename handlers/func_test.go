package handlers

import (
	"context"
	"reflect"
	"testing"

	"github.com/vaultit/qvarn-mr/store"
	"github.com/vaultit/qvarn-mr/storetest"
)

func TestRunNormalizesScalar(t *testing.T) {
	fn := func(_ *Context, value any) (any, error) { return 42, nil }
	out, err := Run(fn, &Context{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(out, []any{42}) {
		t.Errorf("got %v", out)
	}
}

func TestRunNormalizesPairSlice(t *testing.T) {
	fn := func(_ *Context, value any) (any, error) {
		return []Pair{{Key: "a", Value: 1}, {Key: "b", Value: 2}}, nil
	}
	out, err := Run(fn, &Context{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[0].(Pair).Key != "a" || out[1].(Pair).Key != "b" {
		t.Errorf("got %v", out)
	}
}

func TestRunDrainsIterator(t *testing.T) {
	items := []any{"x", "y", "z"}
	i := 0
	fn := func(_ *Context, value any) (any, error) {
		return Iterator(func() (any, bool) {
			if i >= len(items) {
				return nil, false
			}
			v := items[i]
			i++
			return v, true
		}), nil
	}
	out, err := Run(fn, &Context{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(out, []any{"x", "y", "z"}) {
		t.Errorf("got %v", out)
	}
}

func TestItem(t *testing.T) {
	fn := Item("key", "value")
	r := store.Resource{"key": "k1", "value": "v1"}
	out, err := fn(&Context{}, r)
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	pair := out.(Pair)
	if pair.Key != "k1" || pair.Value != "v1" {
		t.Errorf("got %+v", pair)
	}
}

func TestItemNoValueField(t *testing.T) {
	fn := Item("key", "")
	r := store.Resource{"key": "k1"}
	out, err := fn(&Context{}, r)
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	pair := out.(Pair)
	if pair.Value != nil {
		t.Errorf("expected nil value, got %v", pair.Value)
	}
}

func TestValueOfDefaultsToMrValue(t *testing.T) {
	fn := ValueOf("")
	r := store.Resource{"_mr_value": 7}
	out, err := fn(&Context{}, r)
	if err != nil {
		t.Fatalf("ValueOf: %v", err)
	}
	if out != 7 {
		t.Errorf("got %v", out)
	}
}

func TestJoinAccumulatesAcrossGroup(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()

	person, err := fake.Create(ctx, "person", store.Resource{"type": "person", "name": "Ada"})
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	org, err := fake.Create(ctx, "org", store.Resource{"type": "org", "title": "Acme"})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}

	row1, err := fake.Create(ctx, "mapped", store.Resource{
		"_mr_source_type": "person",
		"_mr_source_id":   person.ID(),
	})
	if err != nil {
		t.Fatalf("create row1: %v", err)
	}
	row2, err := fake.Create(ctx, "mapped", store.Resource{
		"_mr_source_type": "org",
		"_mr_source_id":   org.ID(),
	})
	if err != nil {
		t.Fatalf("create row2: %v", err)
	}

	fn := Join(FieldMapping{
		"person": {"name": ""},
		"org":    {"title": "company"},
	})
	hctx := &Context{Ctx: ctx, Store: fake, SourceType: "mapped"}
	out, err := fn(hctx, []any{row1.ID(), row2.ID()})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	result := out.(store.Resource)
	if result["name"] != "Ada" || result["company"] != "Acme" {
		t.Errorf("got %+v", result)
	}
}

func TestJoinRejectsNonGroupValue(t *testing.T) {
	fn := Join(FieldMapping{})
	out, err := fn(&Context{}, store.Resource{"_mr_source_type": "x"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if out != nil {
		t.Errorf("expected nil for a non-[]any value, got %v", out)
	}
}
