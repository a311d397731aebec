package handlers

import (
	"context"

	"github.com/vaultit/qvarn-mr/store"
)

// Context carries the store handle and the source resource type currently
// being processed, available to every handler call (§4.2).
type Context struct {
	Ctx        context.Context
	Store      store.Client
	SourceType string
}

// context returns the call's context.Context, defaulting to Background so
// handlers built without one (e.g. in tests) don't need a nil check.
func (c *Context) context() context.Context {
	if c == nil || c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}

// Pair is a (key, value) result emitted by a map handler. A Value that is a
// store.Resource is spread into the mapped row's fields instead of being
// stored under _mr_value (§3's "when value is a record, set _mr_value=null
// and spread fields").
type Pair struct {
	Key   any
	Value any
}

// Iterator is the Go-native analogue of a Python generator: Next returns
// the next value and true, or a zero value and false once exhausted. A
// handler that wants to stream output rather than build a slice upfront
// returns one of these.
type Iterator func() (value any, ok bool)

// HandlerFunc is a handler function. It receives the current Context and a
// value — a single source resource for map handlers, a single mapped
// resource for a reduce spec's pre-reduce transform (called once per row),
// or a []any for reduce handlers (the transformed values, or the group's
// mapped row ids when the spec has no transform) — and returns a raw,
// unnormalized result.
//
// Unlike the source's plain-callable-or-bound-callable distinction (which
// existed to let Python capture extra arguments into a callable), a Go
// HandlerFunc is just a closure: call-time arguments are captured lexically
// by whoever builds the closure, so no separate "bound handler" type is
// needed. Context is always passed; a handler that ignores it simply
// doesn't reference the parameter.
type HandlerFunc func(ctx *Context, value any) (any, error)

// Run calls fn and normalizes its result into a slice, fully materializing
// any Iterator (§4.2: "if a handler returns a non-iterable, treat it as a
// one-element sequence; if it returns an iterator, pass it through" — here
// "pass it through" means drain it into the same slice shape, since map's
// caller needs the full output materialized in memory before it deletes
// prior rows, §4.5 step 4).
func Run(fn HandlerFunc, ctx *Context, value any) ([]any, error) {
	result, err := fn(ctx, value)
	if err != nil {
		return nil, err
	}
	return normalize(result), nil
}

func normalize(result any) []any {
	switch v := result.(type) {
	case Iterator:
		var out []any
		for {
			item, ok := v()
			if !ok {
				break
			}
			out = append(out, item)
		}
		return out
	case []any:
		return v
	case []Pair:
		out := make([]any, len(v))
		for i, p := range v {
			out[i] = p
		}
		return out
	default:
		return []any{result}
	}
}
