package handlers

import "github.com/vaultit/qvarn-mr/store"

// Item returns a map handler that emits one Pair per resource, projecting
// keyField as the key and valueField (if given) as the value. With no
// valueField the pair's value is nil, so the full resource document isn't
// duplicated into the mapped row — ported from func.py's item().
func Item(keyField, valueField string) HandlerFunc {
	return func(_ *Context, value any) (any, error) {
		r, ok := value.(store.Resource)
		if !ok {
			return nil, nil
		}
		if valueField == "" {
			return Pair{Key: r[keyField], Value: nil}, nil
		}
		return Pair{Key: r[keyField], Value: r[valueField]}, nil
	}
}

// ValueOf returns a pre-reduce transform that projects a single field
// (defaulting to "_mr_value") out of each mapped resource, ported from
// func.py's value().
func ValueOf(field string) HandlerFunc {
	if field == "" {
		field = "_mr_value"
	}
	return func(_ *Context, value any) (any, error) {
		r, ok := value.(store.Resource)
		if !ok {
			return nil, nil
		}
		return r[field], nil
	}
}

// FieldMapping describes, for one source document type, which of its
// fields to copy into a joined result and under what result key ("" keeps
// the field's own name).
type FieldMapping map[string]map[string]string

// Join returns a reduce handler (a Spec.Handler, used with Spec.Map left
// nil so the reduce stage passes it the group's own mapped row ids) that
// loads every mapped row in the group, follows each one's
// _mr_source_type/_mr_source_id back to the original source document, and
// copies fields named in mapping (keyed by the source document's own
// "type") into one result accumulated across the whole group — ported from
// func.py's join(), which folds every resource in the group into a single
// result dict the same way.
func Join(mapping FieldMapping) HandlerFunc {
	return func(ctx *Context, value any) (any, error) {
		ids, ok := value.([]any)
		if !ok {
			return nil, nil
		}
		mappedIDs := make([]string, 0, len(ids))
		for _, id := range ids {
			if s, ok := id.(string); ok {
				mappedIDs = append(mappedIDs, s)
			}
		}
		if len(mappedIDs) == 0 {
			return store.Resource{}, nil
		}

		mapped, err := ctx.Store.GetMultiple(ctx.context(), ctx.SourceType, mappedIDs)
		if err != nil {
			return nil, err
		}

		result := store.Resource{}
		for _, row := range mapped {
			sourceType, _ := row["_mr_source_type"].(string)
			sourceID, _ := row["_mr_source_id"].(string)
			if sourceType == "" || sourceID == "" {
				continue
			}
			source, err := ctx.Store.Get(ctx.context(), sourceType, sourceID)
			if err != nil {
				return nil, err
			}
			docType, _ := source["type"].(string)
			for field, renameTo := range mapping[docType] {
				name := renameTo
				if name == "" {
					name = field
				}
				result[name] = source[field]
			}
		}
		return result, nil
	}
}
