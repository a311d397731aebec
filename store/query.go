package store

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// criterion is one decoded (method, field, value) query term.
type criterion struct {
	method string
	field  string
	value  any
}

// buildCriteria decodes a Search.Query map into a sorted list of
// (method, field, value) criteria, splitting "field__method" keys the way
// the original search() call does, defaulting to "exact" when no "__"
// appears. Sorting by (method, field) before encoding keeps query string
// construction deterministic across map iteration order, matching the
// original's `for method, field, value in sorted(criteria)`.
func buildCriteria(query map[string]any) ([]criterion, error) {
	criteria := make([]criterion, 0, len(query))
	for key, value := range query {
		field, method, ok := strings.Cut(key, "__")
		if !ok {
			field, method = key, "exact"
		}
		if field == "" || method == "" {
			return nil, fmt.Errorf("store: invalid search query key %q", key)
		}
		criteria = append(criteria, criterion{method: method, field: field, value: value})
	}
	sort.Slice(criteria, func(i, j int) bool {
		if criteria[i].method != criteria[j].method {
			return criteria[i].method < criteria[j].method
		}
		return criteria[i].field < criteria[j].field
	})
	return criteria, nil
}

// queryParams renders criteria as repeated "method.field=value" query
// string components, one per scalar or per slice element, preserving the
// "a field may appear multiple times with different values" (AND-of-ORs)
// semantics for slice/array values.
func queryParams(criteria []criterion) ([][2]string, error) {
	var params [][2]string
	for _, c := range criteria {
		values, err := scalarValues(c.value)
		if err != nil {
			return nil, fmt.Errorf("store: field %q: %w", c.field, err)
		}
		for _, v := range values {
			params = append(params, [2]string{c.method + "." + c.field, v})
		}
	}
	return params, nil
}

func scalarValues(value any) ([]string, error) {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return []string{fmt.Sprintf("%v", value)}, nil
		}
		out := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = fmt.Sprintf("%v", rv.Index(i).Interface())
		}
		return out, nil
	default:
		return []string{fmt.Sprintf("%v", value)}, nil
	}
}
