// Package store declares the external document-store contract the engine
// is built against: resource CRUD, Django-ORM-style search, listener
// sub-resources, and the error taxonomy the store's HTTP status codes map
// to. It also ships one concrete, thin HTTP implementation behind the same
// Client interface storetest's in-memory fake satisfies for tests.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Resource is a single store document. Like the original QvarnResultDict,
// it is a thin map wrapper with a couple of convenience accessors for
// filtering its list fields (GetOne, GetMultiple).
type Resource map[string]any

// ID returns the "id" field, or "" if absent.
func (r Resource) ID() string {
	v, _ := r["id"].(string)
	return v
}

// Revision returns the "revision" field, or "" if absent.
func (r Resource) Revision() string {
	v, _ := r["revision"].(string)
	return v
}

// GetOne returns the single element of the list field named by key whose
// entries all match filters, failing if zero or more than one match.
func (r Resource) GetOne(key string, filters map[string]any) (Resource, error) {
	items, err := r.GetMultiple(key, filters)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("store: no items found for key %q", key)
	}
	if len(items) > 1 {
		return nil, fmt.Errorf("store: multiple items found for key %q", key)
	}
	return items[0], nil
}

// GetMultiple returns every element of the list field named by key that
// matches filters (an exact-equality AND of each filter entry).
func (r Resource) GetMultiple(key string, filters map[string]any) ([]Resource, error) {
	raw, ok := r[key].([]any)
	if !ok {
		return nil, nil
	}
	var out []Resource
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		res := Resource(m)
		if matches(res, filters) {
			out = append(out, res)
		}
	}
	return out, nil
}

func matches(item Resource, filters map[string]any) bool {
	for k, v := range filters {
		if item[k] != v {
			return false
		}
	}
	return true
}

// Errors returned by Client implementations. Callers distinguish them with
// errors.Is; a concrete implementation wraps the underlying transport error
// with fmt.Errorf("...: %w", ErrX).
var (
	// ErrNotFound corresponds to a 404 response.
	ErrNotFound = errors.New("store: resource not found")
	// ErrConflict corresponds to a 409 response: the payload's revision was stale.
	ErrConflict = errors.New("store: conflict (stale revision)")
	// ErrUnauthorized corresponds to a 401/403 response.
	ErrUnauthorized = errors.New("store: unauthorized")
	// ErrMultipleFound is returned by SearchOne when more than one resource matches.
	ErrMultipleFound = errors.New("store: multiple resources matched")
	// ErrTransient wraps any other non-2xx response.
	ErrTransient = errors.New("store: transient error")
)

// NotFoundDefault is a nil Resource for use as SearchOne's default: with
// hasDefault true, a search that matches nothing returns it (nil) and no
// error. SearchOne returns ErrNotFound only when hasDefault is false.
var NotFoundDefault Resource

// Search describes a Django-ORM-style search query. Query maps
// "field__method" (or bare "field", meaning "field__exact") to either a
// scalar value or a slice of values. A slice means "this field must appear
// more than once, each occurrence matching one of these values" (the
// AND-of-ORs repeated-field encoding used for e.g. multiple `resource_id`
// entries in a contract's parties).
type Search struct {
	Type    string
	Query   map[string]any
	Show    []string
	ShowAll bool
}

// Client is the store contract the engine is built against.
type Client interface {
	Get(ctx context.Context, typ, id string, subresources ...string) (Resource, error)
	GetList(ctx context.Context, typ string) ([]string, error)
	GetMultiple(ctx context.Context, typ string, ids []string) ([]Resource, error)
	GetVersion(ctx context.Context) (Resource, error)
	Create(ctx context.Context, typ string, payload Resource) (Resource, error)
	Update(ctx context.Context, typ, id string, payload Resource) (Resource, error)
	Delete(ctx context.Context, typ, id string) error
	DeleteMultiple(ctx context.Context, typ string, ids []string) error
	Search(ctx context.Context, q Search) ([]string, []Resource, error)
	SearchOne(ctx context.Context, q Search, dflt Resource, hasDefault bool) (Resource, error)
	StatusCheck(ctx context.Context, types []string) error

	CreateListener(ctx context.Context, sourceType string) (Resource, error)
	ListNotificationIDs(ctx context.Context, sourceType, listenerID string) ([]string, error)
	GetNotification(ctx context.Context, sourceType, listenerID, notificationID string) (Resource, error)
	AckNotification(ctx context.Context, sourceType, listenerID, notificationID string) error
}
