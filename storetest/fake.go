// Package storetest provides an in-memory fake implementing store.Client,
// sized to exactly what the engine, handlers, listeners, and resync
// packages exercise: CRUD, Django-ORM-style exact-match search, and
// listener/notification sub-resources that are generated automatically
// whenever a watched resource type changes.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/vaultit/qvarn-mr/store"
)

type notification struct {
	id             string
	resourceType   string
	resourceChange string
	resourceID     string
}

type listener struct {
	id            string
	sourceType    string
	notifications []notification
}

// Fake is an in-memory store.Client. The zero value is not usable; use New.
type Fake struct {
	mu         sync.Mutex
	resources  map[string]map[string]store.Resource
	revisions  map[string]int
	listeners  map[string]*listener // keyed by source type
	notifySeq  int
	forceError map[string]error // type -> error, for fault injection in tests
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		resources: map[string]map[string]store.Resource{},
		revisions: map[string]int{},
		listeners: map[string]*listener{},
	}
}

// InjectError makes every operation against resourceType fail with err until cleared.
func (f *Fake) InjectError(resourceType string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forceError == nil {
		f.forceError = map[string]error{}
	}
	if err == nil {
		delete(f.forceError, resourceType)
		return
	}
	f.forceError[resourceType] = err
}

func (f *Fake) checkInjected(typ string) error {
	if err, ok := f.forceError[typ]; ok {
		return err
	}
	return nil
}

func (f *Fake) typeMap(typ string) map[string]store.Resource {
	m, ok := f.resources[typ]
	if !ok {
		m = map[string]store.Resource{}
		f.resources[typ] = m
	}
	return m
}

func clone(r store.Resource) store.Resource {
	out := make(store.Resource, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (f *Fake) notify(typ, change, id string) {
	l, ok := f.listeners[typ]
	if !ok {
		return
	}
	f.notifySeq++
	l.notifications = append(l.notifications, notification{
		id:             "notif-" + strconv.Itoa(f.notifySeq),
		resourceType:   typ,
		resourceChange: change,
		resourceID:     id,
	})
}

func (f *Fake) Get(_ context.Context, typ, id string, subresources ...string) (store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInjected(typ); err != nil {
		return nil, err
	}
	r, ok := f.typeMap(typ)[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrNotFound, typ, id)
	}
	return clone(r), nil
}

func (f *Fake) GetList(_ context.Context, typ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInjected(typ); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(f.typeMap(typ)))
	for id := range f.typeMap(typ) {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *Fake) GetMultiple(ctx context.Context, typ string, ids []string) ([]store.Resource, error) {
	out := make([]store.Resource, 0, len(ids))
	for _, id := range ids {
		r, err := f.Get(ctx, typ, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *Fake) GetVersion(context.Context) (store.Resource, error) {
	return store.Resource{"implementation": store.Resource{"name": "storetest", "version": "fake"}}, nil
}

func (f *Fake) Create(_ context.Context, typ string, payload store.Resource) (store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInjected(typ); err != nil {
		return nil, err
	}
	r := clone(payload)
	id := uuid.NewString()
	r["id"] = id
	f.revisions[typ+"/"+id] = 1
	r["revision"] = revisionString(1)
	f.typeMap(typ)[id] = r
	f.notify(typ, "created", id)
	return clone(r), nil
}

func (f *Fake) Update(_ context.Context, typ, id string, payload store.Resource) (store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInjected(typ); err != nil {
		return nil, err
	}
	existing, ok := f.typeMap(typ)[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrNotFound, typ, id)
	}
	if payload.Revision() != "" && payload.Revision() != existing.Revision() {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrConflict, typ, id)
	}
	r := clone(payload)
	r["id"] = id
	next := f.revisions[typ+"/"+id] + 1
	f.revisions[typ+"/"+id] = next
	r["revision"] = revisionString(next)
	f.typeMap(typ)[id] = r
	f.notify(typ, "updated", id)
	return clone(r), nil
}

func (f *Fake) Delete(_ context.Context, typ, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInjected(typ); err != nil {
		return err
	}
	if _, ok := f.typeMap(typ)[id]; !ok {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, typ, id)
	}
	delete(f.typeMap(typ), id)
	f.notify(typ, "deleted", id)
	return nil
}

func (f *Fake) DeleteMultiple(ctx context.Context, typ string, ids []string) error {
	for _, id := range ids {
		if err := f.Delete(ctx, typ, id); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) Search(_ context.Context, q store.Search) ([]string, []store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInjected(q.Type); err != nil {
		return nil, nil, err
	}

	var matched []store.Resource
	for _, r := range f.typeMap(q.Type) {
		if matchesQuery(r, q.Query) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID() < matched[j].ID() })

	if q.ShowAll || len(q.Show) > 0 {
		resources := make([]store.Resource, len(matched))
		for i, r := range matched {
			if q.ShowAll {
				resources[i] = clone(r)
				continue
			}
			projected := store.Resource{"id": r.ID()}
			for _, field := range q.Show {
				if v, ok := r[field]; ok {
					projected[field] = v
				}
			}
			resources[i] = projected
		}
		return nil, resources, nil
	}

	ids := make([]string, len(matched))
	for i, r := range matched {
		ids[i] = r.ID()
	}
	return ids, nil, nil
}

func (f *Fake) SearchOne(ctx context.Context, q store.Search, dflt store.Resource, hasDefault bool) (store.Resource, error) {
	ids, resources, err := f.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	count := len(ids)
	if resources != nil {
		count = len(resources)
	}
	switch {
	case count == 0:
		if hasDefault {
			return dflt, nil
		}
		return nil, fmt.Errorf("%w: %s with query %v was not found", store.ErrNotFound, q.Type, q.Query)
	case count > 1:
		return nil, fmt.Errorf("%w: %s with query %v", store.ErrMultipleFound, q.Type, q.Query)
	}
	if resources != nil {
		return resources[0], nil
	}
	return f.Get(ctx, q.Type, ids[0])
}

func (f *Fake) StatusCheck(_ context.Context, types []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, typ := range types {
		if err := f.checkInjected(typ); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) CreateListener(_ context.Context, sourceType string) (store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	listenerType := sourceType + "/listeners"
	if l, ok := f.listeners[sourceType]; ok {
		return clone(f.typeMap(listenerType)[l.id]), nil
	}
	l := &listener{id: uuid.NewString(), sourceType: sourceType}
	f.listeners[sourceType] = l
	res := store.Resource{"id": l.id, "notify_of_new": true, "listen_on_all": true}
	f.typeMap(listenerType)[l.id] = res
	return clone(res), nil
}

func (f *Fake) ListNotificationIDs(_ context.Context, sourceType, listenerID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listeners[sourceType]
	if !ok || l.id != listenerID {
		return nil, fmt.Errorf("%w: listener %s/%s", store.ErrNotFound, sourceType, listenerID)
	}
	ids := make([]string, len(l.notifications))
	for i, n := range l.notifications {
		ids[i] = n.id
	}
	return ids, nil
}

func (f *Fake) GetNotification(_ context.Context, sourceType, listenerID, notificationID string) (store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listeners[sourceType]
	if !ok || l.id != listenerID {
		return nil, fmt.Errorf("%w: listener %s/%s", store.ErrNotFound, sourceType, listenerID)
	}
	for _, n := range l.notifications {
		if n.id == notificationID {
			return store.Resource{
				"id":              n.id,
				"resource_type":   n.resourceType,
				"resource_change": n.resourceChange,
				"resource_id":     n.resourceID,
				"listener_id":     listenerID,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: notification %s", store.ErrNotFound, notificationID)
}

func (f *Fake) AckNotification(_ context.Context, sourceType, listenerID, notificationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listeners[sourceType]
	if !ok || l.id != listenerID {
		return fmt.Errorf("%w: listener %s/%s", store.ErrNotFound, sourceType, listenerID)
	}
	for i, n := range l.notifications {
		if n.id == notificationID {
			l.notifications = append(l.notifications[:i], l.notifications[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: notification %s", store.ErrNotFound, notificationID)
}

func revisionString(n int) string {
	return "rev-" + strconv.Itoa(n)
}

// matchesQuery applies the same "field__method=value" decoding as the real
// client's search encoder, but evaluates it directly against in-memory
// resources instead of building a query string. Only "exact" is meaningfully
// different from other methods for this fake; any method falls back to
// string equality, which is sufficient for the engine's own queries (all of
// which use __exact).
func matchesQuery(r store.Resource, query map[string]any) bool {
	for key, value := range query {
		field := key
		if idx := indexSep(key); idx >= 0 {
			field = key[:idx]
		}
		if !fieldMatches(r[field], value) {
			return false
		}
	}
	return true
}

func indexSep(key string) int {
	for i := 0; i+1 < len(key); i++ {
		if key[i] == '_' && key[i+1] == '_' {
			return i
		}
	}
	return -1
}

func fieldMatches(fieldValue, want any) bool {
	switch w := want.(type) {
	case []string:
		for _, v := range w {
			if fmt.Sprintf("%v", fieldValue) == v {
				return true
			}
		}
		return false
	case []any:
		for _, v := range w {
			if fmt.Sprintf("%v", fieldValue) == fmt.Sprintf("%v", v) {
				return true
			}
		}
		return false
	default:
		return fmt.Sprintf("%v", fieldValue) == fmt.Sprintf("%v", want)
	}
}
