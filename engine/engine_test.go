package engine_test

import (
	"context"
	"testing"

	"github.com/vaultit/qvarn-mr/engine"
	"github.com/vaultit/qvarn-mr/handlers"
	"github.com/vaultit/qvarn-mr/store"
	"github.com/vaultit/qvarn-mr/storetest"
)

func sumReduce(_ *handlers.Context, value any) (any, error) {
	values, _ := value.([]any)
	total := 0
	for _, v := range values {
		n, _ := v.(int)
		total += n
	}
	return total, nil
}

func sumTopology() handlers.Topology {
	return handlers.Topology{
		"mapped": {
			"source": handlers.Spec{Type: handlers.Map, Version: 1, Name: "item", Handler: handlers.Item("key", "value")},
		},
		"reduced": {
			"mapped": handlers.Spec{Type: handlers.Reduce, Version: 1, Name: "sum", Handler: sumReduce, Map: handlers.ValueOf("")},
		},
	}
}

// drain pulls every pending (non-generated) notification for sourceType off
// fake's listener, the way listeners.FetchNotifications would, without
// pulling in the listeners package (which itself depends on engine).
func drain(t *testing.T, fake *storetest.Fake, sourceType, listenerID string) []engine.Notification {
	t.Helper()
	ctx := context.Background()
	ids, err := fake.ListNotificationIDs(ctx, sourceType, listenerID)
	if err != nil {
		t.Fatalf("ListNotificationIDs(%s): %v", sourceType, err)
	}
	var out []engine.Notification
	for _, id := range ids {
		n, err := fake.GetNotification(ctx, sourceType, listenerID, id)
		if err != nil {
			t.Fatalf("GetNotification(%s, %s): %v", sourceType, id, err)
		}
		change, _ := n["resource_change"].(string)
		resourceID, _ := n["resource_id"].(string)
		out = append(out, engine.Notification{
			ResourceType:   sourceType,
			ResourceChange: change,
			ResourceID:     resourceID,
			NotificationID: n.ID(),
			ListenerID:     listenerID,
		})
	}
	return out
}

type fixture struct {
	fake              *storetest.Fake
	eng               *engine.Engine
	sourceListenerID  string
	mappedListenerID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	fake := storetest.New()

	sourceListener, err := fake.CreateListener(ctx, "source")
	if err != nil {
		t.Fatalf("CreateListener(source): %v", err)
	}
	mappedListener, err := fake.CreateListener(ctx, "mapped")
	if err != nil {
		t.Fatalf("CreateListener(mapped): %v", err)
	}

	eng := engine.New(fake, sumTopology())
	eng.RaiseErrors = true

	return &fixture{
		fake:             fake,
		eng:              eng,
		sourceListenerID: sourceListener.ID(),
		mappedListenerID: mappedListener.ID(),
	}
}

func (f *fixture) process(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	changes := drain(t, f.fake, "source", f.sourceListenerID)
	changes = append(changes, drain(t, f.fake, "mapped", f.mappedListenerID)...)
	if _, err := f.eng.ProcessChanges(ctx, changes, false); err != nil {
		t.Fatalf("ProcessChanges: %v", err)
	}
}

func (f *fixture) reducedRows(t *testing.T) []store.Resource {
	t.Helper()
	_, rows, err := f.fake.Search(context.Background(), store.Search{Type: "reduced", ShowAll: true})
	if err != nil {
		t.Fatalf("search reduced: %v", err)
	}
	return rows
}

func (f *fixture) mappedRows(t *testing.T) []store.Resource {
	t.Helper()
	_, rows, err := f.fake.Search(context.Background(), store.Search{Type: "mapped", ShowAll: true})
	if err != nil {
		t.Fatalf("search mapped: %v", err)
	}
	return rows
}

func TestSumReduce(t *testing.T) { // S1
	f := newFixture(t)
	ctx := context.Background()

	for _, v := range []int{1, 2, 3} {
		if _, err := f.fake.Create(ctx, "source", store.Resource{"key": 1, "value": v}); err != nil {
			t.Fatalf("create source: %v", err)
		}
	}

	f.process(t) // runs the map handler for the 3 new sources
	f.process(t) // picks up the 3 new mapped rows' notifications and reduces

	reduced := f.reducedRows(t)
	if len(reduced) != 1 {
		t.Fatalf("expected 1 reduced row, got %d: %+v", len(reduced), reduced)
	}
	if reduced[0]["_mr_key"] != 1 {
		t.Errorf("expected _mr_key=1, got %v", reduced[0]["_mr_key"])
	}
	if reduced[0]["_mr_value"] != 6 {
		t.Errorf("expected _mr_value=6, got %v", reduced[0]["_mr_value"])
	}
}

func TestUpdatePropagation(t *testing.T) { // S2
	f := newFixture(t)
	ctx := context.Background()

	var sources []store.Resource
	for _, v := range []int{1, 2, 3} {
		r, err := f.fake.Create(ctx, "source", store.Resource{"key": 1, "value": v})
		if err != nil {
			t.Fatalf("create source: %v", err)
		}
		sources = append(sources, r)
	}
	f.process(t) // runs the map handler for the 3 new sources; no reduced row yet

	sources[0]["value"] = 2
	sources[1]["value"] = 5
	if _, err := f.fake.Update(ctx, "source", sources[0].ID(), sources[0]); err != nil {
		t.Fatalf("update source[0]: %v", err)
	}
	if _, err := f.fake.Update(ctx, "source", sources[1].ID(), sources[1]); err != nil {
		t.Fatalf("update source[1]: %v", err)
	}
	f.process(t) // reruns the map handler for both updated sources
	f.process(t) // picks up the regenerated mapped rows' notifications and reduces

	// third source is untouched at 3, so the total is 2+5+3.
	reduced := f.reducedRows(t)
	if len(reduced) != 1 {
		t.Fatalf("expected 1 reduced row, got %d", len(reduced))
	}
	if reduced[0]["_mr_value"] != 10 {
		t.Errorf("expected _mr_value=10, got %v", reduced[0]["_mr_value"])
	}
}

func TestDeletePropagation(t *testing.T) { // S3
	f := newFixture(t)
	ctx := context.Background()

	var sources []store.Resource
	for _, v := range []int{2, 2, 5} {
		r, err := f.fake.Create(ctx, "source", store.Resource{"key": 1, "value": v})
		if err != nil {
			t.Fatalf("create source: %v", err)
		}
		sources = append(sources, r)
	}
	f.process(t)

	if err := f.fake.Delete(ctx, "source", sources[2].ID()); err != nil {
		t.Fatalf("delete source[2]: %v", err)
	}
	// Process the DELETED notification (tombstones the mapped row, which
	// itself generates an UPDATED notification on "mapped") together with
	// the three pending CREATED notifications on "mapped": reduce recomputes
	// the key from the two live rows and the deletion sweep removes the
	// tombstoned mapped row.
	f.process(t)
	// Process the follow-on UPDATED and DELETED notifications for the
	// tombstoned row, which is already gone, so the result is unchanged.
	f.process(t)

	reduced := f.reducedRows(t)
	if len(reduced) != 1 {
		t.Fatalf("expected 1 reduced row, got %d", len(reduced))
	}
	if reduced[0]["_mr_value"] != 4 {
		t.Errorf("expected _mr_value=4, got %v", reduced[0]["_mr_value"])
	}

	mapped := f.mappedRows(t)
	if len(mapped) != 2 {
		t.Errorf("expected 2 mapped rows to remain, got %d", len(mapped))
	}
}

func TestHandlerVersionBump(t *testing.T) { // S4
	f := newFixture(t)
	ctx := context.Background()

	for _, v := range []int{1, 2, 3} {
		if _, err := f.fake.Create(ctx, "source", store.Resource{"key": 1, "value": v}); err != nil {
			t.Fatalf("create source: %v", err)
		}
	}
	f.process(t)

	doubling := func(_ *handlers.Context, value any) (any, error) {
		r, _ := value.(store.Resource)
		v, _ := r["value"].(int)
		return handlers.Pair{Key: r["key"], Value: v * 2}, nil
	}
	topo := sumTopology()
	spec := topo["mapped"]["source"]
	spec.Version = 2
	spec.Handler = doubling
	topo["mapped"]["source"] = spec

	f.eng = engine.New(f.fake, topo)
	f.eng.RaiseErrors = true

	// A full resync replays every source id as a synthetic UPDATED
	// notification in resync mode.
	ids, err := f.fake.GetList(ctx, "source")
	if err != nil {
		t.Fatalf("GetList(source): %v", err)
	}
	var changes []engine.Notification
	for _, id := range ids {
		changes = append(changes, engine.Notification{
			ResourceType: "source", ResourceChange: engine.Updated, ResourceID: id, Generated: true,
		})
	}
	if _, err := f.eng.ProcessChanges(ctx, changes, true); err != nil {
		t.Fatalf("ProcessChanges (map resync): %v", err)
	}

	// Reduce resync: synthesize one group record per distinct key by
	// replaying every mapped row as a synthetic UPDATED notification.
	mappedIDs, err := f.fake.GetList(ctx, "mapped")
	if err != nil {
		t.Fatalf("GetList(mapped): %v", err)
	}
	var mappedChanges []engine.Notification
	for _, id := range mappedIDs {
		mappedChanges = append(mappedChanges, engine.Notification{
			ResourceType: "mapped", ResourceChange: engine.Updated, ResourceID: id, Generated: true,
		})
	}
	if _, err := f.eng.ProcessChanges(ctx, mappedChanges, true); err != nil {
		t.Fatalf("ProcessChanges (reduce resync): %v", err)
	}

	reduced := f.reducedRows(t)
	if len(reduced) != 1 {
		t.Fatalf("expected 1 reduced row, got %d", len(reduced))
	}
	if reduced[0]["_mr_value"] != 12 {
		t.Errorf("expected _mr_value=12, got %v", reduced[0]["_mr_value"])
	}

	for _, r := range f.mappedRows(t) {
		if r["_mr_version"] != 2 {
			t.Errorf("expected all mapped rows at version 2, got %v", r["_mr_version"])
		}
	}
}

func TestDuplicateReducedRowSurvivorSelection(t *testing.T) { // S6
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.fake.Create(ctx, "source", store.Resource{"key": 1, "value": 7}); err != nil {
		t.Fatalf("create source: %v", err)
	}
	f.process(t) // runs the map handler
	f.process(t) // picks up the new mapped row's notification and reduces, giving a real row with value 7

	// Preinsert a second, stale reduced row for the same key with an older timestamp.
	if _, err := f.fake.Create(ctx, "reduced", store.Resource{
		"_mr_key": 1, "_mr_value": 999, "_mr_version": 1, "_mr_timestamp": 1,
	}); err != nil {
		t.Fatalf("create stale reduced row: %v", err)
	}

	rows := f.reducedRows(t)
	if len(rows) != 2 {
		t.Fatalf("expected 2 reduced rows before the next cycle, got %d", len(rows))
	}

	// Touch the source again so the map stage reruns and regenerates its
	// mapped row, which in turn re-triggers reduce for the key.
	r, _ := f.fake.Get(ctx, "source", mustFirstID(t, f.fake, "source"))
	if _, err := f.fake.Update(ctx, "source", r.ID(), r); err != nil {
		t.Fatalf("touch source: %v", err)
	}
	f.process(t) // reruns the map handler, replacing the mapped row
	f.process(t) // picks up the regenerated mapped row's notification and reduces

	rows = f.reducedRows(t)
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 surviving reduced row, got %d: %+v", len(rows), rows)
	}
	if rows[0]["_mr_value"] != 7 {
		t.Errorf("expected surviving row's value to reflect the current reducer output, got %v", rows[0]["_mr_value"])
	}
}

func mustFirstID(t *testing.T, fake *storetest.Fake, typ string) string {
	t.Helper()
	ids, err := fake.GetList(context.Background(), typ)
	if err != nil || len(ids) == 0 {
		t.Fatalf("GetList(%s): %v (ids=%v)", typ, err, ids)
	}
	return ids[0]
}

func TestProcessChangesNoopOnEmpty(t *testing.T) {
	f := newFixture(t)
	if n, err := f.eng.ProcessChanges(context.Background(), nil, false); err != nil || n != 0 {
		t.Fatalf("expected no-op on empty changes, got n=%d err=%v", n, err)
	}
}
