package resync_test

import (
	"context"
	"testing"

	"github.com/vaultit/qvarn-mr/engine"
	"github.com/vaultit/qvarn-mr/handlers"
	"github.com/vaultit/qvarn-mr/resync"
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

func TestRunResyncsFreshTopologyAndRecordsVersions(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	for _, v := range []int{1, 2, 3} {
		if _, err := fake.Create(ctx, "source", store.Resource{"key": 1, "value": v}); err != nil {
			t.Fatalf("create source: %v", err)
		}
	}

	topo := sumTopology()
	eng := engine.New(fake, topo)
	eng.RaiseErrors = true

	d := resync.New(fake, "worker-a")
	d.ChunkSize = 2

	chunks := 0
	if err := d.Run(ctx, eng, topo, func(context.Context) error {
		chunks++
		return nil
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// 3 source ids chunked by 2 -> 2 map chunks, plus 1 distinct key -> 1 reduce chunk.
	if chunks != 3 {
		t.Errorf("expected 3 onChunk calls, got %d", chunks)
	}

	_, reduced, err := fake.Search(ctx, store.Search{Type: "reduced", ShowAll: true})
	if err != nil {
		t.Fatalf("search reduced: %v", err)
	}
	if len(reduced) != 1 || reduced[0]["_mr_value"] != 6 {
		t.Fatalf("expected one reduced row with value 6, got %+v", reduced)
	}

	mapVersion, err := fake.SearchOne(ctx, store.Search{
		Type: "qvarnmr_handlers", Query: map[string]any{"target": "mapped", "source": "source"},
	}, nil, true)
	if err != nil {
		t.Fatalf("search map version record: %v", err)
	}
	if mapVersion == nil || mapVersion["version"] != 1 || mapVersion["instance"] != "worker-a" {
		t.Errorf("expected map handler version record, got %+v", mapVersion)
	}

	reduceVersion, err := fake.SearchOne(ctx, store.Search{
		Type: "qvarnmr_handlers", Query: map[string]any{"target": "reduced", "source": "mapped"},
	}, nil, true)
	if err != nil {
		t.Fatalf("search reduce version record: %v", err)
	}
	if reduceVersion == nil || reduceVersion["version"] != 1 {
		t.Errorf("expected reduce handler version record, got %+v", reduceVersion)
	}
}

func TestRunIsNoopWhenVersionsAreCurrent(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	topo := sumTopology()

	if _, err := fake.Create(ctx, "qvarnmr_handlers", store.Resource{
		"instance": "worker-a", "target": "mapped", "source": "source", "version": 1,
	}); err != nil {
		t.Fatalf("seed map version record: %v", err)
	}
	if _, err := fake.Create(ctx, "qvarnmr_handlers", store.Resource{
		"instance": "worker-a", "target": "reduced", "source": "mapped", "version": 1,
	}); err != nil {
		t.Fatalf("seed reduce version record: %v", err)
	}

	eng := engine.New(fake, topo)
	eng.RaiseErrors = true
	d := resync.New(fake, "worker-a")

	calls := 0
	if err := d.Run(ctx, eng, topo, func(context.Context) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no resync chunks when versions are current, got %d", calls)
	}
}

func TestRunResyncsOnlyTheChangedHandler(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	topo := sumTopology()

	if _, err := fake.Create(ctx, "source", store.Resource{"key": 1, "value": 10}); err != nil {
		t.Fatalf("create source: %v", err)
	}

	// Map handler already resynced at the current version; only the reduce
	// handler's version record is stale.
	if _, err := fake.Create(ctx, "qvarnmr_handlers", store.Resource{
		"instance": "worker-a", "target": "mapped", "source": "source", "version": 1,
	}); err != nil {
		t.Fatalf("seed map version record: %v", err)
	}
	if _, err := fake.Create(ctx, "qvarnmr_handlers", store.Resource{
		"instance": "worker-a", "target": "reduced", "source": "mapped", "version": 0,
	}); err != nil {
		t.Fatalf("seed stale reduce version record: %v", err)
	}

	// The map handler's resync is skipped, so the mapped row is only present
	// because we create it directly here, standing in for one left over from
	// a previous run.
	if _, err := fake.Create(ctx, "mapped", store.Resource{
		"_mr_key": 1, "_mr_value": 10, "_mr_source_id": "whatever", "_mr_source_type": "source",
		"_mr_version": 1, "_mr_deleted": false,
	}); err != nil {
		t.Fatalf("seed mapped row: %v", err)
	}

	eng := engine.New(fake, topo)
	eng.RaiseErrors = true
	d := resync.New(fake, "worker-a")

	if err := d.Run(ctx, eng, topo, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	_, reduced, err := fake.Search(ctx, store.Search{Type: "reduced", ShowAll: true})
	if err != nil {
		t.Fatalf("search reduced: %v", err)
	}
	if len(reduced) != 1 || reduced[0]["_mr_value"] != 10 {
		t.Fatalf("expected one reduced row with value 10, got %+v", reduced)
	}
}
