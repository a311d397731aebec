// Package resync replays every map or reduce handler whose declared
// version differs from its last-completed version record, so a handler
// code change takes effect across every resource already in the store
// instead of only new notifications (§4.8, ported from qvarnmr/resync.py).
package resync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/vaultit/qvarn-mr/engine"
	"github.com/vaultit/qvarn-mr/handlers"
	"github.com/vaultit/qvarn-mr/metrics"
	"github.com/vaultit/qvarn-mr/store"
)

const (
	// DefaultChunkSize is how many map notifications or reduce keys are
	// replayed per engine call before control is handed back to the caller.
	DefaultChunkSize = 100
	// batchLoadSize bounds how many mapped rows are loaded at once while
	// enumerating distinct keys — the store's projected search can time out
	// against a large table, so ids are paged and loaded in bulk instead.
	batchLoadSize = 1000

	versionRecordType = "qvarnmr_handlers"
)

// Driver owns the persisted handler-version bookkeeping and chunked replay
// loop described in §4.8.
type Driver struct {
	Store     store.Client
	Instance  string
	ChunkSize int

	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// New returns a Driver with DefaultChunkSize and the default logger.
func New(client store.Client, instance string) *Driver {
	return &Driver{
		Store:     client,
		Instance:  instance,
		ChunkSize: DefaultChunkSize,
		Logger:    slog.Default(),
	}
}

type changedHandler struct {
	Target string
	Source string
	Spec   handlers.Spec
}

// Run replays every changed map handler, then every changed reduce
// handler, advancing each one's version record only once its full replay
// completes. onChunk runs after every chunk (map or reduce); the worker
// loop uses it to drain and process live notifications between chunks so a
// long resync doesn't starve the steady-state loop (§4.9 step 5). onChunk
// may be nil for a standalone one-shot resync.
func (d *Driver) Run(ctx context.Context, eng *engine.Engine, topo handlers.Topology, onChunk func(context.Context) error) error {
	chunkSize := d.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	if err := d.resyncMapHandlers(ctx, eng, topo, chunkSize, onChunk); err != nil {
		return err
	}
	// Reduce handlers are resynced independently of map handlers: process_changes
	// already runs the reduce stage for any notification whose type is itself a
	// reduce source, but a synthetic map-resync notification's type is the raw
	// map source, never the reduce source, so map resync alone never re-triggers
	// a stale reduce handler.
	return d.resyncReduceHandlers(ctx, eng, topo, chunkSize, onChunk)
}

func (d *Driver) resyncMapHandlers(ctx context.Context, eng *engine.Engine, topo handlers.Topology, chunkSize int, onChunk func(context.Context) error) error {
	changed, err := iterChangedHandlers(ctx, d.Store, d.Instance, topo, handlers.Map)
	if err != nil {
		return err
	}

	for _, ch := range changed {
		d.Logger.Info("full map resync", "source", ch.Source, "target", ch.Target,
			"handler", ch.Spec.Name, "version", ch.Spec.Version)
		start := time.Now()

		changes, err := iterMapResyncChanges(ctx, d.Store, ch.Source)
		if err != nil {
			return err
		}
		for _, chunk := range chunkNotifications(changes, chunkSize) {
			if _, err := eng.ProcessChanges(ctx, chunk, true); err != nil {
				return fmt.Errorf("resync: map resync %s<-%s: %w", ch.Target, ch.Source, err)
			}
			d.Metrics.ResyncChunk(ctx, ch.Target, ch.Source)
			if onChunk != nil {
				if err := onChunk(ctx); err != nil {
					return err
				}
			}
		}

		// Update handler version only when full resync is successfully done.
		if err := updateHandlerVersion(ctx, d.Store, d.Instance, ch.Target, ch.Source, ch.Spec.Version); err != nil {
			return err
		}
		d.Logger.Info("done full map resync", "source", ch.Source, "target", ch.Target,
			"handler", ch.Spec.Name, "version", ch.Spec.Version, "time", time.Since(start))
	}
	return nil
}

func (d *Driver) resyncReduceHandlers(ctx context.Context, eng *engine.Engine, topo handlers.Topology, chunkSize int, onChunk func(context.Context) error) error {
	changed, err := iterChangedHandlers(ctx, d.Store, d.Instance, topo, handlers.Reduce)
	if err != nil {
		return err
	}

	for _, ch := range changed {
		d.Logger.Info("full reduce resync", "source", ch.Source, "target", ch.Target,
			"handler", ch.Spec.Name, "version", ch.Spec.Version)
		start := time.Now()

		keys, err := iterReduceResyncKeys(ctx, d.Store, ch.Source)
		if err != nil {
			return err
		}
		for _, batch := range chunkAny(keys, chunkSize) {
			for _, key := range batch {
				if err := eng.ResyncReduce(ctx, ch.Source, key, ch.Target, ch.Spec); err != nil {
					return fmt.Errorf("resync: reduce resync %s<-%s key=%v: %w", ch.Target, ch.Source, key, err)
				}
			}
			d.Metrics.ResyncChunk(ctx, ch.Target, ch.Source)
			if onChunk != nil {
				if err := onChunk(ctx); err != nil {
					return err
				}
			}
		}

		if err := updateHandlerVersion(ctx, d.Store, d.Instance, ch.Target, ch.Source, ch.Spec.Version); err != nil {
			return err
		}
		d.Logger.Info("done full reduce resync", "source", ch.Source, "target", ch.Target,
			"handler", ch.Spec.Name, "version", ch.Spec.Version, "time", time.Since(start))
	}
	return nil
}

// iterChangedHandlers walks topo in a deterministic (target, source) order
// and yields every handler of handlerType whose persisted version record is
// missing or stale.
func iterChangedHandlers(ctx context.Context, client store.Client, instance string, topo handlers.Topology, handlerType handlers.Type) ([]changedHandler, error) {
	targets := make([]string, 0, len(topo))
	for target := range topo {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	var out []changedHandler
	for _, target := range targets {
		sources := make([]string, 0, len(topo[target]))
		for source := range topo[target] {
			sources = append(sources, source)
		}
		sort.Strings(sources)

		for _, source := range sources {
			spec := topo[target][source]
			if spec.Type != handlerType {
				continue
			}
			state, err := client.SearchOne(ctx, store.Search{
				Type:  versionRecordType,
				Query: map[string]any{"instance": instance, "target": target, "source": source},
			}, nil, true)
			if err != nil {
				return nil, fmt.Errorf("resync: look up handler version for %s<-%s: %w", target, source, err)
			}
			if state == nil {
				out = append(out, changedHandler{Target: target, Source: source, Spec: spec})
				continue
			}
			version, _ := toInt(state["version"])
			if version != spec.Version {
				out = append(out, changedHandler{Target: target, Source: source, Spec: spec})
			}
		}
	}
	return out, nil
}

func updateHandlerVersion(ctx context.Context, client store.Client, instance, target, source string, version int) error {
	state, err := client.SearchOne(ctx, store.Search{
		Type:  versionRecordType,
		Query: map[string]any{"instance": instance, "target": target, "source": source},
	}, nil, true)
	if err != nil {
		return fmt.Errorf("resync: look up handler version record for %s<-%s: %w", target, source, err)
	}

	record := store.Resource{"instance": instance, "target": target, "source": source, "version": version}
	if state == nil {
		if _, err := client.Create(ctx, versionRecordType, record); err != nil {
			return fmt.Errorf("resync: create handler version record for %s<-%s: %w", target, source, err)
		}
		return nil
	}
	record["revision"] = state.Revision()
	if _, err := client.Update(ctx, versionRecordType, state.ID(), record); err != nil {
		return fmt.Errorf("resync: update handler version record for %s<-%s: %w", target, source, err)
	}
	return nil
}

func iterMapResyncChanges(ctx context.Context, client store.Client, sourceType string) ([]engine.Notification, error) {
	ids, err := client.GetList(ctx, sourceType)
	if err != nil {
		return nil, fmt.Errorf("resync: list ids for %s: %w", sourceType, err)
	}
	out := make([]engine.Notification, len(ids))
	for i, id := range ids {
		out[i] = engine.Notification{
			ResourceType:   sourceType,
			ResourceChange: engine.Updated,
			ResourceID:     id,
			Generated:      true,
		}
	}
	return out, nil
}

// iterReduceResyncKeys enumerates every distinct _mr_key value currently
// present in sourceType. It fetches ids first and loads full resources in
// bounded batches rather than trusting a single projected search, since the
// store's projection path can time out against a large table (§4.8 step 2).
func iterReduceResyncKeys(ctx context.Context, client store.Client, sourceType string) ([]any, error) {
	ids, _, err := client.Search(ctx, store.Search{Type: sourceType})
	if err != nil {
		return nil, fmt.Errorf("resync: list mapped ids in %s: %w", sourceType, err)
	}

	seen := map[string]bool{}
	var keys []any
	for _, batch := range chunkStrings(ids, batchLoadSize) {
		resources, err := client.GetMultiple(ctx, sourceType, batch)
		if err != nil {
			return nil, fmt.Errorf("resync: load mapped rows from %s: %w", sourceType, err)
		}
		for _, r := range resources {
			key := r["_mr_key"]
			token := fmt.Sprintf("%v", key)
			if seen[token] {
				continue
			}
			seen[token] = true
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func chunkStrings(items []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

func chunkNotifications(items []engine.Notification, size int) [][]engine.Notification {
	var out [][]engine.Notification
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

func chunkAny(items []any, size int) [][]any {
	var out [][]any
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}
