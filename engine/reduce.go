package engine

import (
	"fmt"
	"time"

	"context"

	"github.com/vaultit/qvarn-mr/handlers"
	"github.com/vaultit/qvarn-mr/store"
)

// getAndEnsureSingleResource enforces R1: if more than one reduced row
// exists for a key, the one with the greatest _mr_timestamp survives and
// the rest are deleted before reduce runs (§4.6 step 1).
func (e *Engine) getAndEnsureSingleResource(ctx context.Context, target string, key any) (store.Resource, error) {
	_, resources, err := e.Store.Search(ctx, store.Search{
		Type:    target,
		Query:   map[string]any{attrKey: key},
		ShowAll: true,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: search reduced rows in %s for key %v: %w", target, key, err)
	}
	if len(resources) > 1 {
		sortByTimestampDesc(resources)
		if err := e.Store.DeleteMultiple(ctx, target, idsOf(resources[1:])); err != nil {
			return nil, fmt.Errorf("engine: clean duplicate reduced rows in %s: %w", target, err)
		}
	}
	if len(resources) > 0 {
		return resources[0], nil
	}
	return nil, nil
}

// iterReduceResourceIds enumerates the live (non-tombstoned) mapped row ids
// for key, checking that every row's _mr_version matches the map handler
// currently registered for its source type. A mismatch means resync
// hasn't yet caught every row up to the running handler version, so the
// reduce must wait (§4.6 step 3).
func (e *Engine) iterReduceResourceIds(ctx context.Context, sourceType string, key any, mapSpecs map[string]handlers.Spec) ([]string, error) {
	_, resources, err := e.Store.Search(ctx, store.Search{
		Type:  sourceType,
		Query: map[string]any{attrKey: key},
		Show:  []string{attrSourceType, attrVersion, attrDeleted},
	})
	if err != nil {
		return nil, fmt.Errorf("engine: search mapped rows in %s for key %v: %w", sourceType, key, err)
	}

	var ids []string
	for _, r := range resources {
		if deleted, _ := r[attrDeleted].(bool); deleted {
			continue
		}
		st, _ := r[attrSourceType].(string)
		spec, ok := mapSpecs[st]
		if !ok {
			continue
		}
		version, _ := toInt(r[attrVersion])
		if spec.Version != version {
			return nil, &VersionSkewError{Key: key}
		}
		ids = append(ids, r.ID())
	}
	return ids, nil
}

// mapReduceResources loads the full mapped rows named by ids and pipes
// each through the reduce spec's pre-reduce transform (§4.6 step 4).
func (e *Engine) mapReduceResources(ctx context.Context, hctx *handlers.Context, sourceType string, ids []string, transform handlers.HandlerFunc) ([]any, error) {
	resources, err := e.Store.GetMultiple(ctx, sourceType, ids)
	if err != nil {
		return nil, fmt.Errorf("engine: load mapped rows from %s: %w", sourceType, err)
	}
	var out []any
	for _, r := range resources {
		values, err := handlers.Run(transform, hctx, r)
		if err != nil {
			return nil, fmt.Errorf("engine: pre-reduce transform: %w", err)
		}
		out = append(out, values...)
	}
	return out, nil
}

func (e *Engine) saveReduceResult(ctx context.Context, target string, existing store.Resource, key any, version int, value any) error {
	doc := normalizeMappedValue(value)
	doc[attrKey] = key
	doc[attrVersion] = version
	doc[attrTimestamp] = time.Now().UnixNano()

	if existing == nil {
		if _, err := e.Store.Create(ctx, target, doc); err != nil {
			return fmt.Errorf("engine: create reduced row in %s: %w", target, err)
		}
		return nil
	}
	doc["revision"] = existing.Revision()
	if _, err := e.Store.Update(ctx, target, existing.ID(), doc); err != nil {
		return fmt.Errorf("engine: update reduced row %s/%s: %w", target, existing.ID(), err)
	}
	return nil
}

// ResyncReduce runs the reduce stage for exactly one (target, source) pair
// and key, bypassing the grouped live-notification path. The resync driver
// already knows which keys need recomputing, so it calls this directly
// instead of going through ProcessChanges (§4.8 step 2).
func (e *Engine) ResyncReduce(ctx context.Context, sourceType string, key any, target string, spec handlers.Spec) error {
	return e.processReduce(ctx, sourceType, key, []handlers.TargetSpec{{Target: target, Spec: spec}}, true)
}

// processReduce implements the reduce stage for one (source_type, key)
// group against every reduce spec registered for that source (§4.6).
func (e *Engine) processReduce(ctx context.Context, sourceType string, key any, targets []handlers.TargetSpec, resync bool) error {
	mapSpecs := e.Topology[sourceType]
	hctx := &handlers.Context{Ctx: ctx, Store: e.Store, SourceType: sourceType}

	for _, ts := range targets {
		start := time.Now()

		existing, err := e.getAndEnsureSingleResource(ctx, ts.Target, key)
		if err != nil {
			return err
		}

		if resync && existing != nil && sameVersion(ts.Spec.Version, []store.Resource{existing}) {
			continue
		}

		ids, err := e.iterReduceResourceIds(ctx, sourceType, key, mapSpecs)
		if err != nil {
			return err
		}

		var values []any
		if ts.Spec.Map != nil {
			values, err = e.mapReduceResources(ctx, hctx, sourceType, ids, ts.Spec.Map)
			if err != nil {
				return err
			}
		} else {
			values = make([]any, len(ids))
			for i, id := range ids {
				values[i] = id
			}
		}

		if existing != nil && len(values) == 0 {
			if err := e.Store.Delete(ctx, ts.Target, existing.ID()); err != nil {
				return fmt.Errorf("engine: delete reduced row with no remaining mapped rows %s/%s: %w",
					ts.Target, existing.ID(), err)
			}
			continue
		}

		results, err := handlers.Run(ts.Spec.Handler, hctx, values)
		if err != nil {
			return fmt.Errorf("engine: reduce handler %s (%s<-%s): %w", ts.Spec.Name, ts.Target, sourceType, err)
		}
		var value any
		if len(results) > 0 {
			value = results[0]
		}

		if err := e.saveReduceResult(ctx, ts.Target, existing, key, ts.Spec.Version, value); err != nil {
			return err
		}

		e.Metrics.HandlerDuration(ctx, "reduce", ts.Target, sourceType, time.Since(start).Seconds())
	}

	// Deletion sweep: once reduce has observed the key, tombstoned mapped
	// rows can finally be removed (§4.6 step 7, completes invariant I2).
	ids, _, err := e.Store.Search(ctx, store.Search{
		Type:  sourceType,
		Query: map[string]any{attrKey: key, attrDeleted: true},
	})
	if err != nil {
		return fmt.Errorf("engine: search tombstoned mapped rows in %s: %w", sourceType, err)
	}
	for _, id := range ids {
		if err := e.Store.Delete(ctx, sourceType, id); err != nil {
			return fmt.Errorf("engine: delete tombstoned mapped row %s/%s: %w", sourceType, id, err)
		}
	}
	return nil
}
