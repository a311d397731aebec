package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vaultit/qvarn-mr/handlers"
	"github.com/vaultit/qvarn-mr/store"
)

// sameVersion reports whether resources is a single resource already
// stamped with version — the resync idempotence check shared by the map
// and reduce stages (§4.5 step 2, §4.6 step 2).
func sameVersion(version int, resources []store.Resource) bool {
	if len(resources) != 1 {
		return false
	}
	v, ok := toInt(resources[0][attrVersion])
	return ok && v == version
}

func idsOf(resources []store.Resource) []string {
	ids := make([]string, len(resources))
	for i, r := range resources {
		ids[i] = r.ID()
	}
	return ids
}

// normalizeMappedValue applies the spread rule common to mapped and reduced
// rows: a record value is spread with _mr_value=nil; anything else is
// wrapped under _mr_value (§4.5 step 6, §4.6 step 6).
func normalizeMappedValue(value any) store.Resource {
	if rec, ok := value.(store.Resource); ok {
		out := make(store.Resource, len(rec)+1)
		for k, v := range rec {
			out[k] = v
		}
		out[attrValue] = nil
		return out
	}
	return store.Resource{attrValue: value}
}

func (e *Engine) saveMapResults(ctx context.Context, target, sourceID, sourceType string, version int, results []any) (int, error) {
	n := 0
	for _, item := range results {
		pair, ok := item.(handlers.Pair)
		if !ok {
			return n, fmt.Errorf("engine: map handler for target %s must emit handlers.Pair values, got %T", target, item)
		}
		row := normalizeMappedValue(pair.Value)
		row[attrKey] = pair.Key
		row[attrSourceID] = sourceID
		row[attrSourceType] = sourceType
		row[attrDeleted] = false
		row[attrVersion] = version
		if _, err := e.Store.Create(ctx, target, row); err != nil {
			return n, fmt.Errorf("engine: create mapped row in %s: %w", target, err)
		}
		n++
	}
	return n, nil
}

// processMap implements the map stage for one notification against every
// (target, spec) pair whose source is the notification's resource type
// (§4.5).
func (e *Engine) processMap(ctx context.Context, n Notification, targets []handlers.TargetSpec, resync bool) (int, error) {
	switch n.ResourceChange {
	case Created, Updated:
		return e.processMapUpsert(ctx, n, targets, resync)
	case Deleted:
		return e.processMapDelete(ctx, n, targets)
	default:
		return 0, fmt.Errorf("engine: unknown resource change type %q", n.ResourceChange)
	}
}

func (e *Engine) processMapUpsert(ctx context.Context, n Notification, targets []handlers.TargetSpec, resync bool) (int, error) {
	resource, err := e.Store.Get(ctx, n.ResourceType, n.ResourceID)
	if err != nil {
		return 0, fmt.Errorf("engine: fetch source %s/%s: %w", n.ResourceType, n.ResourceID, err)
	}

	updated := 0
	hctx := &handlers.Context{Ctx: ctx, Store: e.Store, SourceType: n.ResourceType}

	for _, ts := range targets {
		start := time.Now()

		_, existing, err := e.Store.Search(ctx, store.Search{
			Type:  ts.Target,
			Query: map[string]any{attrSourceID: resource.ID()},
			Show:  []string{attrVersion},
		})
		if err != nil {
			return updated, fmt.Errorf("engine: search existing mapped rows in %s: %w", ts.Target, err)
		}

		if resync && sameVersion(ts.Spec.Version, existing) {
			continue
		}

		results, err := handlers.Run(ts.Spec.Handler, hctx, resource)
		if err != nil {
			return updated, fmt.Errorf("engine: map handler %s (%s<-%s): %w", ts.Spec.Name, ts.Target, n.ResourceType, err)
		}

		if err := e.Store.DeleteMultiple(ctx, ts.Target, idsOf(existing)); err != nil {
			return updated, fmt.Errorf("engine: clean existing mapped rows in %s: %w", ts.Target, err)
		}

		n2, err := e.saveMapResults(ctx, ts.Target, resource.ID(), n.ResourceType, ts.Spec.Version, results)
		updated += n2
		if err != nil {
			return updated, err
		}

		e.Metrics.HandlerDuration(ctx, "map", ts.Target, n.ResourceType, time.Since(start).Seconds())
	}
	return updated, nil
}

func (e *Engine) processMapDelete(ctx context.Context, n Notification, targets []handlers.TargetSpec) (int, error) {
	updated := 0
	for _, ts := range targets {
		ids, _, err := e.Store.Search(ctx, store.Search{
			Type:  ts.Target,
			Query: map[string]any{attrSourceID: n.ResourceID},
		})
		if err != nil {
			return updated, fmt.Errorf("engine: search mapped rows to tombstone in %s: %w", ts.Target, err)
		}
		resources, err := e.Store.GetMultiple(ctx, ts.Target, ids)
		if err != nil {
			return updated, fmt.Errorf("engine: load mapped rows to tombstone in %s: %w", ts.Target, err)
		}
		for _, r := range resources {
			r[attrDeleted] = true
			if _, err := e.Store.Update(ctx, ts.Target, r.ID(), r); err != nil {
				return updated, fmt.Errorf("engine: tombstone mapped row %s/%s: %w", ts.Target, r.ID(), err)
			}
			updated++
		}
	}
	return updated, nil
}

// sortByTimestampDesc sorts resources by _mr_timestamp, greatest first,
// used to pick a survivor among duplicate reduced rows (§4.6 step 1).
func sortByTimestampDesc(resources []store.Resource) {
	sort.SliceStable(resources, func(i, j int) bool {
		a, _ := toInt(resources[i][attrTimestamp])
		b, _ := toInt(resources[j][attrTimestamp])
		return a > b
	})
}
