package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vaultit/qvarn-mr/handlers"
	"github.com/vaultit/qvarn-mr/metrics"
	"github.com/vaultit/qvarn-mr/store"
)

// Lifecycle events an Engine emits after each unit of work, so a lease
// manager can refresh its keep-alive timestamp during a long-running
// process_changes call (§4.3, §4.7 "Callbacks").
const (
	EventMapHandlerProcessed    = "map_handler_processed"
	EventReduceHandlerProcessed = "reduce_handler_processed"
)

// Engine orchestrates the map and reduce stages over a batch of
// notifications, with bounded retries and lifecycle callbacks (§4.7).
type Engine struct {
	Store    store.Client
	Topology handlers.Topology
	Tables   handlers.Tables

	// RaiseErrors propagates handler and store failures to the caller
	// instead of absorbing them into the retry policy. Intended for tests.
	RaiseErrors bool

	Metrics *metrics.Recorder
	Logger  *slog.Logger

	mu        sync.Mutex
	callbacks map[string][]func()
	failed    map[string]FailedNotification
}

// New builds an Engine from a validated Topology.
func New(client store.Client, topo handlers.Topology) *Engine {
	return &Engine{
		Store:     client,
		Topology:  topo,
		Tables:    handlers.BuildTables(topo),
		Logger:    slog.Default(),
		callbacks: map[string][]func(){},
		failed:    map[string]FailedNotification{},
	}
}

// AddCallback registers fn to run under event: EventMapHandlerProcessed
// fires after every map-stage notification, EventReduceHandlerProcessed
// after every reduce-stage (source_type, key) group.
func (e *Engine) AddCallback(event string, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks[event] = append(e.callbacks[event], fn)
}

func (e *Engine) runCallbacks(event string) {
	e.mu.Lock()
	fns := append([]func(){}, e.callbacks[event]...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// reduceChange pairs a notification enqueued for the reduce phase with its
// derived group key.
type reduceChange struct {
	sourceType string
	key        any
	groupKey   string
	notif      Notification
}

// ProcessChanges runs both stages over changes and returns how many were
// fully processed (acked). Failures are absorbed into the retry policy
// unless RaiseErrors is set, in which case the first error aborts the call
// (§4.7).
func (e *Engine) ProcessChanges(ctx context.Context, changes []Notification, resync bool) (int, error) {
	start := time.Now()
	e.Logger.Info("processing changes", "resync", resync, "count", len(changes))

	filtered := e.filterRetries(changes)

	mapped, reduceChanges, err := e.processMapHandlers(ctx, filtered, resync)
	if err != nil {
		return mapped, err
	}

	reduced, err := e.processReduceHandlers(ctx, reduceChanges, resync)
	if err != nil {
		return mapped + reduced, err
	}

	e.Logger.Info("done processing changes",
		"resync", resync, "mapped", mapped, "reduced", reduced, "time", time.Since(start))
	return mapped + reduced, nil
}

// filterRetries applies the in-memory backoff policy keyed by
// notification_id: retries=0 waits >=0.25s, retries=1 waits >=1.5s,
// retries>1 gives up and acks the notification (§4.7 "Retry policy").
func (e *Engine) filterRetries(changes []Notification) []Notification {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	out := make([]Notification, 0, len(changes))
	for _, n := range changes {
		failure, isFailed := e.failed[n.NotificationID]
		if !isFailed {
			out = append(out, n)
			continue
		}

		elapsed := now.Sub(failure.ProcessedAt)
		switch {
		case failure.Retries == 0 && elapsed < 250*time.Millisecond:
			continue
		case failure.Retries == 1 && elapsed < 1500*time.Millisecond:
			continue
		case failure.Retries > 1:
			delete(e.failed, n.NotificationID)
			e.ackLocked(n)
			continue
		}
		out = append(out, n)
	}
	return out
}

// ackLocked deletes n's notification from the store (unless generated).
// Callers must hold e.mu.
func (e *Engine) ackLocked(n Notification) {
	if n.Generated {
		return
	}
	if err := e.Store.AckNotification(context.Background(), n.ResourceType, n.ListenerID, n.NotificationID); err != nil {
		e.Logger.Warn("failed to ack notification during retry give-up", "error", err)
	}
}

func (e *Engine) reportSuccess(notifications []Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range notifications {
		delete(e.failed, n.NotificationID)
		if n.Generated {
			continue
		}
		if err := e.Store.AckNotification(context.Background(), n.ResourceType, n.ListenerID, n.NotificationID); err != nil {
			e.Logger.Warn("failed to ack notification", "error", err)
		}
	}
}

func (e *Engine) reportError(notifications []Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range notifications {
		existing, ok := e.failed[n.NotificationID]
		if !ok {
			e.failed[n.NotificationID] = FailedNotification{Notification: n, Retries: 0, ProcessedAt: time.Now()}
			continue
		}
		if existing.Retries > 1 {
			delete(e.failed, n.NotificationID)
			e.ackLocked(n)
			continue
		}
		e.failed[n.NotificationID] = FailedNotification{
			Notification: n,
			Retries:      existing.Retries + 1,
			ProcessedAt:  existing.ProcessedAt,
		}
	}
}

// processMapHandlers runs the map stage over every notification, deferring
// reduce-source notifications for grouped processing in the reduce phase
// (§4.7 step 1).
func (e *Engine) processMapHandlers(ctx context.Context, changes []Notification, resync bool) (int, []reduceChange, error) {
	processed := 0
	var reduceChanges []reduceChange

	for _, n := range changes {
		targets := e.Tables.Mappers[n.ResourceType]
		if len(targets) > 0 {
			if _, err := e.processMap(ctx, n, targets, resync); err != nil {
				e.Logger.Error("error processing map handlers", "resource_type", n.ResourceType,
					"change", n.ResourceChange, "resource_id", n.ResourceID, "error", err)
				e.reportError([]Notification{n})
				e.Metrics.NotificationFailed(ctx, "map")
				if e.RaiseErrors {
					return processed, reduceChanges, err
				}
				e.runCallbacks(EventMapHandlerProcessed)
				continue
			}
		}

		shouldReduce := e.Tables.ReduceSources[n.ResourceType] && n.ResourceChange != Deleted
		if shouldReduce {
			mapped, err := e.Store.SearchOne(ctx, store.Search{
				Type:  n.ResourceType,
				Query: map[string]any{"id": n.ResourceID},
				Show:  []string{attrKey},
			}, store.NotFoundDefault, true)
			if err != nil {
				e.Logger.Error("error looking up mapped key for reduce", "resource_type", n.ResourceType,
					"resource_id", n.ResourceID, "error", err)
				e.reportError([]Notification{n})
				e.Metrics.NotificationFailed(ctx, "map")
				if e.RaiseErrors {
					return processed, reduceChanges, err
				}
			} else if mapped == nil {
				e.Logger.Warn("mapped resource referenced by notification not found, may have been "+
					"deleted or not yet replicated", "resource_type", n.ResourceType, "resource_id", n.ResourceID)
				e.reportError([]Notification{n})
				e.Metrics.NotificationFailed(ctx, "map")
			} else {
				key := mapped[attrKey]
				reduceChanges = append(reduceChanges, reduceChange{
					sourceType: n.ResourceType,
					key:        key,
					groupKey:   fmt.Sprintf("%s\x00%v", n.ResourceType, key),
					notif:      n,
				})
			}
		} else {
			e.reportSuccess([]Notification{n})
			e.Metrics.NotificationProcessed(ctx, "map")
			processed++
		}

		e.runCallbacks(EventMapHandlerProcessed)
	}
	return processed, reduceChanges, nil
}

// processReduceHandlers groups queued changes by (source_type, key) and
// runs the reduce stage once per group (§4.6, §4.7 step 2).
func (e *Engine) processReduceHandlers(ctx context.Context, changes []reduceChange, resync bool) (int, error) {
	processed := 0

	sort.SliceStable(changes, func(i, j int) bool { return changes[i].groupKey < changes[j].groupKey })

	i := 0
	for i < len(changes) {
		j := i
		for j < len(changes) && changes[j].groupKey == changes[i].groupKey {
			j++
		}
		group := changes[i:j]
		i = j

		sourceType := group[0].sourceType
		key := group[0].key
		targets := e.Tables.Reducers[sourceType]

		notifs := make([]Notification, len(group))
		for k, g := range group {
			notifs[k] = g.notif
		}

		err := e.processReduce(ctx, sourceType, key, targets, resync)
		switch {
		case err == nil:
			e.reportSuccess(notifs)
			e.Metrics.NotificationProcessed(ctx, "reduce")
			processed += len(notifs)
		case isVersionSkew(err):
			e.Logger.Debug("incompatible mapped resource versions for key", "source_type", sourceType, "key", key)
			e.reportError(notifs)
			e.Metrics.NotificationFailed(ctx, "reduce")
			for _, ts := range targets {
				e.Metrics.VersionSkew(ctx, ts.Target, sourceType)
			}
		default:
			e.Logger.Error("error processing reduce handlers", "source_type", sourceType, "key", key, "error", err)
			e.reportError(notifs)
			e.Metrics.NotificationFailed(ctx, "reduce")
			if e.RaiseErrors {
				return processed, err
			}
		}

		e.runCallbacks(EventReduceHandlerProcessed)
	}
	return processed, nil
}

func isVersionSkew(err error) bool {
	_, ok := err.(*VersionSkewError)
	return ok
}
