// Package listeners implements the distributed listener-lease protocol: it
// creates the per-source notification subscription in the store, elects the
// active worker via a shared state record, refreshes a keep-alive
// timestamp, and releases ownership cleanly on exit (§4.3).
package listeners

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vaultit/qvarn-mr/handlers"
	"github.com/vaultit/qvarn-mr/metrics"
	"github.com/vaultit/qvarn-mr/store"
)

const (
	// DefaultInterval is how often a worker must refresh its own lease.
	DefaultInterval = 10 * time.Second
	// DefaultTimeout is how long a lease may go unrefreshed before another
	// worker is allowed to steal it.
	DefaultTimeout = 60 * time.Second

	timestampLayout = time.RFC3339Nano

	listenerResourceType = "qvarnmr_listeners"
)

// BusyError is raised when another worker holds an unexpired lease on a
// source type, ported from exceptions.py's BusyListenerError.
type BusyError struct {
	SourceType string
	Owner      string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("map/reduce engine is already running on %s", e.Owner)
}

// Signature identifies the current process as a lease owner, ported from
// get_worker_signature() ("{hostname}/{pid}").
func Signature() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d", host, os.Getpid())
}

// Listener pairs a source type's store listener sub-resource with its
// persisted lease state record.
type Listener struct {
	SourceType string
	Listener   store.Resource
	State      store.Resource
}

// Config configures a LeaseManager.
type Config struct {
	Instance string
	Interval time.Duration
	Timeout  time.Duration
}

// LeaseManager owns the lifecycle of listener leases for one engine
// instance: creation, keep-alive refresh with conflict detection, and
// release on exit.
type LeaseManager struct {
	store    store.Client
	instance string
	interval time.Duration
	timeout  time.Duration
	sig      string

	// cache holds the most recently read or written lease record per source
	// type, each entry expiring after interval. acquire and Refresh add to
	// it and clear removes from it; nothing reads it, and Refresh works from
	// the Listener's own State instead.
	cache *expirable.LRU[string, store.Resource]

	// Metrics records the observed lease age on every Refresh, when set.
	Metrics *metrics.Recorder
}

// New builds a LeaseManager. Zero Interval/Timeout fall back to the
// protocol defaults.
func New(client store.Client, cfg Config) *LeaseManager {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LeaseManager{
		store:    client,
		instance: cfg.Instance,
		interval: interval,
		timeout:  timeout,
		sig:      Signature(),
		cache:    expirable.NewLRU[string, store.Resource](256, nil, interval),
	}
}

// AcquireAll creates (or finds) one listener per distinct source type named
// anywhere in topo — a reduce's source is itself a mapped resource type
// that needs its own listener so the worker is notified when mapped rows
// change, exactly like a map handler's raw source (§4.3, ported from
// get_or_create_listeners, which likewise iterates every handler's source
// regardless of its type). Several targets sharing a source type still get
// a single listener.
func (m *LeaseManager) AcquireAll(ctx context.Context, topo handlers.Topology) ([]*Listener, error) {
	seen := map[string]bool{}
	var out []*Listener
	for _, sources := range topo {
		for sourceType := range sources {
			if seen[sourceType] {
				continue
			}
			seen[sourceType] = true
			l, err := m.acquire(ctx, sourceType)
			if err != nil {
				return nil, err
			}
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *LeaseManager) acquire(ctx context.Context, sourceType string) (*Listener, error) {
	state, err := m.store.SearchOne(ctx, store.Search{
		Type: listenerResourceType,
		Query: map[string]any{
			"instance":      m.instance,
			"resource_type": sourceType,
		},
	}, store.NotFoundDefault, true)
	if err != nil {
		return nil, fmt.Errorf("listeners: search existing lease for %s: %w", sourceType, err)
	}

	var listenerRes store.Resource
	if state == nil {
		listenerRes, err = m.store.CreateListener(ctx, sourceType)
		if err != nil {
			return nil, fmt.Errorf("listeners: create listener for %s: %w", sourceType, err)
		}
		state, err = m.store.Create(ctx, listenerResourceType, store.Resource{
			"instance":      m.instance,
			"resource_type": sourceType,
			"listener_id":   listenerRes.ID(),
			"timestamp":     nil,
			"owner":         nil,
		})
		if err != nil {
			return nil, fmt.Errorf("listeners: create lease record for %s: %w", sourceType, err)
		}
	} else {
		listenerID, _ := state["listener_id"].(string)
		listenerRes, err = m.store.Get(ctx, sourceType+"/listeners", listenerID)
		if err != nil {
			return nil, fmt.Errorf("listeners: get listener %s for %s: %w", listenerID, sourceType, err)
		}
	}

	m.cache.Add(sourceType, state)
	return &Listener{SourceType: sourceType, Listener: listenerRes, State: state}, nil
}

// RefreshAll runs Refresh over every listener, stopping at the first error
// (a Busy conflict aborts the whole worker, §4.3 step "abort with exit code
// 1 on Busy").
func (m *LeaseManager) RefreshAll(ctx context.Context, listeners []*Listener) error {
	for _, l := range listeners {
		if err := m.Refresh(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// Refresh implements the lease state machine (§4.3's table, ported from
// check_and_update_listeners_state): claim a null or self-owned lease,
// steal one that has timed out, or raise BusyError for one held by another
// live worker.
func (m *LeaseManager) Refresh(ctx context.Context, l *Listener) error {
	now := time.Now().UTC()
	state := l.State

	timestamp := parseTimestamp(state["timestamp"], now)

	if now.Sub(timestamp) >= m.timeout {
		fresh, err := m.store.Get(ctx, listenerResourceType, state.ID())
		if err != nil {
			return fmt.Errorf("listeners: refresh lease state for %s: %w", l.SourceType, err)
		}
		state = fresh
		timestamp = parseTimestamp(state["timestamp"], now)
	}

	m.Metrics.LeaseAge(ctx, l.SourceType, now.Sub(timestamp).Seconds())

	owner, _ := state["owner"].(string)
	if owner == "" {
		owner = m.sig
	}

	outdated := owner == m.sig && now.Sub(timestamp) > m.interval
	timedOut := owner != m.sig && now.Sub(timestamp) > m.timeout
	busy := owner != m.sig && now.Sub(timestamp) <= m.timeout

	switch {
	case outdated || timedOut || state["timestamp"] == nil || state["owner"] == nil:
		updated := cloneResource(state)
		updated["owner"] = m.sig
		updated["timestamp"] = now.Format(timestampLayout)
		next, err := m.store.Update(ctx, listenerResourceType, state.ID(), updated)
		if err != nil {
			return fmt.Errorf("listeners: update lease for %s: %w", l.SourceType, err)
		}
		l.State = next
		m.cache.Add(l.SourceType, next)
		return nil
	case busy:
		return &BusyError{SourceType: l.SourceType, Owner: owner}
	default:
		return nil
	}
}

// ClearAll releases ownership on every listener so the next worker does not
// have to wait for timeout (§4.3 step "on normal exit W sets owner=null").
// It makes a best effort: the first error is returned after attempting to
// clear every remaining listener.
func (m *LeaseManager) ClearAll(ctx context.Context, listeners []*Listener) error {
	var firstErr error
	for _, l := range listeners {
		if err := m.clear(ctx, l); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *LeaseManager) clear(ctx context.Context, l *Listener) error {
	state, err := m.store.Get(ctx, listenerResourceType, l.State.ID())
	if err != nil {
		return fmt.Errorf("listeners: get lease for clear on %s: %w", l.SourceType, err)
	}
	updated := cloneResource(state)
	updated["owner"] = nil
	updated["timestamp"] = time.Now().UTC().Format(timestampLayout)
	next, err := m.store.Update(ctx, listenerResourceType, state.ID(), updated)
	if err != nil {
		return fmt.Errorf("listeners: clear lease for %s: %w", l.SourceType, err)
	}
	l.State = next
	m.cache.Remove(l.SourceType)
	return nil
}

func parseTimestamp(v any, now time.Time) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return now
	}
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return now
	}
	return t
}

func cloneResource(r store.Resource) store.Resource {
	out := make(store.Resource, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
