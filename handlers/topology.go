// Package handlers declares the map/reduce handler topology, validates it
// at startup, and carries the handler-context/function-wrapper machinery
// the engine calls through.
//
// A Topology is a two-level mapping target type -> source type -> Spec. A
// Spec describes one edge of that mapping: whether it is a map or reduce
// handler, its declared version (used to detect handler changes and
// trigger resync), the handler function itself, and — for reduce specs
// only — an optional pre-reduce transform.
package handlers

import (
	"fmt"
	"sort"
	"time"
)

// Type distinguishes a map handler from a reduce handler.
type Type string

const (
	Map    Type = "map"
	Reduce Type = "reduce"
)

// Spec is one target<-source handler edge of a Topology.
type Spec struct {
	Type    Type
	Version int
	Handler HandlerFunc
	// Map is only valid on a Reduce spec: it transforms the iterable of
	// mapped resources before the reducer consumes them.
	Map HandlerFunc
	// Name identifies the handler in logs and error messages, since a Go
	// closure has no usable name of its own (func.py's get_handler_identifier
	// relied on __module__/__name__, which bound closures don't carry in Go).
	Name string
}

// Topology is target type -> source type -> Spec.
type Topology map[string]map[string]Spec

// ValidationError is raised by Validate; the worker aborts startup on it.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: "handler configuration error: " + fmt.Sprintf(format, args...)}
}

// Validate checks the structural rules a Topology must satisfy before the
// worker starts processing notifications, and the host clock's monotonic
// resolution (_mr_timestamp tie-breaking depends on it, §4.1/§9).
func Validate(topo Topology) error {
	if err := checkMonotonicClock(); err != nil {
		return err
	}

	targetType := map[string]Type{}
	for target, sources := range topo {
		types := map[Type]bool{}
		for _, spec := range sources {
			types[spec.Type] = true
		}
		if len(types) > 1 {
			return validationErrorf(
				"%s: all handlers of a single target must have the same type, but more than one type is used",
				target)
		}
		var only Type
		for t := range types {
			only = t
		}
		targetType[target] = only

		if only == Reduce && len(sources) != 1 {
			return validationErrorf(
				"%s: currently only one handler is supported for a reduce target, but %d sources found",
				target, len(sources))
		}
	}

	for target, sources := range topo {
		for source, spec := range sources {
			if err := validateSpecFields(target, source, spec); err != nil {
				return err
			}
			if spec.Type == Reduce {
				sourceType, ok := targetType[source]
				if !ok || sourceType != Map {
					return validationErrorf(
						"%s <- %s: source resource for a reduce target must be defined as a map target resource",
						target, source)
				}
			}
		}
	}
	return nil
}

func validateSpecFields(target, source string, spec Spec) error {
	if spec.Type != Map && spec.Type != Reduce {
		return validationErrorf("%s <- %s: handler type must be \"map\" or \"reduce\", got %q",
			target, source, spec.Type)
	}
	if spec.Handler == nil {
		return validationErrorf("%s <- %s: missing required handler field: handler", target, source)
	}
	if spec.Type == Map && spec.Map != nil {
		return validationErrorf("%s <- %s: unknown handler field: map (only valid on reduce)", target, source)
	}
	return nil
}

// checkMonotonicClock fails fast if the host clock cannot produce strictly
// increasing nanosecond timestamps, which _mr_timestamp tie-breaking relies
// on (§4.1, §9 "Clock requirement").
func checkMonotonicClock() error {
	a := time.Now().UnixNano()
	b := time.Now().UnixNano()
	if b <= a {
		return validationErrorf("host clock does not provide strictly increasing nanosecond timestamps")
	}
	return nil
}

// Tables are the registry's two derived lookup tables plus the reduce-source
// set (§4.1).
type Tables struct {
	// Mappers maps source type -> every (target type, spec) whose source is this type.
	Mappers map[string][]TargetSpec
	// Reducers maps source type -> every (target type, spec) whose source is this type.
	Reducers map[string][]TargetSpec
	// ReduceSources is the set of source types that are themselves consumed by some reduce handler.
	ReduceSources map[string]bool
}

// TargetSpec pairs a target type with the Spec that produces it from a given source.
type TargetSpec struct {
	Target string
	Spec   Spec
}

// BuildTables derives the Mappers/Reducers/ReduceSources lookup tables from a Topology.
func BuildTables(topo Topology) Tables {
	tables := Tables{
		Mappers:       map[string][]TargetSpec{},
		Reducers:      map[string][]TargetSpec{},
		ReduceSources: map[string]bool{},
	}

	targets := make([]string, 0, len(topo))
	for target := range topo {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	for _, target := range targets {
		sources := make([]string, 0, len(topo[target]))
		for source := range topo[target] {
			sources = append(sources, source)
		}
		sort.Strings(sources)

		for _, source := range sources {
			spec := topo[target][source]
			switch spec.Type {
			case Map:
				tables.Mappers[source] = append(tables.Mappers[source], TargetSpec{Target: target, Spec: spec})
			case Reduce:
				tables.Reducers[source] = append(tables.Reducers[source], TargetSpec{Target: target, Spec: spec})
				tables.ReduceSources[source] = true
			}
		}
	}
	return tables
}
