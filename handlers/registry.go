package handlers

import (
	"fmt"
	"sync"
)

var (
	registryMu sync.Mutex
	registry   = map[string]Topology{}
)

// Register makes a Topology available under name for later lookup by the
// CLI entry points. Go has no analogue of Python's importlib.import_module,
// so a binary that wants its topology selectable by a HANDLERS argument
// must call Register at init time (typically from an init() in the package
// defining the topology) instead of naming a dotted import path (§6, "A.4
// CLI entry points").
func Register(name string, topo Topology) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = topo
}

// Lookup resolves a Topology previously registered under name.
func Lookup(name string) (Topology, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	topo, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("handlers: no topology registered under %q", name)
	}
	return topo, nil
}
