// Command qvarnmr-resync replays every resource of one source type through
// the map/reduce engine as synthetic notifications, then removes derived
// rows whose source no longer exists. It is the coarse, handler-version-
// agnostic counterpart to the `resync` package the worker drives
// automatically — kept for the same one-off "re-derive this resource type
// right now" use matching qvarnmr/scripts/resync.py.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vaultit/qvarn-mr/config"
	"github.com/vaultit/qvarn-mr/engine"
	"github.com/vaultit/qvarn-mr/handlers"
	"github.com/vaultit/qvarn-mr/logging"
	"github.com/vaultit/qvarn-mr/store"
)

var (
	configPath = flag.String("c", "", "app config file")
	logFlags   = logging.RegisterFlags()
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s HANDLERS RESOURCE_TYPE -c CONFIG\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if flag.NArg() != 2 {
		flag.Usage()
		return fmt.Errorf("qvarnmr-resync: HANDLERS and RESOURCE_TYPE are both required")
	}
	handlersName := flag.Arg(0)
	resourceType := flag.Arg(1)
	if *configPath == "" {
		return fmt.Errorf("qvarnmr-resync: -c is required")
	}

	topo, err := handlers.Lookup(handlersName)
	if err != nil {
		return fmt.Errorf("qvarnmr-resync: %w", err)
	}
	if err := handlers.Validate(topo); err != nil {
		return fmt.Errorf("qvarnmr-resync: %w", err)
	}

	cfg, err := config.ParseFile(*configPath)
	if err != nil {
		return err
	}

	logger := logging.Init("qvarnmr-resync", logFlags.ToConfig())
	logger.Info("resyncing resource type", "handlers", handlersName, "resource_type", resourceType)

	client := newStoreClient(cfg)
	eng := engine.New(client, topo)
	eng.Logger = logger

	return resyncResourceType(context.Background(), client, eng, topo, resourceType)
}

// resyncResourceType mirrors scripts/resync.py's resync(): first it replays
// every currently-existing resource of resourceType as an UPDATED
// notification, then it finds derived rows descended from resourceType
// whose _mr_source_id no longer names a live resource and replays those ids
// as DELETED notifications, so rows whose source has vanished since the
// last full resync get cleaned up too.
func resyncResourceType(ctx context.Context, client store.Client, eng *engine.Engine, topo handlers.Topology, resourceType string) error {
	ids, err := client.GetList(ctx, resourceType)
	if err != nil {
		return fmt.Errorf("qvarnmr-resync: list %s: %w", resourceType, err)
	}

	existing := make(map[string]bool, len(ids))
	changes := make([]engine.Notification, len(ids))
	for i, id := range ids {
		existing[id] = true
		changes[i] = engine.Notification{
			ResourceType:   resourceType,
			ResourceChange: engine.Updated,
			ResourceID:     id,
			Generated:      true,
		}
	}
	if _, err := eng.ProcessChanges(ctx, changes, true); err != nil {
		return fmt.Errorf("qvarnmr-resync: replay %s: %w", resourceType, err)
	}

	tables := handlers.BuildTables(topo)
	stale, err := findUnprocessedIDs(ctx, client, tables, resourceType, existing)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	deletions := make([]engine.Notification, len(stale))
	for i, id := range stale {
		deletions[i] = engine.Notification{
			ResourceType:   resourceType,
			ResourceChange: engine.Deleted,
			ResourceID:     id,
			Generated:      true,
		}
	}
	if _, err := eng.ProcessChanges(ctx, deletions, true); err != nil {
		return fmt.Errorf("qvarnmr-resync: sweep stale %s: %w", resourceType, err)
	}
	return nil
}

// findUnprocessedIDs collects every _mr_source_id recorded on a row derived
// from resourceType that no longer names a resource in existing.
func findUnprocessedIDs(ctx context.Context, client store.Client, tables handlers.Tables, resourceType string, existing map[string]bool) ([]string, error) {
	seen := map[string]bool{}
	var stale []string
	for _, ts := range tables.Mappers[resourceType] {
		_, rows, err := client.Search(ctx, store.Search{Type: ts.Target, Show: []string{"_mr_source_id"}, ShowAll: true})
		if err != nil {
			return nil, fmt.Errorf("qvarnmr-resync: search %s for stale source ids: %w", ts.Target, err)
		}
		for _, r := range rows {
			sourceID, _ := r["_mr_source_id"].(string)
			if sourceID == "" || existing[sourceID] || seen[sourceID] {
				continue
			}
			seen[sourceID] = true
			stale = append(stale, sourceID)
		}
	}
	return stale, nil
}

func newStoreClient(cfg *config.Config) store.Client {
	sc := cfg.Store()
	return store.NewHTTPClient(store.HTTPConfig{
		BaseURL:        sc.BaseURL,
		ClientID:       sc.ClientID,
		ClientSecret:   sc.ClientSecret,
		Scope:          sc.Scope,
		VerifyRequests: sc.VerifyRequests,
		Threads:        sc.Threads,
	})
}
