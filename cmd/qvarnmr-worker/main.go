// Command qvarnmr-worker runs one map/reduce worker: it resolves a
// registered handler topology, acquires the listener leases that topology
// needs, resyncs any handler whose version has changed, and then processes
// notifications either once or forever, matching qvarnmr/scripts/worker.py.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/vaultit/qvarn-mr/config"
	"github.com/vaultit/qvarn-mr/handlers"
	"github.com/vaultit/qvarn-mr/logging"
	"github.com/vaultit/qvarn-mr/metrics"
	"github.com/vaultit/qvarn-mr/store"
	"github.com/vaultit/qvarn-mr/worker"
)

var (
	configPath = flag.String("c", "", "app config file (required)")
	forever    = flag.Bool("f", false, "process changes forever")
	statusOnly = flag.Bool("status", false, "check store connectivity for every resource type the topology touches, then exit")
	logFlags   = logging.RegisterFlags()
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s HANDLERS -c CONFIG [-f]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("qvarnmr-worker: exactly one HANDLERS argument is required")
	}
	handlersName := flag.Arg(0)
	if *configPath == "" {
		return fmt.Errorf("qvarnmr-worker: -c is required")
	}

	topo, err := handlers.Lookup(handlersName)
	if err != nil {
		return fmt.Errorf("qvarnmr-worker: %w", err)
	}
	if err := handlers.Validate(topo); err != nil {
		return fmt.Errorf("qvarnmr-worker: %w", err)
	}

	cfg, err := config.ParseFile(*configPath)
	if err != nil {
		return err
	}
	engineCfg := cfg.Engine()

	logger := logging.Init("qvarnmr-worker", logFlags.ToConfig())
	logger.Info("starting map/reduce worker", "handlers", handlersName, "instance", engineCfg.Instance,
		"started_at", time.Now().UTC().Format(time.RFC3339))

	client := newStoreClient(cfg)
	ctx := context.Background()

	if *statusOnly {
		return statusCheck(ctx, client, topo)
	}

	rec, err := metrics.New(ctx, metricsConfig("qvarnmr-worker"))
	if err != nil {
		logger.Warn("metrics disabled: failed to start exporter", "error", err)
		rec = nil
	}

	workerCfg := worker.Config{
		Instance:      engineCfg.Instance,
		Forever:       *forever,
		LeaseInterval: time.Duration(engineCfg.KeepAliveUpdateInterval * float64(time.Second)),
		LeaseTimeout:  time.Duration(engineCfg.KeepAliveTimeout * float64(time.Second)),
	}
	return worker.Run(ctx, client, topo, workerCfg, logger, rec)
}

// statusCheck exercises the store's liveness contract (version endpoint plus
// a cheap search against every resource type the topology touches) without
// starting the worker loop (§D, "operational liveness").
func statusCheck(ctx context.Context, client store.Client, topo handlers.Topology) error {
	seen := map[string]bool{}
	var types []string
	for target, sources := range topo {
		if !seen[target] {
			seen[target] = true
			types = append(types, target)
		}
		for source := range sources {
			if !seen[source] {
				seen[source] = true
				types = append(types, source)
			}
		}
	}
	sort.Strings(types)

	if _, err := client.GetVersion(ctx); err != nil {
		return fmt.Errorf("qvarnmr-worker: status: %w", err)
	}
	if err := client.StatusCheck(ctx, types); err != nil {
		return fmt.Errorf("qvarnmr-worker: status: %w", err)
	}
	fmt.Println("ok")
	return nil
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

func metricsConfig(service string) metrics.Config {
	return metrics.Config{
		Enabled:          config.GetEnvBool("QVARNMR_METRICS_ENABLED", false),
		OTLPEndpoint:     config.GetEnv("QVARNMR_OTLP_ENDPOINT", "localhost:4317"),
		ExportIntervalMS: config.GetEnvInt("QVARNMR_METRICS_EXPORT_INTERVAL_MS", 15000),
		ServiceName:      service,
		ServiceVersion:   config.GetEnvOrYAML("QVARNMR_VERSION", "service_version", "dev"),
	}
}
