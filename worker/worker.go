// Package worker drives the full map/reduce protocol for one process:
// acquiring listener leases, running the resync driver interleaved with
// live notifications, then looping over live notifications until told to
// stop, releasing every lease on the way out (§4.9, ported from
// qvarnmr/scripts/worker.py).
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vaultit/qvarn-mr/engine"
	"github.com/vaultit/qvarn-mr/handlers"
	"github.com/vaultit/qvarn-mr/listeners"
	"github.com/vaultit/qvarn-mr/metrics"
	"github.com/vaultit/qvarn-mr/resync"
	"github.com/vaultit/qvarn-mr/store"
)

// DefaultIdleSleep is how long the steady-state loop waits before polling
// again after a round that processed nothing.
const DefaultIdleSleep = 500 * time.Millisecond

// Config configures one worker run.
type Config struct {
	// Instance names this worker instance for lease ownership and handler
	// version records.
	Instance string
	// Forever keeps the steady-state loop running after it drains every
	// pending notification, polling again after IdleSleep. Without it, the
	// loop exits as soon as a round processes zero notifications.
	Forever bool

	IdleSleep       time.Duration
	LeaseInterval   time.Duration
	LeaseTimeout    time.Duration
	ResyncChunkSize int
}

// Run validates topo, acquires one lease per source type, performs the
// handler-version resync, and then either drains every pending notification
// once (Forever false) or loops indefinitely (Forever true). Once the
// initial lease check has passed, every exit path — success, a processing
// error, or a later Busy conflict — releases the leases this run acquired
// before returning. A Busy conflict at the initial check returns without
// touching any lease, since another worker holds it.
func Run(ctx context.Context, client store.Client, topo handlers.Topology, cfg Config, logger *slog.Logger, rec *metrics.Recorder) error {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = DefaultIdleSleep
	}

	if err := handlers.Validate(topo); err != nil {
		return err
	}

	leaseMgr := listeners.New(client, listeners.Config{
		Instance: cfg.Instance,
		Interval: cfg.LeaseInterval,
		Timeout:  cfg.LeaseTimeout,
	})
	leaseMgr.Metrics = rec

	owned, err := leaseMgr.AcquireAll(ctx, topo)
	if err != nil {
		return fmt.Errorf("worker: acquire leases: %w", err)
	}

	eng := engine.New(client, topo)
	eng.Metrics = rec
	eng.Logger = logger

	// Immediately check whether another instance is already running, before
	// doing any work, so a conflict fails fast (§4.9 step 3).
	if err := leaseMgr.RefreshAll(ctx, owned); err != nil {
		logBusy(logger, err)
		return err
	}

	keepAlive := func() {
		if err := leaseMgr.RefreshAll(ctx, owned); err != nil {
			logger.Warn("lease refresh failed", "error", err)
		}
	}
	eng.AddCallback(engine.EventMapHandlerProcessed, keepAlive)
	eng.AddCallback(engine.EventReduceHandlerProcessed, keepAlive)

	runErr := run(ctx, client, eng, topo, owned, leaseMgr, cfg, logger)

	if clearErr := leaseMgr.ClearAll(ctx, owned); clearErr != nil {
		logger.Warn("failed to release one or more leases on exit", "error", clearErr)
		if runErr == nil {
			return fmt.Errorf("worker: release leases: %w", clearErr)
		}
	}
	return runErr
}

func logBusy(logger *slog.Logger, err error) {
	var busy *listeners.BusyError
	if errors.As(err, &busy) {
		logger.Error("another instance already holds the lease", "source_type", busy.SourceType, "owner", busy.Owner)
	}
}

func run(ctx context.Context, client store.Client, eng *engine.Engine, topo handlers.Topology, owned []*listeners.Listener, leaseMgr *listeners.LeaseManager, cfg Config, logger *slog.Logger) error {
	d := resync.New(client, cfg.Instance)
	if cfg.ResyncChunkSize > 0 {
		d.ChunkSize = cfg.ResyncChunkSize
	}
	d.Metrics = eng.Metrics
	d.Logger = logger

	// Full resync for new or changed handlers. We don't want to suspend the
	// whole engine while it runs, so live notifications are drained and
	// processed between every chunk (§4.9 step 5).
	onChunk := func(ctx context.Context) error {
		return drainAndProcess(ctx, client, eng, owned, false)
	}
	if err := d.Run(ctx, eng, topo, onChunk); err != nil {
		return fmt.Errorf("worker: resync: %w", err)
	}

	logger.Info("entering the main loop")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		processed, err := drainAndProcessCount(ctx, client, eng, owned)
		if err != nil {
			return fmt.Errorf("worker: process changes: %w", err)
		}

		if processed == 0 {
			if !cfg.Forever {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.IdleSleep):
			}
			if err := leaseMgr.RefreshAll(ctx, owned); err != nil {
				logBusy(logger, err)
				return err
			}
		}
	}
}

func drainAndProcess(ctx context.Context, client store.Client, eng *engine.Engine, owned []*listeners.Listener, isResync bool) error {
	changes, err := listeners.FetchNotifications(ctx, client, owned)
	if err != nil {
		return fmt.Errorf("worker: fetch notifications: %w", err)
	}
	_, err = eng.ProcessChanges(ctx, changes, isResync)
	return err
}

func drainAndProcessCount(ctx context.Context, client store.Client, eng *engine.Engine, owned []*listeners.Listener) (int, error) {
	changes, err := listeners.FetchNotifications(ctx, client, owned)
	if err != nil {
		return 0, fmt.Errorf("worker: fetch notifications: %w", err)
	}
	return eng.ProcessChanges(ctx, changes, false)
}
