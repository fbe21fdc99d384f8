package main

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"vssbench/internal/bench"
	"vssbench/internal/config"
	"vssbench/internal/eventbus"
	"vssbench/internal/runtime/supervisor"
	"vssbench/internal/status"
	"vssbench/internal/storage"
	logx "vssbench/pkg/logx"
	"vssbench/pkg/systemd"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run benchmarks on a schedule and serve their status over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, mgr, err := root.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, mgr)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, mgr *config.Manager) error {
	logSvc, log := logx.New(cfg.Logging.Logx())
	defer logSvc.Close()

	store, err := storage.Open(cfg.StorageConfig(), log)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	current := func() *config.Config { return cfg }
	if mgr != nil {
		mgr.SetLogger(log)
		current = mgr.Get
	}

	bus := eventbus.New()
	runner := bench.NewRunner(store, bus, log)
	sched := bench.NewScheduler(runner, current, log)

	sup := supervisor.New(ctx, supervisor.WithLogger(log), supervisor.WithCancelOnError(true))
	if err := sched.Start(sup.Context()); err != nil {
		_ = sup.Stop(context.Background())
		return err
	}

	if mgr != nil {
		updates := mgr.Subscribe(1)
		sup.GoRestart("config.watch", mgr.Watch)
		sup.Go("config.apply", func(ctx context.Context) error {
			defer mgr.Unsubscribe(updates)
			for {
				select {
				case <-ctx.Done():
					return nil
				case next := <-updates:
					_, _ = systemd.Reloading()
					logSvc.Apply(next.Logging.Logx())
					if err := sched.Apply(next.Bench.Schedule); err != nil {
						log.Warn("schedule not applied", logx.Err(err))
					}
					_, _ = systemd.Ready()
				}
			}
		})
	}

	sup.Go("events", func(ctx context.Context) error {
		events, unsub := bus.Subscribe(64, eventbus.TypeRunFinished, eventbus.TypeBroadcastAborted)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				switch d := ev.Data.(type) {
				case eventbus.RunEvent:
					_, _ = systemd.Status("last run " + d.RunID + " failed=" + strconv.Itoa(d.Failed))
				case eventbus.BroadcastEvent:
					log.Debug("broadcast aborted", logx.String("tag", d.Tag), logx.Int("sender", d.Sender), logx.String("error", d.Error))
				}
			}
		}
	})

	if cfg.Status.Enabled {
		srv := status.New(sched, runner,
			status.WithStore(store),
			status.WithPprof(cfg.Status.Pprof),
			status.WithLogger(log),
		)
		addr := cfg.Status.Addr
		sup.Go("status", func(ctx context.Context) error { return srv.Serve(ctx, addr) })
	}
	sup.Go("systemd.watchdog", systemd.Watchdog)

	if cfg.Bench.RunOnStart {
		if _, err := sched.Trigger(); err != nil {
			log.Warn("initial run not started", logx.Err(err))
		}
	}
	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	}
	log.Info("vssbench serving",
		logx.String("schedule", cfg.Bench.Schedule),
		logx.Bool("status", cfg.Status.Enabled),
		logx.String("storage", cfg.Storage.Driver),
	)

	<-sup.Context().Done()
	_, _ = systemd.Stopping()
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		log.Warn("scheduler stop timed out", logx.Err(err))
	}
	if err := sup.Stop(stopCtx); err != nil {
		log.Warn("supervisor stop", logx.Err(err))
	}
	return sup.Err()
}
