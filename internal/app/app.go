package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"fleetd/internal/actions"
	"fleetd/internal/alerts"
	"fleetd/internal/config"
	"fleetd/internal/coord"
	"fleetd/internal/eventbus"
	"fleetd/internal/observability/pprof"
	"fleetd/internal/peers"
	"fleetd/internal/runtime/supervisor"
	"fleetd/internal/schedule"
	"fleetd/internal/services/scheduler"
	"fleetd/internal/storage"
	"fleetd/internal/track"
	logx "fleetd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	acts *actions.Registry
	reg  *schedule.Registry
	trk  *track.Tracker

	coordConn coord.Conn
	coord     *coord.Coordinator

	pclient *peers.Client
	api     *peers.Server

	sched *scheduler.Service
	pprof *pprof.Service

	alerter  *alerts.Sender
	notifier *alerts.Notifier
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Logging service mapping.
	// Important: logx.New() calls Apply() immediately. If alert logging is
	// enabled but the transport isn't up yet, Apply() warns. Bootstrap with
	// alerts disabled, install the sender, then Apply() the final config.
	baseLogCfg := mapLoggingConfig(cfg)
	finalAlertEnabled := baseLogCfg.Alert.Enabled
	baseLogCfg.Alert.Enabled = false
	logSvc, log := logx.New(baseLogCfg, nil)
	log = log.With(logx.String("comp", "app"))

	var alerter *alerts.Sender
	if acfg := mapAlertsConfig(cfg); acfg != nil {
		alerter, err = alerts.New(*acfg, log.With(logx.String("comp", "alerts")))
		if err != nil {
			return nil, fmt.Errorf("alerts: %w", err)
		}
		logSvc.SetAlertSender(alerter)
	}
	finalLogCfg := baseLogCfg
	finalLogCfg.Alert.Enabled = finalAlertEnabled && alerter != nil
	logSvc.Apply(finalLogCfg)

	bus := eventbus.New()

	// Storage (optional).
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	// Function catalog.
	acts := actions.NewRegistry()
	if err := actions.RegisterBuiltins(acts); err != nil {
		return nil, err
	}
	if err := actions.RegisterService(acts); err != nil {
		return nil, err
	}

	loc, err := schedulerLocation(cfg)
	if err != nil {
		return nil, err
	}

	// Schedule registry: restore persisted bookkeeping first, then
	// overlay the declarative config section.
	reg := schedule.NewRegistry(scheduleFilePath(cfg), loc, log.With(logx.String("comp", "schedule")), acts.Has)
	if err := reg.Load(); err != nil {
		return nil, err
	}
	if res := reg.Reload(cfg.Schedule); len(res.Invalid) > 0 {
		for name, reason := range res.Invalid {
			log.Warn("schedule entry rejected", logx.String("job", name), logx.String("reason", reason))
		}
	}

	// Running-job tracker + crash recovery.
	trk := track.New(procDirPath(cfg), log.With(logx.String("comp", "track")))
	if purged := trk.CleanStale(); purged > 0 {
		log.Info("stale proc records purged", logx.Int("count", purged))
	}

	// Peer fan-out for cluster-scope counting.
	pcfg, err := mapPeersConfig(cfg)
	if err != nil {
		return nil, err
	}
	pclient := peers.NewClient(pcfg, log.With(logx.String("comp", "peers")))
	if len(pcfg.Nodes) > 0 {
		trk.SetPeers(pclient)
	}

	// Coordination backend (optional).
	backend, sessionTimeout, err := mapCoordConfig(cfg)
	if err != nil {
		return nil, err
	}
	var conn coord.Conn
	switch backend {
	case "zookeeper":
		zc, err := coord.DialZK(cfg.Coordination.Servers, sessionTimeout, log.With(logx.String("comp", "zk")))
		if err != nil {
			return nil, fmt.Errorf("coordination: %w", err)
		}
		conn = zc
	case "memory":
		conn = coord.NewMemCluster().Session()
	}
	var coordinator *coord.Coordinator
	if conn != nil {
		coordinator = coord.New(conn, coordPrefix(cfg), log.With(logx.String("comp", "coord")))
		log.Info("coordination enabled", logx.String("backend", backend))
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, scheduler.Deps{
		Registry:    reg,
		Tracker:     trk,
		Coordinator: coordinator,
		Actions:     acts,
		Store:       store,
		Bus:         bus,
	}, log.With(logx.String("comp", "scheduler")))

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	apiSrv := peers.NewServer(apiCfg, reg, trk, log.With(logx.String("comp", "api")))

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	var notifier *alerts.Notifier
	if alerter != nil && cfg.Alerts.NotifyFailures {
		notifier = alerts.NewNotifier(alerter, bus, log.With(logx.String("comp", "alerts")))
	}

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		acts:      acts,
		reg:       reg,
		trk:       trk,
		coordConn: conn,
		coord:     coordinator,
		pclient:   pclient,
		api:       apiSrv,
		sched:     schedSvc,
		pprof:     pprofSvc,
		alerter:   alerter,
		notifier:  notifier,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := schedulerLocation(cfg); err != nil {
			return err
		}
		if _, err := mapAPIConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPeersConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapCoordConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		// Schedule entries are validated individually on reload so one
		// bad job doesn't reject the whole file; nothing to do here.
		return nil
	})

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.api.Enabled() {
		a.api.Start(a.sup.Context())
	}
	if a.pprof != nil && a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}
	if a.notifier != nil {
		a.notifier.Start(a.sup.Context())
	}

	// Hot reload config fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// systemd readiness + watchdog (no-op outside systemd units).
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Any("err", err))
	} else if sent {
		a.startWatchdog()
	}

	a.log.Info("app started")
	return nil
}

func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	// Ping at half the configured watchdog window.
	interval /= 2
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-tk.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs, changedJobs := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Debug("config change summary", fields...)
				if len(changedJobs) > 0 {
					a.log.Debug("schedule changes detected", logx.Any("jobs", changedJobs))
				}
			} else {
				a.log.Debug("config reload received, but no effective changes detected")
			}
			lastApplied = newCfg

			for _, s := range sections {
				if s == "storage" || s == "coordination" {
					a.log.Warn("config section changed; restart required for changes to take effect",
						logx.String("section", s))
				}
			}

			// Logging first so later apply steps report at the new level.
			a.logs.Apply(mapLoggingConfig(newCfg))

			// Declarative schedule overlay.
			res := a.reg.Reload(newCfg.Schedule)
			for name, reason := range res.Invalid {
				a.log.Warn("schedule entry rejected", logx.String("job", name), logx.String("reason", reason))
			}
			if len(res.Added)+len(res.Removed)+len(res.Updated) > 0 {
				a.log.Info("schedule reloaded",
					logx.Int("added", len(res.Added)),
					logx.Int("removed", len(res.Removed)),
					logx.Int("updated", len(res.Updated)),
				)
			}

			// Scheduler execution settings (live).
			if schedCfg, err := mapSchedulerConfig(newCfg); err != nil {
				a.log.Warn("invalid scheduler config; keeping previous", logx.Any("err", err))
			} else {
				a.sched.Apply(c, schedCfg)
			}

			// Peer list (live).
			if pcfg, err := mapPeersConfig(newCfg); err != nil {
				a.log.Warn("invalid peers config; keeping previous", logx.Any("err", err))
			} else {
				a.pclient.Apply(pcfg)
				if len(pcfg.Nodes) > 0 {
					a.trk.SetPeers(a.pclient)
				} else {
					a.trk.SetPeers(nil)
				}
			}

			// API server (live).
			if apiCfg, err := mapAPIConfig(newCfg); err != nil {
				a.log.Warn("invalid api config; keeping previous", logx.Any("err", err))
			} else {
				a.api.Reconfigure(c, apiCfg)
			}

			// pprof (live).
			if ppc, err := mapPprofConfig(newCfg); err != nil {
				a.log.Warn("invalid pprof config; keeping previous", logx.Any("err", err))
			} else {
				a.pprof.Reconfigure(c, ppc)
			}

			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop the trigger loop first so no new launches hit the lease or
	// tracking layers while they unwind.
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	if a.notifier != nil {
		step("alerts", 1*time.Second, func(c context.Context) error { a.notifier.Stop(c); return nil })
	}
	// Closing the session releases any leases this node still holds.
	if a.coordConn != nil {
		step("coordination", 2*time.Second, func(c context.Context) error { return a.coordConn.Close() })
	}
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, watchdog).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
