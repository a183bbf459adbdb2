package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"fleetd/internal/alerts"
	"fleetd/internal/config"
	"fleetd/internal/peers"
	"fleetd/internal/observability/pprof"
	"fleetd/internal/services/scheduler"
	"fleetd/internal/storage"
	logx "fleetd/pkg/logx"
)

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func nodeID(cfg *config.Config) string {
	if id := strings.TrimSpace(cfg.Node.ID); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "fleetd"
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := parseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	defTimeout, err := parseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	gather, err := parseDurationOrDefault("scheduler.gather_timeout", cfg.Scheduler.GatherTimeout, 4*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	if cfg.Scheduler.Workers < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.workers must be >= 0")
	}
	if cfg.Scheduler.QueueSize < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.queue_size must be >= 0")
	}
	if cfg.Scheduler.HistorySize < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.history_size must be >= 0")
	}
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		TickInterval:   tick,
		Workers:        cfg.Scheduler.Workers,
		QueueSize:      cfg.Scheduler.QueueSize,
		DefaultTimeout: defTimeout,
		GatherTimeout:  gather,
		HistorySize:    cfg.Scheduler.HistorySize,
		NodeID:         nodeID(cfg),
	}, nil
}

func scheduleFilePath(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Scheduler.ScheduleFile); p != "" {
		return p
	}
	return "./fleetd_schedule.yaml"
}

func procDirPath(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Scheduler.ProcDir); p != "" {
		return p
	}
	return "./fleetd_proc"
}

func schedulerLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapAPIConfig(cfg *config.Config) (peers.ServerConfig, error) {
	rt, err := parseDurationField("api.read_timeout", cfg.API.ReadTimeout)
	if err != nil {
		return peers.ServerConfig{}, err
	}
	wt, err := parseDurationField("api.write_timeout", cfg.API.WriteTimeout)
	if err != nil {
		return peers.ServerConfig{}, err
	}
	it, err := parseDurationField("api.idle_timeout", cfg.API.IdleTimeout)
	if err != nil {
		return peers.ServerConfig{}, err
	}
	return peers.ServerConfig{
		Enabled:       cfg.API.Enabled,
		Addr:          cfg.API.Addr,
		Token:         cfg.API.Token,
		AllowInsecure: cfg.API.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
		NodeID:        nodeID(cfg),
	}, nil
}

func mapPeersConfig(cfg *config.Config) (peers.ClientConfig, error) {
	qt, err := parseDurationOrDefault("peers.query_timeout", cfg.Peers.QueryTimeout, 2*time.Second)
	if err != nil {
		return peers.ClientConfig{}, err
	}
	return peers.ClientConfig{
		Nodes:        cfg.Peers.Nodes,
		Token:        cfg.Peers.Token,
		QueryTimeout: qt,
	}, nil
}

func mapCoordConfig(cfg *config.Config) (backend string, sessionTimeout time.Duration, err error) {
	backend = strings.ToLower(strings.TrimSpace(cfg.Coordination.Backend))
	switch backend {
	case "", "none", "memory", "zookeeper":
	default:
		return "", 0, fmt.Errorf("coordination.backend: unknown %q", backend)
	}
	sessionTimeout, err = parseDurationOrDefault("coordination.session_timeout", cfg.Coordination.SessionTimeout, 10*time.Second)
	if err != nil {
		return "", 0, err
	}
	if backend == "zookeeper" && len(cfg.Coordination.Servers) == 0 {
		return "", 0, fmt.Errorf("coordination.servers is required for the zookeeper backend")
	}
	return backend, sessionTimeout, nil
}

func coordPrefix(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Coordination.Prefix); p != "" {
		return p
	}
	return "/fleetd"
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := parseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}

func mapAlertsConfig(cfg *config.Config) *alerts.Config {
	if cfg.Alerts == nil || !cfg.Alerts.Enabled {
		return nil
	}
	return &alerts.Config{
		Enabled:        true,
		Token:          cfg.Alerts.Token,
		ChatID:         cfg.Alerts.ChatID,
		ThreadID:       cfg.Alerts.ThreadID,
		NotifyFailures: cfg.Alerts.NotifyFailures,
	}
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	rt, err := parseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	wt, err := parseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	it, err := parseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              cfg.Pprof.Enabled,
		Addr:                 cfg.Pprof.Addr,
		Prefix:               cfg.Pprof.Prefix,
		Token:                cfg.Pprof.Token,
		AllowInsecure:        cfg.Pprof.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
		BlockProfileRate:     cfg.Pprof.BlockProfileRate,
		MemProfileRate:       cfg.Pprof.MemProfileRate,
	}, nil
}
