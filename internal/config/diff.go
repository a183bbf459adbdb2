package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "fleetd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) a list of job names whose schedule entry changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Node
	if strings.TrimSpace(oldCfg.Node.ID) != strings.TrimSpace(newCfg.Node.ID) {
		changed = append(changed, "node")
		attrs = append(attrs, logx.String("node.id", strings.TrimSpace(newCfg.Node.ID)))
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.Alert != newCfg.Logging.Alert {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	// Scheduler
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Schedule (job table): report names, never the raw documents
	// (kwargs may carry secrets).
	jobsChanged := diffScheduleNames(oldCfg.Schedule, newCfg.Schedule)
	if len(jobsChanged) > 0 {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Int("schedule.jobs", len(newCfg.Schedule)),
			logx.Int("schedule.changed", len(jobsChanged)),
		)
	}

	// API (never log token)
	if oldCfg.API.Enabled != newCfg.API.Enabled ||
		strings.TrimSpace(oldCfg.API.Addr) != strings.TrimSpace(newCfg.API.Addr) ||
		oldCfg.API.AllowInsecure != newCfg.API.AllowInsecure ||
		strings.TrimSpace(oldCfg.API.ReadTimeout) != strings.TrimSpace(newCfg.API.ReadTimeout) ||
		strings.TrimSpace(oldCfg.API.WriteTimeout) != strings.TrimSpace(newCfg.API.WriteTimeout) ||
		strings.TrimSpace(oldCfg.API.IdleTimeout) != strings.TrimSpace(newCfg.API.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.API.Token) != "") != (strings.TrimSpace(newCfg.API.Token) != "") {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
		)
	}

	// Peers (never log token)
	if !reflect.DeepEqual(oldCfg.Peers.Nodes, newCfg.Peers.Nodes) ||
		strings.TrimSpace(oldCfg.Peers.QueryTimeout) != strings.TrimSpace(newCfg.Peers.QueryTimeout) ||
		(strings.TrimSpace(oldCfg.Peers.Token) != "") != (strings.TrimSpace(newCfg.Peers.Token) != "") {
		changed = append(changed, "peers")
		attrs = append(attrs,
			logx.Int("peers.count", len(newCfg.Peers.Nodes)),
			logx.String("peers.query_timeout", strings.TrimSpace(newCfg.Peers.QueryTimeout)),
		)
	}

	// Coordination
	if oldCfg.Coordination.Backend != newCfg.Coordination.Backend ||
		!reflect.DeepEqual(oldCfg.Coordination.Servers, newCfg.Coordination.Servers) ||
		strings.TrimSpace(oldCfg.Coordination.SessionTimeout) != strings.TrimSpace(newCfg.Coordination.SessionTimeout) ||
		strings.TrimSpace(oldCfg.Coordination.Prefix) != strings.TrimSpace(newCfg.Coordination.Prefix) {
		changed = append(changed, "coordination")
		attrs = append(attrs,
			logx.String("coordination.backend", strings.TrimSpace(newCfg.Coordination.Backend)),
			logx.Int("coordination.servers", len(newCfg.Coordination.Servers)),
		)
	}

	// Alerts (never log token)
	oA := derefAlerts(oldCfg.Alerts)
	nA := derefAlerts(newCfg.Alerts)
	if (oldCfg.Alerts != nil) != (newCfg.Alerts != nil) ||
		oA.Enabled != nA.Enabled || oA.ChatID != nA.ChatID || oA.ThreadID != nA.ThreadID ||
		oA.NotifyFailures != nA.NotifyFailures ||
		(strings.TrimSpace(oA.Token) != "") != (strings.TrimSpace(nA.Token) != "") {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", nA.Enabled),
			logx.Bool("alerts.chat_set", nA.ChatID != 0),
			logx.Bool("alerts.notify_failures", nA.NotifyFailures),
		)
	}

	// Storage
	oS := derefStorage(oldCfg.Storage)
	nS := derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.String("storage.path", strings.TrimSpace(nS.Path)),
		)
	}

	return changed, attrs, jobsChanged
}

func diffScheduleNames(oldS, newS map[string]json.RawMessage) []string {
	names := map[string]struct{}{}
	for name, raw := range newS {
		old, ok := oldS[name]
		if !ok || !rawEqual(old, raw) {
			names[name] = struct{}{}
		}
	}
	for name := range oldS {
		if _, ok := newS[name]; !ok {
			names[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// rawEqual compares two raw documents semantically (key order and
// whitespace don't count as a change).
func rawEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return string(a) == string(b)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return string(a) == string(b)
	}
	return reflect.DeepEqual(av, bv)
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
