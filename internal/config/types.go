package config

import (
	"encoding/json"
)

type Config struct {
	Node    NodeConfig    `json:"node"`
	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	// Scheduler controls the tick loop and job execution pool.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Schedule is the declarative job table (name -> job spec).
	// Parsing/validation of each entry is owned by internal/schedule;
	// config only transports the raw documents so a single bad job
	// doesn't reject the whole file here.
	Schedule map[string]json.RawMessage `json:"schedule,omitempty"`

	// API exposes the node HTTP surface (peer queries + schedule management).
	API APIConfig `json:"api,omitempty"`

	// Peers lists the other fleet nodes used for cluster-scope admission.
	Peers PeersConfig `json:"peers,omitempty"`

	// Coordination configures the distributed semaphore backend.
	Coordination CoordinationConfig `json:"coordination,omitempty"`

	Alerts  *AlertsConfig  `json:"alerts,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
}

type NodeConfig struct {
	// ID identifies this node in the fleet. Defaults to the hostname.
	ID string `json:"id,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warnings/errors to the operator alert channel
// (see the alerts section for the transport settings).
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the trigger loop and the execution pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "1s"
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - gather_timeout: "4s" (cluster-scope running query)
//   - history_size: 200
//   - schedule_file: "./fleetd_schedule.yaml"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	TickInterval string `json:"tick_interval,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	QueueSize    int    `json:"queue_size,omitempty"`

	// DefaultTimeout bounds a single job function invocation.
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// GatherTimeout bounds the whole cluster-scope running-job query.
	GatherTimeout string `json:"gather_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`

	// ScheduleFile is where job specs + bookkeeping are persisted
	// so intervals survive a restart.
	ScheduleFile string `json:"schedule_file,omitempty"`

	// ProcDir holds one record per in-flight job (crash recovery).
	ProcDir string `json:"proc_dir,omitempty"`

	// Trigger timezone (IANA name); empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// APIConfig controls the node HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:4640") unless peers
//     need to reach this node for cluster-scope queries.
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:4640"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// PeersConfig lists the other nodes queried for cluster-scope admission.
type PeersConfig struct {
	// Nodes are base URLs, e.g. "http://10.0.0.2:4640".
	Nodes []string `json:"nodes,omitempty"`

	// Token authenticates outgoing peer queries (bearer).
	Token string `json:"token,omitempty"`

	// QueryTimeout bounds a single peer request. A peer that doesn't
	// answer in time contributes zero to the cluster count.
	QueryTimeout string `json:"query_timeout,omitempty"` // default "2s"
}

// CoordinationConfig selects the coordination service backing the
// distributed semaphore.
//
// Backend values:
//   - "zookeeper": real ensemble (servers required)
//   - "memory": in-process single-node backend
//   - "" / "none": coordinator disabled; jobs requiring a lease are skipped
type CoordinationConfig struct {
	Backend        string   `json:"backend,omitempty"`
	Servers        []string `json:"servers,omitempty"`
	SessionTimeout string   `json:"session_timeout,omitempty"` // default "10s"
	Prefix         string   `json:"prefix,omitempty"`          // default "/fleetd"
}

// AlertsConfig configures the Telegram transport used by the log alert
// sink and failure notifications.
type AlertsConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`

	// NotifyFailures sends a message for every failed job return.
	NotifyFailures bool `json:"notify_failures,omitempty"`
}

// StorageConfig controls the optional run-history persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./fleetd_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
