package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord records one job invocation, including skipped ones.
// Keep it compact and schema-stable.
type RunRecord struct {
	JID        string    `json:"jid"`
	Job        string    `json:"job"`
	Function   string    `json:"function"`
	Node       string    `json:"node,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	SkipReason string    `json:"skip_reason,omitempty"`
	ResultJSON string    `json:"result,omitempty"`
}
